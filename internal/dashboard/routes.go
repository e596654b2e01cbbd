package dashboard

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zulandar/signalbox/internal/presence"
	"github.com/zulandar/signalbox/internal/session"
)

// registerRoutes sets up all dashboard routes on the Gin router.
func registerRoutes(router *gin.Engine, opts StartOpts) {
	api := router.Group("/api")
	api.GET("/visitors", handleVisitors(opts.Source))
	api.GET("/counts", handleCounts(opts.Source))
	api.GET("/training", handleTraining(opts.Source))
	api.GET("/events", handleSSE(opts.Source, opts.Heartbeat))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if opts.Registry != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Registry, promhttp.HandlerOpts{})))
	}
}

// current aborts with 503 when no session is open.
func current(c *gin.Context, src Source) (*session.Session, bool) {
	s := src.Current()
	if s == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "no active session"})
		return nil, false
	}
	return s, true
}

func handleVisitors(src Source) gin.HandlerFunc {
	return func(c *gin.Context) {
		tab, err := presence.ParseCategory(c.Query("tab"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s, ok := current(c, src)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, Visitors(s, tab))
	}
}

func handleCounts(src Source) gin.HandlerFunc {
	return func(c *gin.Context) {
		s, ok := current(c, src)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, CountsOf(s))
	}
}

func handleTraining(src Source) gin.HandlerFunc {
	return func(c *gin.Context) {
		s, ok := current(c, src)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, TrainingOf(s))
	}
}
