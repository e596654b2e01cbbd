package telegraph

import (
	"fmt"

	"github.com/zulandar/signalbox/internal/channel"
	"github.com/zulandar/signalbox/internal/models"
)

// Color constants for event severity.
const (
	ColorSuccess = "#36a64f"
	ColorInfo    = "#2196f3"
	ColorWarning = "#ff9800"
	ColorError   = "#e53935"
)

// severityColor maps a severity string to a sidebar color.
func severityColor(severity string) string {
	switch severity {
	case "success":
		return ColorSuccess
	case "info":
		return ColorInfo
	case "warning":
		return ColorWarning
	case "error":
		return ColorError
	default:
		return ColorInfo
	}
}

// FormatVisitorOnline formats a visitor that just connected.
func FormatVisitorOnline(v models.Visitor) FormattedEvent {
	e := FormattedEvent{
		Title:    fmt.Sprintf("Visitor %s came online", v.EmailOr(v.ID)),
		Severity: "info",
	}
	c := v.Conversation()
	switch {
	case c.HasConversation && !c.IsClosed && c.IsNew:
		e.Body = "New conversation waiting for an agent"
		e.Severity = "warning"
	case c.HasConversation && !c.IsClosed:
		e.Body = "Returning to an open conversation"
	default:
		e.Body = "No open conversation"
	}
	e.Color = severityColor(e.Severity)
	e.Fields = append(e.Fields, Field{Name: "Visitor", Value: v.ID, Short: true})
	if v.IPAddress != "" {
		e.Fields = append(e.Fields, Field{Name: "IP", Value: v.IPAddress, Short: true})
	}
	return e
}

// FormatTraining formats a training completion or failure. Progress
// notices are not announced; ok is false for them.
func FormatTraining(event string, t channel.TrainingNotice) (FormattedEvent, bool) {
	var e FormattedEvent
	switch event {
	case channel.EventTrainingCompleted:
		e.Title = "Training completed"
		e.Severity = "success"
		e.Body = t.Message
		if e.Body == "" {
			e.Body = "All sources are trained."
		}
	case channel.EventTrainingError:
		e.Title = "Training failed"
		e.Severity = "error"
		e.Body = t.Error
		if e.Body == "" {
			e.Body = t.Message
		}
		if e.Body == "" {
			e.Body = "The server reported a training error."
		}
	default:
		return FormattedEvent{}, false
	}
	e.Color = severityColor(e.Severity)
	if org := t.Org(); org != "" {
		e.Fields = append(e.Fields, Field{Name: "Organization", Value: org, Short: true})
	}
	return e, true
}

// Digest is a point-in-time summary of one session.
type Digest struct {
	Traffic    int
	Categories map[string]int
	Untrained  map[models.SourceKind]int
	Job        models.TrainingJob
}

// FormatDigest formats a scheduled summary. Categories are listed in the
// order given by order; zero counts are skipped.
func FormatDigest(d Digest, order []string) FormattedEvent {
	e := FormattedEvent{
		Title:    "Visitor digest",
		Body:     fmt.Sprintf("%d visitor(s) online", d.Traffic),
		Severity: "info",
	}
	for _, name := range order {
		if n := d.Categories[name]; n > 0 {
			e.Fields = append(e.Fields, Field{Name: name, Value: fmt.Sprint(n), Short: true})
		}
	}
	untrained := 0
	for _, n := range d.Untrained {
		untrained += n
	}
	if untrained > 0 {
		e.Severity = "warning"
		e.Fields = append(e.Fields, Field{Name: "Untrained sources", Value: fmt.Sprint(untrained), Short: true})
	}
	switch d.Job.Status {
	case models.JobTraining:
		e.Fields = append(e.Fields, Field{Name: "Training", Value: fmt.Sprintf("%d%%", d.Job.Progress), Short: true})
	case models.JobFailed:
		e.Severity = "error"
		e.Fields = append(e.Fields, Field{Name: "Training", Value: "failed", Short: true})
	}
	e.Color = severityColor(e.Severity)
	return e
}
