// Package restapi is the HTTP client for the traffic and automation
// endpoints of the chat-support backend.
package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/zulandar/signalbox/internal/models"
	"github.com/zulandar/signalbox/internal/syncerr"
)

const (
	defaultTimeout  = 15 * time.Second
	defaultRetryMax = 3
)

// Opts holds parameters for New.
type Opts struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	RetryMax   int
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client implements the presence and training collaborator interfaces
// over HTTP. GET requests are retried on connection errors and 5xx
// responses; writes are retried only when the request never reached the
// server.
type Client struct {
	base   *url.URL
	token  string
	http   *retryablehttp.Client
	logger *zap.Logger
}

// StatusError is a non-2xx response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.Code)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// New validates opts and creates a Client.
func New(opts Opts) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("restapi: base url is required")
	}
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("restapi: parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("restapi: base url %q must be http or https", opts.BaseURL)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	rc := retryablehttp.NewClient()
	if opts.HTTPClient != nil {
		hc := *opts.HTTPClient
		rc.HTTPClient = &hc
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	rc.HTTPClient.Timeout = timeout
	rc.RetryMax = defaultRetryMax
	if opts.RetryMax > 0 {
		rc.RetryMax = opts.RetryMax
	}
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.Logger = zapLeveled{logger.Named("http")}
	rc.CheckRetry = checkRetry
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Client{base: base, token: opts.Token, http: rc, logger: logger}, nil
}

type methodKey struct{}

// checkRetry retries reads like the default policy and writes only on
// connection failures, so a write the server may have applied is never
// sent twice.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if m, _ := ctx.Value(methodKey{}).(string); m != http.MethodGet {
		return err != nil && resp == nil, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var raw []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("restapi: marshal %s: %w", path, err)
		}
		raw = b
	}
	ctx = context.WithValue(ctx, methodKey{}, method)
	u := c.base.String() + path
	var reqBody any
	if raw != nil {
		reqBody = raw
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return fmt.Errorf("restapi: build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if raw != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return syncerr.Transport(method+" "+path, "", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return syncerr.Transport(method+" "+path, "", fmt.Errorf("read body: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: string(bytes.TrimSpace(data))}
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("restapi: decode %s: %w", path, err)
	}
	return nil
}

// GetAllLiveVisitors implements presence.VisitorAPI.
func (c *Client) GetAllLiveVisitors(ctx context.Context, chatbotID string) ([]models.Visitor, error) {
	var out []models.Visitor
	if err := c.do(ctx, http.MethodGet, "/traffic/"+url.PathEscape(chatbotID), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateConversation implements presence.ConversationAPI and returns the
// new conversation's ID.
func (c *Client) CreateConversation(ctx context.Context, req models.ConversationRequest) (string, error) {
	var out map[string]any
	if err := c.do(ctx, http.MethodPost, "/traffic/create-conversation", req, &out); err != nil {
		return "", err
	}
	id := conversationID(out)
	if id == "" {
		return "", errors.New("restapi: create-conversation: response has no id")
	}
	return id, nil
}

func conversationID(m map[string]any) string {
	if nested, ok := m["conversation"].(map[string]any); ok {
		m = nested
	}
	for _, k := range []string{"conversationId", "conversation_id", "id"} {
		switch v := m[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

// GetAutomation implements training.AutomationAPI.
func (c *Client) GetAutomation(ctx context.Context) (models.AutomationSnapshot, error) {
	var out models.AutomationSnapshot
	err := c.do(ctx, http.MethodGet, "/automations", nil, &out)
	return out, err
}

// CreateOrUpdateAutomation implements training.AutomationAPI.
func (c *Client) CreateOrUpdateAutomation(ctx context.Context, update models.AutomationUpdate) error {
	return c.do(ctx, http.MethodPost, "/automations/update-automation", update, nil)
}

// TriggerTraining implements training.AutomationAPI.
func (c *Client) TriggerTraining(ctx context.Context, chatbotID string) (models.TriggerAck, error) {
	var ack models.TriggerAck
	err := c.do(ctx, http.MethodPost, "/automations/trigger-training", map[string]string{"chatbot_id": chatbotID}, &ack)
	return ack, err
}

// DeleteTrainingSource implements training.AutomationAPI.
func (c *Client) DeleteTrainingSource(ctx context.Context, key string, kind models.SourceKind) error {
	body := map[string]string{"source": key, "type": kind.WireType()}
	return c.do(ctx, http.MethodPost, "/automations/delete-source", body, nil)
}

// zapLeveled adapts a zap logger to retryablehttp.LeveledLogger.
type zapLeveled struct{ l *zap.Logger }

func (z zapLeveled) Error(msg string, kv ...interface{}) { z.l.Sugar().Errorw(msg, kv...) }
func (z zapLeveled) Info(msg string, kv ...interface{})  { z.l.Sugar().Debugw(msg, kv...) }
func (z zapLeveled) Debug(msg string, kv ...interface{}) { z.l.Sugar().Debugw(msg, kv...) }
func (z zapLeveled) Warn(msg string, kv ...interface{})  { z.l.Sugar().Warnw(msg, kv...) }
