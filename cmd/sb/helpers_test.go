package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/zulandar/signalbox/internal/channel"
	"github.com/zulandar/signalbox/internal/config"
	"github.com/zulandar/signalbox/internal/models"
	"github.com/zulandar/signalbox/internal/session"
)

const baseConfig = `organization:
  org_id: org-1
  chatbot_id: bot-1
  plan: Basic
api:
  base_url: https://api.example.com
channel:
  transport: websocket
  url: wss://rt.example.com
`

func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "signalbox.yaml")
	if err := os.WriteFile(path, []byte(baseConfig+extra), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

type fakeAPI struct {
	mu        sync.Mutex
	visitors  []models.Visitor
	snapshot  models.AutomationSnapshot
	updates   []models.AutomationUpdate
	deleted   []string
	triggered int
}

func (f *fakeAPI) GetAllLiveVisitors(context.Context, string) ([]models.Visitor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.visitors, nil
}

func (f *fakeAPI) CreateConversation(context.Context, models.ConversationRequest) (string, error) {
	return "conv-1", nil
}

func (f *fakeAPI) GetAutomation(context.Context) (models.AutomationSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot, nil
}

func (f *fakeAPI) CreateOrUpdateAutomation(_ context.Context, u models.AutomationUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, u)
	return nil
}

func (f *fakeAPI) TriggerTraining(context.Context, string) (models.TriggerAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggered++
	return models.TriggerAck{Status: "started"}, nil
}

func (f *fakeAPI) DeleteTrainingSource(_ context.Context, key string, _ models.SourceKind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, key)
	return nil
}

func (f *fakeAPI) setStatus(status, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshot.TrainingStatus = status
	f.snapshot.TrainingMessage = message
}

// useFakes swaps the REST client and transport for in-memory doubles.
func useFakes(t *testing.T, api *fakeAPI) *channel.MockDialer {
	t.Helper()
	d := channel.NewMockDialer()
	origAPI, origDial := apiFromConfig, dialerFromConfig
	apiFromConfig = func(*config.Config, *zap.Logger) (session.API, error) { return api, nil }
	dialerFromConfig = func(*config.Config, *zap.Logger) (channel.Dialer, error) { return d.Dial, nil }
	t.Cleanup(func() { apiFromConfig, dialerFromConfig = origAPI, origDial })
	return d
}

func online(id string) models.Visitor {
	return models.Visitor{ID: id, ChatbotID: "bot-1", Room: "bot-1:" + id, IsOnline: true, UpdatedAt: time.Now().UTC()}
}

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

// syncBuffer is a bytes.Buffer safe for one writer and one reader.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
