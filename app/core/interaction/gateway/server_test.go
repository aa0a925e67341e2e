package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nisbot/app/core/llm"
	"nisbot/app/core/orchestrator/agent"
	"nisbot/app/core/orchestrator/session"
	"nisbot/app/core/orchestrator/task"
	"nisbot/app/pkg/queue"
	"nisbot/app/pkg/types"
)

type testAgent struct {
	replies []string
}

func (a *testAgent) Process(ctx context.Context, msg types.Message, out types.Responder) error {
	replies := a.replies
	if len(replies) == 0 {
		replies = []string{"ok"}
	}
	for _, r := range replies {
		if err := out.Reply(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func (a *testAgent) Name() string {
	return "test"
}

type funcAgent func(context.Context, types.Message, types.Responder) error

func (f funcAgent) Process(ctx context.Context, msg types.Message, out types.Responder) error {
	return f(ctx, msg, out)
}

func (f funcAgent) Name() string {
	return "func"
}

type testChannel struct {
	id       string
	startFn  func(context.Context, func(types.Message)) error
	sendMu   sync.Mutex
	sentMsgs []types.Message
}

func (c *testChannel) Start(ctx context.Context, handler func(types.Message)) error {
	if c.startFn != nil {
		return c.startFn(ctx, handler)
	}
	<-ctx.Done()
	return nil
}

func (c *testChannel) Send(_ context.Context, msg types.Message) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	c.sentMsgs = append(c.sentMsgs, msg)
	return nil
}

func (c *testChannel) ID() string {
	return c.id
}

func (c *testChannel) sent() []types.Message {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	out := make([]types.Message, len(c.sentMsgs))
	copy(out, c.sentMsgs)
	return out
}

func (c *testChannel) waitForSent(t *testing.T, n int) []types.Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		sent := c.sent()
		if len(sent) >= n {
			return sent
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected %d replies, got %d: %+v", n, len(sent), sent)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// feedChannel delivers msgs once and then waits for cancellation.
func feedChannel(id string, msgs ...types.Message) *testChannel {
	ch := &testChannel{id: id}
	ch.startFn = func(ctx context.Context, handler func(types.Message)) error {
		for _, msg := range msgs {
			handler(msg)
		}
		<-ctx.Done()
		return nil
	}
	return ch
}

func runGateway(t *testing.T, gw *DefaultGateway) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("gateway start returned error: %v", err)
		}
	})
	return cancel
}

func startQueue(t *testing.T, buffer int, workers int) *queue.Queue {
	t.Helper()
	q := queue.New(buffer)
	if err := q.Start(context.Background(), workers); err != nil {
		t.Fatalf("queue start failed: %v", err)
	}
	t.Cleanup(func() { _ = q.Stop(200 * time.Millisecond) })
	return q
}

func TestHealthStatusIncludesRegisteredChannels(t *testing.T) {
	gw := NewGateway(&testAgent{})
	gw.RegisterChannel(&testChannel{id: "telegram"})
	gw.RegisterChannel(&testChannel{id: "cli"})

	status := gw.HealthStatus()
	if status.Started {
		t.Fatal("expected gateway to be stopped")
	}
	if len(status.RegisteredChannels) != 2 {
		t.Fatalf("expected 2 channels, got %d", len(status.RegisteredChannels))
	}
	if status.RegisteredChannels[0] != "cli" || status.RegisteredChannels[1] != "telegram" {
		t.Fatalf("channels should be sorted, got %v", status.RegisteredChannels)
	}
	if status.AgentName != "test" {
		t.Fatalf("unexpected agent name: %s", status.AgentName)
	}
}

func TestInlineDispatchDeliversEveryReply(t *testing.T) {
	gw := NewGateway(&testAgent{replies: []string{"Thinking... 🤔", "answer"}})
	ch := feedChannel("cli", types.Message{ID: "m1", Content: "hello", ChannelID: "cli", UserID: "7", ChatID: "70", RequestID: "req-1"})
	gw.RegisterChannel(ch)
	runGateway(t, gw)

	sent := ch.waitForSent(t, 2)
	if sent[0].Content != "Thinking... 🤔" || sent[1].Content != "answer" {
		t.Fatalf("unexpected reply order: %+v", sent)
	}
	for _, msg := range sent {
		if msg.ChatID != "70" || msg.UserID != "7" || msg.RequestID != "req-1" {
			t.Fatalf("reply not addressed to sender: %+v", msg)
		}
		if msg.Role != types.MessageRoleAssistant {
			t.Fatalf("unexpected role: %s", msg.Role)
		}
	}
	if sent[0].ID == sent[1].ID {
		t.Fatalf("expected distinct reply ids, got %q", sent[0].ID)
	}

	status := gw.HealthStatus()
	if !status.Started || status.StartedAt.IsZero() {
		t.Fatalf("expected started gateway, got %+v", status)
	}
	if status.ProcessedMessages != 1 || status.LastMessageAt.IsZero() {
		t.Fatalf("expected one processed message, got %+v", status)
	}
}

func TestQueuedDispatchDeliversReplies(t *testing.T) {
	gw := NewGateway(&testAgent{replies: []string{"Task added!"}})
	gw.SetExecutionQueue(startQueue(t, 8, 2), QueueOptions{Enabled: true, EnqueueTimeout: time.Second})
	ch := feedChannel("cli",
		types.Message{ID: "m1", Content: "a", ChannelID: "cli", UserID: "1", RequestID: "req-1"},
		types.Message{ID: "m2", Content: "b", ChannelID: "cli", UserID: "2", RequestID: "req-2"},
	)
	gw.RegisterChannel(ch)
	runGateway(t, gw)

	sent := ch.waitForSent(t, 2)
	users := map[string]bool{}
	for _, msg := range sent {
		users[msg.UserID] = true
	}
	if !users["1"] || !users["2"] {
		t.Fatalf("expected a reply per sender, got %+v", sent)
	}

	status := gw.HealthStatus()
	if !status.QueueEnabled || status.Queue.Enqueued != 2 {
		t.Fatalf("expected two queued jobs, got %+v", status)
	}
}

type memoryTasks struct {
	mu    sync.Mutex
	tasks []task.Task
}

func (s *memoryTasks) Create(_ context.Context, owner int64, text string) (task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := task.Task{ID: int64(len(s.tasks) + 1), Owner: owner, Text: text}
	s.tasks = append(s.tasks, t)
	return t, nil
}

func (s *memoryTasks) List(context.Context, int64) ([]task.Task, error) { return nil, nil }
func (s *memoryTasks) Delete(context.Context, int64) error { return nil }
func (s *memoryTasks) DeleteOwned(context.Context, int64, int64) error { return nil }

type countingCompleter struct {
	calls atomic.Int32
}

func (c *countingCompleter) Complete(context.Context, string) llm.Result {
	c.calls.Add(1)
	return llm.Result{Text: "completion"}
}

func TestQueuedAddThenTextStoresTask(t *testing.T) {
	const users = 50
	store := &memoryTasks{}
	completer := &countingCompleter{}
	dispatcher := agent.NewDispatcher(store, completer, session.NewTracker(), agent.Options{})

	var msgs []types.Message
	for u := 1; u <= users; u++ {
		userID := fmt.Sprintf("%d", u)
		msgs = append(msgs,
			types.Message{Content: "/add", ChannelID: "telegram", UserID: userID, RequestID: "add-" + userID},
			types.Message{Content: "buy milk " + userID, ChannelID: "telegram", UserID: userID, RequestID: "text-" + userID},
		)
	}

	gw := NewGateway(dispatcher)
	gw.SetExecutionQueue(startQueue(t, 16, 4), QueueOptions{Enabled: true, EnqueueTimeout: time.Second})
	ch := feedChannel("telegram", msgs...)
	gw.RegisterChannel(ch)
	runGateway(t, gw)

	ch.waitForSent(t, 2*users)

	if got := completer.calls.Load(); got != 0 {
		t.Fatalf("task text leaked to completion %d times", got)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.tasks) != users {
		t.Fatalf("expected %d stored tasks, got %d", users, len(store.tasks))
	}
	for _, stored := range store.tasks {
		if want := fmt.Sprintf("buy milk %d", stored.Owner); stored.Text != want {
			t.Fatalf("task stored for wrong owner: %+v", stored)
		}
	}
}

func TestAgentErrorGetsFallbackReply(t *testing.T) {
	gw := NewGateway(funcAgent(func(context.Context, types.Message, types.Responder) error {
		return errors.New("boom")
	}))
	ch := feedChannel("cli", types.Message{ID: "m1", Content: "hi", ChannelID: "cli", UserID: "1"})
	gw.RegisterChannel(ch)
	runGateway(t, gw)

	sent := ch.waitForSent(t, 1)
	if !strings.HasPrefix(sent[0].Content, "Error: ") || !strings.Contains(sent[0].Content, "boom") {
		t.Fatalf("unexpected fallback reply: %q", sent[0].Content)
	}
	time.Sleep(10 * time.Millisecond)
	if status := gw.HealthStatus(); status.FailedMessages != 1 {
		t.Fatalf("expected failed=1, got %+v", status)
	}
}

func TestPanicIsIsolatedToOneMessage(t *testing.T) {
	gw := NewGateway(funcAgent(func(ctx context.Context, msg types.Message, out types.Responder) error {
		if msg.Content == "explode" {
			panic("handler exploded")
		}
		return out.Reply(ctx, "fine")
	}))
	gw.SetExecutionQueue(startQueue(t, 8, 1), QueueOptions{Enabled: true})
	ch := feedChannel("cli",
		types.Message{ID: "m1", Content: "explode", ChannelID: "cli", UserID: "1"},
		types.Message{ID: "m2", Content: "next", ChannelID: "cli", UserID: "1"},
	)
	gw.RegisterChannel(ch)
	runGateway(t, gw)

	sent := ch.waitForSent(t, 2)
	if !strings.HasPrefix(sent[0].Content, "Error: ") {
		t.Fatalf("expected error reply for panicking message, got %q", sent[0].Content)
	}
	if sent[1].Content != "fine" {
		t.Fatalf("expected later message to be handled, got %q", sent[1].Content)
	}
	if status := gw.HealthStatus(); status.RecoveredPanics != 1 {
		t.Fatalf("expected one recovered panic, got %+v", status)
	}
}

func TestFullQueueRepliesBusy(t *testing.T) {
	release := make(chan struct{})
	gw := NewGateway(funcAgent(func(ctx context.Context, msg types.Message, out types.Responder) error {
		<-release
		return nil
	}))
	q := queue.New(1)
	// Not started: the single slot fills and the second enqueue times out.
	gw.SetExecutionQueue(q, QueueOptions{Enabled: true, EnqueueTimeout: 20 * time.Millisecond})
	ch := feedChannel("cli",
		types.Message{ID: "m1", Content: "a", ChannelID: "cli", UserID: "1"},
		types.Message{ID: "m2", Content: "b", ChannelID: "cli", UserID: "2"},
	)
	gw.RegisterChannel(ch)
	runGateway(t, gw)

	sent := ch.waitForSent(t, 1)
	if sent[0].UserID != "2" || !strings.Contains(sent[0].Content, "busy") {
		t.Fatalf("unexpected busy reply: %+v", sent[0])
	}
	close(release)
}

func TestGatewayWritesEndToEndTraceEvents(t *testing.T) {
	traceDir := t.TempDir()
	recorder, err := NewTraceRecorder(traceDir)
	if err != nil {
		t.Fatalf("new trace recorder failed: %v", err)
	}
	t.Cleanup(func() { _ = recorder.Close() })

	gw := NewGateway(&testAgent{})
	gw.SetTraceRecorder(recorder)
	ch := feedChannel("cli", types.Message{ID: "m1", Content: "hello", ChannelID: "cli", UserID: "1", RequestID: "req-1"})
	gw.RegisterChannel(ch)
	cancel := runGateway(t, gw)

	ch.waitForSent(t, 1)
	time.Sleep(20 * time.Millisecond)
	cancel()

	logPath := filepath.Join(traceDir, time.Now().UTC().Format("2006-01-02"), "gateway_events.jsonl")
	f, err := os.Open(logPath)
	if err != nil {
		t.Fatalf("open trace log failed: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	events := map[string]bool{}
	for scanner.Scan() {
		var entry TraceEvent
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			t.Fatalf("decode trace entry failed: %v", err)
		}
		if entry.RequestID != "req-1" {
			t.Fatalf("unexpected request id in trace: %+v", entry)
		}
		events[entry.Event] = true
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan trace log failed: %v", err)
	}

	for _, expected := range []string{"inbound_received", "deliver_reply", "agent_process"} {
		if !events[expected] {
			t.Fatalf("expected trace event %q, got %#v", expected, events)
		}
	}
}

func TestGatewayTracesChannelDisconnect(t *testing.T) {
	traceDir := t.TempDir()
	recorder, err := NewTraceRecorder(traceDir)
	if err != nil {
		t.Fatalf("new trace recorder failed: %v", err)
	}
	t.Cleanup(func() { _ = recorder.Close() })

	gw := NewGateway(&testAgent{})
	gw.SetTraceRecorder(recorder)
	gw.RegisterChannel(&testChannel{id: "telegram", startFn: func(context.Context, func(types.Message)) error {
		return errors.New("connection dropped")
	}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := gw.Start(ctx); err != nil {
		t.Fatalf("gateway start returned error: %v", err)
	}

	logPath := filepath.Join(traceDir, time.Now().UTC().Format("2006-01-02"), "gateway_events.jsonl")
	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read trace log failed: %v", err)
	}
	if !containsTraceEvent(content, "channel_disconnected") {
		t.Fatalf("expected channel_disconnected event, got %s", string(content))
	}
}

func TestTraceRecorderTruncatesDetail(t *testing.T) {
	traceDir := t.TempDir()
	recorder, err := NewTraceRecorder(traceDir)
	if err != nil {
		t.Fatalf("new trace recorder failed: %v", err)
	}
	t.Cleanup(func() { _ = recorder.Close() })

	if err := recorder.Record(TraceEvent{Event: "agent_process", Detail: strings.Repeat("x", 2000)}); err != nil {
		t.Fatalf("record failed: %v", err)
	}

	logPath := filepath.Join(traceDir, time.Now().UTC().Format("2006-01-02"), "gateway_events.jsonl")
	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read trace log failed: %v", err)
	}
	var entry TraceEvent
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(content))), &entry); err != nil {
		t.Fatalf("decode trace entry failed: %v", err)
	}
	if len(entry.Detail) != maxTraceDetail+3 || entry.Status != "ok" {
		t.Fatalf("unexpected entry: status=%q detail len=%d", entry.Status, len(entry.Detail))
	}
}

func containsTraceEvent(content []byte, event string) bool {
	scanner := bufio.NewScanner(strings.NewReader(string(content)))
	for scanner.Scan() {
		var entry TraceEvent
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		if entry.Event == event {
			return true
		}
	}
	return false
}
