package gateway

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nisbot/app/pkg/queue"
	"nisbot/app/pkg/types"
)

type QueueOptions struct {
	Enabled        bool
	EnqueueTimeout time.Duration
	JobTimeout     time.Duration
}

type DefaultGateway struct {
	agent    types.Agent
	channels map[string]types.Channel
	mu       sync.RWMutex
	tracer   TraceRecorder

	executionQueue *queue.Queue
	queueOptions   QueueOptions

	processedMessages uint64
	failedMessages    uint64
	recoveredPanics   uint64
	lastMessageUnix   atomic.Int64
	startedUnix       atomic.Int64
}

type HealthStatus struct {
	Started            bool
	StartedAt          time.Time
	RegisteredChannels []string
	AgentName          string
	ProcessedMessages  uint64
	FailedMessages     uint64
	RecoveredPanics    uint64
	LastMessageAt      time.Time
	QueueEnabled       bool
	Queue              queue.Stats
}

func NewGateway(agent types.Agent) *DefaultGateway {
	return &DefaultGateway{
		agent:    agent,
		channels: make(map[string]types.Channel),
	}
}

func (g *DefaultGateway) RegisterChannel(c types.Channel) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.channels[c.ID()] = c
	log.Printf("[Gateway] Registered channel: %s", c.ID())
}

func (g *DefaultGateway) SetTraceRecorder(tracer TraceRecorder) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tracer = tracer
}

func (g *DefaultGateway) SetExecutionQueue(q *queue.Queue, opts QueueOptions) {
	if opts.EnqueueTimeout < 0 {
		opts.EnqueueTimeout = 0
	}
	if opts.JobTimeout < 0 {
		opts.JobTimeout = 0
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.executionQueue = q
	g.queueOptions = opts
}

// Start runs every registered channel and blocks until all of them return.
func (g *DefaultGateway) Start(ctx context.Context) error {
	var wg sync.WaitGroup
	g.startedUnix.Store(time.Now().Unix())

	handler := func(msg types.Message) {
		atomic.AddUint64(&g.processedMessages, 1)
		g.lastMessageUnix.Store(time.Now().Unix())
		log.Printf("[Gateway] Received message from channel=%s user=%s request=%s", msg.ChannelID, msg.UserID, msg.RequestID)
		g.trace(msg, "inbound_received", "ok", "")

		if g.queueEnabled() {
			g.dispatchWithQueue(ctx, msg)
			return
		}
		g.handle(ctx, msg)
	}

	g.mu.RLock()
	for _, c := range g.channels {
		wg.Add(1)
		go func(ch types.Channel) {
			defer wg.Done()
			if err := ch.Start(ctx, handler); err != nil {
				log.Printf("[Gateway] Channel %s error: %v", ch.ID(), err)
				if ctx.Err() == nil {
					g.trace(types.Message{ChannelID: ch.ID()}, "channel_disconnected", "error", err.Error())
				}
			}
		}(c)
	}
	g.mu.RUnlock()

	log.Println("[Gateway] Started all channels")
	wg.Wait()
	return nil
}

func (g *DefaultGateway) queueEnabled() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.queueOptions.Enabled && g.executionQueue != nil
}

func (g *DefaultGateway) dispatchWithQueue(ctx context.Context, msg types.Message) {
	g.mu.RLock()
	q := g.executionQueue
	opts := g.queueOptions
	g.mu.RUnlock()

	// One lane per sender keeps a user's messages in arrival order.
	job := queue.Job{
		ID:      msg.RequestID,
		Key:     msg.ChannelID + ":" + msg.UserID,
		Timeout: opts.JobTimeout,
		Run: func(runCtx context.Context) error {
			g.handle(runCtx, msg)
			return nil
		},
	}

	enqueueCtx := ctx
	cancel := func() {}
	if opts.EnqueueTimeout > 0 {
		enqueueCtx, cancel = context.WithTimeout(ctx, opts.EnqueueTimeout)
	}
	defer cancel()

	if _, err := q.EnqueueContext(enqueueCtx, job); err != nil {
		log.Printf("[Gateway] Queue enqueue failed: %v", err)
		g.trace(msg, "queue_enqueue", "error", err.Error())
		_ = g.sendErrorReply(ctx, msg, fmt.Sprintf("Error: bot is busy, please try again (%v)", err))
		return
	}
	g.trace(msg, "queue_enqueue", "ok", "")
}

// handle runs the agent for one message. Failures and panics end only this
// message; the sender gets a best-effort error reply.
func (g *DefaultGateway) handle(ctx context.Context, msg types.Message) {
	defer func() {
		if r := recover(); r != nil {
			atomic.AddUint64(&g.recoveredPanics, 1)
			log.Printf("[Gateway] Handler panic request=%s: %v", msg.RequestID, r)
			g.trace(msg, "agent_process", "panic", fmt.Sprint(r))
			_ = g.sendErrorReply(ctx, msg, "Error: internal failure while handling your message")
		}
	}()

	if err := g.processAndReply(ctx, msg); err != nil {
		atomic.AddUint64(&g.failedMessages, 1)
		log.Printf("[Gateway] Processing failed request=%s: %v", msg.RequestID, err)
		_ = g.sendErrorReply(ctx, msg, "Error: "+err.Error())
	}
}

func (g *DefaultGateway) processAndReply(ctx context.Context, msg types.Message) error {
	g.mu.RLock()
	agent := g.agent
	g.mu.RUnlock()
	if agent == nil {
		g.trace(msg, "agent_process", "error", "no agent")
		return fmt.Errorf("gateway has no agent")
	}

	channel, exists := g.channelByID(msg.ChannelID)
	if !exists {
		g.trace(msg, "agent_process", "error", "channel not found")
		return fmt.Errorf("channel not found for reply: %s", msg.ChannelID)
	}

	out := &channelResponder{gateway: g, channel: channel, request: msg}
	if err := agent.Process(ctx, msg, out); err != nil {
		g.trace(msg, "agent_process", "error", err.Error())
		return fmt.Errorf("agent process: %w", err)
	}
	g.trace(msg, "agent_process", "ok", "")
	return nil
}

func (g *DefaultGateway) sendErrorReply(ctx context.Context, msg types.Message, reason string) error {
	channel, exists := g.channelByID(msg.ChannelID)
	if !exists {
		return fmt.Errorf("channel not found for reply: %s", msg.ChannelID)
	}
	response := newReply(msg, reason, 0)
	if err := channel.Send(ctx, response); err != nil {
		g.trace(response, "deliver_error_reply", "error", err.Error())
		return err
	}
	g.trace(response, "deliver_error_reply", "ok", "")
	return nil
}

func (g *DefaultGateway) trace(msg types.Message, event, status, detail string) {
	g.mu.RLock()
	tracer := g.tracer
	g.mu.RUnlock()
	if tracer == nil {
		return
	}

	traceEvent := TraceEvent{
		RequestID: strings.TrimSpace(msg.RequestID),
		MessageID: strings.TrimSpace(msg.ID),
		ChannelID: strings.TrimSpace(msg.ChannelID),
		UserID:    strings.TrimSpace(msg.UserID),
		Event:     strings.TrimSpace(event),
		Status:    strings.TrimSpace(status),
		Detail:    strings.TrimSpace(detail),
	}
	if traceEvent.Event == "" {
		traceEvent.Event = "unknown"
	}
	if traceEvent.Status == "" {
		traceEvent.Status = "ok"
	}
	if err := tracer.Record(traceEvent); err != nil {
		log.Printf("[Gateway] Trace write failed: %v", err)
	}
}

func (g *DefaultGateway) channelByID(channelID string) (types.Channel, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	channel, exists := g.channels[channelID]
	return channel, exists
}

func (g *DefaultGateway) HealthStatus() HealthStatus {
	g.mu.RLock()
	channels := make([]string, 0, len(g.channels))
	for id := range g.channels {
		channels = append(channels, id)
	}
	agentName := ""
	if g.agent != nil {
		agentName = g.agent.Name()
	}
	queueEnabled := g.queueOptions.Enabled && g.executionQueue != nil
	var queueStats queue.Stats
	if queueEnabled {
		queueStats = g.executionQueue.Stats()
	}
	g.mu.RUnlock()
	sort.Strings(channels)

	status := HealthStatus{
		RegisteredChannels: channels,
		AgentName:          agentName,
		ProcessedMessages:  atomic.LoadUint64(&g.processedMessages),
		FailedMessages:     atomic.LoadUint64(&g.failedMessages),
		RecoveredPanics:    atomic.LoadUint64(&g.recoveredPanics),
		QueueEnabled:       queueEnabled,
		Queue:              queueStats,
	}

	if started := g.startedUnix.Load(); started > 0 {
		status.Started = true
		status.StartedAt = time.Unix(started, 0).UTC()
	}
	if last := g.lastMessageUnix.Load(); last > 0 {
		status.LastMessageAt = time.Unix(last, 0).UTC()
	}

	return status
}

// channelResponder sends replies for one inbound message back through the
// channel it arrived on.
type channelResponder struct {
	gateway *DefaultGateway
	channel types.Channel
	request types.Message
	sent    atomic.Int32
}

func (r *channelResponder) Reply(ctx context.Context, content string) error {
	seq := int(r.sent.Add(1))
	response := newReply(r.request, content, seq)
	if err := r.channel.Send(ctx, response); err != nil {
		r.gateway.trace(response, "deliver_reply", "error", err.Error())
		return fmt.Errorf("send reply: %w", err)
	}
	r.gateway.trace(response, "deliver_reply", "ok", "")
	return nil
}

func newReply(request types.Message, content string, seq int) types.Message {
	id := "resp-" + request.ID
	if seq > 1 {
		id = fmt.Sprintf("%s-%d", id, seq)
	}
	meta := map[string]interface{}{}
	for k, v := range request.Meta {
		meta[k] = v
	}
	return types.Message{
		ID:        id,
		Content:   content,
		Role:      types.MessageRoleAssistant,
		ChannelID: request.ChannelID,
		UserID:    request.UserID,
		ChatID:    request.ChatID,
		RequestID: request.RequestID,
		Meta:      meta,
	}
}
