package gateway

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

type TraceEvent struct {
	Timestamp string `json:"timestamp"`
	RequestID string `json:"request_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	ChannelID string `json:"channel_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	Event     string `json:"event"`
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
}

// TraceRecorder receives one event per gateway step of a message.
type TraceRecorder interface {
	Record(TraceEvent) error
}

const maxTraceDetail = 512

// JSONLTraceRecorder appends events to <base>/<YYYY-MM-DD>/gateway_events.jsonl,
// switching files when the UTC day changes.
type JSONLTraceRecorder struct {
	basePath string

	mu   sync.Mutex
	day  string
	file *os.File
}

func NewTraceRecorder(basePath string) (*JSONLTraceRecorder, error) {
	path := strings.TrimSpace(basePath)
	if path == "" {
		return nil, fmt.Errorf("trace base path is required")
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, err
	}
	return &JSONLTraceRecorder{basePath: path}, nil
}

func (r *JSONLTraceRecorder) Record(event TraceEvent) error {
	if r == nil {
		return nil
	}
	ts := time.Now().UTC()
	if strings.TrimSpace(event.Timestamp) == "" {
		event.Timestamp = ts.Format(time.RFC3339Nano)
	}
	if strings.TrimSpace(event.Status) == "" {
		event.Status = "ok"
	}
	if strings.TrimSpace(event.Event) == "" {
		event.Event = "unknown"
	}
	if len(event.Detail) > maxTraceDetail {
		event.Detail = event.Detail[:maxTraceDetail] + "..."
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := r.fileForDay(ts.Format("2006-01-02"))
	if err != nil {
		return err
	}
	_, err = f.Write(append(payload, '\n'))
	return err
}

func (r *JSONLTraceRecorder) fileForDay(day string) (*os.File, error) {
	if r.file != nil && r.day == day {
		return r.file, nil
	}
	if r.file != nil {
		_ = r.file.Close()
		r.file = nil
	}

	dayDir := filepath.Join(r.basePath, day)
	if err := os.MkdirAll(dayDir, 0755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(dayDir, "gateway_events.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	r.file = f
	r.day = day
	return f, nil
}

func (r *JSONLTraceRecorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	r.day = ""
	return err
}
