package cli

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"nisbot/app/pkg/types"
)

func TestStartEmitsMessagesUntilExit(t *testing.T) {
	in := strings.NewReader("/add\r\n\n  buy milk  \n exit \n/tasks\n")
	var out bytes.Buffer
	ch := newCLIChannel(42, in, &out)

	var got []types.Message
	if err := ch.Start(context.Background(), func(msg types.Message) {
		got = append(got, msg)
	}); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	if len(got) != 2 {
		t.Fatalf("expected 2 messages before exit, got %d: %+v", len(got), got)
	}
	if got[0].Content != "/add" || got[1].Content != "  buy milk  " {
		t.Fatalf("unexpected contents: %q, %q", got[0].Content, got[1].Content)
	}
	for _, msg := range got {
		if msg.UserID != "42" || msg.ChatID != "42" || msg.ChannelID != "cli" {
			t.Fatalf("unexpected routing: %+v", msg)
		}
		if !strings.HasPrefix(msg.RequestID, "req-") {
			t.Fatalf("unexpected request id: %q", msg.RequestID)
		}
	}
	if !strings.Contains(out.String(), "Exiting CLI loop") {
		t.Fatalf("expected exit banner, got %q", out.String())
	}
}

func TestStartReturnsOnEOF(t *testing.T) {
	ch := newCLIChannel(1, strings.NewReader("hello"), &bytes.Buffer{})

	count := 0
	if err := ch.Start(context.Background(), func(types.Message) { count++ }); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 message, got %d", count)
	}
}

func TestSendPrintsReply(t *testing.T) {
	var out bytes.Buffer
	ch := newCLIChannel(0, strings.NewReader(""), &out)

	if err := ch.Send(context.Background(), types.Message{Content: "Task added!"}); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if out.String() != "[NISBot]: Task added!\n" {
		t.Fatalf("unexpected output: %q", out.String())
	}
	if ch.userID != "1" {
		t.Fatalf("expected default user id 1, got %s", ch.userID)
	}
}
