package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"nisbot/app/pkg/types"
)

// CLIChannel reads lines from stdin and prints replies to stdout, acting as a
// single local user.
type CLIChannel struct {
	id     string
	userID string
	in     io.Reader
	out    io.Writer
	mu     sync.Mutex
}

func NewCLIChannel(userID int64) *CLIChannel {
	return newCLIChannel(userID, os.Stdin, os.Stdout)
}

func newCLIChannel(userID int64, in io.Reader, out io.Writer) *CLIChannel {
	if userID <= 0 {
		userID = 1
	}
	return &CLIChannel{
		id:     "cli",
		userID: strconv.FormatInt(userID, 10),
		in:     in,
		out:    out,
	}
}

func (c *CLIChannel) ID() string {
	return c.id
}

func (c *CLIChannel) Start(ctx context.Context, handler func(types.Message)) error {
	scanner := bufio.NewScanner(c.in)
	c.printf(">> NISBot CLI started as user %s. Type 'exit' to quit.\n", c.userID)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
			if !scanner.Scan() {
				return scanner.Err()
			}
			text := strings.TrimSuffix(scanner.Text(), "\r")
			if cmd := strings.TrimSpace(text); cmd == "exit" || cmd == "quit" {
				c.printf("Exiting CLI loop...\n")
				return nil
			}
			if text == "" {
				continue
			}

			handler(types.Message{
				ID:        fmt.Sprintf("cli-%d", time.Now().UnixNano()),
				Content:   text,
				Role:      types.MessageRoleUser,
				ChannelID: c.id,
				UserID:    c.userID,
				ChatID:    c.userID,
				RequestID: "req-" + uuid.NewString(),
			})
		}
	}
}

func (c *CLIChannel) Send(ctx context.Context, msg types.Message) error {
	c.printf("[NISBot]: %s\n", msg.Content)
	return nil
}

func (c *CLIChannel) printf(format string, args ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}
