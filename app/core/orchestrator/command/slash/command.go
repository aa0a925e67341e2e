package slash

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"

	"nisbot/app/pkg/types"
)

var ErrUnknownCommand = errors.New("unknown command")

type Handler func(context.Context, types.Message, []string) (string, error)

type HelpProvider func() string

type Executor struct {
	mu           sync.RWMutex
	handlers     map[string]Handler
	helpProvider HelpProvider
}

func NewExecutor() *Executor {
	return &Executor{handlers: map[string]Handler{}}
}

func (e *Executor) Register(name string, handler Handler) {
	if e == nil || handler == nil {
		return
	}
	commandName := strings.ToLower(strings.TrimSpace(name))
	if commandName == "" {
		return
	}
	e.mu.Lock()
	e.handlers[commandName] = handler
	e.mu.Unlock()
}

func (e *Executor) SetHelpProvider(provider HelpProvider) {
	if e == nil {
		return
	}
	e.mu.Lock()
	e.helpProvider = provider
	e.mu.Unlock()
}

// Parse splits "/name arg1 arg2" into its parts. Telegram's "/name@BotName"
// form is accepted. ok is false for anything that is not a slash command.
func Parse(content string) (name string, args []string, ok bool) {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "/") {
		return "", nil, false
	}
	parts := strings.Fields(strings.TrimPrefix(trimmed, "/"))
	if len(parts) == 0 {
		return "", nil, false
	}
	name = parts[0]
	if at := strings.Index(name, "@"); at >= 0 {
		name = name[:at]
	}
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return "", nil, false
	}
	return name, parts[1:], true
}

// ExecuteSlash runs the handler registered for the command in msg. handled
// is false when msg is not a slash command at all.
func (e *Executor) ExecuteSlash(ctx context.Context, msg types.Message) (string, bool, error) {
	commandName, args, ok := Parse(msg.Content)
	if !ok {
		return "", false, nil
	}
	cmd := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(msg.Content), "/"))

	if commandName == "help" && e.handlerFor("help") == nil {
		auditCommand(msg.UserID, msg.ChannelID, msg.RequestID, cmd, "allow", "")
		return e.helpText(), true, nil
	}

	handler := e.handlerFor(commandName)
	if handler == nil {
		err := fmt.Errorf("%w: /%s", ErrUnknownCommand, commandName)
		auditCommand(msg.UserID, msg.ChannelID, msg.RequestID, cmd, "deny", err.Error())
		return "", true, err
	}
	out, err := handler(ctx, msg, args)
	if err != nil {
		auditCommand(msg.UserID, msg.ChannelID, msg.RequestID, cmd, "error", err.Error())
		return out, true, err
	}
	auditCommand(msg.UserID, msg.ChannelID, msg.RequestID, cmd, "allow", "")
	return out, true, nil
}

func (e *Executor) handlerFor(name string) Handler {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.handlers[strings.ToLower(strings.TrimSpace(name))]
}

func (e *Executor) helpText() string {
	e.mu.RLock()
	provider := e.helpProvider
	commands := make([]string, 0, len(e.handlers))
	for name := range e.handlers {
		commands = append(commands, name)
	}
	e.mu.RUnlock()

	if provider != nil {
		return strings.TrimSpace(provider())
	}
	sort.Strings(commands)
	var b strings.Builder
	b.WriteString("Commands:\n")
	b.WriteString("  /help\n")
	for _, name := range commands {
		b.WriteString("  /")
		b.WriteString(name)
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}

func auditCommand(userID string, channelID string, requestID string, command string, decision string, reason string) {
	log.Print(formatAuditCommandLine(userID, channelID, requestID, command, decision, reason))
}

func formatAuditCommandLine(userID string, channelID string, requestID string, command string, decision string, reason string) string {
	user := normalizeAuditField(userID, "anonymous")
	channel := normalizeAuditField(channelID, "unknown")
	request := normalizeAuditField(requestID, "n/a")
	line := fmt.Sprintf("[AUDIT] user=%s channel=%s request=%s decision=%s command=%q", user, channel, request, decision, command)
	if strings.TrimSpace(reason) != "" {
		line += fmt.Sprintf(" reason=%q", reason)
	}
	return line
}

func normalizeAuditField(value string, fallback string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		return fallback
	}
	return v
}
