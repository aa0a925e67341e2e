package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"

	"nisbot/app/core/llm"
	"nisbot/app/core/orchestrator/command/slash"
	"nisbot/app/core/orchestrator/session"
	"nisbot/app/core/orchestrator/task"
	"nisbot/app/pkg/types"
)

const (
	DefaultName = "NIS Assistant Bot"

	greetingText = "Hello! I am your NIS Assistant Bot.\n" +
		"You can manage tasks or ask questions.\n" +
		"Commands:\n" +
		"/add - Add a new task\n" +
		"/tasks - Show all your tasks\n" +
		"/delete <task_id> - Delete a task\n" +
		"Or just send me any question!"
	addPromptText    = "Please send me the task you want to add."
	noTasksText      = "You don't have any tasks."
	taskAddedText    = "Task added!"
	thinkingText     = "Thinking... 🤔"
	deleteUsageText  = "Usage: /delete <task_id>"
	storageErrorText = "Sorry, something went wrong with your tasks. Please try again later."
	genericErrorText = "Sorry, I could not process that message."
)

// TaskStore is the persistence the dispatcher needs.
type TaskStore interface {
	Create(ctx context.Context, owner int64, text string) (task.Task, error)
	List(ctx context.Context, owner int64) ([]task.Task, error)
	Delete(ctx context.Context, id int64) error
	DeleteOwned(ctx context.Context, owner int64, id int64) error
}

// Completer answers free-text questions.
type Completer interface {
	Complete(ctx context.Context, prompt string) llm.Result
}

type Options struct {
	Name string
	// StrictDelete limits /delete to the caller's own tasks.
	StrictDelete bool
}

// Dispatcher routes chat messages to task commands or to the completion
// client, using the session tracker to decide whether free text is a new task.
type Dispatcher struct {
	name         string
	strictDelete bool

	tasks     TaskStore
	completer Completer
	sessions  *session.Tracker
	command   *slash.Executor
}

func NewDispatcher(tasks TaskStore, completer Completer, sessions *session.Tracker, opts Options) *Dispatcher {
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		name = DefaultName
	}
	if sessions == nil {
		sessions = session.NewTracker()
	}
	d := &Dispatcher{
		name:         name,
		strictDelete: opts.StrictDelete,
		tasks:        tasks,
		completer:    completer,
		sessions:     sessions,
		command:      slash.NewExecutor(),
	}
	d.command.SetHelpProvider(func() string { return greetingText })
	d.command.Register("start", d.handleStart)
	d.command.Register("add", d.handleAdd)
	d.command.Register("tasks", d.handleTasks)
	d.command.Register("delete", d.handleDelete)
	return d
}

func (d *Dispatcher) Name() string {
	return d.name
}

// Process handles one inbound message. Every reply goes through out; the
// returned error only reports failures that could not be turned into a reply.
func (d *Dispatcher) Process(ctx context.Context, msg types.Message, out types.Responder) error {
	text := strings.TrimSpace(msg.Content)
	if text == "" {
		return nil
	}

	owner, err := ownerID(msg)
	if err != nil {
		log.Printf("[Dispatcher] Rejecting message from channel=%s: %v", msg.ChannelID, err)
		return out.Reply(ctx, genericErrorText)
	}

	if _, _, isCommand := slash.Parse(text); isCommand {
		return d.processCommand(ctx, msg, out)
	}
	return d.processText(ctx, owner, msg, out)
}

func (d *Dispatcher) processCommand(ctx context.Context, msg types.Message, out types.Responder) error {
	reply, _, err := d.command.ExecuteSlash(ctx, msg)
	if err != nil {
		switch {
		case errors.Is(err, slash.ErrUnknownCommand):
			name, _, _ := slash.Parse(msg.Content)
			reply = fmt.Sprintf("Unknown command: /%s. Send /start to see available commands.", name)
		case errors.Is(err, task.ErrStorage):
			log.Printf("[Dispatcher] Command failed user=%s: %v", msg.UserID, err)
			reply = storageErrorText
		default:
			log.Printf("[Dispatcher] Command failed user=%s: %v", msg.UserID, err)
			reply = fmt.Sprintf("Command failed: %v", err)
		}
	}
	return out.Reply(ctx, reply)
}

func (d *Dispatcher) processText(ctx context.Context, owner int64, msg types.Message, out types.Responder) error {
	if d.sessions.TakeIfAwaiting(owner) {
		if _, err := d.tasks.Create(ctx, owner, msg.Content); err != nil {
			log.Printf("[Dispatcher] Failed to store task user=%d: %v", owner, err)
			return out.Reply(ctx, storageErrorText)
		}
		return out.Reply(ctx, taskAddedText)
	}

	if err := out.Reply(ctx, thinkingText); err != nil {
		log.Printf("[Dispatcher] Failed to send thinking notice user=%d: %v", owner, err)
	}
	result := d.completer.Complete(ctx, msg.Content)
	if !result.OK() {
		log.Printf("[Dispatcher] Completion failed user=%d: %v", owner, result.Err)
	}
	return out.Reply(ctx, result.Reply())
}

func (d *Dispatcher) handleStart(context.Context, types.Message, []string) (string, error) {
	return greetingText, nil
}

func (d *Dispatcher) handleAdd(_ context.Context, msg types.Message, _ []string) (string, error) {
	owner, err := ownerID(msg)
	if err != nil {
		return "", err
	}
	d.sessions.MarkAwaiting(owner)
	return addPromptText, nil
}

func (d *Dispatcher) handleTasks(ctx context.Context, msg types.Message, _ []string) (string, error) {
	owner, err := ownerID(msg)
	if err != nil {
		return "", err
	}
	items, err := d.tasks.List(ctx, owner)
	if err != nil {
		return "", err
	}
	if len(items) == 0 {
		return noTasksText, nil
	}
	return "Your tasks:\n" + FormatTasks(items), nil
}

func (d *Dispatcher) handleDelete(ctx context.Context, msg types.Message, args []string) (string, error) {
	if len(args) == 0 {
		return deleteUsageText, nil
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return deleteUsageText, nil
	}
	owner, err := ownerID(msg)
	if err != nil {
		return "", err
	}
	if d.strictDelete {
		err = d.tasks.DeleteOwned(ctx, owner, id)
	} else {
		err = d.tasks.Delete(ctx, id)
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Task %d deleted.", id), nil
}

// FormatTasks renders one "{id}. {text}" line per task.
func FormatTasks(items []task.Task) string {
	lines := make([]string, 0, len(items))
	for _, t := range items {
		lines = append(lines, fmt.Sprintf("%d. %s", t.ID, t.Text))
	}
	return strings.Join(lines, "\n")
}

func ownerID(msg types.Message) (int64, error) {
	raw := strings.TrimSpace(msg.UserID)
	if raw == "" {
		return 0, fmt.Errorf("user id is required")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid user id %q: %w", raw, err)
	}
	return id, nil
}
