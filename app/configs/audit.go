package config

import (
	"fmt"
	"sort"
	"strings"
)

// DefaultConfig returns the built-in defaults with no secrets set.
func DefaultConfig() Config {
	var cfg Config
	applyDefaults(&cfg)
	return cfg
}

// Summary flattens the config into key/value pairs with secrets masked, for
// the startup log line.
func (c Config) Summary() map[string]string {
	return map[string]string{
		"telegram.bot_token":        maskSecret(c.Telegram.BotToken),
		"telegram.poll_timeout_sec": fmt.Sprintf("%d", c.Telegram.TimeoutSeconds),
		"completion.api_key":        maskSecret(c.Completion.APIKey),
		"completion.base_url":       c.Completion.BaseURL,
		"completion.model":          c.Completion.Model,
		"completion.temperature":    fmt.Sprintf("%.2f", c.Completion.Temperature),
		"completion.max_tokens":     fmt.Sprintf("%d", c.Completion.MaxTokens),
		"storage.data_dir":          c.Storage.DataDir,
		"storage.log_dir":           c.Storage.LogDir,
		"storage.trace_dir":         c.Storage.TraceDir,
		"runtime.queue.enabled":     fmt.Sprintf("%t", c.Runtime.Queue.Enabled),
		"runtime.queue.workers":     fmt.Sprintf("%d", c.Runtime.Queue.Workers),
		"runtime.queue.buffer":      fmt.Sprintf("%d", c.Runtime.Queue.Buffer),
		"runtime.maintenance":       fmt.Sprintf("%t", c.Runtime.Maintenance.Enabled),
		"runtime.status_port":       fmt.Sprintf("%d", c.Runtime.StatusPort),
		"task.strict_delete":        fmt.Sprintf("%t", c.Task.StrictDelete),
		"cli.enabled":               fmt.Sprintf("%t", c.CLI.Enabled),
		"cli.user_id":               fmt.Sprintf("%d", c.CLI.UserID),
	}
}

// SummaryLine renders Summary as sorted key=value pairs.
func (c Config) SummaryLine() string {
	summary := c.Summary()
	keys := make([]string, 0, len(summary))
	for k := range summary {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+summary[k])
	}
	return strings.Join(parts, " ")
}

func maskSecret(secret string) string {
	s := strings.TrimSpace(secret)
	if s == "" {
		return "<unset>"
	}
	if len(s) <= 4 {
		return "****"
	}
	return "****" + s[len(s)-4:]
}
