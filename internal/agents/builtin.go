// Package agents holds the built-in agent implementations. Registration
// is explicit: main passes Builtin() to the catalog at startup, so the
// set of live agents is visible in one place.
package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/basket/majordomo/internal/agent"
)

// Builtin returns the agents every deployment ships with.
func Builtin() []agent.Agent {
	return []agent.Agent{
		&EchoAgent{},
		&ReminderAgent{},
	}
}

// EchoAgent repeats the task input back. It exists as a wiring check and
// as the catch-most handler for plain messages.
type EchoAgent struct{}

func (a *EchoAgent) Slug() string { return "echo" }

func (a *EchoAgent) Capabilities() []string {
	return []string{"echo", "repeat", "say", "message"}
}

func (a *EchoAgent) Confidence(tc agent.TaskContext) float64 {
	return agent.KeywordConfidence(tc, a.Capabilities())
}

func (a *EchoAgent) Execute(ctx context.Context, tc agent.TaskContext) (*agent.Result, error) {
	text := tc.Title
	if msg, ok := tc.Input["message"].(string); ok && msg != "" {
		text = msg
	}
	return &agent.Result{
		Summary: text,
		Output:  map[string]any{"echoed": text},
	}, nil
}

// ReminderAgent formats a reminder message. Scheduled jobs target it by
// slug to turn cron fires into user-visible nudges.
type ReminderAgent struct{}

func (a *ReminderAgent) Slug() string { return "reminder" }

func (a *ReminderAgent) Capabilities() []string {
	return []string{"remind", "reminder", "nudge", "alert"}
}

func (a *ReminderAgent) Confidence(tc agent.TaskContext) float64 {
	return agent.KeywordConfidence(tc, a.Capabilities())
}

// InputSchema requires a message; a reminder with nothing to say is a
// dispatch bug, not something to retry.
func (a *ReminderAgent) InputSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"required": ["message"],
		"properties": {
			"message": {"type": "string", "minLength": 1}
		}
	}`)
}

func (a *ReminderAgent) Execute(ctx context.Context, tc agent.TaskContext) (*agent.Result, error) {
	msg, _ := tc.Input["message"].(string)
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return nil, fmt.Errorf("reminder message is empty")
	}
	return &agent.Result{
		Summary: "Reminder: " + msg,
		Output:  map[string]any{"message": msg},
	}, nil
}
