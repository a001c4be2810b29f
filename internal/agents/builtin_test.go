package agents

import (
	"context"
	"testing"

	"github.com/basket/majordomo/internal/agent"
)

func TestBuiltinRegistersCleanly(t *testing.T) {
	catalog := agent.NewCatalog(nil)
	if err := catalog.Load(Builtin()...); err != nil {
		t.Fatalf("load builtins: %v", err)
	}
	for _, slug := range []string{"echo", "reminder"} {
		if _, err := catalog.Get(slug); err != nil {
			t.Fatalf("builtin %q missing: %v", slug, err)
		}
	}
}

func TestEchoPrefersMessageInput(t *testing.T) {
	a := &EchoAgent{}
	res, err := a.Execute(context.Background(), agent.TaskContext{
		Title: "say hello",
		Input: map[string]any{"message": "hello there"},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Summary != "hello there" {
		t.Fatalf("summary = %q", res.Summary)
	}
}

func TestReminderSchemaRejectsEmptyInput(t *testing.T) {
	a := &ReminderAgent{}
	if err := agent.ValidateInput(a, map[string]any{}); err == nil {
		t.Fatalf("missing message should violate the schema")
	}
	if err := agent.ValidateInput(a, map[string]any{"message": "water the plants"}); err != nil {
		t.Fatalf("valid input rejected: %v", err)
	}
}

func TestReminderConfidence(t *testing.T) {
	a := &ReminderAgent{}
	score := a.Confidence(agent.TaskContext{Title: "remind me to stretch"})
	if score <= 0 {
		t.Fatalf("expected a positive confidence for a remind prompt, got %f", score)
	}
}
