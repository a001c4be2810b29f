package feedback

import (
	"context"
	"errors"
	"testing"
)

type captureDeliverer struct {
	name   string
	err    error
	userID string
	text   string
	thread ThreadContext
	calls  int
}

func (c *captureDeliverer) Name() string { return c.name }

func (c *captureDeliverer) Deliver(ctx context.Context, userID, text string, thread ThreadContext) error {
	c.calls++
	c.userID = userID
	c.text = text
	c.thread = thread
	return c.err
}

func TestDeliverRoutesByChannelHint(t *testing.T) {
	m := NewManager(nil)
	slack := &captureDeliverer{name: "slack"}
	email := &captureDeliverer{name: "email"}
	m.Register(slack)
	m.Register(email)

	thread := ThreadContext{Channel: "slack", ThreadID: "t-1"}
	if err := m.Deliver(context.Background(), "user-1", "done", "slack", thread); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if slack.calls != 1 || email.calls != 0 {
		t.Fatalf("routed to wrong deliverer: slack=%d email=%d", slack.calls, email.calls)
	}
	if slack.thread.ThreadID != "t-1" {
		t.Fatalf("thread context lost")
	}
}

func TestDeliverFallsBackOnUnknownChannel(t *testing.T) {
	m := NewManager(nil)
	fallback := &captureDeliverer{name: "custom-fallback"}
	m.SetFallback(fallback)

	if err := m.Deliver(context.Background(), "user-1", "done", "pager", ThreadContext{}); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if fallback.calls != 1 {
		t.Fatalf("fallback not used")
	}
}

func TestDeliverDefaultFallbackLogs(t *testing.T) {
	m := NewManager(nil)
	// No registered deliverers: the logging fallback absorbs the call.
	if err := m.Deliver(context.Background(), "user-1", "done", "", ThreadContext{}); err != nil {
		t.Fatalf("log fallback should never fail: %v", err)
	}
}

func TestDeliverSurfacesFailure(t *testing.T) {
	m := NewManager(nil)
	failing := &captureDeliverer{name: "slack", err: errors.New("rate limited")}
	m.Register(failing)

	err := m.Deliver(context.Background(), "user-1", "done", "slack", ThreadContext{})
	if err == nil {
		t.Fatalf("expected delivery error")
	}
}
