package bus

import (
	"errors"
	"testing"
)

func TestPublishRegistrationOrder(t *testing.T) {
	b := New(nil)
	var got []string

	b.Subscribe(KindUserMessage, func(ev *Event) error {
		got = append(got, "first")
		return nil
	})
	b.Subscribe(KindUserMessage, func(ev *Event) error {
		got = append(got, "second")
		return nil
	})
	b.SubscribeAny(func(ev *Event) error {
		got = append(got, "any")
		return nil
	})

	b.Publish(NewEvent(KindUserMessage, nil))

	want := []string{"first", "second", "any"}
	if len(got) != len(want) {
		t.Fatalf("expected %d invocations, got %d (%v)", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("invocation %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestPublishKindFilter(t *testing.T) {
	b := New(nil)
	calls := 0
	b.Subscribe(KindCron, func(ev *Event) error {
		calls++
		return nil
	})

	b.Publish(NewEvent(KindWebhook, nil))
	if calls != 0 {
		t.Fatalf("cron handler saw a webhook event")
	}
	b.Publish(NewEvent(KindCron, nil))
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestPublishIsolatesHandlerFailures(t *testing.T) {
	b := New(nil)
	var got []string

	b.Subscribe(KindSystem, func(ev *Event) error {
		got = append(got, "bad")
		return errors.New("boom")
	})
	b.Subscribe(KindSystem, func(ev *Event) error {
		panic("worse")
	})
	b.Subscribe(KindSystem, func(ev *Event) error {
		got = append(got, "good")
		return nil
	})

	b.Publish(NewEvent(KindSystem, nil))

	if len(got) != 2 || got[1] != "good" {
		t.Fatalf("later handler not reached after failures: %v", got)
	}
}

func TestDuplicateRegistrationInvokedTwice(t *testing.T) {
	b := New(nil)
	calls := 0
	h := func(ev *Event) error {
		calls++
		return nil
	}
	b.Subscribe(KindSystem, h)
	b.Subscribe(KindSystem, h)

	b.Publish(NewEvent(KindSystem, nil))
	if calls != 2 {
		t.Fatalf("expected 2 invocations for duplicate registration, got %d", calls)
	}
}

func TestHandlerCount(t *testing.T) {
	b := New(nil)
	if b.HandlerCount() != 0 {
		t.Fatalf("fresh bus should have 0 handlers")
	}
	b.Subscribe(KindCron, func(ev *Event) error { return nil })
	b.SubscribeAny(func(ev *Event) error { return nil })
	if b.HandlerCount() != 2 {
		t.Fatalf("expected 2 handlers, got %d", b.HandlerCount())
	}
}

func TestNewEventDefaults(t *testing.T) {
	ev := NewEvent(KindWebhook, nil)
	if ev.ID == "" {
		t.Fatalf("event ID not set")
	}
	if ev.Payload == nil {
		t.Fatalf("payload should never be nil")
	}
	if ev.CreatedAt.IsZero() {
		t.Fatalf("created_at not set")
	}
	if ev.PayloadString("missing") != "" {
		t.Fatalf("missing key should yield empty string")
	}
}
