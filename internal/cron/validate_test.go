package cron

import (
	"strings"
	"testing"
	"time"
)

func TestValidateExpression(t *testing.T) {
	valid := []string{
		"* * * * *",
		"*/5 * * * *",
		"0 9 * * 1-5",
		"30 14 1 * *",
		OnceSentinel,
	}
	for _, expr := range valid {
		if err := ValidateExpression(expr); err != nil {
			t.Fatalf("%q should be valid: %v", expr, err)
		}
	}

	invalid := map[string]string{
		"":              "empty",
		"* * * *":       "4 fields",
		"* * * * * *":   "6 fields",
		"61 * * * *":    "not be parseable",
		"* * * * mars":  "not be parseable",
		"@hourly":       "shorthand",
		"@odd-sentinel": "shorthand",
	}
	for expr := range invalid {
		err := ValidateExpression(expr)
		if err == nil {
			t.Fatalf("%q should be rejected", expr)
		}
		// Errors must describe the problem, not just fail.
		if len(err.Error()) < 10 {
			t.Fatalf("%q: error not descriptive: %v", expr, err)
		}
	}
}

func TestValidateExpressionFieldCountMessage(t *testing.T) {
	err := ValidateExpression("* * * *")
	if err == nil || !strings.Contains(err.Error(), "4 fields") {
		t.Fatalf("field-count error should name the count, got %v", err)
	}
}

func TestNextRunTimeWeekdays(t *testing.T) {
	// Friday 2026-08-21 10:00 UTC; next weekday 09:00 fire is Monday.
	after := time.Date(2026, 8, 21, 10, 0, 0, 0, time.UTC)
	next, err := NextRunTime("0 9 * * 1-5", after)
	if err != nil {
		t.Fatalf("next run: %v", err)
	}
	want := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("expected %v, got %v", want, next)
	}
}

func TestNextRunTimeEveryFive(t *testing.T) {
	after := time.Date(2026, 8, 21, 10, 2, 0, 0, time.UTC)
	next, err := NextRunTime("*/5 * * * *", after)
	if err != nil {
		t.Fatalf("next run: %v", err)
	}
	want := time.Date(2026, 8, 21, 10, 5, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("expected %v, got %v", want, next)
	}
}
