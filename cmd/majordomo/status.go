package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/basket/majordomo/internal/config"
	"github.com/basket/majordomo/internal/persistence"
)

// runStatusCommand opens the store read-only-ish and prints queue health.
func runStatusCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: majordomo status")
		return 2
	}

	homeDir := config.HomeDir()
	dbPath := filepath.Join(homeDir, "majordomo.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "no database at %s; has the daemon run yet?\n", dbPath)
		return 1
	}

	store, err := persistence.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer store.Close()

	queued, running, err := store.TaskCounts(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "task counts: %v\n", err)
		return 1
	}
	schedules, err := store.ListEnabledSchedules(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list schedules: %v\n", err)
		return 1
	}

	fmt.Printf("queued tasks:      %d\n", queued)
	fmt.Printf("running tasks:     %d\n", running)
	fmt.Printf("enabled schedules: %d\n", len(schedules))
	return 0
}
