package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"xquery/internal/config"
	"xquery/internal/models"
	"xquery/internal/repository"
)

// Inspects and resets the named cursors ('indexer', 'processor_bundle', ...)
// so the next run re-indexes from an earlier block. Stop the indexer before
// using this, a live instance would simply re-write its cursor.
func main() {
	name := flag.String("state", "", "cursor name, empty lists all cursors")
	set := flag.Uint64("set", 0, "write the cursor to this exact block (no event truncation)")
	rewind := flag.Uint64("rewind", 0, "move the cursor back this many blocks and truncate events above it")
	del := flag.Bool("delete", false, "drop the cursor row, a new run starts from scratch")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	repo, err := repository.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer repo.Close()

	if *name == "" {
		states, err := repo.States(ctx)
		if err != nil {
			log.Fatalf("Failed to list states: %v", err)
		}
		if len(states) == 0 {
			fmt.Println("No cursors found.")
			return
		}
		for _, state := range states {
			fmt.Println(describe(state))
		}
		return
	}

	state, err := repo.State(ctx, *name)
	if err != nil {
		log.Fatalf("Failed to load state: %v", err)
	}
	if state == nil {
		fmt.Printf("No cursor found for '%s'. It might have already been reset or never existed.\n", *name)
		os.Exit(1)
	}
	fmt.Printf("current: %s\n", describe(state))

	switch {
	case *del:
		if _, err := repo.DeleteState(ctx, *name); err != nil {
			log.Fatalf("Failed to delete cursor: %v", err)
		}
		fmt.Printf("Deleted cursor '%s'. The next run starts from the configured deployment block.\n", *name)

	case *rewind > 0:
		// DiscardRecent skips cursors still flagged from a previous rewind,
		// clear the flag first so an explicit reset always applies.
		if state.Discarded {
			state.Discarded = false
			if err := repo.CommitState(ctx, state); err != nil {
				log.Fatalf("Failed to clear discard flag: %v", err)
			}
		}
		if err := repo.DiscardRecent(ctx, *name, *rewind); err != nil {
			log.Fatalf("Failed to rewind cursor: %v", err)
		}
		state, err = repo.State(ctx, *name)
		if err != nil {
			log.Fatalf("Failed to reload state: %v", err)
		}
		fmt.Printf("Rewound cursor '%s' by %d blocks and truncated events above it.\n", *name, *rewind)
		fmt.Printf("now: %s\n", describe(state))

	case *set > 0:
		state.BlockNumber = *set
		state.BlockHash = nil
		state.Discarded = false
		if err := repo.CommitState(ctx, state); err != nil {
			log.Fatalf("Failed to set cursor: %v", err)
		}
		fmt.Printf("Set cursor '%s' to block %d. Event rows above it were NOT touched.\n", *name, *set)

	default:
		fmt.Println("Nothing to do, pass one of -set, -rewind or -delete.")
		os.Exit(2)
	}
}

func describe(state *models.State) string {
	hash := "<none>"
	if state.BlockHash != nil {
		hash = *state.BlockHash
	}
	return fmt.Sprintf("%-20s block=%-10d hash=%s discarded=%t", state.Name, state.BlockNumber, hash, state.Discarded)
}
