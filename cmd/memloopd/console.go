package main

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/peterh/liner"

	"memloop/internal/cards"
	"memloop/internal/syncer"
)

var consoleCommands = []string{"sync", "extract", "cards", "status", "quit"}

// runConsole drives the engines interactively. It is the local stand-in for
// the UI transport: every command calls the same entry points the scheduler
// uses, through the same re-entrancy guards.
func (d *daemon) runConsole(ctx context.Context) int {
	line := liner.NewLiner()
	defer line.Close()

	line.SetCtrlCAborts(true)
	line.SetCompleter(func(prefix string) []string {
		var matches []string

		for _, cmd := range consoleCommands {
			if strings.HasPrefix(cmd, strings.ToLower(prefix)) {
				matches = append(matches, cmd)
			}
		}

		return matches
	})

	fmt.Println("memloop console. Commands: sync [full|incremental], extract, cards [daily|weekly], status, quit")

	for ctx.Err() == nil {
		input, err := line.Prompt("memloop> ")
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				return 0
			}

			d.log.Error().Err(err).Msg("Console read failed")

			return 1
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		line.AppendHistory(input)

		if d.dispatch(ctx, input) {
			return 0
		}
	}

	return 0
}

// dispatch runs one console command. Returns true on quit.
func (d *daemon) dispatch(ctx context.Context, input string) bool {
	fields := strings.Fields(input)
	command := strings.ToLower(fields[0])

	arg := ""
	if len(fields) > 1 {
		arg = strings.ToLower(fields[1])
	}

	switch command {
	case "quit", "exit":
		return true

	case "sync":
		mode := syncer.ModeIncremental
		if arg == "full" {
			mode = syncer.ModeFull
		}

		d.trigger(jobSync, func(ctx context.Context) error {
			fmt.Println("sync:", d.runSync(ctx, mode))

			return nil
		})

	case "extract":
		d.trigger(jobExtract, func(ctx context.Context) error {
			result, err := d.extractor.Run(ctx, d.vaults, nil)
			if err != nil {
				return err
			}

			fmt.Printf("extract: %s (%d transcripts, %d duplicates filtered, %d lines pruned)\n",
				result.Status, result.TranscriptsProcessed, result.DuplicatesFiltered, result.LinesPruned)

			return nil
		})

	case "cards":
		job, weekly := jobCardsDaily, arg == "weekly"
		if weekly {
			job = jobCardsWeek
		}

		d.trigger(job, func(ctx context.Context) error {
			var result cards.Result

			if weekly {
				result = d.cards.RunWeekly(ctx, d.vaults, nil)
			} else {
				result = d.cards.RunDaily(ctx, d.vaults, nil)
			}

			fmt.Printf("cards: %s (%d files, %d cards, %d skipped, %d retriable)\n",
				result.Status, result.FilesProcessed, result.CardsCreated,
				result.Skipped, result.RetriableCount)

			return nil
		})

	case "status":
		names := d.registry.Names()
		slices.Sort(names)
		fmt.Printf("vaults: %d, connectors: %s, extraction state: %s\n",
			len(d.vaults), strings.Join(names, " "), d.extractor.State())

	default:
		fmt.Println("unknown command:", command)
	}

	return false
}

func (d *daemon) trigger(job string, run func(context.Context) error) {
	ran := d.scheduler.TriggerNow(job, func(ctx context.Context) error {
		err := run(ctx)
		if err != nil {
			fmt.Println("error:", err)
		}

		return err
	})
	if !ran {
		fmt.Println("a run is already in flight for", job)
	}
}
