package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"zigbee-quirks/internal/clock"
	"zigbee-quirks/internal/coordinator"
	"zigbee-quirks/internal/ingress"
	"zigbee-quirks/internal/store"
)

// replayEpoch is the virtual start time of every replay.
var replayEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

type replayOptions struct {
	devicesDir string
	rearmDelay time.Duration
	// tail is how far the clock runs past the last message.
	tail   time.Duration
	events []string
}

func newReplayCmd() *cobra.Command {
	var (
		opts       replayOptions
		rearmDelay string
		logLevel   string
	)
	cmd := &cobra.Command{
		Use:   "replay <file>",
		Short: "Feed a recorded JSON-lines file through the quirks on a virtual clock.",
		Long: `Reads join, leave and report messages (one JSON object per line, with an
optional "at" offset such as "12s") and prints every resulting coordinator
event as a JSON line. Time is virtual, so re-arm timers fire instantly.`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if rearmDelay != "" {
				d, err := time.ParseDuration(rearmDelay)
				if err != nil {
					return fmt.Errorf("--rearm-delay: %w", err)
				}
				opts.rearmDelay = d
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			var level slog.Level
			if err := level.UnmarshalText([]byte(logLevel)); err != nil {
				return fmt.Errorf("--log-level: %w", err)
			}
			logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
			return replay(cmd.Context(), f, cmd.OutOrStdout(), opts, logger)
		},
	}
	cmd.Flags().StringVar(&opts.devicesDir, "devices-dir", "devices", "directory of device definition files")
	cmd.Flags().StringVar(&rearmDelay, "rearm-delay", "", "override the quirks' re-arm delay")
	cmd.Flags().DurationVar(&opts.tail, "tail", time.Minute, "virtual time to run after the last message")
	cmd.Flags().StringSliceVar(&opts.events, "events", nil, "only print these event types")
	cmd.Flags().StringVar(&logLevel, "log-level", "warn", "log level for diagnostics on stderr")
	return cmd
}

// replayLine is one printed event.
type replayLine struct {
	At   string      `json:"at"`
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// replay dispatches every message in r on a fake clock and writes the
// resulting events to w. Malformed or rejected lines are logged and skipped.
func replay(ctx context.Context, r io.Reader, w io.Writer, opts replayOptions, logger *slog.Logger) error {
	dir, err := os.MkdirTemp("", "zigbee-quirks-replay-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	db, err := store.NewBoltStore(filepath.Join(dir, "replay.db"))
	if err != nil {
		return err
	}
	defer db.Close()

	fake := clock.NewFake(replayEpoch)
	coord, err := newCoordinator(runtimeConfig{devicesDir: opts.devicesDir, rearmDelay: opts.rearmDelay}, db, fake, logger)
	if err != nil {
		return err
	}
	defer coord.Stop()

	wanted := make(map[string]bool, len(opts.events))
	for _, t := range opts.events {
		wanted[strings.TrimSpace(t)] = true
	}
	enc := json.NewEncoder(w)
	var writeErr error
	coord.Events().OnAll(func(e coordinator.Event) {
		if writeErr != nil || (len(wanted) > 0 && !wanted[e.Type]) {
			return
		}
		writeErr = enc.Encode(replayLine{At: fake.Now().Sub(replayEpoch).String(), Type: e.Type, Data: e.Data})
	})

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		msg, err := ingress.ParseMessage([]byte(line))
		if err != nil {
			logger.Warn("skip line", "line", lineNo, "err", err)
			continue
		}
		if elapsed := fake.Now().Sub(replayEpoch); msg.At > elapsed {
			fake.Advance(msg.At - elapsed)
		}
		if err := ingress.Dispatch(ctx, coord, msg); err != nil {
			logger.Warn("message rejected", "line", lineNo, "err", err)
		}
		if writeErr != nil {
			return fmt.Errorf("write event: %w", writeErr)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read replay: %w", err)
	}

	fake.Advance(opts.tail)
	if writeErr != nil {
		return fmt.Errorf("write event: %w", writeErr)
	}
	return nil
}
