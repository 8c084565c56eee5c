// Command tsoctl drives a transaction status oracle from the command
// line: useful for smoke-testing a journal path and for demonstrating the
// begin/commit/fullAbort protocol without a network front end.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tso/pkg/config"
	"tso/pkg/metrics"
	"tso/pkg/tso"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "tsoctl",
		Short: "Drive a transaction status oracle epoch from the command line",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a TOML config file (defaults applied if empty)")

	root.AddCommand(newRunCmd(&configPath))
	return root
}

// newRunCmd opens an epoch and replays a scripted sequence of operations,
// one per line on stdin or a --script file:
//
//	begin
//	commit <ts> <cell1,cell2,...>
//	fullabort <ts>
//	watermark
func newRunCmd(configPath *string) *cobra.Command {
	var script string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Open an epoch and execute a scripted sequence of operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return errors.Wrap(err, "loading config")
			}

			logger, err := zap.NewDevelopment()
			if err != nil {
				return errors.Wrap(err, "building logger")
			}
			defer logger.Sync() //nolint:errcheck

			reg := prometheus.NewRegistry()
			rec := metrics.New(reg)

			var t *tso.TSO
			if cfg.JournalPath == "" {
				t = tso.New(cfg, tso.WithLogger(logger), tso.WithMetrics(rec))
			} else {
				t, err = tso.Open(cmd.Context(), cfg, tso.WithLogger(logger), tso.WithMetrics(rec))
				if err != nil {
					return errors.Wrap(err, "opening tso")
				}
			}
			defer t.Shutdown()

			lines, err := readScript(script)
			if err != nil {
				return err
			}
			return runScript(cmd.Context(), t, logger, lines)
		},
	}
	cmd.Flags().StringVar(&script, "script", "-", "path to a script file, or - for stdin")
	return cmd
}

func readScript(path string) ([]string, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, errors.Wrap(err, "reading script")
	}
	var lines []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines, nil
}

func runScript(ctx context.Context, t *tso.TSO, logger *zap.Logger, lines []string) error {
	for _, line := range lines {
		fields := strings.Fields(line)
		switch fields[0] {
		case "begin":
			ts, err := t.Begin(ctx)
			if err != nil {
				return errors.Wrap(err, "begin")
			}
			fmt.Printf("begin -> ts=%d\n", ts)

		case "commit":
			if len(fields) < 2 {
				return errors.Errorf("commit: missing ts: %q", line)
			}
			ts, err := strconv.ParseUint(fields[1], 10, 64)
			if err != nil {
				return errors.Wrapf(err, "commit: parsing ts %q", fields[1])
			}
			var writeSet []uint64
			if len(fields) >= 3 {
				for _, raw := range strings.Split(fields[2], ",") {
					cell := tso.FingerprintCell("t", raw, "cf", "q")
					writeSet = append(writeSet, cell)
				}
			}
			res, err := t.Commit(ctx, ts, writeSet)
			switch {
			case errors.Is(err, tso.ErrConflictDetected), errors.Is(err, tso.ErrStaleTransaction):
				fmt.Printf("commit ts=%d -> Aborted (%v)\n", ts, err)
			case err != nil:
				return errors.Wrap(err, "commit")
			default:
				fmt.Printf("commit ts=%d -> Committed(tc=%d)\n", ts, res.CommitTs)
			}

		case "fullabort":
			if len(fields) < 2 {
				return errors.Errorf("fullabort: missing ts: %q", line)
			}
			ts, err := strconv.ParseUint(fields[1], 10, 64)
			if err != nil {
				return errors.Wrapf(err, "fullabort: parsing ts %q", fields[1])
			}
			if err := t.FullAbort(ctx, ts); err != nil {
				return errors.Wrap(err, "fullabort")
			}
			fmt.Printf("fullabort ts=%d -> ack\n", ts)

		case "watermark":
			fmt.Printf("watermark -> L=%d\n", t.LowWatermark())

		default:
			return errors.Errorf("unknown command: %q", fields[0])
		}
	}
	return nil
}
