package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/DragonitePlus/DeepAudit/internal/engine"
	"github.com/DragonitePlus/DeepAudit/internal/model"
)

var (
	serveInput  string
	serveOutput string
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVarP(&serveInput, "input", "i", "-", "JSONL event source (- for stdin)")
	serveCmd.Flags().StringVarP(&serveOutput, "output", "o", "-", "JSONL decision sink (- for stdout)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Evaluate a stream of SQL events",
	Long: "Reads one JSON event per line and writes one JSON decision per line.\n" +
		"Runs the decay refresher, profile persistence, risk config hot reload,\n" +
		"Redis config sync and the ops listener while the stream is open.\n\n" +
		"Event fields: appUserId, sqlTemplate, statement, tableNames, executionMs,\n" +
		"clientIp, resultCount, occurredAt.",
	RunE: runServe,
}

// eventLine is the wire form of one input event.
type eventLine struct {
	AppUserID   string     `json:"appUserId"`
	SQLTemplate string     `json:"sqlTemplate"`
	Statement   string     `json:"statement,omitempty"`
	TableNames  []string   `json:"tableNames,omitempty"`
	ExecutionMs int64      `json:"executionMs,omitempty"`
	ClientIP    string     `json:"clientIp,omitempty"`
	ResultCount int        `json:"resultCount,omitempty"`
	OccurredAt  *time.Time `json:"occurredAt,omitempty"`
}

func (l eventLine) event() engine.Event {
	ev := engine.Event{
		AppUserID:     l.AppUserID,
		SQLTemplate:   l.SQLTemplate,
		Statement:     l.Statement,
		TableNames:    l.TableNames,
		ExecutionTime: time.Duration(l.ExecutionMs) * time.Millisecond,
		ClientIP:      l.ClientIP,
		ResultCount:   l.ResultCount,
	}
	if l.OccurredAt != nil {
		ev.OccurredAt = *l.OccurredAt
	}
	return ev
}

// errorLine is written in place of a decision for unusable input.
type errorLine struct {
	Line  int    `json:"line"`
	Error string `json:"error"`
}

// streamStats summarises one stream.
type streamStats struct {
	Events  int `json:"events"`
	Blocked int `json:"blocked"`
	Errors  int `json:"errors"`
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, logCloser, err := loadSettings()
	if err != nil {
		return err
	}
	defer logCloser.Close()

	in, closeIn, err := openInput(serveInput)
	if err != nil {
		return err
	}
	defer closeIn()
	out, closeOut, err := openOutput(serveOutput)
	if err != nil {
		return err
	}
	defer closeOut()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := openRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}

	bgCtx, cancelBg := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(bgCtx)
	rt.runBackground(gctx, g)

	fmt.Fprintf(os.Stderr, "deepaudit serving events (storage=%s, ml=%s)\n", cfg.Storage.Driver, cfg.ML.Transport)
	if cfg.Risk.ConfigPath != "" {
		fmt.Fprintf(os.Stderr, "Risk config: %s (hot-reload enabled)\n", cfg.Risk.ConfigPath)
	}
	if cfg.Ops.Addr != "" {
		fmt.Fprintf(os.Stderr, "Ops: %s (/sys/health, /metrics)\n", cfg.Ops.Addr)
	}

	stats, streamErr := serveStream(gctx, rt.engine, in, out, logger)
	cancelBg()
	bgErr := g.Wait()

	fmt.Fprintf(os.Stderr, "events=%d blocked=%d errors=%d\n", stats.Events, stats.Blocked, stats.Errors)

	if err := rt.Close(); err != nil && streamErr == nil && bgErr == nil {
		return err
	}
	if streamErr != nil {
		return streamErr
	}
	return bgErr
}

// serveStream evaluates events line by line until in is exhausted or ctx is
// cancelled. Bad lines produce an errorLine and do not stop the stream.
func serveStream(ctx context.Context, eng *engine.Engine, in io.Reader, out io.Writer, logger *slog.Logger) (streamStats, error) {
	var stats streamStats
	w := bufio.NewWriter(out)
	defer w.Flush()
	enc := json.NewEncoder(w)

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return stats, nil
		}
		lineNum++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}

		var line eventLine
		if err := json.Unmarshal([]byte(raw), &line); err != nil {
			stats.Errors++
			if err := enc.Encode(errorLine{Line: lineNum, Error: "invalid JSON: " + err.Error()}); err != nil {
				return stats, err
			}
			continue
		}

		d, err := eng.EvaluateEvent(ctx, line.event())
		if err != nil {
			stats.Errors++
			logger.Warn("event rejected", "line", lineNum, "err", err)
			if err := enc.Encode(errorLine{Line: lineNum, Error: err.Error()}); err != nil {
				return stats, err
			}
			continue
		}
		stats.Events++
		if d.ActionTaken == model.Block {
			stats.Blocked++
		}
		if err := enc.Encode(d); err != nil {
			return stats, err
		}
		// Keep interactive consumers in step with their input.
		if err := w.Flush(); err != nil {
			return stats, err
		}
	}
	if err := scanner.Err(); err != nil {
		return stats, fmt.Errorf("read events: %w", err)
	}
	return stats, nil
}

func openInput(path string) (io.Reader, func(), error) {
	if path == "" || path == "-" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open events: %w", err)
	}
	return f, func() { f.Close() }, nil
}

func openOutput(path string) (io.Writer, func(), error) {
	if path == "" || path == "-" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open decisions: %w", err)
	}
	return f, func() { f.Close() }, nil
}
