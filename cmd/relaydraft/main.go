package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/relaydraft/internal/config"
	"github.com/agentworkforce/relaydraft/internal/coordinator"
	"github.com/agentworkforce/relaydraft/internal/lifecycle"
	"github.com/agentworkforce/relaydraft/internal/mutationqueue"
)

const usage = `usage: relaydraft [flags] <command> [args]

commands:
  run                                   keep draining the offline queue until interrupted
  status                                print connectivity and queued mutations
  drain                                 replay due mutations once
  create <type> <key> <json>            save a new entity
  update <type> <id> <key> <json>       save changes to an entity
  delete <type> <id> <key>              delete an entity
  draft <key>                           show whether a draft is held for key
  retry-draft <key>                     run the write held as a draft again
  discard-draft <key>                   drop the draft for key
  retry <mutation-id>                   give a failed mutation a fresh retry budget
  discard <mutation-id>                 drop a queued mutation
`

func main() {
	os.Exit(runMain(os.Args[1:], os.Stdout, os.Stderr))
}

// runMain returns the process exit code so deferred cleanup runs before
// main exits.
func runMain(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("relaydraft", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", strings.TrimSpace(os.Getenv("RELAYDRAFT_CONFIG")), "YAML config file")
	baseURL := fs.String("base-url", "", "remote endpoint base URL (overrides config)")
	token := fs.String("token", "", "bearer token (overrides config)")
	transportURL := fs.String("transport", "", "cross-session transport URL (overrides config)")
	healthURL := fs.String("health-url", "", "connectivity probe URL (overrides config)")
	draftMaxAge := fs.Duration("draft-max-age", 0, "discard drafts older than this (overrides config)")
	fs.Usage = func() {
		fmt.Fprint(fs.Output(), usage)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	logger := log.New(stderr, "", log.LstdFlags)
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Printf("failed to load config: %v", err)
		return 1
	}
	applyFlagOverrides(&cfg, flagOverrides{
		BaseURL:      *baseURL,
		Token:        *token,
		TransportURL: *transportURL,
		HealthURL:    *healthURL,
		DraftMaxAge:  *draftMaxAge,
	})

	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return 2
	}
	if rest[0] == "run" {
		if err := runAgent(cfg, logger); err != nil {
			logger.Printf("relaydraft stopped: %v", err)
			return 1
		}
		return 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := newAgent(ctx, cfg, logger)
	if err != nil {
		logger.Printf("failed to initialize agent: %v", err)
		return 1
	}
	defer a.Close()

	// A termination request while a write is in flight is held off once so
	// the draft can be flushed; repeating it cancels the command.
	exit := lifecycle.WatchOS(ctx, a.emitter, lifecycle.HostOptions{Logger: logger})
	go func() {
		select {
		case <-exit:
			cancel()
		case <-ctx.Done():
		}
	}()

	a.prober.Probe(ctx)
	if err := execute(ctx, a, rest, stdout); err != nil {
		var uerr usageError
		if errors.As(err, &uerr) {
			fmt.Fprintln(stderr, err)
			fs.Usage()
			return 2
		}
		logger.Printf("%s failed: %v", rest[0], err)
		return 1
	}
	return 0
}

type flagOverrides struct {
	BaseURL      string
	Token        string
	TransportURL string
	HealthURL    string
	DraftMaxAge  time.Duration
}

func applyFlagOverrides(cfg *config.Config, o flagOverrides) {
	if v := strings.TrimRight(strings.TrimSpace(o.BaseURL), "/"); v != "" {
		derived := cfg.Endpoint.BaseURL + "/health"
		cfg.Endpoint.BaseURL = v
		if cfg.Connectivity.HealthURL == derived {
			cfg.Connectivity.HealthURL = v + "/health"
		}
	}
	if v := strings.TrimSpace(o.Token); v != "" {
		if cfg.Sync.Token == cfg.Endpoint.Token {
			cfg.Sync.Token = v
		}
		cfg.Endpoint.Token = v
	}
	if v := strings.TrimSpace(o.TransportURL); v != "" {
		cfg.Sync.TransportURL = v
	}
	if v := strings.TrimSpace(o.HealthURL); v != "" {
		cfg.Connectivity.HealthURL = v
	}
	if o.DraftMaxAge > 0 {
		cfg.Draft.MaxAge = o.DraftMaxAge
	}
}

// runAgent drains the queue and probes connectivity until the host asks the
// process to exit.
func runAgent(cfg config.Config, logger *log.Logger) error {
	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := newAgent(rootCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	exit := lifecycle.WatchOS(rootCtx, a.emitter, lifecycle.HostOptions{Logger: logger})
	a.bus.Start()
	a.watch(rootCtx)
	logger.Printf("relaydraft running: endpoint=%s pending=%d failed=%d", cfg.Endpoint.BaseURL, a.queue.PendingCount(), a.queue.FailedCount())

	g, ctx := errgroup.WithContext(rootCtx)
	g.Go(func() error { return a.prober.Run(ctx) })
	g.Go(func() error { return a.queue.Run(ctx, a.monitor) })
	g.Go(func() error {
		select {
		case <-exit:
			logger.Printf("relaydraft stopping")
			cancel()
		case <-ctx.Done():
		}
		return nil
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

type usageError string

func (e usageError) Error() string { return string(e) }

func execute(ctx context.Context, a *agent, args []string, out io.Writer) error {
	cmd, rest := args[0], args[1:]
	need := func(n int) error {
		if len(rest) != n {
			return usageError(fmt.Sprintf("%s takes %d argument(s), got %d", cmd, n, len(rest)))
		}
		return nil
	}
	switch cmd {
	case "status":
		if err := need(0); err != nil {
			return err
		}
		entries, err := a.queue.Snapshot(ctx)
		if err != nil {
			return err
		}
		if entries == nil {
			entries = []mutationqueue.Mutation{}
		}
		return writeJSON(out, map[string]any{
			"online":    a.monitor.Online(),
			"pending":   a.queue.PendingCount(),
			"failed":    a.queue.FailedCount(),
			"mutations": entries,
		})
	case "drain":
		if err := need(0); err != nil {
			return err
		}
		if !a.monitor.Online() {
			return errors.New("endpoint is offline")
		}
		res := a.queue.Drain(ctx)
		if res.Err != nil {
			return res.Err
		}
		return writeJSON(out, map[string]any{
			"replayed": res.Replayed,
			"failed":   res.Failed,
			"deferred": res.Deferred,
			"pending":  a.queue.PendingCount(),
		})
	case "create":
		if err := need(3); err != nil {
			return err
		}
		return writeResult(out, a.coord.Create(ctx, rest[1], rest[0], json.RawMessage(rest[2])))
	case "update":
		if err := need(4); err != nil {
			return err
		}
		return writeResult(out, a.coord.Update(ctx, rest[2], rest[0], rest[1], json.RawMessage(rest[3])))
	case "delete":
		if err := need(3); err != nil {
			return err
		}
		return writeResult(out, a.coord.Delete(ctx, rest[2], rest[0], rest[1]))
	case "draft":
		if err := need(1); err != nil {
			return err
		}
		status, err := a.coord.DraftStatus(ctx, rest[0])
		if err != nil {
			return err
		}
		view := map[string]any{"key": rest[0], "hasDraft": status.HasDraft}
		if status.HasDraft {
			view["savedAt"] = status.Timestamp.UTC().Format(time.RFC3339)
		}
		return writeJSON(out, view)
	case "retry-draft":
		if err := need(1); err != nil {
			return err
		}
		return writeResult(out, a.coord.RetryDraft(ctx, rest[0]))
	case "discard-draft":
		if err := need(1); err != nil {
			return err
		}
		return a.coord.DiscardDraft(ctx, rest[0])
	case "retry":
		if err := need(1); err != nil {
			return err
		}
		return a.queue.Retry(ctx, rest[0])
	case "discard":
		if err := need(1); err != nil {
			return err
		}
		return a.queue.Discard(ctx, rest[0])
	default:
		return usageError(fmt.Sprintf("unknown command %q", cmd))
	}
}

func writeResult(out io.Writer, res coordinator.Result) error {
	view := map[string]any{
		"success": res.Success,
		"queued":  res.Queued,
	}
	if res.Queued {
		view["mutationId"] = res.Mutation.ID
	} else if res.Success {
		view["id"] = res.Remote.ID
		view["revision"] = res.Remote.Revision
	}
	if res.Err != nil {
		view["error"] = res.Err.Error()
	}
	if err := writeJSON(out, view); err != nil {
		return err
	}
	if !res.Success {
		return res.Err
	}
	return nil
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
