package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agentworkforce/relaydraft/internal/config"
	"github.com/agentworkforce/relaydraft/internal/relayhub"
)

func testAgent(t *testing.T) (*agent, *httptest.Server) {
	t.Helper()
	ts := httptest.NewServer(relayhub.NewServer())
	t.Cleanup(ts.Close)
	return newTestAgent(t, ts, io.Discard, nil), ts
}

func newTestAgent(t *testing.T, ts *httptest.Server, logs io.Writer, configure func(*config.Config)) *agent {
	t.Helper()
	cfg := config.Default()
	cfg.Endpoint.BaseURL = ts.URL
	cfg.Connectivity.HealthURL = ts.URL + "/health"
	cfg.Queue.DSN = "memory://"
	cfg.Storage.DurableDSN = "memory://"
	cfg.Queue.BaseDelay = time.Millisecond
	if configure != nil {
		configure(&cfg)
	}

	a, err := newAgent(context.Background(), cfg, log.New(logs, "", 0))
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	if !a.prober.Probe(context.Background()) {
		t.Fatalf("expected relay hub health check to pass")
	}
	return a
}

func run(t *testing.T, a *agent, args ...string) map[string]any {
	t.Helper()
	var out bytes.Buffer
	if err := execute(context.Background(), a, args, &out); err != nil {
		t.Fatalf("%v: %v", args, err)
	}
	if out.Len() == 0 {
		return nil
	}
	var view map[string]any
	if err := json.Unmarshal(out.Bytes(), &view); err != nil {
		t.Fatalf("decode %v output %q: %v", args, out.String(), err)
	}
	return view
}

func TestCreateOnlineReachesEndpoint(t *testing.T) {
	a, _ := testAgent(t)
	view := run(t, a, "create", "note", "note-1", `{"title":"hello"}`)
	if view["success"] != true || view["queued"] != false {
		t.Fatalf("expected direct success, got %v", view)
	}
	if view["id"] == "" || view["revision"] != "1" {
		t.Fatalf("expected id and first revision, got %v", view)
	}
	draft := run(t, a, "draft", "note-1")
	if draft["hasDraft"] != false {
		t.Fatalf("expected draft cleared after success, got %v", draft)
	}
}

func TestOfflineWritesQueueThenDrain(t *testing.T) {
	a, _ := testAgent(t)
	a.monitor.SetOnline(false)

	view := run(t, a, "create", "note", "note-1", `{"title":"offline"}`)
	if view["success"] != true || view["queued"] != true || view["mutationId"] == "" {
		t.Fatalf("expected queued success, got %v", view)
	}
	status := run(t, a, "status")
	if status["online"] != false || status["pending"] != float64(1) {
		t.Fatalf("unexpected status %v", status)
	}

	var out bytes.Buffer
	if err := execute(context.Background(), a, []string{"drain"}, &out); err == nil {
		t.Fatalf("expected drain to refuse while offline")
	}

	a.monitor.SetOnline(true)
	drained := run(t, a, "drain")
	if drained["replayed"] != float64(1) || drained["pending"] != float64(0) {
		t.Fatalf("unexpected drain result %v", drained)
	}
}

func TestQueueEntriesCanBeDiscarded(t *testing.T) {
	a, _ := testAgent(t)
	a.monitor.SetOnline(false)
	view := run(t, a, "create", "note", "note-1", `{"title":"offline"}`)
	id, _ := view["mutationId"].(string)
	run(t, a, "discard", id)
	if a.queue.PendingCount() != 0 {
		t.Fatalf("expected empty queue after discard, got %d", a.queue.PendingCount())
	}
	if err := execute(context.Background(), a, []string{"retry", id}, io.Discard); err == nil {
		t.Fatalf("expected retry of a discarded mutation to fail")
	}
}

func TestUpdateAndDeleteAgainstHub(t *testing.T) {
	a, _ := testAgent(t)
	created := run(t, a, "create", "note", "note-1", `{"title":"v1"}`)
	id, _ := created["id"].(string)

	updated := run(t, a, "update", "note", id, "note-1", `{"title":"v2","revision":"1"}`)
	if updated["success"] != true || updated["revision"] != "2" {
		t.Fatalf("unexpected update result %v", updated)
	}
	deleted := run(t, a, "delete", "note", id, "note-1")
	if deleted["success"] != true {
		t.Fatalf("unexpected delete result %v", deleted)
	}
}

func TestExecuteUsageErrors(t *testing.T) {
	a, _ := testAgent(t)
	for _, args := range [][]string{{"frobnicate"}, {"create", "note"}, {"status", "extra"}} {
		err := execute(context.Background(), a, args, io.Discard)
		var usage usageError
		if !errors.As(err, &usage) {
			t.Fatalf("expected usage error for %v, got %v", args, err)
		}
	}
}

func TestWatchedKeysReceiveUpdatesAndReportDrafts(t *testing.T) {
	ts := httptest.NewServer(relayhub.NewServer())
	t.Cleanup(ts.Close)
	var logs bytes.Buffer
	watcher := newTestAgent(t, ts, &logs, func(cfg *config.Config) {
		cfg.Sync.TransportURL = "memory://"
		cfg.Sync.Keys = []string{"watch-note-1", "watch-note-2"}
		cfg.Queue.Capacity = 1
	})
	writer := newTestAgent(t, ts, io.Discard, func(cfg *config.Config) {
		cfg.Sync.TransportURL = "memory://"
	})
	ctx := context.Background()

	watcher.monitor.SetOnline(false)
	if res := watcher.coord.Create(ctx, "watch-filler", "note", json.RawMessage(`{"n":1}`)); !res.Queued {
		t.Fatalf("expected filler to be queued, got %+v", res)
	}
	if res := watcher.coord.Create(ctx, "watch-note-1", "note", json.RawMessage(`{"n":2}`)); res.Success {
		t.Fatalf("expected a full queue to leave a draft, got %+v", res)
	}
	watcher.watch(ctx)
	if !strings.Contains(logs.String(), "watch-note-1 has an unsent draft") {
		t.Fatalf("expected the held draft to be reported, got %q", logs.String())
	}

	writer.monitor.SetOnline(false)
	if res := writer.coord.Create(ctx, "watch-note-2", "note", json.RawMessage(`{"n":3}`)); !res.Queued {
		t.Fatalf("expected queued write, got %+v", res)
	}
	if !strings.Contains(logs.String(), "watch-note-2 changed in session") {
		t.Fatalf("expected the watched key to receive the other session's update, got %q", logs.String())
	}
}

func TestRunMainExitCodes(t *testing.T) {
	ts := httptest.NewServer(relayhub.NewServer())
	t.Cleanup(ts.Close)
	t.Setenv("RELAYDRAFT_CONFIG", "")
	t.Setenv("RELAYDRAFT_PROFILE", "memory")

	cases := []struct {
		args []string
		code int
	}{
		{nil, 2},
		{[]string{"-no-such-flag"}, 2},
		{[]string{"-config", t.TempDir() + "/missing.yaml", "status"}, 1},
		{[]string{"-base-url", ts.URL, "frobnicate"}, 2},
		{[]string{"-base-url", ts.URL, "retry", "no-such-mutation"}, 1},
		{[]string{"-base-url", ts.URL, "status"}, 0},
	}
	for _, tc := range cases {
		var stdout, stderr bytes.Buffer
		if got := runMain(tc.args, &stdout, &stderr); got != tc.code {
			t.Fatalf("%v: expected exit code %d, got %d (stderr %q)", tc.args, tc.code, got, stderr.String())
		}
		if tc.code == 0 && !strings.Contains(stdout.String(), `"pending"`) {
			t.Fatalf("%v: expected a status report, got %q", tc.args, stdout.String())
		}
	}
}

func TestApplyFlagOverrides(t *testing.T) {
	cfg := config.Default()
	cfg.Connectivity.HealthURL = cfg.Endpoint.BaseURL + "/health"
	cfg.Endpoint.Token = "old"
	cfg.Sync.Token = "old"
	applyFlagOverrides(&cfg, flagOverrides{BaseURL: "http://api.test/", Token: "new", DraftMaxAge: time.Hour})
	if cfg.Endpoint.BaseURL != "http://api.test" {
		t.Fatalf("unexpected base url %q", cfg.Endpoint.BaseURL)
	}
	if cfg.Connectivity.HealthURL != "http://api.test/health" {
		t.Fatalf("expected derived health url to follow base url, got %q", cfg.Connectivity.HealthURL)
	}
	if cfg.Endpoint.Token != "new" || cfg.Sync.Token != "new" {
		t.Fatalf("expected both tokens replaced, got %q %q", cfg.Endpoint.Token, cfg.Sync.Token)
	}
	if cfg.Draft.MaxAge != time.Hour {
		t.Fatalf("expected draft max age 1h, got %s", cfg.Draft.MaxAge)
	}

	cfg.Connectivity.HealthURL = "http://probe.test/ok"
	applyFlagOverrides(&cfg, flagOverrides{BaseURL: "http://other.test"})
	if cfg.Connectivity.HealthURL != "http://probe.test/ok" {
		t.Fatalf("explicit health url must survive a base url override, got %q", cfg.Connectivity.HealthURL)
	}
}
