package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/agentworkforce/relaydraft/internal/config"
	"github.com/agentworkforce/relaydraft/internal/connectivity"
	"github.com/agentworkforce/relaydraft/internal/coordinator"
	"github.com/agentworkforce/relaydraft/internal/crosstab"
	"github.com/agentworkforce/relaydraft/internal/lifecycle"
	"github.com/agentworkforce/relaydraft/internal/mutationqueue"
	"github.com/agentworkforce/relaydraft/internal/remote"
	"github.com/agentworkforce/relaydraft/internal/storage"
)

// agent is one client session: storage tiers, offline queue, connectivity,
// cross-session bus, and the coordinator in front of them.
type agent struct {
	cfg     config.Config
	logger  *log.Logger
	emitter *lifecycle.Emitter
	broker  *storage.Broker
	store   mutationqueue.Store
	queue   *mutationqueue.Queue
	monitor *connectivity.Monitor
	prober  *connectivity.Prober
	bus     *crosstab.Bus
	coord   *coordinator.Coordinator
}

func newAgent(ctx context.Context, cfg config.Config, logger *log.Logger) (*agent, error) {
	a := &agent{cfg: cfg, logger: logger, emitter: lifecycle.NewEmitter()}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	primary, err := storage.BuildPrimaryFromDSN(cfg.Storage.PrimaryDSN)
	if err != nil {
		return nil, fmt.Errorf("primary storage: %w", err)
	}
	durable, err := storage.BuildDurableFromDSN(cfg.Storage.DurableDSN)
	if err != nil {
		return nil, fmt.Errorf("durable storage: %w", err)
	}
	a.broker = storage.NewBroker(storage.BrokerOptions{Primary: primary, Durable: durable, Logger: logger})

	a.store, err = mutationqueue.BuildStoreFromDSN(cfg.Queue.DSN, cfg.Queue.Capacity)
	if err != nil {
		return nil, fmt.Errorf("queue store: %w", err)
	}
	var validator *mutationqueue.Validator
	if dir := strings.TrimSpace(cfg.Queue.SchemaDir); dir != "" {
		validator = mutationqueue.NewValidator()
		loaded, err := validator.LoadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("load payload schemas: %w", err)
		}
		logger.Printf("loaded payload schemas for %s", strings.Join(loaded, ", "))
	}

	endpoint := remote.NewHTTPClient(cfg.Endpoint.BaseURL, cfg.Endpoint.Token, &http.Client{Timeout: cfg.Endpoint.Timeout})
	notifier := coordinator.LogNotifier{Logger: logger}
	a.queue, err = mutationqueue.New(ctx, mutationqueue.Options{
		Store:         a.store,
		Replayer:      coordinator.NewReplayer(endpoint),
		MaxAttempts:   cfg.Queue.MaxAttempts,
		BaseDelay:     cfg.Queue.BaseDelay,
		MaxDelay:      cfg.Queue.MaxDelay,
		DrainInterval: cfg.Queue.DrainInterval,
		Logger:        logger,
		Validator:     validator,
		Meter:         otel.Meter("github.com/agentworkforce/relaydraft/cmd/relaydraft"),
		OnFailed:      coordinator.FailedHandler(notifier),
	})
	if err != nil {
		return nil, fmt.Errorf("offline queue: %w", err)
	}

	a.monitor = connectivity.NewMonitor(false)
	a.prober, err = connectivity.NewProber(a.monitor, connectivity.ProberOptions{
		URL:      cfg.Connectivity.HealthURL,
		Interval: cfg.Connectivity.Interval,
		Jitter:   cfg.Connectivity.Jitter,
		Timeout:  cfg.Connectivity.Timeout,
		Token:    cfg.Endpoint.Token,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("connectivity prober: %w", err)
	}

	transport, err := crosstab.BuildTransportFromURL(cfg.Sync.TransportURL, crosstab.TransportOptions{Token: cfg.Sync.Token, Logger: logger})
	if err != nil {
		// The bus is an enhancement; run without it rather than refuse to start.
		logger.Printf("cross-session transport %q unavailable: %v", cfg.Sync.TransportURL, err)
		transport = nil
	}
	a.bus = crosstab.New(crosstab.Options{
		Transport:     transport,
		Logger:        logger,
		Source:        a.emitter,
		ChannelPrefix: cfg.Sync.ChannelPrefix,
	})
	a.bus.OnRemoteUpdate(func(m crosstab.Message) {
		logger.Printf("%s changed in session %s", m.Key, m.TabID)
	})
	a.bus.OnSaveComplete(func(m crosstab.Message) {
		logger.Printf("%s saved by session %s", m.Key, m.TabID)
	})

	a.coord, err = coordinator.New(coordinator.Options{
		Broker:         a.broker,
		Queue:          a.queue,
		Endpoint:       endpoint,
		Connectivity:   a.monitor,
		Bus:            a.bus,
		MaxTrackedKeys: cfg.Sync.MaxTrackedKeys,
		Source:         a.emitter,
		DraftMaxAge:    cfg.Draft.MaxAge,
		Logger:         logger,
		Notifier:       notifier,
	})
	if err != nil {
		return nil, err
	}
	ok = true
	return a, nil
}

// watch joins the configured keys for the life of the agent and reports any
// write still held as a draft for one of them.
func (a *agent) watch(ctx context.Context) {
	a.coord.Watch(a.cfg.Sync.Keys...)
	for _, key := range a.cfg.Sync.Keys {
		status, err := a.coord.DraftStatus(ctx, key)
		if err != nil {
			a.logger.Printf("check draft for %s: %v", key, err)
			continue
		}
		if status.HasDraft {
			a.logger.Printf("%s has an unsent draft from %s; use retry-draft or discard-draft", key, status.Timestamp.UTC().Format(time.RFC3339))
		}
	}
}

func (a *agent) Close() error {
	var errs []error
	if a.bus != nil {
		errs = append(errs, a.bus.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.broker != nil {
		errs = append(errs, a.broker.Close())
	}
	return errors.Join(errs...)
}
