package connectivity

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"
)

const (
	defaultProbeInterval = 5 * time.Second
	defaultProbeTimeout  = 3 * time.Second
)

type ProberOptions struct {
	// URL is fetched with GET; any 2xx answer counts as online.
	URL      string
	Interval time.Duration
	// Jitter spreads probes by up to this fraction of Interval either way.
	Jitter  float64
	Timeout time.Duration
	Token   string
	Client  *http.Client
	Logger  Logger
}

// Prober feeds a Monitor from periodic HTTP health checks.
type Prober struct {
	monitor *Monitor
	opts    ProberOptions
	rng     *rand.Rand
}

func NewProber(monitor *Monitor, opts ProberOptions) (*Prober, error) {
	if monitor == nil {
		return nil, errors.New("monitor is required")
	}
	opts.URL = strings.TrimSpace(opts.URL)
	if opts.URL == "" {
		return nil, errors.New("probe url is required")
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultProbeInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultProbeTimeout
	}
	opts.Jitter = clampJitterRatio(opts.Jitter)
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: opts.Timeout}
	}
	return &Prober{
		monitor: monitor,
		opts:    opts,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Probe runs one health check and records the outcome on the monitor.
func (p *Prober) Probe(ctx context.Context) bool {
	online := p.check(ctx)
	if p.monitor.SetOnline(online) {
		if online {
			logf(p.opts.Logger, "connectivity restored: %s", p.opts.URL)
		} else {
			logf(p.opts.Logger, "connectivity lost: %s", p.opts.URL)
		}
	}
	return online
}

func (p *Prober) check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.opts.URL, nil)
	if err != nil {
		return false
	}
	if token := strings.TrimSpace(p.opts.Token); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := p.opts.Client.Do(req)
	if err != nil {
		return false
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode <= 299
}

// Run probes immediately and then on a jittered interval until ctx ends.
func (p *Prober) Run(ctx context.Context) error {
	p.Probe(ctx)
	timer := time.NewTimer(jitteredIntervalWithSample(p.opts.Interval, p.opts.Jitter, p.rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			p.Probe(ctx)
			timer.Reset(jitteredIntervalWithSample(p.opts.Interval, p.opts.Jitter, p.rng.Float64()))
		}
	}
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}

func logf(logger Logger, format string, args ...any) {
	if logger == nil {
		return
	}
	logger.Printf(format, args...)
}
