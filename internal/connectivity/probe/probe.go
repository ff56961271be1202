// Package probe derives connectivity from periodic health checks against
// the remote api.
package probe

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/taskup/outbox/internal/connectivity"
	"github.com/taskup/outbox/internal/util"
)

type Config struct {
	Url      string        `flag:"url" desc:"health check url, defaults to the remote url"`
	Schedule string        `flag:"schedule" desc:"health check cron schedule" default:"@every 5s"`
	Timeout  time.Duration `flag:"timeout" desc:"health check timeout" default:"2s"`
}

// Probe publishes online whenever the health check receives any http
// response and offline when it does not.
type Probe struct {
	connectivity.Broadcast

	url      string
	timeout  time.Duration
	schedule cron.Schedule
	client   *http.Client
	cron     *cron.Cron

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(config *Config) (*Probe, error) {
	u, err := url.Parse(config.Url)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("invalid probe url '%s'", config.Url)
	}

	schedule, err := util.ParseCron(config.Schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid probe schedule '%s': %w", config.Schedule, err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Probe{
		url:      u.String(),
		timeout:  config.Timeout,
		schedule: schedule,
		client:   &http.Client{Timeout: config.Timeout},
		cron:     cron.New(),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

func (p *Probe) String() string {
	return fmt.Sprintf("connectivity:probe(%s)", p.url)
}

// Start runs one check immediately and then one per schedule tick. The
// immediate check and the scheduled ones share a job, so they never overlap.
func (p *Probe) Start() error {
	job := cron.NewChain(cron.SkipIfStillRunning(cron.DiscardLogger)).Then(cron.FuncJob(func() {
		p.Check(p.ctx)
	}))

	p.cron.Schedule(p.schedule, job)
	p.cron.Start()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		job.Run()
	}()

	return nil
}

// Stop aborts any check in flight and returns once every check has
// finished. Aborted checks publish nothing.
func (p *Probe) Stop() error {
	p.cancel()
	<-p.cron.Stop().Done()
	p.wg.Wait()
	return nil
}

// Check performs a single health check and publishes the result, unless
// ctx is canceled before the check completes.
func (p *Probe) Check(ctx context.Context) bool {
	parent := ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	online := false

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err == nil {
		res, err := p.client.Do(req)
		if err == nil {
			_ = res.Body.Close()
			online = true
		} else {
			slog.Debug("probe failed", "url", p.url, "err", err)
		}
	}

	if parent.Err() != nil {
		return false
	}

	p.Publish(online)
	return online
}
