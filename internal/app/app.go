// Package app wires configuration, storage, the outbox, the gateway and
// the pipeline together and drives the scheduled passes.
package app

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"celebot/internal/config"
	"celebot/internal/dispatch"
	"celebot/internal/gateway"
	"celebot/internal/pipeline"
	"celebot/internal/queue"
	"celebot/internal/storage"
	logx "celebot/pkg/logx"
)

type App struct {
	cfgPath string
	cfg     *config.Config

	logs *logx.Service
	log  logx.Logger

	store  storage.Store
	outbox *queue.Queue
	disp   *dispatch.Dispatcher
	pipe   *pipeline.Pipeline

	cron *cron.Cron

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	drainEvery time.Duration
}

func New(cfgPath string) (*App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	busyTimeout, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	outbox, err := queue.Open(queue.Config{
		Path:        cfg.Queue.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "queue")))
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("open queue: %w", err)
	}

	gwCfg, err := mapGatewayConfig(cfg)
	if err != nil {
		_ = outbox.Close()
		_ = store.Close()
		return nil, err
	}
	gw := gateway.New(gwCfg, log.With(logx.String("comp", "gateway")))
	disp := dispatch.New(gw, store, cfg.Dispatch.RatePerSec, log.With(logx.String("comp", "dispatch")))

	pipeCfg, err := mapPipelineConfig(cfg)
	if err != nil {
		_ = outbox.Close()
		_ = store.Close()
		return nil, err
	}
	pipe := pipeline.New(pipeCfg, store, outbox, disp, log.With(logx.String("comp", "pipeline")))

	drainEvery, err := config.ParseDurationOrDefault("queue.drain_every", cfg.Queue.DrainEvery, 15*time.Second)
	if err != nil {
		_ = outbox.Close()
		_ = store.Close()
		return nil, err
	}

	return &App{
		cfgPath:    cfgPath,
		cfg:        cfg,
		logs:       logs,
		log:        log,
		store:      store,
		outbox:     outbox,
		disp:       disp,
		pipe:       pipe,
		drainEvery: drainEvery,
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	a.runCtx, a.cancel = context.WithCancel(context.Background())

	loc := time.UTC
	if tz := a.cfg.Scheduler.Timezone; tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("scheduler.timezone: %w", err)
		}
		loc = l
	}

	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	a.cron = cron.New(cron.WithParser(parser), cron.WithLocation(loc))

	jobs := []struct {
		name string
		spec string
		def  string
		run  func(context.Context, time.Time) error
	}{
		{"preview", a.cfg.Scheduler.PreviewSpec, "0 8 * * *", a.pipe.RunPreview},
		{"delivery", a.cfg.Scheduler.DeliverySpec, "@hourly", a.pipe.DeliverDue},
		{"reconcile", a.cfg.Scheduler.ReconcileSpec, "30 */6 * * *", a.pipe.Reconcile},
	}
	for _, j := range jobs {
		spec := j.spec
		if spec == "" {
			spec = j.def
		}
		if err := a.addJob(j.name, spec, j.run); err != nil {
			return fmt.Errorf("schedule %s (%q): %w", j.name, spec, err)
		}
	}

	a.cron.Start()

	a.wg.Add(1)
	go a.drainLoop()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		config.Watch(a.runCtx, a.cfgPath, a.log.With(logx.String("comp", "config")), a.applyConfig)
	}()

	a.log.Info("started",
		logx.String("timezone", loc.String()),
		logx.Duration("drain_every", a.drainEvery))
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.cron != nil {
		stopped := a.cron.Stop()
		select {
		case <-stopped.Done():
		case <-ctx.Done():
		}
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()

	_ = a.outbox.Close()
	_ = a.store.Close()
	_ = a.logs.Close()
	return nil
}

// addJob registers a cron entry that skips a tick while the previous
// run is still going.
func (a *App) addJob(name, spec string, run func(context.Context, time.Time) error) error {
	var busy atomic.Bool
	log := a.log.With(logx.String("job", name))
	_, err := a.cron.AddFunc(spec, func() {
		if !busy.CompareAndSwap(false, true) {
			log.Warn("previous run still active, skipping tick")
			return
		}
		defer busy.Store(false)

		start := time.Now()
		if err := run(a.runCtx, start); err != nil {
			log.Error("job failed", logx.Err(err))
			return
		}
		log.Debug("job finished", logx.Duration("took", time.Since(start)))
	})
	return err
}

func (a *App) drainLoop() {
	defer a.wg.Done()
	t := time.NewTicker(a.drainEvery)
	defer t.Stop()
	for {
		select {
		case <-a.runCtx.Done():
			return
		case now := <-t.C:
			if err := a.pipe.Drain(a.runCtx, now); err != nil && a.runCtx.Err() == nil {
				a.log.Error("drain failed", logx.Err(err))
			}
		}
	}
}

// applyConfig applies the hot-reloadable subset of a changed config:
// log level/sinks and the outbound rate. Everything else needs a restart.
func (a *App) applyConfig(cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	a.disp.SetRate(cfg.Dispatch.RatePerSec)
	a.log.Info("applied reloaded config",
		logx.String("log_level", cfg.Logging.Level),
		logx.Int("rate_per_sec", cfg.Dispatch.RatePerSec))
}

func mapGatewayConfig(cfg *config.Config) (gateway.Config, error) {
	timeout, err := config.ParseDurationOrDefault("gateway.timeout", cfg.Gateway.Timeout, 30*time.Second)
	if err != nil {
		return gateway.Config{}, err
	}
	retryDelay, err := config.ParseDurationOrDefault("gateway.retry_delay", cfg.Gateway.RetryDelay, time.Second)
	if err != nil {
		return gateway.Config{}, err
	}
	throttleDelay, err := config.ParseDurationOrDefault("gateway.throttle_delay", cfg.Gateway.ThrottleDelay, 5*time.Second)
	if err != nil {
		return gateway.Config{}, err
	}
	return gateway.Config{
		AppID:            cfg.Gateway.AppID,
		AppSecret:        cfg.Gateway.AppSecret,
		TokenURL:         cfg.Gateway.TokenURL,
		Scope:            cfg.Gateway.Scope,
		Timeout:          timeout,
		RetryAttempts:    uint(cfg.Gateway.RetryAttempts),
		RetryDelay:       retryDelay,
		ThrottleAttempts: cfg.Gateway.ThrottleAttempts,
		ThrottleDelay:    throttleDelay,
	}, nil
}

func mapPipelineConfig(cfg *config.Config) (pipeline.Config, error) {
	leaseFor, err := config.ParseDurationOrDefault("queue.lease_for", cfg.Queue.LeaseFor, 2*time.Minute)
	if err != nil {
		return pipeline.Config{}, err
	}
	stale, err := config.ParseDurationOrDefault("scheduler.delivering_stale", cfg.Scheduler.DeliveringStale, 24*time.Hour)
	if err != nil {
		return pipeline.Config{}, err
	}
	return pipeline.Config{
		PreviewHorizonDays: cfg.Scheduler.PreviewHorizonDays,
		LeaseFor:           leaseFor,
		DrainBatch:         cfg.Queue.DrainBatch,
		DeliveringStale:    stale,
	}, nil
}
