// Package app assembles the relay: config, logging, the Matrix
// transport, the delivery coordinator, HTTP ingress, history, and the
// housekeeping jobs, plus the reload and shutdown choreography that
// ties them together.
package app

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"mxrelay/internal/coordinator"
	"mxrelay/internal/eventbus"
	"mxrelay/internal/history"
	"mxrelay/internal/ingress"
	"mxrelay/internal/maintenance"
	"mxrelay/internal/observability/pprof"
	"mxrelay/internal/transport/matrix"
	logx "mxrelay/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *ConfigManager
	sup  *Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	hist history.Store

	adapter *matrix.Adapter
	coord   *coordinator.Coordinator
	ingress *ingress.Service
	maint   *maintenance.Service
	pprof   *pprof.Service
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	adapter, err := matrix.New(mapMatrixConfig(cfg), logSvc.Logger().With(logx.String("comp", "matrix")))
	if err != nil {
		logSvc.Close()
		return nil, err
	}

	bus := eventbus.New()

	coord := coordinator.New(coordinator.Config{
		ChannelName:    strings.TrimSpace(cfg.Matrix.RoomName),
		DedupCacheSize: cfg.Delivery.DedupCacheSize,
	}, adapter, logSvc.Logger().With(logx.String("comp", "coordinator")), bus)
	adapter.SetSink(coord)

	icfg, err := mapIngressConfig(cfg)
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	ing := ingress.New(icfg, coord, logSvc.Logger().With(logx.String("comp", "ingress")))

	// History store (optional)
	var hist history.Store
	if hcfg, enabled, err := mapHistoryConfig(cfg); err != nil {
		logSvc.Close()
		return nil, err
	} else if enabled {
		st, err := history.Open(hcfg, logSvc.Logger().With(logx.String("comp", "history")))
		if err != nil {
			logSvc.Close()
			return nil, err
		}
		if st != nil {
			hist = st
			log.Info("history enabled", logx.String("driver", hcfg.Driver))
		}
	}

	mcfg, err := mapMaintenanceConfig(cfg)
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	var pruner maintenance.HistoryPruner
	if hist != nil {
		pruner = hist
	}
	maint := maintenance.New(mcfg, pruner, coord, logSvc.Logger().With(logx.String("comp", "maintenance")))

	ppc, err := mapPprofConfig(cfg)
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	pprofSvc := pprof.New(ppc, logSvc.Logger().With(logx.String("comp", "pprof")))

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		hist:    hist,
		adapter: adapter,
		coord:   coord,
		ingress: ing,
		maint:   maint,
		pprof:   pprofSvc,
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *Config) error {
		return validateConfig(cfg)
	})

	// The transport comes up first: login, crypto store, sync loop.
	if err := a.adapter.Start(a.sup.Context()); err != nil {
		return err
	}
	a.ingress.Start(a.sup.Context())
	if a.maint.Enabled() {
		a.maint.Start(a.sup.Context())
	}
	if a.pprof.Enabled() {
		a.pprof.Start(a.sup.Context())
	}

	// Record delivery outcomes to the history store.
	if a.hist != nil {
		events, unsub := a.bus.Subscribe(256)
		// The bus fires per message; throttle the failure warn so a broken
		// store can't flood the sinks.
		appendWarn := logx.NewWarnLimiter(a.log, 1, 3)
		a.sup.Go0("history.record", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					entry, ok := history.FromBusEvent(e)
					if !ok {
						continue
					}
					if err := a.hist.Append(c, entry); err != nil {
						appendWarn.Warn("history append failed", logx.Err(err))
					}
				}
			}
		})
	}

	// Optional: log events for observability/debug (components can also subscribe themselves).
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				// Keep this debug-level; delivery topics fire per message.
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		// Track last applied config to generate a safe diff summary for logging.
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				sections, attrs := SummarizeConfigChange(lastApplied, newCfg)
				if len(sections) > 0 {
					fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
					a.log.Debug("config change summary", fields...)
				} else {
					a.log.Debug("config reload received, but no effective changes detected")
				}

				// Sections wired at construction time can't re-wire live.
				// The matrix send knobs are the exception: pacing and
				// rendering hot-swap on the running adapter.
				for _, s := range sections {
					switch s {
					case "matrix":
						m := mapMatrixConfig(newCfg)
						a.adapter.ApplySendSettings(m.SendRatePerSec, m.SendBurst, m.Notice, m.Markdown)
						if matrixNeedsRestart(lastApplied, newCfg) {
							a.log.Warn("matrix config changed; restart required for changes to take effect")
						} else {
							a.log.Info("matrix send settings applied")
						}
					case "delivery", "history":
						a.log.Warn(s + " config changed; restart required for changes to take effect")
					}
				}
				lastApplied = newCfg

				a.logs.Apply(logx.Config{
					Level:  newCfg.Logging.Level,
					Format: newCfg.Logging.Format,
					File: logx.FileConfig{
						Enabled: newCfg.Logging.File.Enabled,
						Path:    newCfg.Logging.File.Path,
					},
				})

				// apply ingress updates (live; restarts the listener only when needed)
				if icfg, err := mapIngressConfig(newCfg); err != nil {
					a.log.Warn("invalid ingress config; keeping previous", logx.Err(err))
				} else {
					a.ingress.Reconfigure(c, icfg)
				}

				// apply maintenance updates (live)
				if mcfg, err := mapMaintenanceConfig(newCfg); err != nil {
					a.log.Warn("invalid maintenance config; keeping previous", logx.Err(err))
				} else {
					prevEnabled := a.maint.Enabled()
					if prevEnabled && !mcfg.Enabled {
						a.log.Info("maintenance disabled via config")
						stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
						a.maint.Stop(stopCtx)
						cancel()
					}
					a.maint.Apply(mcfg)
					if !prevEnabled && mcfg.Enabled {
						a.log.Info("maintenance enabled via config")
						a.maint.Start(c)
					}
				}

				// apply pprof updates (live)
				if ppc, err := mapPprofConfig(newCfg); err != nil {
					a.log.Warn("invalid pprof config; keeping previous", logx.Err(err))
				} else {
					a.pprof.Reconfigure(c, ppc)
				}

				// Keep the final log line concise and human-friendly (details are in debug logs).
				if len(sections) > 0 {
					fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
					a.log.Info("config reloaded", fields...)
				} else {
					a.log.Info("config reloaded (no changes)")
				}
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.String("err", err.Error()))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// Contract: fn MUST honor stepCtx and return promptly. If it doesn't, log a leak signal.
			elapsed := time.Since(start)
			a.log.Warn(
				"stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.String("err", stepCtx.Err().Error()),
				logx.Duration("elapsed", elapsed),
			)
			// Leak logging: observe when/if the step eventually finishes.
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.String("err", err.Error()), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Ingress first so nothing new enters the pipeline while it drains.
	step("ingress", 2*time.Second, func(c context.Context) error { a.ingress.Stop(c); return nil })
	step("maintenance", 2*time.Second, func(c context.Context) error { a.maint.Stop(c); return nil })
	step("pprof", 1*time.Second, func(c context.Context) error { a.pprof.Stop(c); return nil })
	step("matrix", 5*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })

	// Wait for supervised goroutines (config watch/reload, history recorder, etc.)
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	// The coordinator has no goroutines; Close just reports and drops
	// whatever was still queued.
	step("coordinator", 1*time.Second, func(context.Context) error { a.coord.Close(); return nil })
	step("history", 1*time.Second, func(context.Context) error {
		if a.hist != nil {
			return a.hist.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

func validateConfig(cfg *Config) error {
	// matrix
	hs := strings.TrimSpace(cfg.Matrix.Homeserver)
	if hs == "" {
		return fmt.Errorf("matrix.homeserver is required")
	}
	if u, err := url.Parse(hs); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("matrix.homeserver: invalid URL %q", hs)
	}
	uid := strings.TrimSpace(cfg.Matrix.UserID)
	if uid == "" {
		return fmt.Errorf("matrix.user_id is required")
	}
	if !strings.HasPrefix(uid, "@") || !strings.Contains(uid, ":") {
		return fmt.Errorf("matrix.user_id must look like @user:server, got %q", uid)
	}
	tokenSet := strings.TrimSpace(cfg.Matrix.AccessToken) != ""
	passSet := strings.TrimSpace(cfg.Matrix.Password) != ""
	if tokenSet == passSet {
		return fmt.Errorf("matrix: exactly one of access_token or password must be set")
	}
	if strings.TrimSpace(cfg.Matrix.PickleKey) == "" {
		return fmt.Errorf("matrix.pickle_key is required")
	}
	if cfg.Matrix.SendBurst < 0 {
		return fmt.Errorf("matrix.send_burst must be >= 0")
	}

	// ingress
	if strings.TrimSpace(cfg.Ingress.APIKey) == "" {
		return fmt.Errorf("ingress.api_key is required")
	}
	if cfg.Ingress.MaxBodyBytes < 0 {
		return fmt.Errorf("ingress.max_body_bytes must be >= 0")
	}
	if _, err := mapIngressConfig(cfg); err != nil {
		return err
	}

	// delivery
	if cfg.Delivery.DedupCacheSize < 0 {
		return fmt.Errorf("delivery.dedup_cache_size must be >= 0")
	}

	// history + maintenance + pprof (parse durations, reject bad hot-reload)
	if _, _, err := mapHistoryConfig(cfg); err != nil {
		return err
	}
	if _, err := mapMaintenanceConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPprofConfig(cfg); err != nil {
		return err
	}
	return nil
}

// matrixNeedsRestart reports whether a matrix section change touches
// fields wired at construction (session, crypto store, room naming).
// The send knobs hot-apply and never trip the restart warning.
func matrixNeedsRestart(prev, next *Config) bool {
	a, b := mapMatrixConfig(prev), mapMatrixConfig(next)
	return a.Homeserver != b.Homeserver ||
		a.UserID != b.UserID ||
		a.AccessToken != b.AccessToken ||
		a.Password != b.Password ||
		a.DeviceName != b.DeviceName ||
		a.StatePath != b.StatePath ||
		a.PickleKey != b.PickleKey ||
		strings.TrimSpace(prev.Matrix.RoomName) != strings.TrimSpace(next.Matrix.RoomName)
}

func mapMatrixConfig(cfg *Config) matrix.Config {
	m := cfg.Matrix

	rate := float64(m.SendRatePerSec)
	if m.SendRatePerSec == 0 {
		rate = 5
	} else if m.SendRatePerSec < 0 {
		rate = 0
	}
	burst := m.SendBurst
	if burst == 0 {
		burst = 5
	}
	device := strings.TrimSpace(m.DeviceName)
	if device == "" {
		device = "mxrelay"
	}
	state := strings.TrimSpace(m.StatePath)
	if state == "" {
		state = "./mxrelay.db"
	}

	return matrix.Config{
		Homeserver:     strings.TrimSpace(m.Homeserver),
		UserID:         strings.TrimSpace(m.UserID),
		AccessToken:    m.AccessToken,
		Password:       m.Password,
		DeviceName:     device,
		StatePath:      state,
		PickleKey:      m.PickleKey,
		SendRatePerSec: rate,
		SendBurst:      burst,
		Notice:         boolOrDefault(m.Notice, true),
		Markdown:       boolOrDefault(m.Markdown, true),
	}
}

func mapIngressConfig(cfg *Config) (ingress.Config, error) {
	ic := cfg.Ingress
	rt, err := parseDurationField("ingress.read_timeout", ic.ReadTimeout)
	if err != nil {
		return ingress.Config{}, err
	}
	wt, err := parseDurationField("ingress.write_timeout", ic.WriteTimeout)
	if err != nil {
		return ingress.Config{}, err
	}
	it, err := parseDurationField("ingress.idle_timeout", ic.IdleTimeout)
	if err != nil {
		return ingress.Config{}, err
	}
	cert := strings.TrimSpace(ic.TLS.CertFile)
	key := strings.TrimSpace(ic.TLS.KeyFile)
	if (cert == "") != (key == "") {
		return ingress.Config{}, fmt.Errorf("ingress.tls: cert_file and key_file must be set together")
	}
	return ingress.Config{
		Listen:       strings.TrimSpace(ic.Listen),
		APIKey:       ic.APIKey,
		MaxBodyBytes: ic.MaxBodyBytes,
		ReadTimeout:  rt,
		WriteTimeout: wt,
		IdleTimeout:  it,
		CertFile:     cert,
		KeyFile:      key,
	}, nil
}

func mapMaintenanceConfig(cfg *Config) (maintenance.Config, error) {
	if cfg.Maintenance == nil {
		return maintenance.Config{}, nil
	}
	mc := cfg.Maintenance

	// "0s" means keep forever, so only an omitted value gets the default.
	retention := 720 * time.Hour
	if raw := strings.TrimSpace(mc.Retention); raw != "" {
		d, err := parseDurationField("maintenance.retention", raw)
		if err != nil {
			return maintenance.Config{}, err
		}
		retention = d
	}
	if tz := strings.TrimSpace(mc.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return maintenance.Config{}, fmt.Errorf("maintenance.timezone: invalid %q: %w", tz, err)
		}
	}
	return maintenance.Config{
		Enabled:   mc.Enabled,
		PruneSpec: strings.TrimSpace(mc.PruneSpec),
		Retention: retention,
		StatsSpec: strings.TrimSpace(mc.StatsSpec),
		Timezone:  strings.TrimSpace(mc.Timezone),
	}, nil
}

func mapPprofConfig(cfg *Config) (pprof.Config, error) {
	p := cfg.Pprof
	rt, err := parseDurationField("pprof.read_timeout", p.ReadTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	wt, err := parseDurationField("pprof.write_timeout", p.WriteTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	it, err := parseDurationField("pprof.idle_timeout", p.IdleTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	return pprof.Config{
		Enabled:              p.Enabled,
		Addr:                 strings.TrimSpace(p.Addr),
		Prefix:               strings.TrimSpace(p.Prefix),
		Token:                p.Token,
		AllowInsecure:        p.AllowInsecure,
		ReadTimeout:          rt,
		WriteTimeout:         wt,
		IdleTimeout:          it,
		MutexProfileFraction: p.MutexProfileFraction,
		BlockProfileRate:     p.BlockProfileRate,
		MemProfileRate:       p.MemProfileRate,
	}, nil
}

func boolOrDefault(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
