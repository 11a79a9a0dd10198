package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"trustd/internal/bus"
	"trustd/internal/capture"
	"trustd/internal/config"
	"trustd/internal/desktop"
	"trustd/internal/engine"
	"trustd/internal/health"
	"trustd/internal/ipc"
	"trustd/internal/logging"
	"trustd/internal/metrics"
	"trustd/internal/store"
)

// daemon owns every long-lived component of a trustd process.
type daemon struct {
	cfg   *config.Config
	log   *logging.Logger
	kv    store.KV
	eng   *engine.Engine
	ipc   *ipc.Server
	bus   *bus.Publisher
	met   *metrics.Metrics
	audit *logging.AuditLogger
	crash *logging.CrashHandler
	hc    *health.Checker

	mu       sync.Mutex
	settings config.Settings
}

// newDaemon opens storage, wires sinks and integrations, restores
// persisted state and starts the control socket. src overrides the
// configured capture source when non-nil.
func newDaemon(ctx context.Context, cfg *config.Config, log *logging.Logger, src capture.Source) (*daemon, error) {
	d := &daemon{
		cfg:      cfg,
		log:      log.WithComponent("daemon"),
		met:      metrics.New(),
		hc:       health.NewChecker(),
		settings: cfg.Settings,
		crash: &logging.CrashHandler{
			Dir:     filepath.Join(config.TrustdDir(), "crashes"),
			Version: Version,
			Logger:  log,
		},
	}

	kv, err := store.Open(ctx, store.Options{
		Backend: cfg.Storage.Backend,
		Path:    cfg.Storage.Path,
		Redis: store.RedisOptions{
			Addr:     cfg.Storage.RedisAddr,
			Password: cfg.Storage.RedisPassword,
			DB:       cfg.Storage.RedisDB,
			Prefix:   cfg.Storage.RedisPrefix,
		},
		Encrypt: cfg.Storage.Encrypt,
		KeyPath: cfg.Storage.KeyPath,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	d.kv = kv

	audit, err := logging.NewAuditLogger(filepath.Join(config.TrustdDir(), "audit.log"), cfg.Engine.UserID)
	if err != nil {
		d.log.Warn("audit log disabled", "error", err)
	} else {
		d.audit = audit
	}

	if src == nil {
		src = capture.NewSource(cfg.Capture.Source, cfg.Capture.Devices)
	}
	if ok, reason := src.Available(); !ok {
		d.log.Warn("capture source unavailable", "source", cfg.Capture.Source, "reason", reason)
	}

	opts := engine.Options{
		Store:     kv,
		Source:    src,
		Metrics:   d.met,
		Audit:     d.audit,
		Logger:    log,
		UserID:    cfg.Engine.UserID,
		Tick:      time.Duration(cfg.Engine.TickMs) * time.Millisecond,
		QueueHint: cfg.Capture.QueueHint,
		Defaults:  cfg.Settings,
	}
	if cfg.Desktop.Notifications {
		if n, err := desktop.NewNotifier(log); err != nil {
			d.log.Warn("desktop notifications unavailable", "error", err)
		} else {
			opts.Notifier = n
		}
	}
	if cfg.Desktop.Lock {
		if l, err := desktop.NewLocker(log); err != nil {
			d.log.Warn("session lock unavailable", "error", err)
		} else {
			opts.Locker = l
		}
	}

	d.eng, err = engine.New(opts)
	if err != nil {
		d.close()
		return nil, err
	}
	if err := d.eng.Load(ctx); err != nil {
		d.close()
		return nil, fmt.Errorf("load state: %w", err)
	}

	if cfg.Bus.Enabled {
		p, err := bus.Connect(bus.Options{URL: cfg.Bus.URL, Prefix: cfg.Bus.SubjectPrefix, Name: "trustd-" + cfg.Engine.UserID, Logger: log})
		if err != nil {
			d.log.Warn("event bus unavailable", "error", err)
		} else {
			d.bus = p
			d.eng.AddSink(p)
		}
	}

	if cfg.IPC.Enabled {
		scfg := ipc.DefaultServerConfig(cfg.IPC.SocketPath)
		scfg.Version = Version
		scfg.MaxConnections = cfg.IPC.MaxConnections
		d.ipc = ipc.NewServer(scfg, ipc.NewDaemonHandler(d.eng, Version), log)
		if err := d.ipc.Start(); err != nil {
			d.close()
			return nil, fmt.Errorf("start control socket: %w", err)
		}
		d.eng.AddSink(d.ipc)
	}

	d.registerChecks(src)

	d.audit.Record(logging.AuditStartup, nil, map[string]any{
		"version": Version,
		"backend": cfg.Storage.Backend,
		"source":  cfg.Capture.Source,
	})
	d.log.Info("trustd started",
		"version", Version,
		"backend", cfg.Storage.Backend,
		"socket", cfg.IPC.SocketPath,
		"training", d.eng.Status().Training,
	)
	return d, nil
}

func (d *daemon) registerChecks(src capture.Source) {
	d.hc.Register("store", true, func(ctx context.Context) error {
		_, err := d.kv.Get(ctx, store.KeySettings)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	})
	d.hc.Register("capture", false, func(context.Context) error {
		if !d.eng.Monitoring() {
			return nil
		}
		if ok, reason := src.Available(); !ok {
			return errors.New(reason)
		}
		return nil
	})
	if d.ipc != nil {
		d.hc.Register("ipc", false, func(context.Context) error {
			if !ipc.IsSocketListening(d.ipc.SocketPath()) {
				return fmt.Errorf("control socket %s not accepting connections", d.ipc.SocketPath())
			}
			return nil
		})
	}
}

// run blocks until ctx is cancelled. A panic in the analysis loop is
// written to a crash report and returned as an error.
func (d *daemon) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	if d.cfg.Metrics.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := d.met.Serve(ctx, d.cfg.Metrics.ListenAddr, d.hc.Handler()); err != nil {
				d.log.Warn("metrics endpoint stopped", "addr", d.cfg.Metrics.ListenAddr, "error", err)
			}
		}()
		d.log.Info("metrics endpoint listening", "addr", d.cfg.Metrics.ListenAddr)
	}

	err := d.crash.Guard("engine", func() error { return d.eng.Run(ctx) })
	cancel()
	wg.Wait()
	return err
}

// applyConfig applies a reloaded configuration. Only the log level and
// the [settings] section take effect without a restart. Settings are
// pushed only when the section itself changed.
func (d *daemon) applyConfig(cfg *config.Config) {
	if lvl, err := logging.ParseLevel(cfg.Logging.Level); err == nil && lvl != d.log.Level() {
		d.log.SetLevel(lvl)
		d.log.Info("log level changed", "level", logging.LevelString(lvl))
	}

	d.mu.Lock()
	changed := cfg.Settings != d.settings
	d.settings = cfg.Settings
	d.mu.Unlock()
	if !changed {
		return
	}
	if err := d.eng.UpdateSettings(cfg.Settings); err != nil {
		d.log.Warn("reloaded settings rejected", "error", err)
		return
	}
	d.log.Info("settings reloaded", "sensitivity", cfg.Settings.Sensitivity, "enabled", cfg.Settings.Enabled)
}

// close shuts components down in reverse start order.
func (d *daemon) close() error {
	var errs []error
	if d.ipc != nil {
		errs = append(errs, d.ipc.Stop())
	}
	if d.eng != nil {
		errs = append(errs, d.eng.Close())
	}
	if d.bus != nil {
		errs = append(errs, d.bus.Close())
	}
	if d.kv != nil {
		errs = append(errs, d.kv.Close())
	}
	d.audit.Record(logging.AuditShutdown, errors.Join(errs...), nil)
	if d.audit != nil {
		errs = append(errs, d.audit.Close())
	}
	return errors.Join(errs...)
}
