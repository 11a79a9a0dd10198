// trustd - continuous behavioral re-authentication daemon
//
// trustd watches keyboard and mouse timing, learns how the logged-in user
// interacts during a training period, then scores live input against that
// baseline and raises alerts on scripted or replayed input.
//
//	trustd run           Run the daemon in the foreground
//	trustd init          Write a default configuration file
//	trustd config        Print the effective configuration
//	trustd version       Print version information
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/BurntSushi/toml"

	"trustd/internal/config"
	"trustd/internal/logging"
)

// Version is set at build time.
var Version = "0.3.0"

var (
	configPath = flag.String("config", "", "path to config file")
	monitor    = flag.Bool("monitor", false, "start monitoring immediately")
)

func main() {
	flag.Usage = usage
	flag.Parse()

	cmd := "run"
	if flag.NArg() > 0 {
		cmd = flag.Arg(0)
	}

	switch cmd {
	case "run":
		cmdRun()
	case "init":
		cmdInit()
	case "config":
		cmdConfig()
	case "version":
		fmt.Printf("trustd %s\n", Version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `trustd - Continuous behavioral re-authentication

USAGE:
    trustd [options] [command]

COMMANDS:
    run         Run the daemon in the foreground (default)
    init        Write a default configuration file
    config      Print the effective configuration
    version     Print version information
    help        Show this help message

OPTIONS:
    -config <path>  Path to config file (default: platform config dir)
    -monitor        Start monitoring immediately, regardless of auto_start

PRIVACY NOTE:
    Only timing is analysed. Key codes are used to pair presses with
    releases and are never logged or persisted outside the profile's
    digraph timing tables.

Use trustctl to control a running daemon.`)
}

func resolvedConfigPath() string {
	if *configPath != "" {
		return *configPath
	}
	return config.ConfigPath()
}

func cmdInit() {
	path := resolvedConfigPath()
	_, created, err := config.LoadOrCreate(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if created {
		fmt.Printf("Wrote default configuration to %s\n", path)
		return
	}
	fmt.Printf("Configuration already exists at %s\n", path)
}

func cmdConfig() {
	cfg, err := config.Load(resolvedConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if err := toml.NewEncoder(os.Stdout).Encode(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func cmdRun() {
	loader := config.NewLoader(resolvedConfigPath())
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(loggingConfig(cfg.Logging))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	logging.SetDefault(log)
	defer log.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := newDaemon(ctx, cfg, log, nil)
	if err != nil {
		log.Error("daemon startup failed", "error", err)
		os.Exit(1)
	}

	if err := loader.Watch(); err != nil {
		log.Warn("config hot reload disabled", "error", err)
	} else {
		loader.OnChange(d.applyConfig)
		go func() {
			for err := range loader.Errors() {
				log.Warn("config reload rejected", "error", err)
			}
		}()
	}
	defer loader.Close()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			if cfg, err := loader.Load(); err != nil {
				log.Warn("config reload rejected", "error", err)
			} else {
				d.applyConfig(cfg)
			}
		}
	}()

	if *monitor || d.eng.Settings().AutoStart {
		if err := d.eng.StartMonitoring(); err != nil {
			log.Warn("monitoring not started", "error", err)
		}
	}

	err = d.run(ctx)
	signal.Stop(hup)
	if cerr := d.close(); err == nil {
		err = cerr
	}
	if err != nil {
		log.Error("daemon stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("daemon stopped")
}

// loggingConfig maps the [logging] section onto the logger configuration.
func loggingConfig(lc config.LoggingConfig) *logging.Config {
	cfg := logging.DefaultConfig()
	if lvl, err := logging.ParseLevel(lc.Level); err == nil {
		cfg.Level = lvl
	}
	cfg.Format = logging.ParseFormat(lc.Format)
	if lc.Output != "" {
		cfg.Output = lc.Output
	}
	if lc.FilePath != "" {
		cfg.FilePath = lc.FilePath
	}
	if lc.MaxSizeMB > 0 {
		cfg.MaxSize = int64(lc.MaxSizeMB)
	}
	if lc.MaxBackups > 0 {
		cfg.MaxBackups = lc.MaxBackups
	}
	return cfg
}
