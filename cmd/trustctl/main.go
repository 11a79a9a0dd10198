// trustctl is the control CLI for trustd.
package main

import (
	"flag"
	"fmt"
	"os"

	"trustd/internal/config"
	"trustd/internal/ipc"
)

// Version is set at build time.
var Version = "0.3.0"

var (
	configPath = flag.String("config", "", "path to config file")
	socketPath = flag.String("socket", "", "path to the daemon control socket")
)

func main() {
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	cmd := flag.Arg(0)
	args := flag.Args()[1:]

	switch cmd {
	case "status":
		cmdStatus()
	case "start":
		cmdStart()
	case "stop":
		cmdStop()
	case "export":
		if len(args) < 1 {
			fmt.Fprintln(os.Stderr, "Usage: trustctl export <file>")
			os.Exit(1)
		}
		cmdExport(args[0])
	case "import":
		if len(args) < 1 {
			fmt.Fprintln(os.Stderr, "Usage: trustctl import <file>")
			os.Exit(1)
		}
		cmdImport(args[0])
	case "reset":
		cmdReset(args)
	case "settings":
		cmdSettings(args)
	case "alerts":
		cmdAlerts(args)
	case "watch":
		cmdWatch(args)
	case "version":
		fmt.Printf("trustctl %s\n", Version)
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `trustctl - Control utility for trustd

Usage: trustctl [options] <command> [args]

Commands:
  status                    Show monitoring, training and trust state
  start                     Start monitoring
  stop                      Stop monitoring
  export <file>             Write the active profile to file ("-" for stdout)
  import <file>             Replace the active profile from file
  reset [-y]                Discard the profile and restart training
  settings [key=value ...]  Show or change settings
  alerts [-n count]         List recent alerts
  watch [event ...]         Stream daemon events until interrupted
  version                   Print version information
  help                      Show this help message

Settings keys:
  enabled, sensitivity (low|medium|high), notifications, auto_block,
  privacy_mode, auto_start, launch_at_login

Options:
  -config <path>  Path to config file (default: platform config dir)
  -socket <path>  Control socket path (overrides the config file)`)
}

func resolveSocket() string {
	if *socketPath != "" {
		return *socketPath
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return config.DefaultConfig().IPC.SocketPath
	}
	return cfg.IPC.SocketPath
}

func connect() *ipc.IPCClient {
	cfg := ipc.DefaultClientConfig(resolveSocket())
	cfg.ClientVersion = Version

	client := ipc.NewClient(cfg)
	if err := client.Connect(); err != nil {
		printError(fmt.Sprintf("Cannot connect to daemon: %v", err))
		fmt.Fprintf(os.Stderr, "  %sTip%s: Start the daemon with: trustd run\n", colorDim, colorReset)
		os.Exit(1)
	}
	return client
}

func fail(what string, err error) {
	printError(fmt.Sprintf("%s: %v", what, err))
	os.Exit(1)
}
