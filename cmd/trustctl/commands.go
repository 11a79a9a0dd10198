package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"trustd/internal/alerts"
	"trustd/internal/config"
	"trustd/internal/engine"
	"trustd/internal/ipc"
)

// ANSI escape codes
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorRed    = "\033[31m"
)

func printSection(title string) {
	fmt.Printf("\n%s%s%s\n", colorBold, title, colorReset)
}

func printError(msg string) {
	fmt.Fprintf(os.Stderr, "%sError%s: %s\n", colorRed, colorReset, msg)
}

func printField(label, value string) {
	fmt.Printf("  %s%-16s%s %s\n", colorDim, label, colorReset, value)
}

func onOff(b bool) string {
	if b {
		return colorGreen + "on" + colorReset
	}
	return colorYellow + "off" + colorReset
}

func cmdStatus() {
	client := connect()
	defer client.Close()

	status, err := client.Status()
	if err != nil {
		fail("Failed to get status", err)
	}
	printStatus(status)
}

func printStatus(status *ipc.StatusResponse) {
	s := status.Stats

	printSection("DAEMON")
	printField("Version", colorCyan+status.Version+colorReset)
	printField("Uptime", status.Uptime.Round(time.Second).String())
	printField("Monitoring", onOff(s.Monitoring))

	printSection("PROFILE")
	if s.Training {
		printField("State", fmt.Sprintf("%sTRAINING%s (%s phase)", colorYellow, colorReset, s.Phase))
		printField("Progress", fmt.Sprintf("%.0f%% (%s active)", s.TrainingPercent,
			(time.Duration(s.ActiveSeconds) * time.Second).String()))
	} else {
		printField("State", colorGreen+"COMPLETE"+colorReset)
		printField("Trust", trustString(s.Trust))
	}
	if s.Locked {
		printField("Session", colorRed+"LOCKED"+colorReset)
	}

	printSection("BUFFERS")
	printField("Keystrokes", strconv.Itoa(s.Counts.Keystrokes))
	printField("Mouse samples", strconv.Itoa(s.Counts.Mouse))
	printField("Clicks", strconv.Itoa(s.Counts.Clicks))
	printField("Digraphs", strconv.Itoa(s.Counts.Digraphs))
	fmt.Println()
}

func trustString(trust float64) string {
	color := colorGreen
	switch {
	case trust < alerts.ThresholdMedium:
		color = colorRed
	case trust < alerts.ThresholdHigh:
		color = colorYellow
	}
	return fmt.Sprintf("%s%.0f%s / 100", color, trust, colorReset)
}

func cmdStart() {
	client := connect()
	defer client.Close()

	s, err := client.Start()
	if err != nil {
		fail("Failed to start monitoring", err)
	}
	fmt.Printf("Monitoring %s", onOff(s.Monitoring))
	if s.Training {
		fmt.Printf(" (training %.0f%%)", s.TrainingPercent)
	}
	fmt.Println()
}

func cmdStop() {
	client := connect()
	defer client.Close()

	s, err := client.Stop()
	if err != nil {
		fail("Failed to stop monitoring", err)
	}
	fmt.Printf("Monitoring %s\n", onOff(s.Monitoring))
}

func cmdExport(path string) {
	client := connect()
	defer client.Close()

	data, err := client.ExportProfile()
	if err != nil {
		fail("Failed to export profile", err)
	}
	if path == "-" {
		os.Stdout.Write(data)
		fmt.Println()
		return
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		fail("Failed to write profile", err)
	}
	fmt.Printf("Profile written to %s (%d bytes)\n", path, len(data))
}

func cmdImport(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		fail("Failed to read profile", err)
	}

	client := connect()
	defer client.Close()

	if err := client.ImportProfile(data); err != nil {
		fail("Failed to import profile", err)
	}
	fmt.Printf("Profile imported from %s\n", path)
}

func cmdReset(args []string) {
	fs := flag.NewFlagSet("reset", flag.ExitOnError)
	yes := fs.Bool("y", false, "do not ask for confirmation")
	fs.Parse(args)

	if !*yes {
		fmt.Print("Discard the learned profile and restart training? [y/N] ")
		answer, _ := bufio.NewReader(os.Stdin).ReadString('\n')
		if a := strings.ToLower(strings.TrimSpace(answer)); a != "y" && a != "yes" {
			fmt.Println("Aborted.")
			return
		}
	}

	client := connect()
	defer client.Close()

	if err := client.Reset(); err != nil {
		fail("Failed to reset profile", err)
	}
	fmt.Println("Profile reset; training restarted.")
}

func cmdSettings(args []string) {
	client := connect()
	defer client.Close()

	s, err := client.Settings()
	if err != nil {
		fail("Failed to get settings", err)
	}

	if len(args) > 0 {
		for _, arg := range args {
			if err := applySetting(&s, arg); err != nil {
				fail("Invalid setting", err)
			}
		}
		if s, err = client.SetSettings(s); err != nil {
			fail("Failed to update settings", err)
		}
	}

	printSection("SETTINGS")
	for _, kv := range settingPairs(s) {
		printField(kv[0], kv[1])
	}
	fmt.Println()
}

// applySetting parses one key=value argument into s. Keys accept both the
// config file spelling (auto_block) and the document spelling (autoBlock).
func applySetting(s *config.Settings, arg string) error {
	raw, value, ok := strings.Cut(arg, "=")
	if !ok {
		return fmt.Errorf("%q is not key=value", arg)
	}
	key := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(raw), "_", ""))
	value = strings.TrimSpace(value)

	if key == "sensitivity" {
		switch value {
		case "low", "medium", "high":
			s.Sensitivity = value
			return nil
		}
		return fmt.Errorf("sensitivity must be low, medium or high, got %q", value)
	}

	flags := map[string]*bool{
		"enabled":       &s.Enabled,
		"notifications": &s.Notifications,
		"autoblock":     &s.AutoBlock,
		"privacymode":   &s.PrivacyMode,
		"autostart":     &s.AutoStart,
		"launchatlogin": &s.LaunchAtLogin,
	}
	target, ok := flags[key]
	if !ok {
		return fmt.Errorf("unknown setting %q", raw)
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("%s: %q is not a boolean", key, value)
	}
	*target = b
	return nil
}

func settingPairs(s config.Settings) [][2]string {
	return [][2]string{
		{"enabled", strconv.FormatBool(s.Enabled)},
		{"sensitivity", s.Sensitivity},
		{"notifications", strconv.FormatBool(s.Notifications)},
		{"auto_block", strconv.FormatBool(s.AutoBlock)},
		{"privacy_mode", strconv.FormatBool(s.PrivacyMode)},
		{"auto_start", strconv.FormatBool(s.AutoStart)},
		{"launch_at_login", strconv.FormatBool(s.LaunchAtLogin)},
	}
}

func cmdAlerts(args []string) {
	fs := flag.NewFlagSet("alerts", flag.ExitOnError)
	n := fs.Int("n", 20, "number of alerts to show (0 for all)")
	fs.Parse(args)

	client := connect()
	defer client.Close()

	list, err := client.Alerts(*n)
	if err != nil {
		fail("Failed to get alerts", err)
	}
	if len(list) == 0 {
		fmt.Println("No alerts.")
		return
	}
	for i := len(list) - 1; i >= 0; i-- {
		fmt.Println(formatAlert(list[i]))
	}
}

func formatAlert(a alerts.Alert) string {
	color := colorYellow
	if a.Severity == alerts.SeverityCritical {
		color = colorRed
	}
	ts := time.UnixMilli(a.Timestamp).Format("2006-01-02 15:04:05")
	return fmt.Sprintf("%s  %s%-8s%s %-8s %s", ts, color, a.Severity, colorReset, a.Type, a.Message)
}

func cmdWatch(events []string) {
	client := connect()
	defer client.Close()

	if err := client.Subscribe(events...); err != nil {
		fail("Failed to subscribe", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-sig:
			client.Unsubscribe()
			return
		case ev, ok := <-client.Events():
			if !ok {
				printError("connection to daemon lost")
				os.Exit(1)
			}
			fmt.Println(formatEvent(ev))
		}
	}
}

// formatEvent renders a streamed event on one line. Stats and risk
// updates get a summary; everything else prints its raw payload.
func formatEvent(ev *ipc.Event) string {
	ts := time.UnixMilli(ev.TS).Format("15:04:05")
	prefix := fmt.Sprintf("%s %s%-18s%s", ts, colorCyan, ev.Name, colorReset)

	switch ev.Name {
	case engine.EventStatsUpdate:
		var s engine.Stats
		if json.Unmarshal(ev.Data, &s) == nil {
			if s.Training {
				return fmt.Sprintf("%s training %.0f%% keys=%d mouse=%d", prefix, s.TrainingPercent, s.Counts.Keystrokes, s.Counts.Mouse)
			}
			return fmt.Sprintf("%s trust=%.0f keys=%d mouse=%d", prefix, s.Trust, s.Counts.Keystrokes, s.Counts.Mouse)
		}
	case engine.EventRiskUpdate:
		var r engine.Risk
		if json.Unmarshal(ev.Data, &r) == nil {
			return fmt.Sprintf("%s trust=%.0f bot=%d replay=%t", prefix, r.Trust, r.Bot.Score, r.Replay.IsReplay)
		}
	case engine.EventAlert:
		var a alerts.Alert
		if json.Unmarshal(ev.Data, &a) == nil {
			return fmt.Sprintf("%s %s %s: %s", prefix, a.Severity, a.Type, a.Message)
		}
	}
	if len(ev.Data) == 0 {
		return prefix
	}
	return prefix + " " + string(ev.Data)
}
