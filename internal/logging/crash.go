package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"time"
)

// CrashReport represents information about a crash.
type CrashReport struct {
	Timestamp    time.Time `json:"timestamp"`
	Version      string    `json:"version"`
	GOOS         string    `json:"goos"`
	GOARCH       string    `json:"goarch"`
	NumGoroutine int       `json:"num_goroutine"`
	Goroutine    string    `json:"goroutine"`
	PanicValue   string    `json:"panic_value"`
	StackTrace   string    `json:"stack_trace"`
}

// CrashHandler turns panics in long-running goroutines into crash dumps
// and errors.
type CrashHandler struct {
	Dir     string
	Version string
	Logger  *Logger
}

// Guard runs fn and converts a panic into an error after writing a crash
// report to h.Dir.
func (h *CrashHandler) Guard(name string, fn func() error) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		report := CrashReport{
			Timestamp:    time.Now().UTC(),
			Version:      h.Version,
			GOOS:         runtime.GOOS,
			GOARCH:       runtime.GOARCH,
			NumGoroutine: runtime.NumGoroutine(),
			Goroutine:    name,
			PanicValue:   fmt.Sprintf("%v", r),
			StackTrace:   string(debug.Stack()),
		}
		path, werr := h.write(report)
		log := h.Logger
		if log == nil {
			log = Default()
		}
		log.Error("goroutine panicked", "goroutine", name, "panic", report.PanicValue, "report", path, "write_error", werr)
		err = fmt.Errorf("%s panicked: %v", name, r)
	}()
	return fn()
}

func (h *CrashHandler) write(report CrashReport) (string, error) {
	if h.Dir == "" {
		return "", nil
	}
	if err := os.MkdirAll(h.Dir, 0750); err != nil {
		return "", err
	}
	path := filepath.Join(h.Dir, fmt.Sprintf("crash-%s-%s.json", report.Goroutine, report.Timestamp.Format("20060102-150405")))
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal crash report: %w", err)
	}
	return path, os.WriteFile(path, data, 0640)
}
