//go:build linux

package capture

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// EvdevSource reads keyboards and pointers from /dev/input on Linux.
// All devices are polled from a single goroutine so events reach the
// queue in the order the kernel reported them.
type EvdevSource struct {
	mu      sync.Mutex
	globs   []string
	fds     []int
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

func newPlatformSource(devices []string) Source {
	return &EvdevSource{globs: devices}
}

// Linux input event codes used here (linux/input-event-codes.h).
const (
	evSyn = 0x00
	evKey = 0x01
	evRel = 0x02

	relX     = 0x00
	relY     = 0x01
	relWheel = 0x08

	btnMisc   = 0x100
	btnLeft   = 0x110
	btnRight  = 0x111
	btnMiddle = 0x112
	btnTask   = 0x117

	keyRelease = 0
	keyPress   = 1
	keyRepeat  = 2
)

var inputEventSize = int(unsafe.Sizeof(unix.Timeval{})) + 8

// Available checks if we can read at least one input device.
func (s *EvdevSource) Available() (bool, string) {
	devices, err := s.findDevices()
	if err != nil {
		return false, fmt.Sprintf("cannot find input devices: %v", err)
	}
	if len(devices) == 0 {
		return false, "no input devices found"
	}
	for _, dev := range devices {
		fd, err := unix.Open(dev, unix.O_RDONLY|unix.O_CLOEXEC, 0)
		if err == nil {
			unix.Close(fd)
			return true, fmt.Sprintf("found input device: %s", dev)
		}
	}
	return false, "cannot read input devices (need to be in 'input' group or run as root)"
}

// findDevices lists event nodes for keyboards and pointers, either from the
// configured globs or from /proc/bus/input/devices.
func (s *EvdevSource) findDevices() ([]string, error) {
	if len(s.globs) > 0 {
		var out []string
		for _, g := range s.globs {
			matches, err := filepath.Glob(g)
			if err != nil {
				return nil, fmt.Errorf("glob %q: %w", g, err)
			}
			out = append(out, matches...)
		}
		return out, nil
	}

	f, err := os.Open("/proc/bus/input/devices")
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var devices []string
	var handler string
	var keyboard, pointer bool

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "H: Handlers="):
			for _, part := range strings.Fields(line) {
				if strings.HasPrefix(part, "event") {
					handler = "/dev/input/" + part
				}
				if strings.HasPrefix(part, "mouse") {
					pointer = true
				}
				if part == "kbd" {
					keyboard = true
				}
			}
		case strings.HasPrefix(line, "B: REL="):
			pointer = true
		case line == "":
			if handler != "" && (keyboard || pointer) {
				devices = append(devices, handler)
			}
			handler = ""
			keyboard, pointer = false, false
		}
	}
	if handler != "" && (keyboard || pointer) {
		devices = append(devices, handler)
	}
	return devices, scanner.Err()
}

// Start opens every readable device and begins polling.
func (s *EvdevSource) Start(ctx context.Context, sink *Queue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}

	devices, err := s.findDevices()
	if err != nil || len(devices) == 0 {
		return ErrNotAvailable
	}

	var fds []int
	var openErr error
	for _, dev := range devices {
		fd, err := unix.Open(dev, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
		if err != nil {
			openErr = err
			continue
		}
		fds = append(fds, fd)
	}
	if len(fds) == 0 {
		if errors.Is(openErr, unix.EACCES) || errors.Is(openErr, unix.EPERM) {
			return ErrPermissionDenied
		}
		return ErrNotAvailable
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.fds = fds
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go s.pollLoop(runCtx, fds, sink)
	return nil
}

type pointerState struct {
	x, y  float64
	moved bool
}

func (s *EvdevSource) pollLoop(ctx context.Context, fds []int, sink *Queue) {
	defer close(s.done)

	pfds := make([]unix.PollFd, len(fds))
	for i, fd := range fds {
		pfds[i] = unix.PollFd{Fd: int32(fd), Events: unix.POLLIN}
	}
	buf := make([]byte, inputEventSize*64)
	ptr := &pointerState{}
	var batch []Event

	for {
		if ctx.Err() != nil {
			return
		}
		n, err := unix.Poll(pfds, 200)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return
		}
		if n == 0 {
			continue
		}
		batch = batch[:0]
		for i := range pfds {
			if pfds[i].Revents&unix.POLLIN == 0 {
				continue
			}
			read, err := unix.Read(int(pfds[i].Fd), buf)
			if err != nil || read < inputEventSize {
				continue
			}
			for off := 0; off+inputEventSize <= read; off += inputEventSize {
				batch = decodeEvent(buf[off:off+inputEventSize], ptr, batch)
			}
		}
		// Devices are read one after another; interleave by timestamp.
		sink.PushBatch(batch)
	}
}

// decodeEvent translates one struct input_event and appends the resulting
// events to out.
func decodeEvent(raw []byte, ptr *pointerState, out []Event) []Event {
	tvSize := inputEventSize - 8
	var sec, usec int64
	if tvSize == 16 {
		sec = int64(binary.LittleEndian.Uint64(raw[0:8]))
		usec = int64(binary.LittleEndian.Uint64(raw[8:16]))
	} else {
		sec = int64(int32(binary.LittleEndian.Uint32(raw[0:4])))
		usec = int64(int32(binary.LittleEndian.Uint32(raw[4:8])))
	}
	ts := sec*1000 + usec/1000

	typ := binary.LittleEndian.Uint16(raw[tvSize : tvSize+2])
	code := binary.LittleEndian.Uint16(raw[tvSize+2 : tvSize+4])
	value := int32(binary.LittleEndian.Uint32(raw[tvSize+4 : tvSize+8]))

	switch typ {
	case evKey:
		if code < btnMisc {
			switch value {
			case keyPress, keyRepeat:
				out = append(out, Event{Kind: KindKeyDown, TS: ts, Code: code})
			case keyRelease:
				out = append(out, Event{Kind: KindKeyUp, TS: ts, Code: code})
			}
			return out
		}
		if code >= btnLeft && code <= btnTask && value == keyPress {
			out = append(out, Event{Kind: KindClick, TS: ts, X: ptr.x, Y: ptr.y, Button: buttonFor(code)})
		}
	case evRel:
		switch code {
		case relX:
			ptr.x += float64(value)
			ptr.moved = true
		case relY:
			ptr.y += float64(value)
			ptr.moved = true
		case relWheel:
			out = append(out, Event{Kind: KindWheel, TS: ts, Rotation: float64(value)})
		}
	case evSyn:
		if ptr.moved {
			out = append(out, Event{Kind: KindMouseMove, TS: ts, X: ptr.x, Y: ptr.y})
			ptr.moved = false
		}
	}
	return out
}

func buttonFor(code uint16) uint8 {
	switch code {
	case btnLeft:
		return ButtonLeft
	case btnRight:
		return ButtonRight
	case btnMiddle:
		return ButtonMiddle
	default:
		return ButtonOther
	}
}

// Stop stops polling and closes every device.
func (s *EvdevSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
	for _, fd := range s.fds {
		unix.Close(fd)
	}
	s.fds = nil
	s.running = false
	return nil
}
