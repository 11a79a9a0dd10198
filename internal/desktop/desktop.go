// Package desktop connects alerts to the freedesktop session: alert
// notifications through org.freedesktop.Notifications and session locking
// through logind, with the screensaver interface as a fallback.
package desktop

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"

	"trustd/internal/alerts"
	"trustd/internal/logging"
)

// D-Bus names.
const (
	notificationsName = "org.freedesktop.Notifications"
	notificationsPath = dbus.ObjectPath("/org/freedesktop/Notifications")
	notifyMethod      = notificationsName + ".Notify"

	login1Name        = "org.freedesktop.login1"
	login1SessionPath = dbus.ObjectPath("/org/freedesktop/login1/session/auto")
	login1LockMethod  = "org.freedesktop.login1.Session.Lock"

	screenSaverName   = "org.freedesktop.ScreenSaver"
	screenSaverPath   = dbus.ObjectPath("/org/freedesktop/ScreenSaver")
	screenSaverMethod = screenSaverName + ".Lock"
)

// AppName is the application name shown with notifications.
const AppName = "trustd"

// Notification urgency levels of the freedesktop notification protocol.
const (
	urgencyLow      byte = 0
	urgencyNormal   byte = 1
	urgencyCritical byte = 2
)

// caller is the part of dbus.BusObject used here.
type caller interface {
	CallWithContext(ctx context.Context, method string, flags dbus.Flags, args ...interface{}) *dbus.Call
}

// ErrNoSession is returned when no session service could be reached.
var ErrNoSession = errors.New("desktop: no session service available")

// Notifier shows alerts as desktop notifications. It implements
// engine.Notifier.
type Notifier struct {
	obj caller
	log *logging.Logger

	mu     sync.Mutex
	lastID uint32
}

// NewNotifier connects to the session bus.
func NewNotifier(log *logging.Logger) (*Notifier, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("connect to session bus: %w", err)
	}
	return newNotifier(conn.Object(notificationsName, notificationsPath), log), nil
}

func newNotifier(obj caller, log *logging.Logger) *Notifier {
	if log == nil {
		log = logging.Default()
	}
	return &Notifier{obj: obj, log: log.WithComponent("desktop")}
}

// Notify shows a. Each alert replaces the previous notification so a
// burst of alerts does not stack up on screen.
func (n *Notifier) Notify(ctx context.Context, a alerts.Alert) error {
	summary, body := render(a)
	hints := map[string]dbus.Variant{
		"urgency":  dbus.MakeVariant(urgency(a.Severity)),
		"category": dbus.MakeVariant("device.security"),
	}

	n.mu.Lock()
	replaces := n.lastID
	n.mu.Unlock()

	var id uint32
	call := n.obj.CallWithContext(ctx, notifyMethod, 0,
		AppName, replaces, "dialog-warning", summary, body, []string{}, hints, int32(-1))
	if call.Err != nil {
		return fmt.Errorf("notify: %w", call.Err)
	}
	if err := call.Store(&id); err != nil {
		return fmt.Errorf("notify reply: %w", err)
	}

	n.mu.Lock()
	n.lastID = id
	n.mu.Unlock()
	n.log.Debug("notification shown", "alert", a.ID, "notification", id)
	return nil
}

func urgency(s alerts.Severity) byte {
	switch s {
	case alerts.SeverityCritical:
		return urgencyCritical
	case alerts.SeverityHigh:
		return urgencyNormal
	default:
		return urgencyLow
	}
}

func render(a alerts.Alert) (summary, body string) {
	switch a.Type {
	case alerts.TypeBot:
		summary = "Automated input detected"
	case alerts.TypeReplay:
		summary = "Replayed input detected"
	default:
		summary = "Unusual behavior detected"
	}
	return summary, a.Message
}

// Locker locks the current session. It implements engine.Locker.
type Locker struct {
	targets []lockTarget
	log     *logging.Logger
}

type lockTarget struct {
	name   string
	obj    caller
	method string
}

// NewLocker connects to logind on the system bus and the screensaver on
// the session bus. Either may be missing; at least one is required.
func NewLocker(log *logging.Logger) (*Locker, error) {
	var targets []lockTarget
	var errs []error

	if sys, err := dbus.ConnectSystemBus(); err == nil {
		targets = append(targets, lockTarget{"logind", sys.Object(login1Name, login1SessionPath), login1LockMethod})
	} else {
		errs = append(errs, fmt.Errorf("system bus: %w", err))
	}
	if sess, err := dbus.ConnectSessionBus(); err == nil {
		targets = append(targets, lockTarget{"screensaver", sess.Object(screenSaverName, screenSaverPath), screenSaverMethod})
	} else {
		errs = append(errs, fmt.Errorf("session bus: %w", err))
	}

	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrNoSession, errors.Join(errs...))
	}
	return newLocker(targets, log), nil
}

func newLocker(targets []lockTarget, log *logging.Logger) *Locker {
	if log == nil {
		log = logging.Default()
	}
	return &Locker{targets: targets, log: log.WithComponent("desktop")}
}

// Lock tries each target in order and stops at the first that succeeds.
func (l *Locker) Lock(ctx context.Context) error {
	var errs []error
	for _, t := range l.targets {
		call := t.obj.CallWithContext(ctx, t.method, 0)
		if call.Err == nil {
			l.log.Info("session locked", "via", t.name)
			return nil
		}
		l.log.Debug("lock failed", "via", t.name, "error", call.Err)
		errs = append(errs, fmt.Errorf("%s: %w", t.name, call.Err))
	}
	if len(errs) == 0 {
		return ErrNoSession
	}
	return errors.Join(errs...)
}
