package ipc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"trustd/internal/alerts"
	"trustd/internal/capture"
	"trustd/internal/config"
	"trustd/internal/engine"
	"trustd/internal/profile"
)

// Controller is the daemon surface the handler drives. *engine.Engine
// implements it.
type Controller interface {
	Status() engine.Stats
	StartMonitoring() error
	StopMonitoring() error
	ExportProfile() ([]byte, error)
	ImportProfile(data []byte) error
	ResetProfile()
	Settings() config.Settings
	UpdateSettings(s config.Settings) error
	Alerts() []alerts.Alert
}

// DaemonHandler implements Handler on top of a Controller.
type DaemonHandler struct {
	ctrl      Controller
	version   string
	startedAt time.Time
}

// NewDaemonHandler creates a new daemon handler
func NewDaemonHandler(ctrl Controller, version string) *DaemonHandler {
	return &DaemonHandler{
		ctrl:      ctrl,
		version:   version,
		startedAt: time.Now(),
	}
}

// HandleMessage processes an IPC message
func (h *DaemonHandler) HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	id := msg.Header.RequestID

	switch msg.Header.Type {
	case MsgStatus:
		return NewResponse(MsgStatusResp, id, &StatusResponse{
			Version:   h.version,
			StartedAt: h.startedAt,
			Uptime:    time.Since(h.startedAt),
			Stats:     h.ctrl.Status(),
		})

	case MsgStart:
		if err := h.ctrl.StartMonitoring(); err != nil {
			return errorFor(id, err), nil
		}
		return NewResponse(MsgStartResp, id, h.ctrl.Status())

	case MsgStop:
		if err := h.ctrl.StopMonitoring(); err != nil {
			return errorFor(id, err), nil
		}
		return NewResponse(MsgStopResp, id, h.ctrl.Status())

	case MsgExport:
		data, err := h.ctrl.ExportProfile()
		if err != nil {
			return errorFor(id, err), nil
		}
		return NewResponse(MsgExportResp, id, &ProfileDocument{Profile: data})

	case MsgImport:
		var req ProfileDocument
		if err := Decode(msg.Payload, &req); err != nil || len(req.Profile) == 0 {
			return NewErrorMessage(id, CodeInvalidRequest, "import requires a profile document"), nil
		}
		if err := h.ctrl.ImportProfile(req.Profile); err != nil {
			return errorFor(id, err), nil
		}
		return NewResponse(MsgImportResp, id, h.ctrl.Status())

	case MsgReset:
		h.ctrl.ResetProfile()
		return NewResponse(MsgResetResp, id, h.ctrl.Status())

	case MsgGetSettings:
		return NewResponse(MsgGetSettingsResp, id, &SettingsMessage{Settings: h.ctrl.Settings()})

	case MsgSetSettings:
		var req SettingsMessage
		if err := Decode(msg.Payload, &req); err != nil || len(msg.Payload) == 0 {
			return NewErrorMessage(id, CodeInvalidRequest, "invalid settings request"), nil
		}
		if err := h.ctrl.UpdateSettings(req.Settings); err != nil {
			return errorFor(id, err), nil
		}
		return NewResponse(MsgSetSettingsResp, id, &SettingsMessage{Settings: h.ctrl.Settings()})

	case MsgAlerts:
		var req AlertsRequest
		if err := Decode(msg.Payload, &req); err != nil {
			return NewErrorMessage(id, CodeInvalidRequest, "invalid alerts request"), nil
		}
		list := h.ctrl.Alerts()
		if req.Limit > 0 && len(list) > req.Limit {
			list = list[len(list)-req.Limit:]
		}
		return NewResponse(MsgAlertsResp, id, &AlertsResponse{Alerts: list})

	default:
		return NewErrorMessage(id, CodeInvalidRequest,
			fmt.Sprintf("unknown message type: %s", msg.Header.Type)), nil
	}
}

// errorFor maps engine errors onto wire error codes.
func errorFor(id uint32, err error) *Message {
	code := CodeInternal
	switch {
	case errors.Is(err, engine.ErrNoProfile):
		code = CodeNoProfile
	case errors.Is(err, profile.ErrInvalidProfile):
		code = CodeInvalidProfile
	case errors.Is(err, config.ErrInvalidConfig):
		code = CodeInvalidSettings
	case errors.Is(err, capture.ErrNotAvailable), errors.Is(err, capture.ErrAlreadyRunning):
		code = CodeCaptureUnavailable
	}
	return NewErrorMessage(id, code, err.Error())
}
