package monitor

import (
	"context"

	"pillbox/session"
)

// MsgInvalidSession is shown when the panel is opened without a session.
const MsgInvalidSession = "Sesión de usuario no válida."

// PanelState is the state of the monitoring panel: one of PanelLoading,
// PanelSuccess, PanelEmpty or PanelError.
type PanelState interface {
	isPanelState()
}

type PanelLoading struct{}

type PanelSuccess struct {
	Devices []DeviceMonitorData
}

// PanelEmpty means the user has no linked devices.
type PanelEmpty struct{}

type PanelError struct {
	Message string
}

func (PanelLoading) isPanelState() {}
func (PanelSuccess) isPanelState() {}
func (PanelEmpty) isPanelState()   {}
func (PanelError) isPanelState()   {}

// Panel loads the monitoring view of the signed-in user.
type Panel struct {
	aggregator *Aggregator
	sess       *session.Context
}

func NewPanel(aggregator *Aggregator, sess *session.Context) *Panel {
	return &Panel{
		aggregator: aggregator,
		sess:       sess,
	}
}

// Load runs the aggregator for the signed-in user.  It never returns
// PanelLoading.
func (p *Panel) Load(ctx context.Context) PanelState {
	uid, ok := p.sess.UserID()
	if !ok {
		return PanelError{Message: MsgInvalidSession}
	}

	data, err := p.aggregator.Load(ctx, uid)
	if err != nil {
		return PanelError{Message: err.Error()}
	}
	if len(data) == 0 {
		return PanelEmpty{}
	}
	return PanelSuccess{Devices: data}
}
