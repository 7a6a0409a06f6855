package pubsub

import (
	"time"
)

// The channel which has UI-facing payloads
const ChanUI = "uich"

// UIListener receives the payloads the browser needs to act on: which device
// a connection attempt was dispatched for, which sessions to show, and which
// launch artifacts to open. Success of a native hand-off is unobservable from
// this layer, so these fire on dispatch, not on success.
type UIListener interface {
	OnDeviceConnect(p *DeviceConnect)
	OnSessionTracked(p *SessionTracked)
	OnSessionClosed(p *SessionClosed)
	OnLaunchNative(p *LaunchNative)
	OnLaunchWeb(p *LaunchWeb)
}

// DeviceConnect fires once a connection attempt has been dispatched.
type DeviceConnect struct {
	DeviceID   string
	DeviceName string
	Strategy   string
}

func (v DeviceConnect) Type() string { return "c" }

type SessionTracked struct {
	SessionID string
	DeviceID  string
	ExpiresAt time.Time
}

func (v SessionTracked) Type() string { return "t" }

type SessionClosed struct {
	SessionID string
}

func (v SessionClosed) Type() string { return "x" }

// LaunchNative asks the UI to navigate to a custom-scheme URI to activate the
// locally installed native client.
type LaunchNative struct {
	URI string
}

func (v LaunchNative) Type() string { return "n" }

// LaunchWeb asks the UI to open the web client in a new browsing context.
// Sent when the delayed fallback fires.
type LaunchWeb struct {
	URL string
}

func (v LaunchWeb) Type() string { return "w" }

type UISub struct {
	listener Listener
	receiver UIListener
}

func NewUISub(l Listener, recv UIListener) *UISub {
	return &UISub{
		listener: l,
		receiver: recv,
	}
}

func (v *UISub) Teardown() {
	v.listener.Close()
}

func (v *UISub) onMessage(p Payload) {
	switch p.Type() {
	case DeviceConnect{}.Type():
		v.receiver.OnDeviceConnect(p.(*DeviceConnect))
	case SessionTracked{}.Type():
		v.receiver.OnSessionTracked(p.(*SessionTracked))
	case SessionClosed{}.Type():
		v.receiver.OnSessionClosed(p.(*SessionClosed))
	case LaunchNative{}.Type():
		v.receiver.OnLaunchNative(p.(*LaunchNative))
	case LaunchWeb{}.Type():
		v.receiver.OnLaunchWeb(p.(*LaunchWeb))
	}
}

func (v *UISub) Listen() error {
	return v.listener.Listen(ChanUI, v.onMessage)
}
