package internal

import (
	"context"

	"github.com/rs/zerolog"
)

type ctx string

var (
	ctxData ctx = "console_data"
)

// logging metadata for a single console request
type data struct {
	deviceID   string
	deviceName string
	strategy   string
	sessionID  string
	numDevices int
}

// prepare a request context so it can carry console request info
func RequestContext(ctx context.Context) context.Context {
	d := &data{
		numDevices: -1,
	}
	return context.WithValue(ctx, ctxData, d)
}

// add the target device to this request context. Need to have called RequestContext first.
func SetRequestContextDevice(ctx context.Context, deviceID, deviceName string) {
	d := ctx.Value(ctxData)
	if d == nil {
		return
	}
	da := d.(*data)
	da.deviceID = deviceID
	da.deviceName = deviceName
}

func SetRequestContextStrategy(ctx context.Context, strategy string) {
	d := ctx.Value(ctxData)
	if d == nil {
		return
	}
	da := d.(*data)
	da.strategy = strategy
}

func SetRequestContextSession(ctx context.Context, sessionID string) {
	d := ctx.Value(ctxData)
	if d == nil {
		return
	}
	da := d.(*data)
	da.sessionID = sessionID
}

func SetRequestContextNumDevices(ctx context.Context, numDevices int) {
	d := ctx.Value(ctxData)
	if d == nil {
		return
	}
	da := d.(*data)
	da.numDevices = numDevices
}

func DecorateLogger(ctx context.Context, l *zerolog.Event) *zerolog.Event {
	d := ctx.Value(ctxData)
	if d == nil {
		return l
	}
	da := d.(*data)
	if da.deviceID != "" {
		l = l.Str("dev", da.deviceID)
	}
	if da.deviceName != "" {
		l = l.Str("name", da.deviceName)
	}
	if da.strategy != "" {
		l = l.Str("strat", da.strategy)
	}
	if da.sessionID != "" {
		l = l.Str("sess", da.sessionID)
	}
	if da.numDevices >= 0 {
		l = l.Int("n", da.numDevices)
	}
	return l
}
