package console

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/deviceloop/console/broker"
	"github.com/deviceloop/console/internal"
	"github.com/deviceloop/console/pubsub"
)

func (s *ConsoleServer) serveDevices(w http.ResponseWriter, req *http.Request) {
	ctx := internal.RequestContext(req.Context())
	ctx, span := internal.StartSpan(ctx, "serveDevices")
	defer span.End()
	if req.URL.Query().Get("refresh") == "1" {
		s.registry.InvalidateCache()
	}
	devices, err := s.registry.ListDevices(ctx)
	if err != nil {
		writeError(w, asHandlerError(err))
		return
	}
	internal.SetRequestContextNumDevices(ctx, len(devices))
	writeJSON(w, 200, struct {
		Devices []broker.Device `json:"devices"`
	}{devices})
}

type connectRequest struct {
	// DeviceID selects a device from the registry listing.
	DeviceID string `json:"device_id"`
	// Identifier is a raw remote-control ID for a manual connection. Set
	// exactly one of DeviceID and Identifier.
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

func (s *ConsoleServer) serveConnect(w http.ResponseWriter, req *http.Request) {
	ctx := internal.RequestContext(req.Context())
	ctx, span := internal.StartSpan(ctx, "serveConnect")
	defer span.End()
	var body connectRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, &internal.HandlerError{
			StatusCode: 400,
			Err:        err,
		})
		return
	}

	var attempt *broker.ConnectionAttempt
	var err error
	if body.Identifier != "" {
		attempt, err = s.sequencer.ConnectManual(ctx, body.Identifier, body.Password)
	} else {
		var device *broker.Device
		device, err = s.registry.Device(ctx, body.DeviceID)
		if err == nil {
			attempt, err = s.sequencer.Connect(ctx, device)
		}
	}
	if err != nil {
		writeError(w, asHandlerError(err))
		return
	}
	internal.DecorateLogger(ctx, logger.Info()).Msg("connection attempt dispatched")
	writeJSON(w, 201, attempt)
}

func (s *ConsoleServer) serveSessions(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, 200, struct {
		Sessions []broker.Session `json:"sessions"`
	}{s.store.Sessions()})
}

type closeResponse struct {
	SessionID string `json:"session_id"`
	// Tracked is false when the session was already absent from the local
	// cache: closing it is a no-op.
	Tracked bool `json:"tracked"`
	// CloseError carries the upstream close failure, if any. The session is
	// removed locally regardless.
	CloseError string `json:"close_error,omitempty"`
}

func (s *ConsoleServer) serveCloseSession(w http.ResponseWriter, req *http.Request) {
	ctx := internal.RequestContext(req.Context())
	sessionID := mux.Vars(req)["sessionID"]
	// Kill any pending web fallback for this session first.
	s.sequencer.Abandon(sessionID)

	sess, tracked := s.store.Get(sessionID)
	resp := closeResponse{SessionID: sessionID, Tracked: tracked}
	if tracked && !sess.Degraded {
		if _, err := s.broker.CloseSession(ctx, sessionID); err != nil {
			// Upstream close failures are reported but never block local
			// removal: the session will expire provider-side anyway.
			logger.Warn().Str("session", sessionID).Err(err).Msg("upstream close failed, removing locally")
			resp.CloseError = err.Error()
		}
	}
	if tracked {
		s.store.Remove(sessionID)
		if err := s.notifier.Notify(pubsub.ChanUI, &pubsub.SessionClosed{SessionID: sessionID}); err != nil {
			logger.Warn().Err(err).Msg("failed to notify UI of close")
		}
	}
	writeJSON(w, 200, resp)
}

// serveEvents streams UI payloads as server-sent events. The browser reacts to
// launch_native/launch_web by navigating; everything else refreshes its view.
func (s *ConsoleServer) serveEvents(w http.ResponseWriter, req *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, &internal.HandlerError{
			StatusCode: 500,
			Err:        errors.New("streaming unsupported"),
		})
		return
	}
	// subscribe before the headers go out so no event published after the
	// client sees the stream can be missed
	sub := s.events.subscribe()
	defer s.events.unsubscribe(sub)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(200)
	flusher.Flush()
	for {
		select {
		case <-req.Context().Done():
			return
		case ev, open := <-sub:
			if !open {
				return
			}
			if _, err := w.Write(ev.encode()); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func asHandlerError(err error) *internal.HandlerError {
	var herr *internal.HandlerError
	if errors.As(err, &herr) {
		return herr
	}
	status := 500
	var unavailable *internal.UpstreamUnavailableError
	var timeout *internal.TimeoutError
	var badID *internal.InvalidIdentifierError
	var createFailed *internal.SessionCreateFailedError
	switch {
	case errors.Is(err, broker.ErrDeviceNotFound):
		status = 404
	case errors.As(err, &badID):
		status = 400
	case errors.As(err, &unavailable):
		status = 502
	case errors.As(err, &createFailed):
		status = 502
	case errors.As(err, &timeout):
		status = 504
	}
	return &internal.HandlerError{
		StatusCode: status,
		Err:        err,
	}
}

func writeError(w http.ResponseWriter, herr *internal.HandlerError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(herr.StatusCode)
	w.Write(herr.JSON())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Err(err).Msg("failed to write JSON response")
	}
}

// event is one server-sent event on /api/events.
type event struct {
	Name string
	Data interface{}
}

func (e event) encode() []byte {
	data, err := json.Marshal(e.Data)
	if err != nil {
		internal.Assert("event payloads are always marshallable", false)
		data = []byte("{}")
	}
	out := make([]byte, 0, len(e.Name)+len(data)+16)
	out = append(out, "event: "...)
	out = append(out, e.Name...)
	out = append(out, "\ndata: "...)
	out = append(out, data...)
	out = append(out, "\n\n"...)
	return out
}

// eventFanout duplicates events to every connected /api/events stream. Slow
// subscribers drop events rather than block the bus.
type eventFanout struct {
	mu   sync.Mutex
	subs map[chan event]struct{}
}

func newEventFanout() *eventFanout {
	return &eventFanout{
		subs: make(map[chan event]struct{}),
	}
}

func (f *eventFanout) subscribe() chan event {
	ch := make(chan event, 16)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[ch] = struct{}{}
	return ch
}

func (f *eventFanout) unsubscribe(ch chan event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, ch)
}

func (f *eventFanout) broadcast(ev event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// ConsoleServer implements pubsub.UIListener by re-encoding each payload for
// the SSE stream.

func (s *ConsoleServer) OnDeviceConnect(p *pubsub.DeviceConnect) {
	s.events.broadcast(event{"device_connect", struct {
		DeviceID   string `json:"device_id"`
		DeviceName string `json:"device_name,omitempty"`
		Strategy   string `json:"strategy"`
	}{p.DeviceID, p.DeviceName, p.Strategy}})
}

func (s *ConsoleServer) OnSessionTracked(p *pubsub.SessionTracked) {
	s.events.broadcast(event{"session_tracked", struct {
		SessionID string    `json:"session_id"`
		DeviceID  string    `json:"device_id"`
		ExpiresAt time.Time `json:"expires_at"`
	}{p.SessionID, p.DeviceID, p.ExpiresAt}})
}

func (s *ConsoleServer) OnSessionClosed(p *pubsub.SessionClosed) {
	s.events.broadcast(event{"session_closed", struct {
		SessionID string `json:"session_id"`
	}{p.SessionID}})
}

func (s *ConsoleServer) OnLaunchNative(p *pubsub.LaunchNative) {
	s.events.broadcast(event{"launch_native", struct {
		URI string `json:"uri"`
	}{p.URI}})
}

func (s *ConsoleServer) OnLaunchWeb(p *pubsub.LaunchWeb) {
	s.events.broadcast(event{"launch_web", struct {
		URL string `json:"url"`
	}{p.URL}})
}
