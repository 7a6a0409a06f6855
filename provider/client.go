package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/deviceloop/console/internal"
)

var ConsoleVersion = ""

// DefaultCallTimeout bounds every upstream call. The provider API has been
// observed to hang connection attempts indefinitely; a hung call must surface
// as a typed timeout instead.
const DefaultCallTimeout = 15 * time.Second

// Client is the subset of the remote-control provider's REST API this console
// consumes. One client can be shared among many requests.
type Client interface {
	// ListDevices fetches the device collection, filtered server-side by
	// online state ("Online", "Offline" or "" for no filter).
	ListDevices(ctx context.Context, onlineState string) ([]DeviceRecord, error)
	// CreateSession mints a new time-boxed session for a support connection.
	CreateSession(ctx context.Context, req CreateSessionRequest) (*SessionRecord, error)
	// GetSession fetches the authoritative record for a session code.
	GetSession(ctx context.Context, code string) (*SessionRecord, error)
	// UpdateSessionState transitions a session, e.g. to "Closed".
	UpdateSessionState(ctx context.Context, code, state string) error
}

type HTTPClient struct {
	Client      *http.Client
	BaseURL     string
	Tokens      TokenSource
	CallTimeout time.Duration
}

// NewHTTPClient makes a provider API client with an otel-instrumented
// transport and the default per-call timeout.
func NewHTTPClient(baseURL string, tokens TokenSource) *HTTPClient {
	return &HTTPClient{
		Client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		BaseURL:     baseURL,
		Tokens:      tokens,
		CallTimeout: DefaultCallTimeout,
	}
}

type DeviceRecord struct {
	DeviceID        string `json:"device_id"`
	RemoteControlID string `json:"remotecontrol_id"`
	Alias           string `json:"alias"`
	OnlineState     string `json:"online_state"`
	Manufacturer    string `json:"manufacturer,omitempty"`
	Model           string `json:"model,omitempty"`
	OSName          string `json:"os_name,omitempty"`
	// nil when the provider does not report an unattended-access policy for
	// this device. Absence is not the same as false: see broker capability
	// inference.
	UnattendedAccessEnabled *bool `json:"unattended_access_enabled,omitempty"`
}

type CreateSessionRequest struct {
	GroupName   string `json:"groupname,omitempty"`
	Description string `json:"description,omitempty"`
	EndCustomer struct {
		Name string `json:"name,omitempty"`
	} `json:"end_customer"`
}

type SessionRecord struct {
	Code                   string `json:"code"`
	State                  string `json:"state"`
	GroupName              string `json:"groupname,omitempty"`
	Description            string `json:"description,omitempty"`
	CreatedAt              string `json:"created_at,omitempty"`
	ValidUntil             string `json:"valid_until,omitempty"`
	SupporterLink          string `json:"supporter_link,omitempty"`
	WebClientSupporterLink string `json:"webclient_supporter_link,omitempty"`
	EndCustomerLink        string `json:"end_customer_link,omitempty"`
	Password               string `json:"password,omitempty"`
}

func (v *HTTPClient) ListDevices(ctx context.Context, onlineState string) ([]DeviceRecord, error) {
	u := v.BaseURL + "/devices"
	if onlineState != "" {
		u += "?online_state=" + url.QueryEscape(onlineState)
	}
	res, err := v.do(ctx, "GET", u, nil, "list devices")
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != 200 {
		return nil, &internal.UpstreamUnavailableError{
			Op: "list devices", StatusCode: res.StatusCode,
			Err: fmt.Errorf("/devices returned %s", res.Status),
		}
	}
	var body struct {
		Devices []DeviceRecord `json:"devices"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return nil, &internal.UpstreamUnavailableError{Op: "list devices", Err: fmt.Errorf("decode: %w", err)}
	}
	return body.Devices, nil
}

func (v *HTTPClient) CreateSession(ctx context.Context, req CreateSessionRequest) (*SessionRecord, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	res, err := v.do(ctx, "POST", v.BaseURL+"/sessions", payload, "create session")
	if err != nil {
		var timeout *internal.TimeoutError
		var notConfigured *internal.NotConfiguredError
		if errors.As(err, &timeout) || errors.As(err, &notConfigured) {
			return nil, err
		}
		// Transport-level failures (refused connection, DNS) count as session
		// creation failures: reachability of the session endpoint is exactly
		// what the caller's degraded fallback is for.
		return nil, &internal.SessionCreateFailedError{Message: err.Error()}
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, &internal.SessionCreateFailedError{
			StatusCode: res.StatusCode,
			Message:    upstreamErrorMessage(res),
		}
	}
	var record SessionRecord
	if err := json.NewDecoder(res.Body).Decode(&record); err != nil {
		return nil, &internal.SessionCreateFailedError{StatusCode: res.StatusCode, Message: "unparseable response body"}
	}
	return &record, nil
}

func (v *HTTPClient) GetSession(ctx context.Context, code string) (*SessionRecord, error) {
	res, err := v.do(ctx, "GET", v.BaseURL+"/sessions/"+url.PathEscape(code), nil, "get session")
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != 200 {
		return nil, &internal.UpstreamUnavailableError{
			Op: "get session", StatusCode: res.StatusCode,
			Err: fmt.Errorf("/sessions/%s returned %s", code, res.Status),
		}
	}
	var record SessionRecord
	if err := json.NewDecoder(res.Body).Decode(&record); err != nil {
		return nil, &internal.UpstreamUnavailableError{Op: "get session", Err: fmt.Errorf("decode: %w", err)}
	}
	return &record, nil
}

func (v *HTTPClient) UpdateSessionState(ctx context.Context, code, state string) error {
	payload, err := json.Marshal(map[string]string{"state": state})
	if err != nil {
		return err
	}
	res, err := v.do(ctx, "PUT", v.BaseURL+"/sessions/"+url.PathEscape(code), payload, "update session")
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return &internal.UpstreamUnavailableError{
			Op: "update session", StatusCode: res.StatusCode,
			Err: fmt.Errorf("PUT /sessions/%s returned %s: %s", code, res.Status, upstreamErrorMessage(res)),
		}
	}
	return nil
}

// do issues an authenticated request with the per-call timeout applied.
// Deadline expiry is mapped to a typed timeout error.
func (v *HTTPClient) do(ctx context.Context, method, u string, body []byte, op string) (*http.Response, error) {
	timeout := v.CallTimeout
	if timeout == 0 {
		timeout = DefaultCallTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	// cancel only on the error paths: the caller owns the response body and
	// cancelling here would close it underneath them.
	token, err := v.Tokens.Token(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("User-Agent", "deviceloop-console-"+ConsoleVersion)
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := v.Client.Do(req)
	if err != nil {
		cancel()
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &internal.TimeoutError{Op: op}
		}
		return nil, &internal.UpstreamUnavailableError{Op: op, Err: err}
	}
	res.Body = &cancelReadCloser{ReadCloser: res.Body, cancel: cancel}
	return res, nil
}

type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// upstreamErrorMessage pulls a human-readable message out of a provider error
// body. The provider is inconsistent about the field name depending on which
// layer rejected the request.
func upstreamErrorMessage(res *http.Response) string {
	b, err := io.ReadAll(res.Body)
	if err != nil || len(b) == 0 {
		return res.Status
	}
	parsed := gjson.ParseBytes(b)
	for _, field := range []string{"error_description", "message", "error"} {
		if msg := parsed.Get(field); msg.Exists() && msg.Str != "" {
			return msg.Str
		}
	}
	return string(b)
}
