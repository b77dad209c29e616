// Package automation talks to the browser-automation runner that drives the
// ERP. The runner owns the browser; this client opens and probes sessions
// and submits trips through them.
//
// The runner API:
//
//	POST   /sessions             -> {"id", "target"}
//	GET    /sessions/{id}        -> {"target"}
//	DELETE /sessions/{id}
//	POST   /sessions/{id}/trips  -> {"outcome", "detail", "module", "erp_trip_id", "invoice_uuid"}
//
// Every request carries an HMAC-SHA256 signature of method, path and body.
package automation

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/tripqueue/internal/domain"
	"github.com/djlord-it/tripqueue/internal/metrics"
	"github.com/djlord-it/tripqueue/internal/outcome"
	"github.com/djlord-it/tripqueue/internal/session"
)

// Request headers.
const (
	HeaderSignature = "X-Tripqueue-Signature"
	HeaderRequestID = "X-Tripqueue-Request-ID"
)

// DefaultTimeout bounds a single runner request. Trip submission drives a
// real browser through several ERP screens, so it is generous.
const DefaultTimeout = 5 * time.Minute

// Runner operations reported to the MetricsSink.
const (
	OpOpen    = "open"
	OpProbe   = "probe"
	OpClose   = "close"
	OpExecute = "execute"
)

// MetricsSink defines the interface for recording runner request metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	RunnerRequestCompleted(op, statusClass string, duration time.Duration)
}

// Client implements session.Opener and the processor's Executor.
type Client struct {
	baseURL string
	secret  string
	timeout time.Duration
	client  *http.Client
	metrics MetricsSink // optional, nil = disabled
}

func NewClient(baseURL, secret string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		timeout: timeout,
		client:  &http.Client{},
	}
}

// WithMetrics attaches a metrics sink to the client.
func (c *Client) WithMetrics(sink MetricsSink) *Client {
	c.metrics = sink
	return c
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.client = hc
	return c
}

type openResponse struct {
	ID     string `json:"id"`
	Target string `json:"target"`
}

type probeResponse struct {
	Target string `json:"target"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Open asks the runner for a new logged-in session.
func (c *Client) Open(ctx context.Context) (session.Session, error) {
	var resp openResponse
	if err := c.do(ctx, OpOpen, http.MethodPost, "/sessions", struct{}{}, &resp); err != nil {
		return nil, fmt.Errorf("runner: open session: %w", err)
	}
	if resp.ID == "" {
		return nil, errors.New("runner: open session: empty session id")
	}
	return &remoteSession{client: c, id: resp.ID}, nil
}

// Execute submits trip through s and returns the runner's signal.
func (c *Client) Execute(ctx context.Context, s session.Session, trip domain.Trip) (outcome.Signal, error) {
	var sig outcome.Signal
	path := "/sessions/" + url.PathEscape(s.ID()) + "/trips"
	if err := c.do(ctx, OpExecute, http.MethodPost, path, trip, &sig); err != nil {
		return outcome.Signal{}, fmt.Errorf("runner: execute %s: %w", trip.BusinessKey(), err)
	}
	return sig, nil
}

// remoteSession is a handle to a session living in the runner.
type remoteSession struct {
	client *Client
	id     string
}

func (s *remoteSession) ID() string { return s.id }

func (s *remoteSession) Target(ctx context.Context) (string, error) {
	var resp probeResponse
	if err := s.client.do(ctx, OpProbe, http.MethodGet, s.path(), nil, &resp); err != nil {
		return "", fmt.Errorf("runner: probe %s: %w", s.id, err)
	}
	return resp.Target, nil
}

// Close is idempotent: a session the runner no longer knows is closed.
func (s *remoteSession) Close(ctx context.Context) error {
	err := s.client.do(ctx, OpClose, http.MethodDelete, s.path(), nil, nil)
	if err != nil && !errors.Is(err, session.ErrCorrupt) {
		return fmt.Errorf("runner: close %s: %w", s.id, err)
	}
	return nil
}

func (s *remoteSession) path() string {
	return "/sessions/" + url.PathEscape(s.id)
}

// do sends one signed request. A nil in leaves the body empty; a nil out
// discards the response body.
func (c *Client) do(ctx context.Context, op, method, path string, in, out any) (err error) {
	start := time.Now()
	status := 0
	defer func() {
		if c.metrics != nil {
			c.metrics.RunnerRequestCompleted(op, metrics.ClassifyStatus(status, transportErr(err, status)), time.Since(start))
		}
	}()

	var body []byte
	if in != nil {
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal: %w", err)
		}
	}

	ctxTimeout, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctxTimeout, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(HeaderRequestID, uuid.NewString())
	req.Header.Set(HeaderSignature, Sign(c.secret, method, path, body))

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()
	status = resp.StatusCode

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if status < 200 || status >= 300 {
		return statusError(status, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// transportErr keeps only errors that happened before a status was seen,
// so metrics classify HTTP failures by status class.
func transportErr(err error, status int) error {
	if status != 0 {
		return nil
	}
	return err
}

// statusError maps runner status codes onto the session sentinels so the
// classifier sees the right category.
func statusError(status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	var er errorResponse
	if json.Unmarshal(body, &er) == nil && er.Error != "" {
		msg = er.Error
	}

	switch status {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return fmt.Errorf("status %d: %s: %w", status, msg, session.ErrCapacityLimited)
	case http.StatusNotFound, http.StatusGone:
		return fmt.Errorf("status %d: %s: %w", status, msg, session.ErrCorrupt)
	}
	return fmt.Errorf("status %d: %s", status, msg)
}

// Sign computes the request signature the runner verifies.
func Sign(secret, method, path string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(method))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(path))
	mac.Write([]byte{'\n'})
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature matches the request.
func VerifySignature(secret, method, path string, body []byte, signature string) bool {
	expected := Sign(secret, method, path, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}
