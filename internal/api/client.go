// Package api is the HTTP client for the waitlist backend: waitlist join,
// event ingest and referral stats.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/gosight/gosight/waitlist/internal/funnel"
)

const (
	joinPath   = "/api/waitlist/join"
	eventsPath = "/api/events"
	statsPath  = "/api/referrals/%s/stats"
	signUpPath = "/api/auth/signup"
	signInPath = "/api/auth/signin"

	maxErrorBody  = 512
	beaconTimeout = 5 * time.Second
)

type Client struct {
	baseURL string
	http    *http.Client
	events  *gobreaker.CircuitBreaker

	beacons sync.WaitGroup
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithBreaker tunes the circuit breaker guarding event ingest: it opens
// after maxFailures consecutive failures and stays open for openFor.
func WithBreaker(maxFailures uint32, openFor time.Duration) Option {
	return func(c *Client) { c.events = newEventsBreaker(maxFailures, openFor) }
}

func NewClient(baseURL string, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		events:  newEventsBreaker(5, 30*time.Second),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func newEventsBreaker(maxFailures uint32, openFor time.Duration) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "event-ingest",
		MaxRequests: 1,
		Timeout:     openFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("name", name).Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state change")
		},
	})
}

// Join submits a waitlist signup. A 2xx reply that reports failure without
// any duplicate flag comes back as a *StatusError so callers can inspect its
// message.
func (c *Client) Join(ctx context.Context, req JoinRequest) (*JoinResponse, error) {
	var resp JoinResponse
	status, err := c.do(ctx, "waitlist join", http.MethodPost, joinPath, req, &resp)
	if err != nil {
		return nil, err
	}
	if !resp.Success && !resp.IsUpdate && !resp.AlreadyExists && !resp.EmailExists {
		return nil, &StatusError{Op: "waitlist join", StatusCode: status, Message: resp.Message}
	}
	return &resp, nil
}

// SendEvents delivers one batch to the ingest endpoint through the circuit
// breaker. While the breaker is open it fails without a request.
func (c *Client) SendEvents(ctx context.Context, events []funnel.Event) error {
	_, err := c.events.Execute(func() (interface{}, error) {
		var resp EventResponse
		_, err := c.do(ctx, "event ingest", http.MethodPost, eventsPath, EventBatchRequest{Events: events}, &resp)
		return nil, err
	})
	return err
}

// SendBeacon posts events on a detached goroutine and returns at once. It
// reports false only when the batch cannot be encoded.
func (c *Client) SendBeacon(events []funnel.Event) bool {
	body, err := json.Marshal(EventBatchRequest{Events: events})
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode beacon batch")
		return false
	}

	c.beacons.Add(1)
	go func() {
		defer c.beacons.Done()
		ctx, cancel := context.WithTimeout(context.Background(), beaconTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+eventsPath, bytes.NewReader(body))
		if err != nil {
			return
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.http.Do(req)
		if err != nil {
			log.Debug().Err(err).Int("count", len(events)).Msg("Beacon delivery failed")
			return
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()
	return true
}

// Drain waits for beacons already handed off, for process shutdown.
func (c *Client) Drain() {
	c.beacons.Wait()
}

// ReferralStats fetches aggregate stats for code.
func (c *Client) ReferralStats(ctx context.Context, code string) (*ReferralStats, error) {
	var stats ReferralStats
	path := fmt.Sprintf(statsPath, url.PathEscape(code))
	if _, err := c.do(ctx, "referral stats", http.MethodGet, path, nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// SignUp creates an identity account. An existing account comes back as a
// *StatusError whose message says so.
func (c *Client) SignUp(ctx context.Context, email, password string) error {
	_, err := c.do(ctx, "identity sign up", http.MethodPost, signUpPath, Credentials{Email: email, Password: password}, nil)
	return err
}

func (c *Client) SignIn(ctx context.Context, email, password string) error {
	_, err := c.do(ctx, "identity sign in", http.MethodPost, signInPath, Credentials{Email: email, Password: password}, nil)
	return err
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("%s: encoding request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, fmt.Errorf("%s: building request: %w", op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("%s: reading body: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, &StatusError{Op: op, StatusCode: resp.StatusCode, Message: errorMessage(data)}
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("%s: %w: %v", op, ErrMalformedResponse, err)
		}
	}
	return resp.StatusCode, nil
}

// errorMessage pulls a human message out of an error body, JSON or not.
func errorMessage(data []byte) string {
	var er ErrorResponse
	if err := json.Unmarshal(data, &er); err == nil {
		if er.Message != "" {
			return er.Message
		}
		if er.Error != "" {
			return er.Error
		}
	}
	msg := strings.TrimSpace(string(data))
	if len(msg) > maxErrorBody {
		msg = msg[:maxErrorBody]
	}
	return msg
}
