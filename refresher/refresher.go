// Package refresher automates the periodic resend of REGISTER, SUBSCRIBE and
// PUBLISH requests a UA needs to keep state alive on a server, instead of
// hand-rolling the retry/backoff/auth-retry loop at each call site;
// example/register/client/main.go keeps its registration alive through it.
package refresher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/sipstack/core"
	"github.com/sipstack/core/auth"
	"github.com/sipstack/core/sip"
)

// Mode picks the refresh trigger.
type Mode int

const (
	// ModeAuto reschedules automatically at RefreshAt fraction of expiry.
	ModeAuto Mode = iota
	// ModeManual only refreshes when Refresh is called explicitly.
	ModeManual
)

// Config tunes one Refresher instance.
type Config struct {
	Mode Mode

	// RefreshAt is the fraction of the granted expiry at which to refresh.
	// Default 0.9, i.e. refresh at 90% of the interval as recommended
	// practice for REGISTER/SUBSCRIBE refresh (RFC 3261 §10.2.4, RFC 6665 §4.1.2.2).
	RefreshAt float64

	// MaxAuthFailures caps consecutive 401/407 challenge retries before
	// giving up and reporting an error, so a UA with wrong credentials
	// does not loop forever against a server that keeps re-challenging.
	MaxAuthFailures int

	// MinRefreshInterval floors how soon the next refresh fires, guarding
	// against a pathologically small server-granted Expires.
	MinRefreshInterval time.Duration

	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	if c.RefreshAt <= 0 {
		c.RefreshAt = 0.9
	}
	if c.MaxAuthFailures <= 0 {
		c.MaxAuthFailures = 3
	}
	if c.MinRefreshInterval <= 0 {
		c.MinRefreshInterval = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = sip.DefaultLogger()
	}
}

// RequestBuilder returns a fresh copy of the request to send, with CSeq,
// branch and any dialog-specific state already bumped by the caller. The
// Refresher never mutates or caches the request itself, it only decides
// when to call this and reacts to the response.
type RequestBuilder func() (*sip.Request, error)

// Refresher drives one repeating REGISTER/SUBSCRIBE/PUBLISH exchange.
type Refresher struct {
	client *sipgo.Client
	creds  auth.Credentials
	build  RequestBuilder
	cfg    Config

	authCache *auth.Cache

	mu         sync.Mutex
	timer      *time.Timer
	stopped    bool
	authFails  int
	lastExpiry time.Duration

	// OnError is called whenever a refresh cycle terminates permanently
	// (send failure, auth exhausted, non-retryable final response). A 200
	// granting 0 Expires also ends the cycle, but reports through
	// OnRefreshed(0), not OnError.
	OnError func(error)
	// OnRefreshed is called after each successful refresh with the granted
	// expiry, so callers can surface registration state to a UI or metric.
	OnRefreshed func(expiry time.Duration)

	// LastResponse is the most recently received final response, visible to
	// RequestBuilder so it can pick up a Min-Expires (423) or a redirect
	// Contact (301/302) on the next build call.
	LastResponse *sip.Response
}

// New creates a Refresher that is not yet running; call Start.
func New(client *sipgo.Client, creds auth.Credentials, build RequestBuilder, cfg Config) *Refresher {
	cfg.setDefaults()
	return &Refresher{
		client:    client,
		creds:     creds,
		build:     build,
		cfg:       cfg,
		authCache: auth.NewCache(creds),
	}
}

// Start sends the first request and, in ModeAuto, schedules subsequent
// refreshes based on the granted Expires.
func (r *Refresher) Start(ctx context.Context) error {
	return r.cycle(ctx)
}

// Refresh forces an immediate refresh cycle. Useful in ModeManual, or to
// react to a network-change event outside the normal schedule.
func (r *Refresher) Refresh(ctx context.Context) error {
	return r.cycle(ctx)
}

// Stop cancels any pending scheduled refresh. It does not send an
// Expires: 0 de-registration; callers that want that must build and send it
// themselves before calling Stop.
func (r *Refresher) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	if r.timer != nil {
		r.timer.Stop()
	}
}

func (r *Refresher) cycle(ctx context.Context) error {
	r.mu.Lock()
	stopped := r.stopped
	r.mu.Unlock()
	if stopped {
		return errStopped
	}

	req, err := r.build()
	if err != nil {
		return fmt.Errorf("build refresh request: %w", err)
	}

	res, err := r.sendWithAuth(ctx, req)
	if err != nil {
		r.fail(err)
		return err
	}
	r.LastResponse = res

	switch {
	case res.StatusCode == sip.StatusOK:
		r.authFails = 0
		expiry := expiryFromResponse(res, req)
		r.lastExpiry = expiry
		if r.OnRefreshed != nil {
			r.OnRefreshed(expiry)
		}
		if expiry <= 0 {
			// Explicit de-registration/unsubscribe: nothing more to schedule.
			return nil
		}
		r.schedule(ctx, expiry)
		return nil

	case res.StatusCode == sip.StatusIntervalTooBrief:
		if minExp := res.GetHeader("Min-Expires"); minExp != nil {
			// Server told us the floor it will accept; the caller's
			// RequestBuilder is expected to read this back on next build
			// via its own closure state. We just retry once immediately.
			return r.cycle(ctx)
		}
		err := fmt.Errorf("423 Interval Too Brief without Min-Expires")
		r.fail(err)
		return err

	case res.StatusCode == 301 || res.StatusCode == 302:
		// Contact moved: caller's RequestBuilder must pick up the new
		// target from the Contact header of res on its next build.
		return r.cycle(ctx)

	case isRetryableFailure(res.StatusCode):
		after := retryAfter(res)
		r.scheduleOnce(ctx, after)
		return nil

	default:
		err := fmt.Errorf("refresh failed with status %d", res.StatusCode)
		r.fail(err)
		return err
	}
}

func (r *Refresher) sendWithAuth(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	uri := req.Recipient.String()
	method := req.Method.String()

	if cred, ok, err := r.authCache.Authorize(method, uri); err == nil && ok {
		req.AppendHeader(sip.NewHeader("Authorization", cred))
	}

	res, err := r.client.Do(ctx, req)
	if err != nil {
		return nil, err
	}

	if res.StatusCode != sip.StatusUnauthorized && res.StatusCode != sip.StatusProxyAuthRequired {
		return res, nil
	}

	r.authFails++
	if r.authFails > r.cfg.MaxAuthFailures {
		return nil, fmt.Errorf("exceeded %d consecutive auth failures", r.cfg.MaxAuthFailures)
	}

	headerName := "WWW-Authenticate"
	if res.StatusCode == sip.StatusProxyAuthRequired {
		headerName = "Proxy-Authenticate"
	}
	challenge := res.GetHeader(headerName)
	if challenge == nil {
		return nil, fmt.Errorf("%d response missing %s", res.StatusCode, headerName)
	}
	if err := r.authCache.Learn(challenge.Value()); err != nil {
		return nil, err
	}

	cred, ok, err := r.authCache.Authorize(method, uri)
	if err != nil || !ok {
		return nil, fmt.Errorf("fail to build authorization after challenge: %w", err)
	}

	retry := req.Clone()
	authHeaderName := "Authorization"
	if res.StatusCode == sip.StatusProxyAuthRequired {
		authHeaderName = "Proxy-Authorization"
	}
	retry.RemoveHeader(authHeaderName)
	retry.AppendHeader(sip.NewHeader(authHeaderName, cred))
	if cseq := retry.CSeq(); cseq != nil {
		cseq.SeqNo++
	}
	retry.RemoveHeader("Via")

	return r.client.Do(ctx, retry, sipgo.ClientRequestAddVia)
}

func (r *Refresher) schedule(ctx context.Context, expiry time.Duration) {
	if r.cfg.Mode != ModeAuto {
		return
	}

	due := time.Duration(float64(expiry) * r.cfg.RefreshAt)
	r.scheduleOnce(ctx, due)
}

func (r *Refresher) scheduleOnce(ctx context.Context, after time.Duration) {
	if after < r.cfg.MinRefreshInterval {
		after = r.cfg.MinRefreshInterval
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(after, func() {
		if err := r.cycle(ctx); err != nil {
			r.cfg.Logger.Warn("scheduled refresh failed", "error", err)
		}
	})
}

func (r *Refresher) fail(err error) {
	if r.OnError != nil {
		r.OnError(err)
	}
}

func expiryFromResponse(res *sip.Response, req *sip.Request) time.Duration {
	if h := res.GetHeader("Expires"); h != nil {
		if secs, err := parseSeconds(h.Value()); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	if cont := res.Contact(); cont != nil {
		if v, ok := cont.Params.Get("expires"); ok {
			if secs, err := parseSeconds(v); err == nil {
				return time.Duration(secs) * time.Second
			}
		}
	}
	return 0
}

func parseSeconds(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}

func isRetryableFailure(status int) bool {
	switch status {
	case sip.StatusRequestTimeout, 480, 500, 503, 504:
		return true
	}
	return false
}

func retryAfter(res *sip.Response) time.Duration {
	if h := res.GetHeader("Retry-After"); h != nil {
		if secs, err := parseSeconds(h.Value()); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	// jitter to avoid a thundering herd of UAs retrying in lockstep
	return time.Duration(30+rand.Intn(30)) * time.Second
}

var errStopped = errors.New("refresher stopped")
