// Package provider is the single entry point a UA talks through, composing
// the transport/transaction layers, dialog registries and digest auth into
// the dispatch and auto-auth behavior spec.md §4.6 describes. Everything it
// needs already exists in the root package and sip/ — the transaction layer
// already matches server/client transactions by branch (falling back to the
// RFC 2543 From-tag/Call-ID/CSeq/Via key when the top Via carries no
// z9hG4bK branch, see sip/transaction.go's makeServerTxKey). What none of
// that provides on its own is per-Call-ID authorization auto-fill and
// challenge-caching with drop-on-repeat, so a caller does not have to
// thread DigestAuth credentials through every retry by hand the way
// dialog_client.go's digestTransactionRequest does today.
package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"

	sipgo "github.com/sipstack/core"
	"github.com/sipstack/core/auth"
	"github.com/sipstack/core/channel"
	"github.com/sipstack/core/resolver"
	"github.com/sipstack/core/sip"

	"github.com/icholy/digest"
)

// Policy configures digest compatibility requirements (spec §4.6 "Digest
// compatibility policy"). A zero Policy is rejected by New in favor of the
// permissive default (both algorithms, qop optional), since a Provider that
// refuses every challenge by default would silently break auth for callers
// that do not know to opt in.
type Policy struct {
	AllowMD5   bool
	AllowNoQop bool
}

func (p Policy) orDefault() Policy {
	if !p.AllowMD5 && !p.AllowNoQop {
		return Policy{AllowMD5: true, AllowNoQop: true}
	}
	return p
}

// authContext is the cache entry for one Call-ID (spec §4.6 "Challenge
// caching... keyed by (Call-ID, realm)"; realm keying itself lives inside
// auth.Cache, this just scopes one auth.Cache per Call-ID).
type authContext struct {
	cache *auth.Cache
	// header is where the cached challenge is answered: Authorization after
	// a 401, Proxy-Authorization after a 407.
	header string
}

// Provider wraps a UserAgent/Client pair with automatic per-Call-ID digest
// auth and a resolver-backed channel registry, so callers send requests
// without manually handling 401/407 challenges or DNS/connection retry.
type Provider struct {
	UA     *sipgo.UserAgent
	Client *sipgo.Client

	creds  auth.Credentials
	policy Policy

	mu     sync.Mutex
	byCall map[string]*authContext

	resolver resolver.Resolver
	channels map[string]*channel.Channel
}

// New builds a Provider around an already-constructed UserAgent and Client.
// resolver may be nil, in which case Channel lookups via ChannelFor fall
// back to a plain A/AAAA resolver.Simple.
func New(ua *sipgo.UserAgent, client *sipgo.Client, creds auth.Credentials, policy Policy, res resolver.Resolver) *Provider {
	if res == nil {
		res = resolver.NewSimple(nil)
	}
	return &Provider{
		UA:       ua,
		Client:   client,
		creds:    creds,
		policy:   policy.orDefault(),
		byCall:   make(map[string]*authContext),
		resolver: res,
		channels: make(map[string]*channel.Channel),
	}
}

// ChannelFor returns the shared Channel for one peer hop, creating it (in
// INIT state) on first use. The connection itself is dialed lazily through
// the Provider's own TransportLayer the first time a message is queued.
func (p *Provider) ChannelFor(network, host string, port int) *channel.Channel {
	key := fmt.Sprintf("%s:%s:%d", sip.NetworkToLower(network), host, port)

	p.mu.Lock()
	defer p.mu.Unlock()
	if ch, ok := p.channels[key]; ok {
		return ch
	}

	tp := p.UA.TransportLayer()
	connect := func(ctx context.Context, target resolver.Target) (sip.Connection, error) {
		addr := target.String()
		if c, err := tp.GetConnection(target.Transport, addr); err == nil {
			return c, nil
		}
		return tp.CreateConnection(ctx, target.Transport, addr)
	}

	ch := channel.New(network, host, port, p.resolver, connect)
	p.channels[key] = ch
	return ch
}

// Send issues req, auto-filling Authorization/Proxy-Authorization from any
// auth context already cached for this Call-ID. On a fresh 401/407 it
// learns the challenge and retries once; a second challenge (or a 403) for
// the same Call-ID drops the cached context instead of retrying forever
// (spec §4.6 "Challenge caching").
func (p *Provider) Send(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	// req may not have a Call-ID yet: clientRequestBuildReq generates one
	// during Client.Do if the caller did not set one, mutating req in
	// place. We only know the real key once Do returns.
	if callID := requestCallID(req); callID != "" {
		p.fillAuth(callID, req)
	}

	res, err := p.Client.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	callID := requestCallID(req)

	if res.StatusCode != sip.StatusUnauthorized && res.StatusCode != sip.StatusProxyAuthRequired {
		return res, nil
	}

	headerName := "WWW-Authenticate"
	if res.StatusCode == sip.StatusProxyAuthRequired {
		headerName = "Proxy-Authenticate"
	}
	challengeHdr := res.GetHeader(headerName)
	if challengeHdr == nil {
		return res, nil
	}

	if !p.compatible(challengeHdr.Value()) {
		// Policy refuses the challenge: surface the original response untouched.
		return res, nil
	}

	ctxState := p.contextFor(callID)
	if err := ctxState.cache.Learn(challengeHdr.Value()); err != nil {
		return res, fmt.Errorf("learn challenge: %w", err)
	}

	authHeaderName := "Authorization"
	if res.StatusCode == sip.StatusProxyAuthRequired {
		authHeaderName = "Proxy-Authorization"
	}
	p.mu.Lock()
	ctxState.header = authHeaderName
	p.mu.Unlock()

	retry := req.Clone()
	retry.RemoveHeader(authHeaderName)
	p.fillAuth(callID, retry)
	if cseq := retry.CSeq(); cseq != nil {
		cseq.SeqNo++
	}
	retry.RemoveHeader("Via")

	retryRes, err := p.Client.Do(ctx, retry, sipgo.ClientRequestAddVia)
	if err != nil {
		return nil, err
	}

	switch retryRes.StatusCode {
	case sip.StatusUnauthorized, sip.StatusProxyAuthRequired, sip.StatusForbidden:
		p.drop(callID)
	}

	return retryRes, nil
}

func (p *Provider) fillAuth(callID string, req *sip.Request) {
	ctxState := p.contextFor(callID)
	uri := req.Recipient.String()
	method := req.Method.String()
	if cred, ok, err := ctxState.cache.Authorize(method, uri); err == nil && ok {
		p.mu.Lock()
		name := ctxState.header
		p.mu.Unlock()
		req.AppendHeader(sip.NewHeader(name, cred))
	}
}

func (p *Provider) contextFor(callID string) *authContext {
	p.mu.Lock()
	defer p.mu.Unlock()
	ctxState, ok := p.byCall[callID]
	if !ok {
		ctxState = &authContext{cache: auth.NewCache(p.creds), header: "Authorization"}
		p.byCall[callID] = ctxState
	}
	return ctxState
}

func (p *Provider) drop(callID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.byCall, callID)
}

// compatible enforces the allow_md5/allow_no_qop flags against a raw
// WWW-Authenticate/Proxy-Authenticate header value before learning it.
func (p *Provider) compatible(headerValue string) bool {
	chal, err := digest.ParseChallenge(headerValue)
	if err != nil {
		return false
	}
	algo := sip.ASCIIToUpper(chal.Algorithm)
	if (algo == "" || algo == "MD5") && !p.policy.AllowMD5 {
		return false
	}
	if !strings.Contains(strings.ToLower(headerValue), "qop") && !p.policy.AllowNoQop {
		return false
	}
	return true
}

func requestCallID(req *sip.Request) string {
	if h := req.CallID(); h != nil {
		return h.Value()
	}
	return ""
}
