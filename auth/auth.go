// Package auth keeps per-realm digest challenge state across requests on a
// dialog or registration, so repeated authenticated transactions (REGISTER
// refresh, SUBSCRIBE refresh) do not need a 401/407 round trip every time.
//
// The actual digest math is github.com/icholy/digest, the same library
// client.go already calls for one-shot auth; this package only adds the
// cache and nonce-count bookkeeping layer the core client does not have.
package auth

import (
	"fmt"
	"sync"

	"github.com/icholy/digest"
)

// Credentials for one account. Realm is left empty to match any realm the
// server challenges with, which is the common case for a single UA talking
// to a single registrar.
type Credentials struct {
	Username string
	Password string
	Realm    string
}

// challengeState remembers the last challenge seen for a realm plus how many
// requests have been authenticated against it, so the nonce-count (nc) the
// digest library computes keeps advancing instead of restarting at 1 for
// every request like the bare one-shot flow in client.go does.
type challengeState struct {
	chal  digest.Challenge
	count int
}

// Cache stores one challengeState per realm and serves pre-built
// Authorization/Proxy-Authorization header values for requests that match a
// cached realm, without waiting for a fresh 401/407.
type Cache struct {
	mu    sync.Mutex
	creds Credentials
	byRealm map[string]*challengeState
}

func NewCache(creds Credentials) *Cache {
	return &Cache{
		creds:   creds,
		byRealm: make(map[string]*challengeState),
	}
}

// Learn records a fresh challenge parsed out of a WWW-Authenticate or
// Proxy-Authenticate header, replacing whatever was cached for that realm.
func (c *Cache) Learn(headerValue string) error {
	chal, err := digest.ParseChallenge(headerValue)
	if err != nil {
		return fmt.Errorf("parse challenge: %w", err)
	}
	chal.Algorithm = asciiUpper(chal.Algorithm)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.byRealm[chal.Realm] = &challengeState{chal: chal}
	return nil
}

// Authorize builds an Authorization header value for method+uri against the
// realm currently cached: the Credentials.Realm entry when Realm is set,
// otherwise the only entry when there is exactly one, since most UAs talk to
// a single registrar realm (with several cached and no Realm set, which one
// is used is not defined). Returns false if nothing matching is cached yet,
// the caller must send unauthenticated and call Learn on the 401/407 it gets
// back.
func (c *Cache) Authorize(method, uri string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var state *challengeState
	if c.creds.Realm != "" {
		state = c.byRealm[c.creds.Realm]
	} else {
		for _, s := range c.byRealm {
			state = s
			break
		}
	}
	if state == nil {
		return "", false, nil
	}

	state.count++
	cred, err := digest.Digest(state.chal, digest.Options{
		Method:   method,
		URI:      uri,
		Username: c.creds.Username,
		Password: c.creds.Password,
		Count:    state.count,
	})
	if err != nil {
		return "", false, fmt.Errorf("build digest: %w", err)
	}
	return cred.String(), true, nil
}

// Reset drops all cached challenges, forcing the next request to go through
// a fresh 401/407 round trip. No code in this module calls it.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byRealm = make(map[string]*challengeState)
}

func asciiUpper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - 32
		}
	}
	return string(b)
}
