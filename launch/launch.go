// Package launch models the one-shot query parameters handed to the process
// at start. Reading a parameter strips it from the visible address so a
// reload cannot replay the action it triggered.
package launch

import (
	"fmt"
	"net/url"
	"sync"
)

// Parameter names understood by the startup guard.
const (
	ParamJWT         = "jwt"
	ParamDeviceID    = "deviceId"
	ParamSetupKey    = "csSetupKey"
	ParamRecoveryKey = "csRecoveryKey"
	ParamLoginToken  = "loginToken"
)

// Replacer updates the visible address in place, without navigating.
type Replacer interface {
	Replace(u *url.URL)
}

// ReplacerFunc adapts a function to Replacer.
type ReplacerFunc func(u *url.URL)

// Replace calls f(u).
func (f ReplacerFunc) Replace(u *url.URL) { f(u) }

// Params is the launch address and its query parameters.
type Params struct {
	mu       sync.Mutex
	url      *url.URL
	replacer Replacer
}

// Option configures Parse.
type Option func(*Params)

// WithReplacer installs the hook called after every mutation of the address.
func WithReplacer(r Replacer) Option {
	return func(p *Params) {
		p.replacer = r
	}
}

// Parse builds Params from the launch address.
func Parse(rawURL string, opts ...Option) (*Params, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing launch url: %w", err)
	}
	p := &Params{url: u}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Drain returns the value of name and strips it from the address in the
// same step. ok is false when the parameter is absent or empty.
func (p *Params) Drain(name string) (value string, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	q := p.url.Query()
	if !q.Has(name) {
		return "", false
	}
	value = q.Get(name)
	q.Del(name)
	p.replaceLocked(q)
	return value, value != ""
}

// Peek returns the value of name without consuming it.
func (p *Params) Peek(name string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v := p.url.Query().Get(name)
	return v, v != ""
}

// Set adds or replaces name in the address.
func (p *Params) Set(name, value string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	q := p.url.Query()
	q.Set(name, value)
	p.replaceLocked(q)
}

// URL returns a copy of the current address.
func (p *Params) URL() *url.URL {
	p.mu.Lock()
	defer p.mu.Unlock()
	u := *p.url
	return &u
}

// String returns the current address.
func (p *Params) String() string {
	return p.URL().String()
}

func (p *Params) replaceLocked(q url.Values) {
	p.url.RawQuery = q.Encode()
	if p.replacer != nil {
		u := *p.url
		p.replacer.Replace(&u)
	}
}
