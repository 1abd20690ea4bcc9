// Package webreq captures the active web request as a transport-safe
// snapshot when a task is published and rebuilds an equivalent request
// inside the worker that runs it.
package webreq

import (
	"fmt"
	"unicode"

	"github.com/austindbirch/taskbridge/pkg/web"
)

// DefaultURL is used to build a request when a task carries no snapshot.
const DefaultURL = "http://localhost"

// Snapshot is the part of a request that survives the trip through the broker.
type Snapshot struct {
	Env map[string]string `json:"REQUEST_ENV"`
	URL string            `json:"REQUEST_URL"`
}

// Capture snapshots req. Only upper-case environ keys are kept, and
// CONTENT_LENGTH is zeroed since the body is not replayed. A nil request
// yields a nil snapshot.
func Capture(req *web.Request) *Snapshot {
	if req == nil {
		return nil
	}
	env := make(map[string]string, len(req.Environ))
	for k, v := range req.Environ {
		if isUpper(k) {
			env[k] = v
		}
	}
	if _, ok := env[web.EnvContentLength]; ok {
		env[web.EnvContentLength] = "0"
	}
	return &Snapshot{Env: env, URL: req.URL()}
}

// Restore builds a new request from snap using the registry's request
// factory, attaches reg and applies the registered request extensions. A nil
// snapshot yields a blank request at defaultURL. Every call returns a new,
// independent request.
func Restore(snap *Snapshot, reg *web.Registry, defaultURL string) (*web.Request, error) {
	url, env := defaultURL, map[string]string(nil)
	if snap != nil {
		url = snap.URL
		env = make(map[string]string, len(snap.Env))
		for k, v := range snap.Env {
			env[k] = v
		}
	}
	factory := web.DefaultRequestFactory
	if reg != nil {
		factory = reg.RequestFactory()
	}
	req, err := factory.Blank(url, env)
	if err != nil {
		return nil, fmt.Errorf("restore request %q: %w", url, err)
	}
	if reg != nil {
		req.Registry = reg
		reg.ApplyRequestExtensions(req)
	}
	return req, nil
}

// isUpper reports whether s has at least one letter and no lower-case ones.
func isUpper(s string) bool {
	cased := false
	for _, r := range s {
		if unicode.IsLower(r) {
			return false
		}
		if unicode.IsUpper(r) {
			cased = true
		}
	}
	return cased
}
