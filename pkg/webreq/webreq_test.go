package webreq

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/taskbridge/pkg/web"
)

func TestCapture(t *testing.T) {
	assert.Nil(t, Capture(nil))

	r := httptest.NewRequest("POST", "http://example.com/upload?draft=1", strings.NewReader("payload"))
	r.Header.Set("X-Tenant", "acme")
	req := web.NewRequest(r, nil)
	req.Environ["wsgi.version"] = "1.0"
	req.Environ["Mixed_Case"] = "x"
	req.Environ["123"] = "digits only"

	snap := Capture(req)
	require.NotNil(t, snap)
	assert.Equal(t, "http://example.com/upload?draft=1", snap.URL)
	assert.Equal(t, "0", snap.Env[web.EnvContentLength], "the body is not replayed")
	assert.Equal(t, "7", req.Environ[web.EnvContentLength], "the live request is untouched")
	assert.Equal(t, "acme", snap.Env["HTTP_X_TENANT"])
	assert.Equal(t, "POST", snap.Env[web.EnvRequestMethod])
	assert.NotContains(t, snap.Env, "wsgi.version")
	assert.NotContains(t, snap.Env, web.EnvURLScheme)
	assert.NotContains(t, snap.Env, "Mixed_Case")
	assert.NotContains(t, snap.Env, "123")
}

func TestCapture_NoContentLength(t *testing.T) {
	req := web.NewRequest(httptest.NewRequest("GET", "http://example.com/", nil), nil)
	snap := Capture(req)
	assert.NotContains(t, snap.Env, web.EnvContentLength)
}

func TestRestore_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		url  string
	}{
		{name: "plain", url: "http://example.com/orders"},
		{name: "query", url: "http://example.com/orders?id=7&sort=desc"},
		{name: "custom port", url: "http://example.com:8080/a/b"},
		{name: "https", url: "https://secure.example.com/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", tt.url, nil)
			r.Header.Set("X-Tenant", "acme")
			live := web.NewRequest(r, nil)

			snap := Capture(live)
			got, err := Restore(snap, nil, DefaultURL)
			require.NoError(t, err)
			assert.Equal(t, live.URL(), got.URL())
			for k, v := range snap.Env {
				assert.Equal(t, v, got.Environ[k], k)
			}
			assert.Equal(t, "acme", got.HTTP.Header.Get("X-Tenant"))
		})
	}
}

func TestRestore_NoSnapshot(t *testing.T) {
	req, err := Restore(nil, nil, DefaultURL)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost", req.URL())
	assert.Equal(t, "GET", req.HTTP.Method)
	assert.NotContains(t, req.Environ, "HTTP_X_TENANT")

	req, err = Restore(nil, nil, "http://fallback.example.com/base")
	require.NoError(t, err)
	assert.Equal(t, "http://fallback.example.com/base", req.URL())
}

func TestRestore_UsesRegistry(t *testing.T) {
	reg := web.NewRegistry(nil)
	reg.AddRequestProperty("tenant", func(req *web.Request) (any, error) {
		return req.HTTP.Header.Get("X-Tenant"), nil
	}, false)
	var built []string
	reg.SetRequestFactory(web.RequestFactoryFunc(func(url string, env map[string]string) (*web.Request, error) {
		built = append(built, url)
		return web.Blank(url, env)
	}))

	snap := &Snapshot{URL: "http://example.com/x", Env: map[string]string{"HTTP_X_TENANT": "acme"}}
	a, err := Restore(snap, reg, DefaultURL)
	require.NoError(t, err)
	b, err := Restore(snap, reg, DefaultURL)
	require.NoError(t, err)

	assert.Equal(t, []string{"http://example.com/x", "http://example.com/x"}, built)
	assert.NotSame(t, a, b, "every restore builds a new request")
	assert.Equal(t, a.URL(), b.URL())
	assert.Same(t, reg, a.Registry)

	tenant, err := a.Property("tenant")
	require.NoError(t, err)
	assert.Equal(t, "acme", tenant)

	a.Environ["HTTP_X_TENANT"] = "changed"
	assert.Equal(t, "acme", snap.Env["HTTP_X_TENANT"], "the snapshot is not shared")
}

func TestRestore_BadURL(t *testing.T) {
	_, err := Restore(&Snapshot{URL: "http://[::1"}, nil, DefaultURL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "restore request")
}

func TestIsUpper(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"REQUEST_METHOD", true},
		{"HTTP_X_1", true},
		{"wsgi.input", false},
		{"Mixed", false},
		{"123", false},
		{"", false},
		{"ÉTÉ", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, isUpper(tt.in), tt.in)
	}
}
