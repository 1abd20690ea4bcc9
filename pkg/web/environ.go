package web

import (
	"fmt"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
)

// Environ keys. Upper-case keys follow the CGI convention; lower-case keys
// are framework-private and are not carried across process boundaries.
const (
	EnvRequestMethod  = "REQUEST_METHOD"
	EnvScriptName     = "SCRIPT_NAME"
	EnvPathInfo       = "PATH_INFO"
	EnvQueryString    = "QUERY_STRING"
	EnvServerName     = "SERVER_NAME"
	EnvServerPort     = "SERVER_PORT"
	EnvServerProtocol = "SERVER_PROTOCOL"
	EnvRemoteAddr     = "REMOTE_ADDR"
	EnvContentType    = "CONTENT_TYPE"
	EnvContentLength  = "CONTENT_LENGTH"
	EnvHTTPHost       = "HTTP_HOST"
	EnvURLScheme      = "wsgi.url_scheme"
)

const headerPrefix = "HTTP_"

// EnvironFromHTTP derives a CGI-style environ from an HTTP request.
func EnvironFromHTTP(r *http.Request) map[string]string {
	scheme := "http"
	if r.TLS != nil || strings.EqualFold(r.URL.Scheme, "https") {
		scheme = "https"
	}
	host := r.Host
	if host == "" {
		host = r.URL.Host
	}
	if host == "" {
		host = "localhost"
	}
	name, port := splitHostPort(host, scheme)

	env := map[string]string{
		EnvRequestMethod:  r.Method,
		EnvScriptName:     "",
		EnvPathInfo:       r.URL.Path,
		EnvQueryString:    r.URL.RawQuery,
		EnvServerName:     name,
		EnvServerPort:     port,
		EnvServerProtocol: r.Proto,
		EnvHTTPHost:       host,
		EnvURLScheme:      scheme,
	}
	if r.RemoteAddr != "" {
		if h, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			env[EnvRemoteAddr] = h
		} else {
			env[EnvRemoteAddr] = r.RemoteAddr
		}
	}
	if ct := r.Header.Get("Content-Type"); ct != "" {
		env[EnvContentType] = ct
	}
	if r.ContentLength > 0 {
		env[EnvContentLength] = strconv.FormatInt(r.ContentLength, 10)
	} else if cl := r.Header.Get("Content-Length"); cl != "" {
		env[EnvContentLength] = cl
	}
	for k, vs := range r.Header {
		switch k {
		case "Content-Type", "Content-Length", "Host":
			continue
		}
		env[headerPrefix+strings.ToUpper(strings.ReplaceAll(k, "-", "_"))] = strings.Join(vs, ", ")
	}
	return env
}

func environFromURL(rawURL string) (map[string]string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse request url: %w", err)
	}
	scheme := u.Scheme
	if scheme == "" {
		scheme = "http"
	}
	host := u.Host
	if host == "" {
		host = "localhost"
	}
	name, port := splitHostPort(host, scheme)
	return map[string]string{
		EnvRequestMethod:  http.MethodGet,
		EnvScriptName:     "",
		EnvPathInfo:       u.Path,
		EnvQueryString:    u.RawQuery,
		EnvServerName:     name,
		EnvServerPort:     port,
		EnvServerProtocol: "HTTP/1.0",
		EnvHTTPHost:       name + ":" + port,
		EnvURLScheme:      scheme,
	}, nil
}

func httpRequestFromEnviron(env map[string]string) (*http.Request, error) {
	method := env[EnvRequestMethod]
	if method == "" {
		method = http.MethodGet
	}
	r, err := http.NewRequest(method, urlFromEnviron(env), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if proto := env[EnvServerProtocol]; proto != "" {
		if major, minor, ok := http.ParseHTTPVersion(proto); ok {
			r.Proto, r.ProtoMajor, r.ProtoMinor = proto, major, minor
		}
	}
	r.RemoteAddr = env[EnvRemoteAddr]
	for k, v := range env {
		if !strings.HasPrefix(k, headerPrefix) || k == EnvHTTPHost {
			continue
		}
		name := textproto.CanonicalMIMEHeaderKey(strings.ReplaceAll(k[len(headerPrefix):], "_", "-"))
		r.Header.Set(name, v)
	}
	if ct, ok := env[EnvContentType]; ok {
		r.Header.Set("Content-Type", ct)
	}
	if cl, ok := env[EnvContentLength]; ok {
		r.Header.Set("Content-Length", cl)
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
			r.ContentLength = n
		}
	}
	return r, nil
}

func urlFromEnviron(env map[string]string) string {
	scheme := env[EnvURLScheme]
	if scheme == "" {
		scheme = "http"
	}
	host := env[EnvHTTPHost]
	if host == "" {
		host = env[EnvServerName]
		if port := env[EnvServerPort]; port != "" {
			host += ":" + port
		}
	}
	host = stripDefaultPort(host, scheme)

	path := (&url.URL{Path: env[EnvScriptName] + env[EnvPathInfo]}).EscapedPath()
	out := scheme + "://" + host + path
	if q := env[EnvQueryString]; q != "" {
		out += "?" + q
	}
	return out
}

func defaultPort(scheme string) string {
	if scheme == "https" {
		return "443"
	}
	return "80"
}

func splitHostPort(host, scheme string) (string, string) {
	if h, p, err := net.SplitHostPort(host); err == nil {
		return h, p
	}
	return host, defaultPort(scheme)
}

func stripDefaultPort(host, scheme string) string {
	h, p, err := net.SplitHostPort(host)
	if err != nil || p != defaultPort(scheme) {
		return host
	}
	if strings.Contains(h, ":") {
		return "[" + h + "]"
	}
	return h
}
