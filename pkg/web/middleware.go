package web

import "net/http"

// RequestSetter is implemented by roots that want a reference to the request
// they were created for.
type RequestSetter interface {
	SetRequest(req *Request)
}

// ResolveRoot sets req.Root from the registry root factory when it is unset.
func ResolveRoot(req *Request) {
	if req.Root != nil || req.Registry == nil {
		return
	}
	root := req.Registry.RootFactory()(req)
	if rs, ok := root.(RequestSetter); ok {
		rs.SetRequest(req)
	}
	req.Root = root
}

// Middleware wraps every HTTP request in a framework Request attached to reg.
// The request is available to handlers through RequestFromContext. Finished
// callbacks run after the handler returns, even when it panics.
func Middleware(reg *Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			req := NewRequest(r, reg)
			ResolveRoot(req)

			var stack Stack
			rc := NewRequestContext(&stack, req)
			ctx := rc.Begin(r.Context())
			defer func() {
				req.ProcessFinishedCallbacks()
				rc.End()
			}()
			req.HTTP = r.WithContext(ctx)
			next.ServeHTTP(w, req.HTTP)
		})
	}
}
