// Package httputil provides the HTTP router, response helpers and
// middleware of the topicstore API server.
package httputil

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Middleware wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

// RouterOptions configures a Router.
type RouterOptions func(*Router)

// Router registers method-qualified routes on an http.ServeMux and applies
// middleware to them.
type Router struct {
	mux        *http.ServeMux
	server     *http.Server
	logger     *zap.Logger
	tlsErr     error
	prefix     string
	group      bool
	middleware []Middleware
	mu         sync.RWMutex
}

// NewRouter creates a Router with the given options.
func NewRouter(opts ...RouterOptions) *Router {
	r := &Router{
		mux: http.NewServeMux(),
		server: &http.Server{
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// WithLogger sets the logger used for server lifecycle messages.
func WithLogger(logger *zap.Logger) RouterOptions {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger.Named("http")
		}
	}
}

// WithServerOptions applies custom http.Server settings.
func WithServerOptions(opts ...func(*http.Server)) RouterOptions {
	return func(r *Router) {
		for _, opt := range opts {
			opt(r.server)
		}
	}
}

// WithTLS serves HTTPS with the given key pair. A pair that cannot be loaded
// makes ListenAndServe fail.
func WithTLS(certFile, keyFile string) RouterOptions {
	return func(r *Router) {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			r.tlsErr = fmt.Errorf("load TLS key pair: %w", err)
			return
		}
		r.server.TLSConfig = &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
		}
	}
}

// Use appends middleware. Middleware runs in the order it was added.
func (r *Router) Use(mw Middleware, additional ...Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middleware = append(r.middleware, mw)
	r.middleware = append(r.middleware, additional...)
}

// Group returns a sub-router for prefix sharing the mux. Middleware of the
// root router wraps every route; middleware added to a group wraps only the
// group's routes. Nested groups inherit the middleware of their parent group.
func (r *Router) Group(prefix string) *Router {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g := &Router{
		mux:    r.mux,
		server: r.server,
		logger: r.logger,
		prefix: r.prefix + prefix,
		group:  true,
	}
	if r.group {
		g.middleware = slices.Clone(r.middleware)
	}
	return g
}

// Handle registers handler for a "METHOD /pattern" route. On a group the
// pattern is resolved below the group prefix.
func (r *Router) Handle(methodPattern string, handler http.Handler) {
	method, pattern, ok := strings.Cut(methodPattern, " ")
	if !ok {
		panic(fmt.Sprintf("httputil: invalid method pattern %q", methodPattern))
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	final := handler
	if r.group {
		for i := len(r.middleware) - 1; i >= 0; i-- {
			final = r.middleware[i](final)
		}
	}
	r.mux.Handle(method+" "+r.prefix+pattern, final)
}

// HandleFunc registers a handler function, see Handle.
func (r *Router) HandleFunc(methodPattern string, fn http.HandlerFunc) {
	r.Handle(methodPattern, fn)
}

// ServeHTTP serves a request through the root middleware and the mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.handler().ServeHTTP(w, req)
}

// ListenAndServe serves on addr, using HTTPS when WithTLS was given. It
// returns http.ErrServerClosed after Shutdown.
func (r *Router) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return r.Serve(ln)
}

// Serve serves on ln, see ListenAndServe.
func (r *Router) Serve(ln net.Listener) error {
	if r.tlsErr != nil {
		ln.Close()
		return r.tlsErr
	}
	r.server.Handler = r.handler()
	r.server.Addr = ln.Addr().String()

	if r.server.TLSConfig != nil {
		r.logger.Info("starting server", zap.String("addr", r.server.Addr), zap.Bool("tls", true))
		return r.server.ServeTLS(ln, "", "")
	}
	r.logger.Info("starting server", zap.String("addr", r.server.Addr))
	return r.server.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (r *Router) Shutdown(ctx context.Context) error {
	r.logger.Info("shutting down server")
	return r.server.Shutdown(ctx)
}

func (r *Router) handler() http.Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var h http.Handler = r.mux
	for i := len(r.middleware) - 1; i >= 0; i-- {
		h = r.middleware[i](h)
	}
	return h
}
