// Package middleware holds the HTTP middleware of the API server.
package middleware

import (
	"net/http"

	"github.com/edgeflare/topicstore/pkg/httputil"
)

// Chain wraps h so that the first middleware is the outermost one.
func Chain(h http.Handler, middlewares ...httputil.Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}
