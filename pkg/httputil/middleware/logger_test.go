package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/edgeflare/topicstore/pkg/httputil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func newTestLogger() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zap.InfoLevel)
	return zap.New(core), logs
}

func TestLoggerWithOptions(t *testing.T) {
	logger, logs := newTestLogger()
	options := &LoggerOptions{
		Logger: logger,
		Format: func(reqID string, rec *ResponseRecorder, r *http.Request, latency time.Duration) []zap.Field {
			return []zap.Field{zap.String("test", "log")}
		},
	}

	handler := LoggerWithOptions(options)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "http://example.com/foo", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "response", logs.All()[0].Message)
	assert.Equal(t, "log", logs.All()[0].ContextMap()["test"])
}

func TestLoggerDefaultFormat(t *testing.T) {
	logger, logs := newTestLogger()

	handler := LoggerWithOptions(&LoggerOptions{Logger: logger})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "http://example.com/api/v1/commands/stop_consumer", nil))

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "POST", fields["method"])
	assert.EqualValues(t, http.StatusTeapot, fields["status"])
	assert.Equal(t, uuid.Nil.String(), fields["req_id"])
}

func TestLoggerWithRequestID(t *testing.T) {
	logger, logs := newTestLogger()

	var scoped *zap.Logger
	handler := LoggerWithOptions(&LoggerOptions{Logger: logger})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scoped = httputil.Logger(r)
		scoped.Info("inside")
		w.WriteHeader(http.StatusOK)
	}))

	reqID := uuid.NewString()
	req := httptest.NewRequest(http.MethodGet, "http://example.com/foo", nil)
	req = req.WithContext(context.WithValue(req.Context(), httputil.RequestIDCtxKey, reqID))
	handler.ServeHTTP(httptest.NewRecorder(), req)

	require.Equal(t, 2, logs.Len())
	assert.Equal(t, "inside", logs.All()[0].Message)
	assert.Equal(t, reqID, logs.All()[0].ContextMap()["req_id"])
	assert.Equal(t, reqID, logs.All()[1].ContextMap()["req_id"])
}

func TestLoggerLogsOnce(t *testing.T) {
	logger, logs := newTestLogger()
	mw := LoggerWithOptions(&LoggerOptions{Logger: logger})

	handler := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}), mw, mw)
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, 1, logs.Len())
}

func TestChainOrder(t *testing.T) {
	var order []string
	mark := func(name string) httputil.Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	handler := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		order = append(order, "handler")
	}), mark("first"), mark("second"))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, []string{"first", "second", "handler"}, order)
}
