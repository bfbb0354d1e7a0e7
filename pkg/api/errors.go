package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/edgeflare/topicstore/pkg/events"
	"github.com/edgeflare/topicstore/pkg/feed"
	"github.com/edgeflare/topicstore/pkg/ingest"
	"github.com/edgeflare/topicstore/pkg/query"
	"github.com/edgeflare/topicstore/pkg/session"
	"github.com/edgeflare/topicstore/pkg/store"
)

var (
	ErrInvalidArgs    = errors.New("invalid arguments")
	ErrUnknownCommand = errors.New("unknown command")
)

// Error types reported to clients.
const (
	TypeAlreadyRunning = "AlreadyRunning"
	TypeNotRunning     = "NotRunning"
	TypeInvalidQuery   = "InvalidQuery"
	TypeTimeout        = "Timeout"
	TypeIOError        = "IOError"
	TypeOverwrite      = "Overwrite"
	TypeFeedError      = "FeedError"
	TypeInvalidArgs    = "InvalidArgs"
	TypeUnknownCluster = "UnknownCluster"
	TypeUnknownCommand = "UnknownCommand"
	TypeInternal       = "Internal"
)

// Error is the structured error returned by commands.
type Error struct {
	ErrorType string `json:"errorType"`
	Message   string `json:"message"`
}

func (e *Error) Error() string {
	return e.ErrorType + ": " + e.Message
}

var taxonomy = []struct {
	target    error
	errorType string
}{
	{ingest.ErrAlreadyRunning, TypeAlreadyRunning},
	{ingest.ErrNotRunning, TypeNotRunning},
	{ingest.ErrClosed, TypeAlreadyRunning},
	{store.ErrInvalidQuery, TypeInvalidQuery},
	{store.ErrTimeout, TypeTimeout},
	{feed.ErrTimeout, TypeTimeout},
	{context.DeadlineExceeded, TypeTimeout},
	{store.ErrOverwrite, TypeOverwrite},
	{store.ErrIO, TypeIOError},
	{feed.ErrFeed, TypeFeedError},
	{feed.ErrClosed, TypeFeedError},
	{ErrInvalidArgs, TypeInvalidArgs},
	{query.ErrUnknownTask, TypeInvalidArgs},
	{session.ErrUnknownCluster, TypeUnknownCluster},
	{ErrUnknownCommand, TypeUnknownCommand},
}

// AsError maps err onto the error taxonomy. The message keeps the full
// wrapped error text.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	var payload events.ErrorPayload
	if errors.As(err, &payload) {
		return &Error{ErrorType: payload.ErrorType, Message: payload.Message}
	}
	for _, t := range taxonomy {
		if errors.Is(err, t.target) {
			return &Error{ErrorType: t.errorType, Message: err.Error()}
		}
	}
	return &Error{ErrorType: TypeInternal, Message: err.Error()}
}

// Classify is the events.Classifier used for the error event.
func Classify(err error) events.ErrorPayload {
	e := AsError(err)
	return events.ErrorPayload{ErrorType: e.ErrorType, Message: e.Message}
}

// StatusCode is the HTTP status reported for an error type.
func StatusCode(errorType string) int {
	switch errorType {
	case TypeInvalidArgs, TypeInvalidQuery:
		return http.StatusBadRequest
	case TypeUnknownCluster, TypeUnknownCommand:
		return http.StatusNotFound
	case TypeAlreadyRunning, TypeNotRunning, TypeOverwrite:
		return http.StatusConflict
	case TypeTimeout:
		return http.StatusGatewayTimeout
	case TypeFeedError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
