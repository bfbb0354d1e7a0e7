package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/edgeflare/topicstore/pkg/events"
	"github.com/edgeflare/topicstore/pkg/httputil"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	maxArgsBytes    = 1 << 20
	eventBuffer     = 64
	wsWriteWait     = 10 * time.Second
	wsPongWait      = 60 * time.Second
	wsPingPeriod    = wsPongWait * 9 / 10
	commandsPattern = "/commands/{name}"
)

// Handlers serves the command and event endpoints.
type Handlers struct {
	dispatcher *Dispatcher
	bus        *events.Bus
	upgrader   websocket.Upgrader
}

// NewHandlers returns the HTTP handlers for d. Websocket origins are checked
// by checkOrigin; nil accepts any origin.
func NewHandlers(d *Dispatcher, bus *events.Bus, checkOrigin func(r *http.Request) bool) *Handlers {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Handlers{
		dispatcher: d,
		bus:        bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
	}
}

// Register mounts the endpoints on r, usually the /api/v1 group.
func (h *Handlers) Register(r *httputil.Router) {
	r.HandleFunc("POST "+commandsPattern, h.Command)
	r.HandleFunc("GET /commands", h.ListCommands)
	r.HandleFunc("GET /events", h.Events)
}

// Command runs the command named in the path with the request body as
// arguments and writes its JSON result.
func (h *Handlers) Command(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	args, err := io.ReadAll(io.LimitReader(r.Body, maxArgsBytes+1))
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, TypeInvalidArgs, "failed to read request body")
		return
	}
	if len(args) > maxArgsBytes {
		httputil.Error(w, http.StatusRequestEntityTooLarge, TypeInvalidArgs, "request body too large")
		return
	}

	result, err := h.dispatcher.Invoke(r.Context(), name, args)
	if err != nil {
		e := AsError(err)
		if e.ErrorType == TypeInternal {
			httputil.Logger(r).Error("command failed", zap.String("command", name), zap.Error(err))
		}
		httputil.Error(w, StatusCode(e.ErrorType), e.ErrorType, e.Message)
		return
	}
	httputil.JSON(w, http.StatusOK, result)
}

func (h *Handlers) ListCommands(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, h.dispatcher.Commands())
}

// Events upgrades to a websocket and streams bus events as
// {"event": ..., "payload": ...} text frames until either side closes.
func (h *Handlers) Events(w http.ResponseWriter, r *http.Request) {
	logger := httputil.Logger(r)
	// subscribe first so that no event published after the handshake is lost
	evs, unsubscribe := h.bus.Subscribe(eventBuffer)
	defer unsubscribe()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// reader: handles pongs and notices the client going away
	closed := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-evs:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(wsWriteWait))
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				logger.Error("encode event", zap.String("event", ev.Name), zap.Error(err))
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					logger.Debug("websocket write failed", zap.Error(err))
				}
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}
