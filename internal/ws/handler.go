package ws

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"classhub/internal/auth"
	apperrors "classhub/internal/errors"
	"classhub/internal/registry"
	"classhub/internal/router"
	"classhub/pkg/types"
)

var upgrader = websocket.Upgrader{
	HandshakeTimeout: 10 * time.Second,
	CheckOrigin: func(r *http.Request) bool {
		// Desktop clients connect from arbitrary origins.
		return true
	},
}

// Config holds transport tuning for accepted connections.
type Config struct {
	PingInterval   time.Duration
	ReadDeadline   time.Duration
	WriteTimeout   time.Duration
	SendBufferSize int
	AuthTimeout    time.Duration
}

// Handler upgrades HTTP requests, runs the in-band authentication handshake
// and pumps inbound envelopes into the command router.
type Handler struct {
	registry *registry.Registry
	verifier *auth.Verifier
	router   *router.Router
	cfg      Config
	log      zerolog.Logger
}

// NewHandler creates the WebSocket endpoint handler.
func NewHandler(reg *registry.Registry, verifier *auth.Verifier, cmdRouter *router.Router, cfg Config, log zerolog.Logger) *Handler {
	return &Handler{
		registry: reg,
		verifier: verifier,
		router:   cmdRouter,
		cfg:      cfg,
		log:      log.With().Str("component", "ws").Logger(),
	}
}

// HandleWebSocket is the /ws endpoint. The first client frame must be
// authenticate{token}; anything else, or a bad token, terminates the
// connection before it is registered anywhere.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	conn := NewConn(wsConn, h.cfg.SendBufferSize, h.cfg.WriteTimeout)

	identity, err := h.authenticate(conn)
	if err != nil {
		h.sendError(conn, err)
		_ = conn.Close()
		return
	}

	entry, err := h.registry.Register(identity, conn)
	if err != nil {
		// Session unusable (not found, ended, full). Report and drop; no
		// partially-registered connection exists.
		h.sendError(conn, err)
		_ = conn.Close()
		return
	}

	log := h.log.With().
		Str("connection_id", entry.ID).
		Str("user_id", identity.UserID).
		Str("role", identity.Role).
		Str("session", identity.SessionCode).
		Logger()

	defer func() {
		// Removal is idempotent; racing against a broadcast-failure removal
		// or a force-disconnect is fine.
		h.registry.Remove(entry.ID)
		_ = conn.Close()
		log.Info().Msg("connection closed")
	}()

	// The hub acks the connection from its attach path, which guarantees the
	// ack is enqueued before any roster or settings frame.
	log.Info().Msg("connection authenticated")
	h.readLoop(conn, identity, log)
}

// authenticate performs the in-band handshake under a deadline.
func (h *Handler) authenticate(conn *Conn) (types.Identity, error) {
	if err := conn.ws.SetReadDeadline(time.Now().Add(h.cfg.AuthTimeout)); err != nil {
		return types.Identity{}, apperrors.Internal("failed to arm handshake deadline")
	}

	_, data, err := conn.ws.ReadMessage()
	if err != nil {
		return types.Identity{}, apperrors.Unauthenticated("no authentication message received").WithCause(err)
	}

	var env types.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return types.Identity{}, apperrors.Unauthenticated("malformed handshake frame").WithCause(err)
	}
	if env.Kind != types.KindAuthenticate {
		return types.Identity{}, apperrors.Unauthenticated("first message must be authenticate")
	}

	var payload types.AuthenticatePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil || payload.Token == "" {
		return types.Identity{}, apperrors.Unauthenticated("authenticate payload missing token")
	}

	return h.verifier.Verify(payload.Token)
}

// readLoop pumps inbound frames into the router until the connection drops.
// Routing errors go back to this connection only and never terminate it.
func (h *Handler) readLoop(conn *Conn, identity types.Identity, log zerolog.Logger) {
	if err := conn.ws.SetReadDeadline(time.Now().Add(h.cfg.ReadDeadline)); err != nil {
		return
	}
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(h.cfg.ReadDeadline))
	})

	go h.pingLoop(conn)

	for {
		messageType, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Debug().Err(err).Msg("read error")
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var env types.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			h.sendError(conn, apperrors.BadCommand("malformed envelope").WithCause(err))
			continue
		}

		if err := h.router.Dispatch(identity, conn, env); err != nil {
			log.Debug().Err(err).Str("kind", env.Kind).Msg("command rejected")
			h.sendError(conn, err)
		}
	}
}

func (h *Handler) pingLoop(conn *Conn) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(h.cfg.WriteTimeout)
			if err := conn.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-conn.Done():
			return
		}
	}
}

// sendError reports a failure to the offending connection as an error
// envelope. Internal details never reach the wire.
func (h *Handler) sendError(conn *Conn, err error) {
	payload := types.ErrorPayload{
		Kind:    string(apperrors.GetCode(err)),
		Message: "internal error",
	}
	if appErr, ok := apperrors.AsAppError(err); ok {
		payload.Message = appErr.Message
	}
	_ = conn.Send(types.Outbound{Kind: types.KindError, Payload: payload})
}
