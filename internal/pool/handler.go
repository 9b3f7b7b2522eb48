package pool

import (
	"context"

	"github.com/bardlex/gompsolo/internal/stratum"
	"github.com/bardlex/gompsolo/pkg/errors"
	"github.com/bardlex/gompsolo/pkg/log"
)

// Miner-visible error strings
const (
	msgUnauthorized       = "Unauthorized"
	msgInvalidCredentials = "Invalid username or password"
	msgDifficultyLocked   = "difficulty is controlled by the pool"
)

// Handler implements stratum.MessageHandler on top of a Coordinator. It
// walks each session through Connected, Subscribed and Authorized.
type Handler struct {
	coord  *Coordinator
	logger *log.Logger
}

// NewHandler creates the protocol handler
func NewHandler(coord *Coordinator, logger *log.Logger) *Handler {
	return &Handler{
		coord:  coord,
		logger: logger.WithComponent("handler"),
	}
}

// HandleMessage dispatches one inbound message
func (h *Handler) HandleMessage(ctx context.Context, conn stratum.Conn, msg *stratum.Message) error {
	if !msg.IsRequest() {
		h.logger.Debug("ignoring non-request message", "session_id", conn.ID())
		return nil
	}

	switch msg.Method {
	case stratum.MethodSubscribe:
		return h.handleSubscribe(ctx, conn, msg)
	case stratum.MethodAuthorize:
		return h.handleAuthorize(conn, msg)
	case stratum.MethodSubmit:
		return h.handleSubmit(ctx, conn, msg)
	case stratum.MethodSetDifficulty:
		return h.handleSetDifficulty(ctx, conn, msg)
	default:
		h.logger.Warn("unknown method", "method", msg.Method, "session_id", conn.ID())
		return nil
	}
}

// HandleDisconnect removes the session
func (h *Handler) HandleDisconnect(conn stratum.Conn) {
	h.coord.Remove(conn)
}

func (h *Handler) handleSubscribe(ctx context.Context, conn stratum.Conn, msg *stratum.Message) error {
	req := stratum.ParseSubscribeRequest(msg)
	err := h.coord.Subscribe(ctx, conn, msg.RequestID(), req.UserHint)
	if errors.IsType(err, errors.ErrorTypeCapacity) {
		// already answered
		return nil
	}
	return err
}

func (h *Handler) handleAuthorize(conn stratum.Conn, msg *stratum.Message) error {
	req := stratum.ParseAuthorizeRequest(msg)
	if !h.coord.Authorize(conn, req.Username, req.Password) {
		return conn.SendMessage(stratum.NewErrorResponse(msg.RequestID(), msgInvalidCredentials))
	}
	return conn.SendMessage(stratum.NewResponse(msg.RequestID(), true))
}

func (h *Handler) handleSubmit(ctx context.Context, conn stratum.Conn, msg *stratum.Message) error {
	if !h.coord.IsAuthenticated(conn) {
		h.logger.Warn("unauthorized share submit", "session_id", conn.ID())
		return conn.SendMessage(stratum.NewErrorResponse(msg.RequestID(), msgUnauthorized))
	}

	req, err := stratum.ParseSubmitRequest(msg)
	if err != nil {
		h.logger.WithError(err).Warn("dropping malformed submit", "session_id", conn.ID())
		return nil
	}

	_, err = h.coord.Submit(ctx, conn, msg.RequestID(), req)
	switch {
	case err == nil:
		return nil
	case errors.IsType(err, errors.ErrorTypeJobNotFound),
		errors.IsType(err, errors.ErrorTypeJobExpired),
		err == errDuplicateShare:
		// resolved inside Submit
		return nil
	default:
		return err
	}
}

func (h *Handler) handleSetDifficulty(ctx context.Context, conn stratum.Conn, msg *stratum.Message) error {
	if !h.coord.IsAuthenticated(conn) {
		h.logger.Warn("unauthorized set difficulty", "session_id", conn.ID())
		return conn.SendMessage(stratum.NewErrorResponse(msg.RequestID(), msgUnauthorized))
	}

	req, err := stratum.ParseSetDifficultyRequest(msg)
	if err != nil {
		h.logger.WithError(err).Warn("dropping malformed set_difficulty", "session_id", conn.ID())
		return nil
	}

	if !h.coord.cfg.AllowClientDifficulty {
		h.logger.Info("client difficulty override refused", "session_id", conn.ID(), "requested", req.Difficulty)
		return conn.SendMessage(stratum.NewErrorResponse(msg.RequestID(), msgDifficultyLocked))
	}

	d := h.coord.SetDifficulty(ctx, req.Difficulty)
	h.logger.Info("difficulty set by client", "session_id", conn.ID(), "difficulty", d)
	return conn.SendMessage(stratum.NewResponse(msg.RequestID(), true))
}
