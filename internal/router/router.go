// Package router decodes inbound envelopes, validates them against the
// sender's verified identity and dispatches to session hub operations. It
// trusts only the identity resolved at connection time; identity-like fields
// inside message payloads are never consulted.
package router

import (
	"encoding/json"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	apperrors "classhub/internal/errors"
	"classhub/internal/hub"
	"classhub/internal/registry"
	"classhub/pkg/types"
)

// handlerFunc processes one decoded envelope on behalf of an authenticated
// connection. A returned error is reported back to that connection only.
type handlerFunc func(r *Router, identity types.Identity, sender registry.Sender, payload json.RawMessage) error

// Router is the message-kind dispatch table.
type Router struct {
	hubs     *hub.Manager
	validate *validator.Validate
	limiter  *RateLimiter
	log      zerolog.Logger
	handlers map[string]handlerFunc
}

// New creates a router over the hub manager. reportsPerMinute bounds
// per-student activity telemetry.
func New(hubs *hub.Manager, reportsPerMinute int, log zerolog.Logger) *Router {
	r := &Router{
		hubs:     hubs,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		limiter:  NewRateLimiter(reportsPerMinute),
		log:      log.With().Str("component", "router").Logger(),
	}
	r.handlers = map[string]handlerFunc{
		types.KindGetSessionDetails:      (*Router).handleGetSessionDetails,
		types.KindBlockApplication:       (*Router).handleBlockApplication,
		types.KindUnblockApplication:     (*Router).handleUnblockApplication,
		types.KindUpdateBlockedWebsites:  (*Router).handleUpdateBlockedWebsites,
		types.KindRequestResync:          (*Router).handleRequestResync,
		types.KindForceDisconnectStudent: (*Router).handleForceDisconnectStudent,
		types.KindEndSession:             (*Router).handleEndSession,
		types.KindActivityReport:         (*Router).handleActivityReport,
	}
	return r
}

// CleanupLimiter drops stale rate-limit state. Called periodically by the
// application.
func (r *Router) CleanupLimiter() {
	r.limiter.Cleanup()
}

// Dispatch routes one inbound envelope. The returned error, if any, is an
// AppError suitable for the wire.
func (r *Router) Dispatch(identity types.Identity, sender registry.Sender, env types.Envelope) error {
	if env.Kind == types.KindAuthenticate {
		return apperrors.BadCommand("connection is already authenticated")
	}
	handler, known := r.handlers[env.Kind]
	if !known {
		return apperrors.BadCommand("unrecognized message kind " + env.Kind)
	}
	return handler(r, identity, sender, env.Payload)
}

// resolve finds the hub for the sender's own session. A different session in
// the envelope cannot be expressed: the session code comes from the identity.
func (r *Router) resolve(identity types.Identity) (*hub.Hub, error) {
	h, exists := r.hubs.Get(identity.SessionCode)
	if !exists {
		return nil, apperrors.SessionNotFound(identity.SessionCode)
	}
	return h, nil
}

// decode unmarshals and schema-validates a payload.
func (r *Router) decode(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return apperrors.BadCommand("malformed payload").WithCause(err)
	}
	if err := r.validate.Struct(v); err != nil {
		return apperrors.BadCommand("payload failed validation").WithCause(err)
	}
	return nil
}

func (r *Router) handleGetSessionDetails(identity types.Identity, sender registry.Sender, _ json.RawMessage) error {
	h, err := r.resolve(identity)
	if err != nil {
		return err
	}
	details, err := h.Details(identity)
	if err != nil {
		return err
	}
	return sender.Send(types.Outbound{Kind: types.KindSessionDetails, Payload: details})
}

func (r *Router) handleBlockApplication(identity types.Identity, _ registry.Sender, payload json.RawMessage) error {
	var p types.BlockApplicationPayload
	if err := r.decode(payload, &p); err != nil {
		return err
	}
	h, err := r.resolve(identity)
	if err != nil {
		return err
	}
	return h.ApplyCommand(identity, hub.Command{Kind: types.KindBlockApplication, AppID: p.AppID})
}

func (r *Router) handleUnblockApplication(identity types.Identity, _ registry.Sender, payload json.RawMessage) error {
	var p types.UnblockApplicationPayload
	if err := r.decode(payload, &p); err != nil {
		return err
	}
	h, err := r.resolve(identity)
	if err != nil {
		return err
	}
	return h.ApplyCommand(identity, hub.Command{Kind: types.KindUnblockApplication, AppID: p.AppID})
}

func (r *Router) handleUpdateBlockedWebsites(identity types.Identity, _ registry.Sender, payload json.RawMessage) error {
	var p types.UpdateBlockedWebsitesPayload
	if err := r.decode(payload, &p); err != nil {
		return err
	}
	h, err := r.resolve(identity)
	if err != nil {
		return err
	}
	return h.ApplyCommand(identity, hub.Command{Kind: types.KindUpdateBlockedWebsites, Patterns: p.Patterns})
}

func (r *Router) handleRequestResync(identity types.Identity, _ registry.Sender, _ json.RawMessage) error {
	h, err := r.resolve(identity)
	if err != nil {
		return err
	}
	return h.ApplyCommand(identity, hub.Command{Kind: types.KindRequestResync})
}

func (r *Router) handleForceDisconnectStudent(identity types.Identity, _ registry.Sender, payload json.RawMessage) error {
	var p types.ForceDisconnectStudentPayload
	if err := r.decode(payload, &p); err != nil {
		return err
	}
	h, err := r.resolve(identity)
	if err != nil {
		return err
	}
	return h.ApplyCommand(identity, hub.Command{
		Kind:      types.KindForceDisconnectStudent,
		StudentID: p.StudentID,
		Reason:    p.Reason,
	})
}

func (r *Router) handleEndSession(identity types.Identity, _ registry.Sender, _ json.RawMessage) error {
	h, err := r.resolve(identity)
	if err != nil {
		return err
	}
	return h.End(identity)
}

func (r *Router) handleActivityReport(identity types.Identity, _ registry.Sender, payload json.RawMessage) error {
	if !r.limiter.Allow(identity.SessionCode + "/" + identity.UserID) {
		return apperrors.RateLimited()
	}
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	if !json.Valid(payload) {
		return apperrors.BadCommand("activity report is not valid JSON")
	}
	h, err := r.resolve(identity)
	if err != nil {
		return err
	}
	return h.ForwardActivity(identity, payload)
}
