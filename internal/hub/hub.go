// Package hub owns authoritative in-memory session state. One Hub instance
// exists per open session; all mutations and broadcasts for that session are
// serialized through its run loop, so operations against one session execute
// one at a time in arrival order while different sessions proceed fully
// independently.
package hub

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"classhub/internal/broadcast"
	apperrors "classhub/internal/errors"
	"classhub/internal/metrics"
	"classhub/internal/registry"
	"classhub/pkg/types"
)

// Command is a decoded, validated control command. Only the field matching
// Kind is meaningful.
type Command struct {
	Kind      string
	AppID     string
	Patterns  []string
	StudentID string
	Reason    string
}

type reqKind int

const (
	reqAdmit reqKind = iota
	reqAttach
	reqDetach
	reqDetails
	reqCommand
	reqForward
	reqEnd
)

type request struct {
	kind     reqKind
	entry    *registry.Entry
	identity types.Identity
	command  Command
	report   json.RawMessage
	reason   string
	reply    chan response
}

type response struct {
	details types.SessionDetails
	err     error
}

// Hub is the serialized state owner for one session.
type Hub struct {
	code      string
	name      string
	teacherID string
	createdAt time.Time

	requests chan request
	stop     chan struct{} // closed by the manager after the teardown grace
	done     chan struct{} // closed when the run loop has exited

	registry *registry.Registry
	engine   *broadcast.Engine
	log      zerolog.Logger

	capacity    int
	idleTimeout time.Duration
	onEnded     func(code string)

	// Everything below is owned by the run goroutine. Nothing outside the
	// loop may touch it.
	state           string
	blockedApps     map[string]struct{}
	blockedWebsites []string
	roster          map[string]*types.RosterEntry
	// pendingJoins holds students admitted but whose attach has not been
	// processed yet. Admission counts them against capacity so concurrent
	// registrations cannot all pass against the same roster size.
	pendingJoins map[string]struct{}
	sequence     uint64
	lastActivity time.Time
}

// Options configure a hub at creation.
type Options struct {
	Capacity    int // 0 = unbounded
	IdleTimeout time.Duration
	OnEnded     func(code string) // called once, from the run loop, on Open -> Ended
}

func newHub(code, teacherID, name string, reg *registry.Registry, engine *broadcast.Engine, log zerolog.Logger, opts Options) *Hub {
	h := &Hub{
		code:        code,
		name:        name,
		teacherID:   teacherID,
		createdAt:   time.Now(),
		requests:    make(chan request, 256),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		registry:    reg,
		engine:      engine,
		log:         log.With().Str("component", "hub").Str("session", code).Logger(),
		capacity:    opts.Capacity,
		idleTimeout: opts.IdleTimeout,
		onEnded:     opts.OnEnded,
		state:        types.SessionOpen,
		blockedApps:  make(map[string]struct{}),
		roster:       make(map[string]*types.RosterEntry),
		pendingJoins: make(map[string]struct{}),
	}
	h.lastActivity = h.createdAt
	go h.run()
	return h
}

// Code returns the session code.
func (h *Hub) Code() string { return h.code }

// Admit checks whether an identity may register a connection right now.
// Serialized with every other operation, so the answer reflects current
// state and roster capacity.
func (h *Hub) Admit(identity types.Identity) error {
	_, err := h.do(request{kind: reqAdmit, identity: identity})
	return err
}

// Details returns a point-in-time snapshot of the session.
func (h *Hub) Details(identity types.Identity) (types.SessionDetails, error) {
	resp, err := h.do(request{kind: reqDetails, identity: identity})
	if err != nil {
		return types.SessionDetails{}, err
	}
	return resp.details, nil
}

// ApplyCommand runs a teacher control command: mutates settings atomically,
// assigns the next sequence number where the command carries a settings
// snapshot, and broadcasts.
func (h *Hub) ApplyCommand(identity types.Identity, cmd Command) error {
	_, err := h.do(request{kind: reqCommand, identity: identity, command: cmd})
	return err
}

// ForwardActivity relays a student report to the teacher's connections only.
// No state mutation, no sequence number.
func (h *Hub) ForwardActivity(identity types.Identity, report json.RawMessage) error {
	_, err := h.do(request{kind: reqForward, identity: identity, report: report})
	return err
}

// End transitions the session to Ended on explicit teacher action.
func (h *Hub) End(identity types.Identity) error {
	_, err := h.do(request{kind: reqEnd, identity: identity, reason: "session_ended"})
	return err
}

// ConnectionRegistered implements registry.SessionHooks. Roster bookkeeping
// happens inside the run loop so joins serialize with commands.
func (h *Hub) ConnectionRegistered(e *registry.Entry) {
	h.enqueue(request{kind: reqAttach, entry: e})
}

// ConnectionRemoved implements registry.SessionHooks.
func (h *Hub) ConnectionRemoved(e *registry.Entry) {
	h.enqueue(request{kind: reqDetach, entry: e})
}

// enqueue submits a request without waiting for a reply. It never blocks the
// caller: on a full channel the send is retried from a goroutine, and a dead
// hub discards the event.
func (h *Hub) enqueue(req request) {
	select {
	case h.requests <- req:
	case <-h.done:
	default:
		go func() {
			select {
			case h.requests <- req:
			case <-h.done:
			}
		}()
	}
}

// do submits a request and waits for the loop's reply.
func (h *Hub) do(req request) (response, error) {
	req.reply = make(chan response, 1)
	select {
	case h.requests <- req:
	case <-h.done:
		return response{}, apperrors.SessionEnded(h.code)
	}
	select {
	case resp := <-req.reply:
		return resp, resp.err
	case <-h.done:
		return response{}, apperrors.SessionEnded(h.code)
	}
}

func (h *Hub) run() {
	defer close(h.done)
	defer func() {
		// A panic terminates only this session's hub. The session ends,
		// connected clients are dropped, other classrooms are unaffected.
		if r := recover(); r != nil {
			h.log.Error().Any("panic", r).Msg("hub panicked, ending session")
			if h.state == types.SessionOpen {
				h.end("internal_error")
			}
		}
	}()

	idleCheck := h.idleTimeout / 4
	if idleCheck < time.Second {
		idleCheck = time.Second
	}
	ticker := time.NewTicker(idleCheck)
	defer ticker.Stop()

	for {
		select {
		case req := <-h.requests:
			h.handle(req)
		case <-ticker.C:
			h.checkIdle()
		case <-h.stop:
			h.drain()
			return
		}
	}
}

// drain answers every queued synchronous request after shutdown so no caller
// blocks forever.
func (h *Hub) drain() {
	for {
		select {
		case req := <-h.requests:
			h.respond(req, response{err: apperrors.SessionEnded(h.code)})
		default:
			return
		}
	}
}

func (h *Hub) respond(req request, resp response) {
	if req.reply != nil {
		req.reply <- resp
	}
}

func (h *Hub) handle(req request) {
	switch req.kind {
	case reqAdmit:
		h.respond(req, response{err: h.admit(req.identity)})
	case reqAttach:
		h.attach(req.entry)
	case reqDetach:
		h.detach(req.entry)
	case reqDetails:
		h.respond(req, h.details(req.identity))
	case reqCommand:
		h.respond(req, response{err: h.applyCommand(req.identity, req.command)})
	case reqForward:
		h.respond(req, response{err: h.forwardActivity(req.identity, req.report)})
	case reqEnd:
		h.respond(req, response{err: h.endSession(req.identity, req.reason)})
	}
}

func (h *Hub) admit(identity types.Identity) error {
	if h.state != types.SessionOpen {
		return apperrors.SessionEnded(h.code)
	}
	if identity.SessionCode != h.code {
		return apperrors.Forbidden("token is for a different session")
	}
	if identity.Role == types.RoleStudent && h.capacity > 0 {
		_, onRoster := h.roster[identity.UserID]
		_, pending := h.pendingJoins[identity.UserID]
		if !onRoster && !pending {
			if len(h.roster)+len(h.pendingJoins) >= h.capacity {
				return apperrors.SessionFull(h.code)
			}
			// Reserve the slot now; the attach that follows this admission
			// releases it when the student lands on the roster.
			h.pendingJoins[identity.UserID] = struct{}{}
		}
	}
	return nil
}

// attach runs when a connection lands in the registry. The connection is
// acked first, so the handshake frame precedes any session traffic. For
// students this is the join: the roster is updated, a join notification goes
// out in sequence with any concurrent commands, and the new connection
// receives the current settings snapshot so it is consistent without having
// seen prior deltas.
func (h *Hub) attach(entry *registry.Entry) {
	metrics.OpenConnections.Inc()
	h.lastActivity = time.Now()

	if entry.Identity.Role == types.RoleStudent {
		delete(h.pendingJoins, entry.Identity.UserID)
	}

	if h.state != types.SessionOpen {
		// Lost the race against end-of-session between admission and
		// registration. Kick the connection.
		h.engine.Unicast(entry, types.Outbound{
			Kind:    types.KindForceDisconnect,
			Payload: types.ForceDisconnectPayload{Reason: "session_ended"},
		})
		h.registry.Remove(entry.ID)
		_ = entry.Close()
		return
	}

	// The connection may already be gone: a delivery failure between
	// registration and this event removed it, and its detach may even have
	// been handled first. Marking it present would leave a phantom online
	// student, so drop the event.
	if _, live := h.registry.Get(entry.ID); !live {
		return
	}

	h.engine.Unicast(entry, types.Outbound{
		Kind:    types.KindConnectionAck,
		Payload: types.ConnectionAckPayload{Identity: entry.Identity},
	})

	if entry.Identity.Role == types.RoleStudent {
		now := time.Now()
		studentID := entry.Identity.UserID
		if existing, ok := h.roster[studentID]; ok {
			// Reconnect or extra tab: refresh timestamps, keep prior
			// connections alive.
			wasOnline := existing.Online
			existing.LastSeen = now
			existing.Online = true
			if !wasOnline {
				h.broadcastJoined(studentID)
			}
		} else {
			h.roster[studentID] = &types.RosterEntry{
				StudentID: studentID,
				JoinedAt:  now,
				LastSeen:  now,
				Online:    true,
			}
			h.broadcastJoined(studentID)
		}
	}

	// Freshness: the first settings_update a connection sees reflects every
	// prior command. A fresh session has no history to convey; the empty
	// default needs no frame.
	if h.sequence > 0 {
		h.engine.Unicast(entry, types.Outbound{
			Kind: types.KindSettingsUpdate,
			Payload: types.SettingsUpdatePayload{
				Snapshot: h.settingsSnapshot(),
				Sequence: h.sequence,
			},
		})
	}

	h.log.Info().
		Str("connection_id", entry.ID).
		Str("user_id", entry.Identity.UserID).
		Str("role", entry.Identity.Role).
		Msg("connection attached")
}

func (h *Hub) detach(entry *registry.Entry) {
	metrics.OpenConnections.Dec()
	h.lastActivity = time.Now()

	if entry.Identity.Role != types.RoleStudent || h.state != types.SessionOpen {
		return
	}
	studentID := entry.Identity.UserID
	if h.registry.CountUser(h.code, studentID) > 0 {
		// Another tab is still connected; not a departure.
		return
	}
	rosterEntry, ok := h.roster[studentID]
	if !ok || !rosterEntry.Online {
		// Already marked offline; double-removal from racing disconnect
		// paths must not produce a second student_left.
		return
	}
	rosterEntry.Online = false
	rosterEntry.LastSeen = time.Now()
	h.engine.Broadcast(h.code, types.Outbound{
		Kind:    types.KindStudentLeft,
		Payload: types.StudentLeftPayload{StudentID: studentID},
	})
	h.log.Info().Str("user_id", studentID).Msg("student left")
}

func (h *Hub) broadcastJoined(studentID string) {
	h.engine.Broadcast(h.code, types.Outbound{
		Kind:    types.KindStudentJoined,
		Payload: types.StudentJoinedPayload{StudentID: studentID},
	})
}

func (h *Hub) details(identity types.Identity) response {
	if identity.SessionCode != h.code {
		return response{err: apperrors.Forbidden("not a member of this session")}
	}
	roster := make([]types.RosterEntry, 0, len(h.roster))
	for _, e := range h.roster {
		roster = append(roster, *e)
	}
	sort.Slice(roster, func(i, j int) bool { return roster[i].StudentID < roster[j].StudentID })

	return response{details: types.SessionDetails{
		Code:      h.code,
		Name:      h.name,
		TeacherID: h.teacherID,
		CreatedAt: h.createdAt,
		State:     h.state,
		Settings:  h.settingsSnapshot(),
		Roster:    roster,
		Sequence:  h.sequence,
	}}
}

func (h *Hub) applyCommand(identity types.Identity, cmd Command) error {
	if h.state != types.SessionOpen {
		return apperrors.SessionEnded(h.code)
	}
	if !identity.IsTeacher() || identity.SessionCode != h.code {
		return apperrors.Forbidden("only the session teacher can issue control commands")
	}
	h.lastActivity = time.Now()
	metrics.CommandsTotal.WithLabelValues(cmd.Kind).Inc()

	switch cmd.Kind {
	case types.KindBlockApplication:
		h.blockedApps[cmd.AppID] = struct{}{}
		h.bumpAndBroadcast()
	case types.KindUnblockApplication:
		delete(h.blockedApps, cmd.AppID)
		h.bumpAndBroadcast()
	case types.KindUpdateBlockedWebsites:
		h.blockedWebsites = append([]string(nil), cmd.Patterns...)
		h.bumpAndBroadcast()
	case types.KindRequestResync:
		// No mutation; re-issue the authoritative snapshot under a fresh
		// sequence number so lagging clients converge.
		h.bumpAndBroadcast()
	case types.KindForceDisconnectStudent:
		return h.forceDisconnectStudent(cmd.StudentID, cmd.Reason)
	default:
		return apperrors.BadCommand("unrecognized command kind " + cmd.Kind)
	}

	h.log.Info().Str("kind", cmd.Kind).Uint64("sequence", h.sequence).Msg("command applied")
	return nil
}

// bumpAndBroadcast assigns the next sequence number and broadcasts the full
// resulting settings snapshot. Sequence numbers are strictly increasing and
// gapless across settings_update messages; commands that do not carry a
// snapshot never consume one.
func (h *Hub) bumpAndBroadcast() {
	h.sequence++
	h.engine.Broadcast(h.code, types.Outbound{
		Kind: types.KindSettingsUpdate,
		Payload: types.SettingsUpdatePayload{
			Snapshot: h.settingsSnapshot(),
			Sequence: h.sequence,
		},
	})
}

func (h *Hub) forceDisconnectStudent(studentID, reason string) error {
	if _, ok := h.roster[studentID]; !ok {
		return apperrors.BadCommand("student " + studentID + " is not in this session")
	}
	if reason == "" {
		reason = "removed_by_teacher"
	}
	for _, entry := range h.registry.Snapshot(h.code) {
		if entry.Identity.UserID != studentID || entry.Identity.Role != types.RoleStudent {
			continue
		}
		h.engine.Unicast(entry, types.Outbound{
			Kind:    types.KindForceDisconnect,
			Payload: types.ForceDisconnectPayload{Reason: reason},
		})
		h.registry.Remove(entry.ID)
		_ = entry.Close()
	}
	h.log.Info().Str("user_id", studentID).Str("reason", reason).Msg("student force-disconnected")
	return nil
}

func (h *Hub) forwardActivity(identity types.Identity, report json.RawMessage) error {
	if h.state != types.SessionOpen {
		return apperrors.SessionEnded(h.code)
	}
	if identity.SessionCode != h.code || identity.Role != types.RoleStudent {
		return apperrors.Forbidden("activity reports come from session students")
	}
	rosterEntry, ok := h.roster[identity.UserID]
	if !ok {
		return apperrors.Forbidden("student is not in the session roster")
	}
	rosterEntry.LastSeen = time.Now()
	h.lastActivity = rosterEntry.LastSeen

	metrics.ActivityReportsTotal.Inc()
	h.engine.BroadcastRole(h.code, types.RoleTeacher, types.Outbound{
		Kind: types.KindActivityReport,
		Payload: types.ActivityForwardPayload{
			StudentID: identity.UserID,
			Report:    report,
			Timestamp: rosterEntry.LastSeen,
		},
	})
	return nil
}

func (h *Hub) endSession(identity types.Identity, reason string) error {
	if h.state != types.SessionOpen {
		return apperrors.SessionEnded(h.code)
	}
	if !identity.IsTeacher() || identity.SessionCode != h.code {
		return apperrors.Forbidden("only the session teacher can end the session")
	}
	h.end(reason)
	return nil
}

func (h *Hub) checkIdle() {
	if h.state != types.SessionOpen {
		return
	}
	if len(h.registry.Snapshot(h.code)) > 0 {
		return
	}
	if time.Since(h.lastActivity) >= h.idleTimeout {
		h.log.Info().Dur("idle", time.Since(h.lastActivity)).Msg("session idle, ending")
		h.end("idle_timeout")
	}
}

// end transitions to Ended, disconnects everyone and notifies the manager.
// Ended is terminal: every later command fails with SessionEnded.
func (h *Hub) end(reason string) {
	h.state = types.SessionEnded
	h.engine.Broadcast(h.code, types.Outbound{
		Kind:    types.KindForceDisconnect,
		Payload: types.ForceDisconnectPayload{Reason: reason},
	})
	for _, entry := range h.registry.Snapshot(h.code) {
		h.registry.Remove(entry.ID)
		_ = entry.Close()
	}
	h.registry.UninstallHooks(h.code)
	metrics.ActiveSessions.Dec()
	h.log.Info().Str("reason", reason).Msg("session ended")
	if h.onEnded != nil {
		h.onEnded(h.code)
	}
}

// settingsSnapshot builds the authoritative full snapshot sent with every
// settings_update.
func (h *Hub) settingsSnapshot() types.ControlSettings {
	apps := make([]string, 0, len(h.blockedApps))
	for app := range h.blockedApps {
		apps = append(apps, app)
	}
	snap := types.ControlSettings{
		BlockedApps:     apps,
		BlockedWebsites: append([]string(nil), h.blockedWebsites...),
	}
	snap.Normalize()
	return snap
}

// shutdown stops the run loop. Called by the manager once the teardown grace
// period has elapsed.
func (h *Hub) shutdown() {
	select {
	case <-h.stop:
	default:
		close(h.stop)
	}
}
