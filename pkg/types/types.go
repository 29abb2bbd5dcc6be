package types

import (
	"encoding/json"
	"sort"
	"time"
)

// Roles carried by verified identities. There are exactly two; anything else
// is rejected at token verification.
const (
	RoleTeacher = "teacher"
	RoleStudent = "student"
)

// Session lifecycle states. Ended is terminal.
const (
	SessionOpen  = "open"
	SessionEnded = "ended"
)

// Client -> hub message kinds.
const (
	KindAuthenticate           = "authenticate"
	KindGetSessionDetails      = "get_session_details"
	KindBlockApplication       = "block_application"
	KindUnblockApplication     = "unblock_application"
	KindUpdateBlockedWebsites  = "update_blocked_websites"
	KindRequestResync          = "request_resync"
	KindForceDisconnectStudent = "force_disconnect_student"
	KindEndSession             = "end_session"
	KindActivityReport         = "activity_report"
)

// Hub -> client message kinds.
const (
	KindConnectionAck   = "connection_ack"
	KindStudentJoined   = "student_joined"
	KindStudentLeft     = "student_left"
	KindSettingsUpdate  = "settings_update"
	KindForceDisconnect = "force_disconnect"
	KindSessionDetails  = "session_details"
	KindError           = "error"
)

// Identity is the result of token verification. It is resolved once, at
// connection time, and is the only identity the hub ever trusts.
type Identity struct {
	UserID      string `json:"user_id"`
	Role        string `json:"role"`
	SessionCode string `json:"session_code"`
}

// IsTeacher reports whether the identity carries the teacher role.
func (id Identity) IsTeacher() bool {
	return id.Role == RoleTeacher
}

// ControlSettings is the teacher-authored control state pushed to students.
// It is always transmitted as a complete snapshot, never as a delta.
type ControlSettings struct {
	BlockedApps     []string `json:"blocked_apps"`
	BlockedWebsites []string `json:"blocked_websites"`
}

// Normalize sorts both lists so snapshots compare and serialize
// deterministically regardless of command arrival order.
func (cs *ControlSettings) Normalize() {
	sort.Strings(cs.BlockedApps)
	sort.Strings(cs.BlockedWebsites)
}

// Clone returns a deep copy safe to hand outside the hub goroutine.
func (cs ControlSettings) Clone() ControlSettings {
	out := ControlSettings{
		BlockedApps:     make([]string, len(cs.BlockedApps)),
		BlockedWebsites: make([]string, len(cs.BlockedWebsites)),
	}
	copy(out.BlockedApps, cs.BlockedApps)
	copy(out.BlockedWebsites, cs.BlockedWebsites)
	return out
}

// RosterEntry tracks one student of a session. The entry survives the
// student's last connection dropping so a reconnect is recognized as such.
type RosterEntry struct {
	StudentID string    `json:"student_id"`
	JoinedAt  time.Time `json:"joined_at"`
	LastSeen  time.Time `json:"last_seen"`
	Online    bool      `json:"online"`
}

// SessionDetails is a point-in-time snapshot of hub-owned session state.
type SessionDetails struct {
	Code      string          `json:"code"`
	Name      string          `json:"name"`
	TeacherID string          `json:"teacher_id"`
	CreatedAt time.Time       `json:"created_at"`
	State     string          `json:"state"`
	Settings  ControlSettings `json:"settings"`
	Roster    []RosterEntry   `json:"roster"`
	Sequence  uint64          `json:"sequence"`
}

// Envelope is the wire frame in both directions: a kind discriminator plus a
// kind-specific payload.
type Envelope struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Outbound is an envelope whose payload has not been marshaled yet. It is
// handed to the connection's single writer, which serializes the whole frame.
type Outbound struct {
	Kind    string `json:"kind"`
	Payload any    `json:"payload,omitempty"`
}

// Inbound payloads. Validation tags are enforced by the command router
// before any hub operation runs.

type AuthenticatePayload struct {
	Token string `json:"token" validate:"required"`
}

type BlockApplicationPayload struct {
	AppID string `json:"app_id" validate:"required,max=256"`
}

type UnblockApplicationPayload struct {
	AppID string `json:"app_id" validate:"required,max=256"`
}

type UpdateBlockedWebsitesPayload struct {
	// An empty list is a valid command: it clears the website filter.
	Patterns []string `json:"patterns" validate:"max=500,dive,required,max=512"`
}

type ForceDisconnectStudentPayload struct {
	StudentID string `json:"student_id" validate:"required,max=50"`
	Reason    string `json:"reason" validate:"max=256"`
}

// Outbound payloads.

type ConnectionAckPayload struct {
	Identity Identity `json:"identity"`
}

type StudentJoinedPayload struct {
	StudentID string `json:"student_id"`
}

type StudentLeftPayload struct {
	StudentID string `json:"student_id"`
}

type SettingsUpdatePayload struct {
	Snapshot ControlSettings `json:"snapshot"`
	Sequence uint64          `json:"sequence"`
}

type ForceDisconnectPayload struct {
	Reason string `json:"reason"`
}

type ErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ActivityForwardPayload wraps a student's activity report for delivery to
// teacher connections. The report itself is opaque to the hub.
type ActivityForwardPayload struct {
	StudentID string          `json:"student_id"`
	Report    json.RawMessage `json:"report"`
	Timestamp time.Time       `json:"timestamp"`
}
