package router

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classhub/internal/broadcast"
	apperrors "classhub/internal/errors"
	"classhub/internal/hub"
	"classhub/internal/registry"
	"classhub/pkg/types"
)

const testCode = "ABC123"

type fakeSender struct {
	mu   sync.Mutex
	sent []types.Outbound
}

func (s *fakeSender) Send(msg types.Outbound) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}

func (s *fakeSender) Close() error { return nil }

func (s *fakeSender) frames(kind string) []types.Outbound {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Outbound
	for _, msg := range s.sent {
		if msg.Kind == kind {
			out = append(out, msg)
		}
	}
	return out
}

type fixture struct {
	reg    *registry.Registry
	mgr    *hub.Manager
	router *Router
}

func newFixture(t *testing.T, reportsPerMinute int) *fixture {
	t.Helper()
	reg := registry.New()
	engine := broadcast.New(reg, zerolog.Nop())
	mgr := hub.NewManager(reg, engine, zerolog.Nop(), hub.ManagerOptions{IdleTimeout: time.Hour, TeardownGrace: time.Minute})
	reg.SetGate(mgr)
	t.Cleanup(mgr.Shutdown)

	_, err := mgr.Open(testCode, "teacher_1", "period three")
	require.NoError(t, err)

	return &fixture{
		reg:    reg,
		mgr:    mgr,
		router: New(mgr, reportsPerMinute, zerolog.Nop()),
	}
}

func teacherIdentity() types.Identity {
	return types.Identity{UserID: "teacher_1", Role: types.RoleTeacher, SessionCode: testCode}
}

func studentIdentity() types.Identity {
	return types.Identity{UserID: "student_1", Role: types.RoleStudent, SessionCode: testCode}
}

func (f *fixture) connect(t *testing.T, id types.Identity) *fakeSender {
	t.Helper()
	sender := &fakeSender{}
	_, err := f.reg.Register(id, sender)
	require.NoError(t, err)
	return sender
}

func envelope(kind, payload string) types.Envelope {
	env := types.Envelope{Kind: kind}
	if payload != "" {
		env.Payload = json.RawMessage(payload)
	}
	return env
}

func TestDispatch_UnknownKind(t *testing.T) {
	f := newFixture(t, 10)

	err := f.router.Dispatch(teacherIdentity(), &fakeSender{}, envelope("make_coffee", ""))
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeBadCommand, apperrors.GetCode(err))
}

func TestDispatch_ReauthenticationRejected(t *testing.T) {
	f := newFixture(t, 10)

	err := f.router.Dispatch(teacherIdentity(), &fakeSender{}, envelope(types.KindAuthenticate, `{"token":"x"}`))
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeBadCommand, apperrors.GetCode(err))
}

func TestDispatch_BlockApplication(t *testing.T) {
	f := newFixture(t, 10)
	teacher := f.connect(t, teacherIdentity())
	student := f.connect(t, studentIdentity())

	err := f.router.Dispatch(teacherIdentity(), teacher,
		envelope(types.KindBlockApplication, `{"app_id":"chrome"}`))
	require.NoError(t, err)

	frames := student.frames(types.KindSettingsUpdate)
	require.Len(t, frames, 1)
	payload := frames[0].Payload.(types.SettingsUpdatePayload)
	assert.Equal(t, uint64(1), payload.Sequence)
	assert.Equal(t, []string{"chrome"}, payload.Snapshot.BlockedApps)
}

func TestDispatch_PayloadValidation(t *testing.T) {
	f := newFixture(t, 10)
	f.connect(t, teacherIdentity())

	tests := []struct {
		name string
		env  types.Envelope
	}{
		{"block without app id", envelope(types.KindBlockApplication, `{}`)},
		{"block with empty app id", envelope(types.KindBlockApplication, `{"app_id":""}`)},
		{"block with malformed json", envelope(types.KindBlockApplication, `{"app_id":`)},
		{"force disconnect without student", envelope(types.KindForceDisconnectStudent, `{"reason":"x"}`)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := f.router.Dispatch(teacherIdentity(), &fakeSender{}, tc.env)
			require.Error(t, err)
			assert.Equal(t, apperrors.CodeBadCommand, apperrors.GetCode(err))
		})
	}

	// A rejected payload must not have touched session state.
	h, _ := f.mgr.Get(testCode)
	details, err := h.Details(teacherIdentity())
	require.NoError(t, err)
	assert.Equal(t, uint64(0), details.Sequence)
}

func TestDispatch_UpdateBlockedWebsitesAcceptsEmptyList(t *testing.T) {
	f := newFixture(t, 10)
	teacher := f.connect(t, teacherIdentity())

	err := f.router.Dispatch(teacherIdentity(), teacher,
		envelope(types.KindBlockApplication, `{"app_id":"chrome"}`))
	require.NoError(t, err)
	err = f.router.Dispatch(teacherIdentity(), teacher,
		envelope(types.KindUpdateBlockedWebsites, `{"patterns":[]}`))
	require.NoError(t, err)

	frames := teacher.frames(types.KindSettingsUpdate)
	require.Len(t, frames, 2)
	payload := frames[1].Payload.(types.SettingsUpdatePayload)
	assert.Equal(t, uint64(2), payload.Sequence)
	assert.Empty(t, payload.Snapshot.BlockedWebsites)
	assert.Equal(t, []string{"chrome"}, payload.Snapshot.BlockedApps)
}

func TestDispatch_StudentCommandForbidden(t *testing.T) {
	f := newFixture(t, 10)
	student := f.connect(t, studentIdentity())

	err := f.router.Dispatch(studentIdentity(), student,
		envelope(types.KindBlockApplication, `{"app_id":"chrome"}`))
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeForbidden, apperrors.GetCode(err))
}

func TestDispatch_UnknownSession(t *testing.T) {
	f := newFixture(t, 10)

	ghost := types.Identity{UserID: "teacher_9", Role: types.RoleTeacher, SessionCode: "XYZ789"}
	err := f.router.Dispatch(ghost, &fakeSender{}, envelope(types.KindRequestResync, ""))
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeSessionNotFound, apperrors.GetCode(err))
}

func TestDispatch_GetSessionDetails(t *testing.T) {
	f := newFixture(t, 10)
	student := f.connect(t, studentIdentity())

	err := f.router.Dispatch(studentIdentity(), student, envelope(types.KindGetSessionDetails, ""))
	require.NoError(t, err)

	frames := student.frames(types.KindSessionDetails)
	require.Len(t, frames, 1)
	details := frames[0].Payload.(types.SessionDetails)
	assert.Equal(t, testCode, details.Code)
	assert.Equal(t, "teacher_1", details.TeacherID)
	assert.Equal(t, types.SessionOpen, details.State)
}

func TestDispatch_EndSession(t *testing.T) {
	f := newFixture(t, 10)
	teacher := f.connect(t, teacherIdentity())

	err := f.router.Dispatch(teacherIdentity(), teacher, envelope(types.KindEndSession, ""))
	require.NoError(t, err)

	err = f.router.Dispatch(teacherIdentity(), teacher, envelope(types.KindRequestResync, ""))
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeSessionEnded, apperrors.GetCode(err))
}

func TestDispatch_ActivityReport(t *testing.T) {
	f := newFixture(t, 10)
	teacher := f.connect(t, teacherIdentity())
	student := f.connect(t, studentIdentity())

	// Wait for the student's roster attach before reporting.
	h, _ := f.mgr.Get(testCode)
	require.Eventually(t, func() bool {
		details, err := h.Details(teacherIdentity())
		return err == nil && len(details.Roster) == 1
	}, 2*time.Second, 10*time.Millisecond)

	err := f.router.Dispatch(studentIdentity(), student,
		envelope(types.KindActivityReport, `{"active_window":"calculator"}`))
	require.NoError(t, err)

	frames := teacher.frames(types.KindActivityReport)
	require.Len(t, frames, 1)
	payload := frames[0].Payload.(types.ActivityForwardPayload)
	assert.Equal(t, "student_1", payload.StudentID)
}

func TestDispatch_ActivityReportInvalidJSON(t *testing.T) {
	f := newFixture(t, 10)
	student := f.connect(t, studentIdentity())

	err := f.router.Dispatch(studentIdentity(), student,
		envelope(types.KindActivityReport, `{"broken":`))
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeBadCommand, apperrors.GetCode(err))
}

func TestDispatch_ActivityReportRateLimited(t *testing.T) {
	f := newFixture(t, 2)
	student := f.connect(t, studentIdentity())

	h, _ := f.mgr.Get(testCode)
	require.Eventually(t, func() bool {
		details, err := h.Details(teacherIdentity())
		return err == nil && len(details.Roster) == 1
	}, 2*time.Second, 10*time.Millisecond)

	for i := 0; i < 2; i++ {
		err := f.router.Dispatch(studentIdentity(), student,
			envelope(types.KindActivityReport, `{}`))
		require.NoError(t, err, "report %d should pass", i+1)
	}
	err := f.router.Dispatch(studentIdentity(), student,
		envelope(types.KindActivityReport, `{}`))
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeRateLimited, apperrors.GetCode(err))
}
