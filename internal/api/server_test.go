package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classhub/internal/auth"
	"classhub/internal/broadcast"
	"classhub/internal/hub"
	"classhub/internal/registry"
	"classhub/internal/store"
	"classhub/pkg/types"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type apiFixture struct {
	server   *Server
	db       *store.SQLite
	mgr      *hub.Manager
	reg      *registry.Registry
	verifier *auth.Verifier
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	db, err := store.NewSQLite(filepath.Join(t.TempDir(), "classhub.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	reg := registry.New()
	engine := broadcast.New(reg, zerolog.Nop())
	mgr := hub.NewManager(reg, engine, zerolog.Nop(), hub.ManagerOptions{IdleTimeout: time.Hour})
	reg.SetGate(mgr)
	t.Cleanup(mgr.Shutdown)

	verifier := auth.NewVerifier(testSecret, time.Hour)
	server := NewServer(db, db, verifier, mgr, reg, zerolog.Nop())
	return &apiFixture{server: server, db: db, mgr: mgr, reg: reg, verifier: verifier}
}

func (f *apiFixture) addTeacher(t *testing.T) *store.UserRecord {
	t.Helper()
	rec, err := f.db.CreateUser(context.Background(), "ms_frizzle", "seatbelts-everyone", types.RoleTeacher)
	require.NoError(t, err)
	return rec
}

func (f *apiFixture) addStudent(t *testing.T) *store.UserRecord {
	t.Helper()
	rec, err := f.db.CreateUser(context.Background(), "arnold", "please-be-normal", types.RoleStudent)
	require.NoError(t, err)
	return rec
}

func (f *apiFixture) post(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestCreateSession(t *testing.T) {
	f := newAPIFixture(t)
	f.addTeacher(t)

	rec := f.post(t, "/api/sessions", map[string]string{
		"username": "ms_frizzle",
		"secret":   "seatbelts-everyone",
		"name":     "period three",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	resp := decodeBody[createSessionResponse](t, rec)
	assert.True(t, types.IsValidSessionCode(resp.Code))
	assert.Equal(t, "period three", resp.Name)

	// The hub opens alongside the stored record.
	_, exists := f.mgr.Get(resp.Code)
	assert.True(t, exists)
	stored, err := f.db.Get(context.Background(), resp.Code)
	require.NoError(t, err)
	assert.Equal(t, "open", stored.State)
}

func TestCreateSession_BadCredentials(t *testing.T) {
	f := newAPIFixture(t)
	f.addTeacher(t)

	rec := f.post(t, "/api/sessions", map[string]string{
		"username": "ms_frizzle",
		"secret":   "wrong",
		"name":     "period three",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 0, f.mgr.Count())
}

func TestCreateSession_StudentsForbidden(t *testing.T) {
	f := newAPIFixture(t)
	f.addStudent(t)

	rec := f.post(t, "/api/sessions", map[string]string{
		"username": "arnold",
		"secret":   "please-be-normal",
		"name":     "period three",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	resp := decodeBody[errorResponse](t, rec)
	assert.Equal(t, "FORBIDDEN", resp.Error.Kind)
}

func TestCreateSession_MissingName(t *testing.T) {
	f := newAPIFixture(t)
	f.addTeacher(t)

	rec := f.post(t, "/api/sessions", map[string]string{
		"username": "ms_frizzle",
		"secret":   "seatbelts-everyone",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetSession(t *testing.T) {
	f := newAPIFixture(t)
	f.addTeacher(t)

	created := decodeBody[createSessionResponse](t, f.post(t, "/api/sessions", map[string]string{
		"username": "ms_frizzle",
		"secret":   "seatbelts-everyone",
		"name":     "period three",
	}))

	rec := f.get(t, "/api/sessions/"+created.Code)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeBody[sessionResponse](t, rec)
	assert.Equal(t, created.Code, resp.Code)
	assert.Equal(t, "open", resp.State)
	assert.Equal(t, 0, resp.Connections)
}

func TestGetSession_NotFound(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.get(t, "/api/sessions/ZZZZZZ")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	resp := decodeBody[errorResponse](t, rec)
	assert.Equal(t, "SESSION_NOT_FOUND", resp.Error.Kind)
}

func TestIssueToken(t *testing.T) {
	f := newAPIFixture(t)
	teacher := f.addTeacher(t)

	created := decodeBody[createSessionResponse](t, f.post(t, "/api/sessions", map[string]string{
		"username": "ms_frizzle",
		"secret":   "seatbelts-everyone",
		"name":     "period three",
	}))

	rec := f.post(t, "/api/tokens", map[string]string{
		"username":     "ms_frizzle",
		"secret":       "seatbelts-everyone",
		"session_code": created.Code,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeBody[issueTokenResponse](t, rec)
	assert.Equal(t, teacher.ID, resp.Identity.UserID)
	assert.Equal(t, types.RoleTeacher, resp.Identity.Role)
	assert.Equal(t, created.Code, resp.Identity.SessionCode)

	// The minted token verifies against the same signing secret.
	identity, err := f.verifier.Verify(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, resp.Identity, identity)
}

func TestIssueToken_UnknownSession(t *testing.T) {
	f := newAPIFixture(t)
	f.addTeacher(t)

	rec := f.post(t, "/api/tokens", map[string]string{
		"username":     "ms_frizzle",
		"secret":       "seatbelts-everyone",
		"session_code": "ZZZZZZ",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIssueToken_BadCredentials(t *testing.T) {
	f := newAPIFixture(t)
	f.addTeacher(t)

	rec := f.post(t, "/api/tokens", map[string]string{
		"username":     "ms_frizzle",
		"secret":       "nope",
		"session_code": "ABC123",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.get(t, "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "ok", resp["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.get(t, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Body.String())
}
