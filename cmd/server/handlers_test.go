package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lychee-technology/objectbase"
	"github.com/lychee-technology/objectbase/factory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testUser = objectbase.User{ID: uuid.MustParse("0b7e3a52-3c55-4c7f-9d7e-1f6f1a2b3c4d"), Email: "ops@example.com"}

type stubRecords struct {
	objectbase.RecordManager
	lastQuery objectbase.RecordQuery
	lastUser  objectbase.User
	err       error
}

func (s *stubRecords) ListRecords(ctx context.Context, q objectbase.RecordQuery) (*objectbase.RecordPage, error) {
	user, err := objectbase.RequireUser(ctx)
	if err != nil {
		return nil, err
	}
	s.lastQuery, s.lastUser = q, user
	if s.err != nil {
		return nil, s.err
	}
	return &objectbase.RecordPage{Records: []objectbase.ObjectRecord{}, Page: q.Page, TotalCount: 0}, nil
}

type stubSharing struct {
	objectbase.SharingManager
	public     *objectbase.PublicRecord
	lastValues map[string]any
	err        error
}

func (s *stubSharing) ResolvePublicRecord(ctx context.Context, token string) (*objectbase.PublicRecord, error) {
	return s.public, s.err
}

func (s *stubSharing) UpdatePublicRecord(ctx context.Context, token string, values map[string]any) (*objectbase.PublicRecord, error) {
	s.lastValues = values
	return s.public, s.err
}

type stubActions struct {
	objectbase.ActionManager
	lastInput  objectbase.ActionInput
	lastValues map[string]any
	lastExpiry *time.Time
	form       *objectbase.PublicAction
	err        error
}

func (s *stubActions) CreateAction(ctx context.Context, input objectbase.ActionInput) (*objectbase.Action, error) {
	user, err := objectbase.RequireUser(ctx)
	if err != nil {
		return nil, err
	}
	s.lastInput = input
	return &objectbase.Action{ID: uuid.New(), Name: input.Name, ObjectTypeID: input.ObjectTypeID, OwnerID: user.ID,
		ActionType: input.ActionType, IsActive: true}, s.err
}

func (s *stubActions) CreateActionLink(ctx context.Context, actionID uuid.UUID, expiresAt *time.Time) (*objectbase.ActionLink, error) {
	s.lastExpiry = expiresAt
	return &objectbase.ActionLink{ID: uuid.New(), ActionID: actionID, Token: "FORMTOKEN", ExpiresAt: expiresAt, IsActive: true}, s.err
}

func (s *stubActions) ResolvePublicAction(ctx context.Context, token string) (*objectbase.PublicAction, error) {
	return s.form, s.err
}

func (s *stubActions) SubmitPublicAction(ctx context.Context, token string, values map[string]any) (*objectbase.ObjectRecord, error) {
	s.lastValues = values
	if s.err != nil {
		return nil, s.err
	}
	return &objectbase.ObjectRecord{ID: uuid.New(), RecordID: "TCK-9"}, nil
}

type stubConnections struct {
	objectbase.ConnectionManager
	chunks []string
	err    error
}

func (s *stubConnections) ProxyChat(ctx context.Context, id uuid.UUID, req objectbase.ChatRequest, sink func(string) error) error {
	for _, c := range s.chunks {
		if err := sink(c); err != nil {
			return err
		}
	}
	return s.err
}

type stubPublishing struct {
	objectbase.PublishingManager
}

func (s *stubPublishing) ImportApplication(ctx context.Context, req objectbase.ImportRequest, progress objectbase.ProgressFunc) (*objectbase.ApplicationImport, error) {
	progress(objectbase.ImportProgress{CurrentStep: "Cloning object types", TotalSteps: 2, CurrentStepNumber: 1})
	progress(objectbase.ImportProgress{CurrentStep: "Finalizing import", TotalSteps: 2, CurrentStepNumber: 2})
	return &objectbase.ApplicationImport{ApplicationID: req.ApplicationID, Status: objectbase.ImportCompleted, ObjectsImported: 1}, nil
}

type memorySettings struct {
	data map[string]json.RawMessage
}

func (m *memorySettings) Load(_ context.Context, key objectbase.SettingsKey) (json.RawMessage, bool, error) {
	d, ok := m.data[key.LocalName()]
	return d, ok, nil
}

func (m *memorySettings) Save(_ context.Context, key objectbase.SettingsKey, data json.RawMessage) error {
	m.data[key.LocalName()] = data
	return nil
}

func (m *memorySettings) Watch(objectbase.SettingsKey) (<-chan json.RawMessage, func()) {
	ch := make(chan json.RawMessage)
	return ch, func() {}
}

type testEnv struct {
	server   *Server
	auth     *Authenticator
	records  *stubRecords
	sharing  *stubSharing
	actions  *stubActions
	conns    *stubConnections
	local    *memorySettings
	remote   *memorySettings
	services *factory.Services
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		auth:    NewAuthenticator(objectbase.AuthConfig{JWTSecret: "test-secret", Issuer: "objectbase", TokenTTL: time.Hour}),
		records: &stubRecords{},
		sharing: &stubSharing{},
		actions: &stubActions{},
		conns:   &stubConnections{},
		local:   &memorySettings{data: map[string]json.RawMessage{}},
		remote:  &memorySettings{data: map[string]json.RawMessage{}},
	}
	env.services = &factory.Services{
		Records:        env.records,
		Sharing:        env.sharing,
		Actions:        env.actions,
		Connections:    env.conns,
		Publishing:     &stubPublishing{},
		LocalSettings:  env.local,
		RemoteSettings: env.remote,
	}
	env.server = NewServer(env.services, env.auth)
	env.server.RegisterRoutes()
	return env
}

func (env *testEnv) do(t *testing.T, method, path string, body any, authed bool, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if authed {
		token, err := env.auth.IssueToken(testUser)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	env.server.router.ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) APIResponse {
	t.Helper()
	var resp APIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestListRecords_ParsesFiltersAndSession(t *testing.T) {
	env := newTestEnv(t)
	otID := uuid.New()

	rec := env.do(t, http.MethodGet, "/api/v1/records?object_type_id="+otID.String()+"&page=2&page_size=10&status=equals:open&amount=greaterThan:5", nil, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	q := env.records.lastQuery
	assert.Equal(t, otID, q.ObjectTypeID)
	assert.Equal(t, 2, q.Page)
	assert.Equal(t, 10, q.PageSize)
	assert.ElementsMatch(t, []objectbase.Filter{
		{Field: "status", Operator: objectbase.FilterEquals, Value: "open"},
		{Field: "amount", Operator: objectbase.FilterGreaterThan, Value: "5"},
	}, q.Filters)
	assert.Equal(t, testUser.ID, env.records.lastUser.ID)
}

func TestAuth_AnonymousAndRejectedTokens(t *testing.T) {
	env := newTestEnv(t)
	path := "/api/v1/records?object_type_id=" + uuid.NewString()

	rec := env.do(t, http.MethodGet, path, nil, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, objectbase.ErrCodeUnauthenticated, decodeResponse(t, rec).Code)

	rec = env.do(t, http.MethodGet, path, nil, false, "Authorization", "Bearer not-a-token")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodGet, path, nil, false, "Authorization", "Basic abc")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	other := NewAuthenticator(objectbase.AuthConfig{JWTSecret: "other-secret", Issuer: "objectbase", TokenTTL: time.Hour})
	token, err := other.IssueToken(testUser)
	require.NoError(t, err)
	rec = env.do(t, http.MethodGet, path, nil, false, "Authorization", "Bearer "+token)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuth_ExpiredToken(t *testing.T) {
	auth := NewAuthenticator(objectbase.AuthConfig{JWTSecret: "test-secret", TokenTTL: -time.Minute})
	token, err := auth.IssueToken(testUser)
	require.NoError(t, err)
	_, err = auth.Verify(token)
	assert.Error(t, err)
}

func TestErrorMapping(t *testing.T) {
	env := newTestEnv(t)
	path := "/api/v1/records?object_type_id=" + uuid.NewString()

	env.records.err = objectbase.NewValidationError("status", "unknown operator")
	rec := env.do(t, http.MethodGet, path, nil, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeResponse(t, rec)
	assert.Equal(t, "status", resp.Field)
	assert.Equal(t, "unknown operator", resp.Error)

	env.records.err = objectbase.NewNotFoundError("object type", "x")
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, path, nil, true).Code)

	env.records.err = objectbase.NewQueryError("query records", errors.New("connection reset"))
	rec = env.do(t, http.MethodGet, path, nil, true)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "connection reset")

	env.records.err = errors.New("boom")
	rec = env.do(t, http.MethodGet, path, nil, true)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal error", decodeResponse(t, rec).Error)
}

func TestListRecords_RequiresObjectType(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/v1/records", nil, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "object_type_id", decodeResponse(t, rec).Field)
}

func TestPublicRecord(t *testing.T) {
	env := newTestEnv(t)
	env.sharing.public = &objectbase.PublicRecord{RecordID: "TCK-1", FieldValues: map[string]string{"subject": "Printer jam"}}

	rec := env.do(t, http.MethodGet, "/api/v1/public-record/ABCDEF", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Printer jam")

	env.sharing.public = nil
	env.sharing.err = objectbase.NewForbiddenError(objectbase.ErrCodeLinkExpired, "this link has expired")
	rec = env.do(t, http.MethodGet, "/api/v1/public-record/ABCDEF", nil, false)
	assert.Equal(t, http.StatusGone, rec.Code)
	assert.Equal(t, objectbase.ErrCodeLinkExpired, decodeResponse(t, rec).Code)
}

func TestUpdatePublicRecord(t *testing.T) {
	env := newTestEnv(t)
	env.sharing.public = &objectbase.PublicRecord{RecordID: "TCK-1", FieldValues: map[string]string{"subject": "Toner"}}

	rec := env.do(t, http.MethodPatch, "/api/v1/public-record/ABCDEF", map[string]any{"subject": "Toner"}, false)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, map[string]any{"subject": "Toner"}, env.sharing.lastValues)

	env.sharing.err = objectbase.NewForbiddenError(objectbase.ErrCodeForbidden, "this link does not allow edits")
	rec = env.do(t, http.MethodPatch, "/api/v1/public-record/ABCDEF", map[string]any{"subject": "x"}, false)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	env.sharing.err = objectbase.NewForbiddenError(objectbase.ErrCodeLinkInactive, "this link has been revoked")
	rec = env.do(t, http.MethodPatch, "/api/v1/public-record/ABCDEF", map[string]any{"subject": "x"}, false)
	assert.Equal(t, http.StatusGone, rec.Code)
}

func TestActions_CreateAndLink(t *testing.T) {
	env := newTestEnv(t)
	otID := uuid.New()

	rec := env.do(t, http.MethodPost, "/api/v1/actions", objectbase.ActionInput{
		Name: "intake", ObjectTypeID: otID, ActionType: objectbase.ActionTypeCreateRecord,
	}, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/actions", objectbase.ActionInput{
		Name: "intake", ObjectTypeID: otID, ActionType: objectbase.ActionTypeCreateRecord,
	}, true)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, otID, env.actions.lastInput.ObjectTypeID)

	rec = env.do(t, http.MethodPost, "/api/v1/actions/"+uuid.NewString()+"/links", nil, true)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Nil(t, env.actions.lastExpiry)
	assert.Contains(t, rec.Body.String(), "FORMTOKEN")

	expires := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	rec = env.do(t, http.MethodPost, "/api/v1/actions/"+uuid.NewString()+"/links", map[string]any{"expires_at": expires}, true)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.NotNil(t, env.actions.lastExpiry)
	assert.True(t, expires.Equal(*env.actions.lastExpiry))
}

func TestPublicAction(t *testing.T) {
	env := newTestEnv(t)
	env.actions.form = &objectbase.PublicAction{Name: "intake", ObjectType: "ticket",
		Fields: []objectbase.ObjectField{{APIName: "subject", IsRequired: true}}}

	rec := env.do(t, http.MethodGet, "/api/v1/public-action/FORMTOKEN", nil, false)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"api_name":"subject"`)

	rec = env.do(t, http.MethodPost, "/api/v1/public-action/FORMTOKEN", map[string]any{"subject": "From the web"}, false)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "From the web", env.actions.lastValues["subject"])

	env.actions.err = objectbase.NewForbiddenError(objectbase.ErrCodeLinkExpired, "this link has expired")
	rec = env.do(t, http.MethodPost, "/api/v1/public-action/FORMTOKEN", map[string]any{"subject": "late"}, false)
	assert.Equal(t, http.StatusGone, rec.Code)
	assert.Equal(t, objectbase.ErrCodeLinkExpired, decodeResponse(t, rec).Code)
}

func TestProxyChat_StreamsEvents(t *testing.T) {
	env := newTestEnv(t)
	env.conns.chunks = []string{"Hel", "lo"}

	rec := env.do(t, http.MethodPost, "/api/v1/connections/"+uuid.NewString()+"/chat",
		objectbase.ChatRequest{Messages: []objectbase.ChatMessage{{Role: "user", Content: "Hi"}}}, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.Contains(t, body, `data: {"content":"Hel"}`)
	assert.Contains(t, body, `data: {"content":"lo"}`)
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))
}

func TestProxyChat_Errors(t *testing.T) {
	env := newTestEnv(t)
	path := "/api/v1/connections/" + uuid.NewString() + "/chat"
	req := objectbase.ChatRequest{Messages: []objectbase.ChatMessage{{Role: "user", Content: "Hi"}}}

	env.conns.err = objectbase.NewUpstreamError("llm provider returned 503", nil)
	rec := env.do(t, http.MethodPost, path, req, true)
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	env.conns.chunks = []string{"partial"}
	rec = env.do(t, http.MethodPost, path, req, true)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "event: error")

	env.services.Connections = nil
	assert.Equal(t, http.StatusServiceUnavailable, env.do(t, http.MethodPost, path, req, true).Code)
}

func TestSettings_FollowSessionStore(t *testing.T) {
	env := newTestEnv(t)
	otID := uuid.New()
	path := "/api/v1/settings/pagination/" + otID.String()

	rec := env.do(t, http.MethodGet, path, nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	var defaults objectbase.PaginationSettings
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &defaults))
	assert.Equal(t, objectbase.DefaultPaginationSettings(), defaults)

	rec = env.do(t, http.MethodPut, path, objectbase.PaginationSettings{PageSize: 50, CurrentPage: 1}, false)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Len(t, env.local.data, 1)
	assert.Empty(t, env.remote.data)

	rec = env.do(t, http.MethodPut, path, objectbase.PaginationSettings{PageSize: 25, CurrentPage: 1}, true)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Len(t, env.remote.data, 1)

	rec = env.do(t, http.MethodGet, "/api/v1/settings/unknown/"+otID.String(), nil, false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestImport_JSONAndEventStream(t *testing.T) {
	env := newTestEnv(t)
	body := objectbase.ImportRequest{ApplicationID: uuid.New()}

	rec := env.do(t, http.MethodPost, "/api/v1/imports", body, true)
	require.Equal(t, http.StatusCreated, rec.Code)
	var resp importResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Progress, 2)
	assert.Equal(t, objectbase.ImportCompleted, resp.Import.Status)

	rec = env.do(t, http.MethodPost, "/api/v1/imports", body, true, "Accept", "text/event-stream")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, strings.Count(rec.Body.String(), "event: progress"))
	assert.Contains(t, rec.Body.String(), "event: result")
}

func TestAnalytics_NotConfigured(t *testing.T) {
	env := newTestEnv(t)
	assert.Equal(t, http.StatusServiceUnavailable, env.do(t, http.MethodGet, "/api/v1/analytics", nil, true).Code)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/healthz", nil, false).Code)
}
