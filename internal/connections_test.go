package internal

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lychee-technology/objectbase"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSealingKey = base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))

func newTestSealer(t *testing.T) *Sealer {
	s, err := NewSealer(testSealingKey)
	require.NoError(t, err)
	return s
}

func newConnectionRepo(t *testing.T, threshold int) (*PostgresConnectionRepository, pgxmock.PgxPoolIface) {
	mock := newMockPool(t)
	cfg := objectbase.DefaultConfig().Proxy
	cfg.FailureThreshold = threshold
	repo := NewPostgresConnectionRepository(mock, newTestSealer(t), cfg)
	repo.withClock(func() time.Time { return fixedNow })
	return repo, mock
}

func TestSealer_RoundTrip(t *testing.T) {
	s := newTestSealer(t)
	sealed, err := s.Seal([]byte("sk-live"))
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "sk-live")

	opened, err := s.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "sk-live", string(opened))

	sealed[len(sealed)-1] ^= 0xff
	_, err = s.Open(sealed)
	assert.Error(t, err)
	_, err = s.Open([]byte("short"))
	assert.Error(t, err)
}

func TestNewSealer_RejectsBadKeys(t *testing.T) {
	_, err := NewSealer("not base64!")
	assert.Error(t, err)
	_, err = NewSealer(base64.StdEncoding.EncodeToString([]byte("short")))
	assert.Error(t, err)
}

func TestStoreConnection(t *testing.T) {
	repo, mock := newConnectionRepo(t, 5)
	id := uuid.New()

	mock.ExpectQuery("INSERT INTO user_connections").
		WithArgs(testUserID, "openai", "Work", "https://api.openai.com/v1", "gpt-4o-mini", pgxmock.AnyArg(), fixedNow).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(id))

	c, err := repo.StoreConnection(userCtx(testUserID), objectbase.ConnectionInput{
		Provider: "openai", Name: "Work", Model: "gpt-4o-mini", APIKey: "sk-live",
	})
	require.NoError(t, err)
	assert.Equal(t, id, c.ID)
	assert.True(t, c.HasAPIKey)

	encoded, err := json.Marshal(c)
	require.NoError(t, err)
	assert.NotContains(t, string(encoded), "sk-live")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreConnection_Validation(t *testing.T) {
	repo, _ := newConnectionRepo(t, 5)
	ctx := userCtx(testUserID)
	cases := []objectbase.ConnectionInput{
		{Name: "x", Model: "m", APIKey: "k"},
		{Provider: "openai", Model: "m", APIKey: "k"},
		{Provider: "openai", Name: "x", APIKey: "k"},
		{Provider: "openai", Name: "x", Model: "m"},
		{Provider: "ollama", Name: "x", Model: "m", APIKey: "k", BaseURL: "ftp://example.com"},
	}
	for _, input := range cases {
		_, err := repo.StoreConnection(ctx, input)
		assert.True(t, objectbase.IsValidationError(err), "%+v", input)
	}
}

func expectConnectionLoad(t *testing.T, mock pgxmock.PgxPoolIface, id uuid.UUID, baseURL string) {
	sealed, err := newTestSealer(t).Seal([]byte("sk-live"))
	require.NoError(t, err)
	mock.ExpectQuery("SELECT base_url, model, sealed_api_key FROM user_connections").WithArgs(id, testUserID).
		WillReturnRows(pgxmock.NewRows([]string{"base_url", "model", "sealed_api_key"}).AddRow(baseURL, "gpt-4o-mini", sealed))
}

func TestProxyChat_StreamsDeltas(t *testing.T) {
	var received chatCompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-live", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, ": keep-alive\n\n")
		_, _ = io.WriteString(w, `data: {"choices":[{"delta":{"role":"assistant"}}]}`+"\n\n")
		_, _ = io.WriteString(w, `data: {"choices":[{"delta":{"content":"Hel"}}]}`+"\n\n")
		_, _ = io.WriteString(w, "data: not-json\n\n")
		_, _ = io.WriteString(w, `data: {"choices":[{"delta":{"content":"lo"}}]}`+"\n\n")
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
		_, _ = io.WriteString(w, `data: {"choices":[{"delta":{"content":"ignored"}}]}`+"\n\n")
	}))
	defer srv.Close()

	repo, mock := newConnectionRepo(t, 5)
	id := uuid.New()
	expectConnectionLoad(t, mock, id, srv.URL+"/v1")

	var chunks []string
	err := repo.ProxyChat(userCtx(testUserID), id, objectbase.ChatRequest{
		Messages: []objectbase.ChatMessage{{Role: "user", Content: "Hi"}},
	}, func(c string) error {
		chunks = append(chunks, c)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Hel", "lo"}, chunks)
	assert.True(t, received.Stream)
	assert.Equal(t, "gpt-4o-mini", received.Model)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProxyChat_UpstreamErrorOpensBreaker(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":"overloaded"}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	repo, mock := newConnectionRepo(t, 1)
	id := uuid.New()
	req := objectbase.ChatRequest{Messages: []objectbase.ChatMessage{{Role: "user", Content: "Hi"}}}
	sink := func(string) error { return nil }

	expectConnectionLoad(t, mock, id, srv.URL)
	err := repo.ProxyChat(userCtx(testUserID), id, req, sink)
	assert.Equal(t, objectbase.ErrCodeUpstreamFailed, objectbase.ErrorCode(err))
	var obErr *objectbase.Error
	require.True(t, errors.As(err, &obErr))
	assert.Equal(t, http.StatusServiceUnavailable, obErr.Details["status"])

	expectConnectionLoad(t, mock, id, srv.URL)
	err = repo.ProxyChat(userCtx(testUserID), id, req, sink)
	assert.Contains(t, err.Error(), "temporarily unavailable")
	assert.Equal(t, int32(1), calls.Load())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProxyChat_SinkErrorStopsStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, strings.Repeat(`data: {"choices":[{"delta":{"content":"x"}}]}`+"\n\n", 3))
	}))
	defer srv.Close()

	repo, mock := newConnectionRepo(t, 1)
	id := uuid.New()
	expectConnectionLoad(t, mock, id, srv.URL)
	gone := errors.New("client went away")

	n := 0
	err := repo.ProxyChat(userCtx(testUserID), id, objectbase.ChatRequest{
		Messages: []objectbase.ChatMessage{{Role: "user", Content: "Hi"}},
	}, func(string) error {
		n++
		return gone
	})
	assert.ErrorIs(t, err, gone)
	assert.Equal(t, 1, n)
	assert.False(t, repo.breakers.get(strings.TrimPrefix(srv.URL, "http://")).IsOpen())
}

func TestDecodeSSE_EOFWithoutDone(t *testing.T) {
	var got []string
	n, err := decodeSSE(strings.NewReader(`data: {"choices":[{"delta":{"content":"a"}},{"delta":{"content":"b"}}]}`),
		func(s string) error { got = append(got, s); return nil })
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestDeleteConnection_NotFound(t *testing.T) {
	repo, mock := newConnectionRepo(t, 5)
	id := uuid.New()
	mock.ExpectExec("DELETE FROM user_connections").WithArgs(id, testUserID).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	assert.True(t, objectbase.IsNotFoundError(repo.DeleteConnection(userCtx(testUserID), id)))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListConnections(t *testing.T) {
	repo, mock := newConnectionRepo(t, 5)
	mock.ExpectQuery("FROM user_connections WHERE user_id = \\$1").WithArgs(testUserID).
		WillReturnRows(pgxmock.NewRows([]string{"id", "user_id", "provider", "name", "base_url", "model", "created_at", "has_key"}).
			AddRow(uuid.New(), testUserID, "openai", "Work", "https://api.openai.com/v1", "gpt-4o-mini", fixedNow, true))

	conns, err := repo.ListConnections(context.WithoutCancel(userCtx(testUserID)))
	require.NoError(t, err)
	require.Len(t, conns, 1)
	assert.True(t, conns[0].HasAPIKey)
	require.NoError(t, mock.ExpectationsWereMet())
}
