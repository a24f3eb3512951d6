package internal

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lychee-technology/objectbase"
	"go.uber.org/zap"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	nonceSize        = 24
	maxSSELineBytes  = 1 << 20
	errorBodyPreview = 4 << 10
)

// Sealer encrypts API keys at rest with NaCl secretbox.
type Sealer struct {
	key [32]byte
}

// NewSealer decodes a base64 encoded 32-byte key.
func NewSealer(encodedKey string) (*Sealer, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encodedKey))
	if err != nil {
		return nil, fmt.Errorf("decode sealing key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("sealing key must be 32 bytes, got %d", len(raw))
	}
	s := &Sealer{}
	copy(s.key[:], raw)
	return s, nil
}

// Seal returns nonce || box.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &s.key), nil
}

// Open reverses Seal.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize+secretbox.Overhead {
		return nil, errors.New("sealed value too short")
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	plaintext, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &s.key)
	if !ok {
		return nil, errors.New("sealed value failed authentication")
	}
	return plaintext, nil
}

// PostgresConnectionRepository implements objectbase.ConnectionManager.
type PostgresConnectionRepository struct {
	pool           dbPool
	sealer         *Sealer
	client         *http.Client
	breakers       *breakerSet
	defaultBaseURL string
	nowFunc        func() time.Time
}

func NewPostgresConnectionRepository(pool dbPool, sealer *Sealer, cfg objectbase.ProxyConfig) *PostgresConnectionRepository {
	return &PostgresConnectionRepository{
		pool:           pool,
		sealer:         sealer,
		client:         &http.Client{Timeout: cfg.Timeout},
		breakers:       newBreakerSet(cfg.FailureThreshold, cfg.FailureWindow, cfg.OpenDuration),
		defaultBaseURL: strings.TrimRight(cfg.DefaultBaseURL, "/"),
		nowFunc:        time.Now,
	}
}

func (r *PostgresConnectionRepository) withClock(now func() time.Time) {
	if now != nil {
		r.nowFunc = now
	}
}

// ListConnections returns the caller's connections without their keys.
func (r *PostgresConnectionRepository) ListConnections(ctx context.Context) ([]objectbase.Connection, error) {
	user, err := objectbase.RequireUser(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := r.pool.Query(ctx, `SELECT id, user_id, provider, name, base_url, model, created_at, length(sealed_api_key) > 0
		FROM user_connections WHERE user_id = $1 ORDER BY created_at`, user.ID)
	if err != nil {
		return nil, objectbase.NewQueryError("query connections", err)
	}
	defer rows.Close()

	conns := make([]objectbase.Connection, 0)
	for rows.Next() {
		var c objectbase.Connection
		if err := rows.Scan(&c.ID, &c.UserID, &c.Provider, &c.Name, &c.BaseURL, &c.Model, &c.CreatedAt, &c.HasAPIKey); err != nil {
			return nil, objectbase.NewQueryError("scan connection", err)
		}
		conns = append(conns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, objectbase.NewQueryError("iterate connections", err)
	}
	return conns, nil
}

func (r *PostgresConnectionRepository) resolveBaseURL(raw string) (string, error) {
	raw = strings.TrimRight(strings.TrimSpace(firstNonBlank(raw, r.defaultBaseURL)), "/")
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", objectbase.NewValidationError("base_url", "base url must be an absolute http(s) url")
	}
	return raw, nil
}

// StoreConnection seals the API key and stores the connection.
func (r *PostgresConnectionRepository) StoreConnection(ctx context.Context, input objectbase.ConnectionInput) (*objectbase.Connection, error) {
	user, err := objectbase.RequireUser(ctx)
	if err != nil {
		return nil, err
	}
	if r.sealer == nil {
		return nil, objectbase.NewInternalError("connection storage is not configured", nil)
	}
	c := objectbase.Connection{
		UserID:    user.ID,
		Provider:  strings.TrimSpace(input.Provider),
		Name:      strings.TrimSpace(input.Name),
		Model:     strings.TrimSpace(input.Model),
		HasAPIKey: true,
		CreatedAt: r.nowFunc().UTC(),
	}
	switch {
	case c.Provider == "":
		return nil, objectbase.NewValidationError("provider", "provider is required")
	case c.Name == "":
		return nil, objectbase.NewValidationError("name", "connection name is required")
	case c.Model == "":
		return nil, objectbase.NewValidationError("model", "model is required")
	case strings.TrimSpace(input.APIKey) == "":
		return nil, objectbase.NewValidationError("api_key", "api key is required")
	}
	if c.BaseURL, err = r.resolveBaseURL(input.BaseURL); err != nil {
		return nil, err
	}

	sealed, err := r.sealer.Seal([]byte(strings.TrimSpace(input.APIKey)))
	if err != nil {
		return nil, objectbase.NewInternalError("seal api key", err)
	}
	if err := r.pool.QueryRow(ctx, `INSERT INTO user_connections (user_id, provider, name, base_url, model, sealed_api_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		c.UserID, c.Provider, c.Name, c.BaseURL, c.Model, sealed, c.CreatedAt).Scan(&c.ID); err != nil {
		return nil, objectbase.NewQueryError("insert connection", err)
	}
	zap.S().Infow("connection stored", "connectionId", c.ID, "provider", c.Provider)
	return &c, nil
}

// DeleteConnection removes one of the caller's connections.
func (r *PostgresConnectionRepository) DeleteConnection(ctx context.Context, id uuid.UUID) error {
	user, err := objectbase.RequireUser(ctx)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, "DELETE FROM user_connections WHERE id = $1 AND user_id = $2", id, user.ID)
	if err != nil {
		return objectbase.NewQueryError("delete connection", err)
	}
	if tag.RowsAffected() == 0 {
		return objectbase.NewNotFoundError("connection", id.String())
	}
	return nil
}

type chatCompletionRequest struct {
	Model       string                   `json:"model"`
	Messages    []objectbase.ChatMessage `json:"messages"`
	Stream      bool                     `json:"stream"`
	Temperature *float64                 `json:"temperature,omitempty"`
}

type chatCompletionChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// ProxyChat streams a chat completion from the connection's endpoint and
// hands every content delta to sink. The API key is only used here.
func (r *PostgresConnectionRepository) ProxyChat(ctx context.Context, connectionID uuid.UUID, req objectbase.ChatRequest, sink func(chunk string) error) error {
	user, err := objectbase.RequireUser(ctx)
	if err != nil {
		return err
	}
	if len(req.Messages) == 0 {
		return objectbase.NewValidationError("messages", "at least one message is required")
	}
	if r.sealer == nil {
		return objectbase.NewInternalError("connection storage is not configured", nil)
	}

	var (
		baseURL, model string
		sealed         []byte
	)
	if err := r.pool.QueryRow(ctx, "SELECT base_url, model, sealed_api_key FROM user_connections WHERE id = $1 AND user_id = $2",
		connectionID, user.ID).Scan(&baseURL, &model, &sealed); err != nil {
		return notFoundOr(err, "connection", connectionID, "load connection")
	}
	apiKey, err := r.sealer.Open(sealed)
	if err != nil {
		return objectbase.NewInternalError("open api key", err)
	}

	endpoint, err := url.Parse(baseURL)
	if err != nil {
		return objectbase.NewInternalError("parse base url", err)
	}
	breaker := r.breakers.get(endpoint.Host)
	if breaker.IsOpen() {
		return objectbase.NewUpstreamError("provider is temporarily unavailable", nil).WithDetail("host", endpoint.Host)
	}

	body, err := json.Marshal(chatCompletionRequest{
		Model:       strings.TrimSpace(firstNonBlank(req.Model, model)),
		Messages:    req.Messages,
		Stream:      true,
		Temperature: req.Temperature,
	})
	if err != nil {
		return objectbase.NewInternalError("encode chat request", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return objectbase.NewInternalError("build chat request", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+string(apiKey))
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		if ctx.Err() == nil {
			breaker.RecordFailure()
		}
		return objectbase.NewUpstreamError("provider request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		preview, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyPreview))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			breaker.RecordFailure()
		}
		zap.S().Warnw("provider rejected chat request", "connectionId", connectionID, "status", resp.StatusCode)
		return objectbase.NewUpstreamError(fmt.Sprintf("provider returned status %d", resp.StatusCode), nil).
			WithDetail("status", resp.StatusCode).
			WithDetail("body", strings.TrimSpace(string(preview)))
	}

	chunks, err := decodeSSE(resp.Body, sink)
	if err != nil {
		var sinkErr *sinkError
		if errors.As(err, &sinkErr) {
			return sinkErr.err
		}
		if ctx.Err() == nil {
			breaker.RecordFailure()
		}
		return objectbase.NewUpstreamError("read provider stream", err)
	}
	breaker.RecordSuccess()
	zap.S().Debugw("chat proxied", "connectionId", connectionID, "chunks", chunks)
	return nil
}

type sinkError struct{ err error }

func (e *sinkError) Error() string { return e.err.Error() }

// decodeSSE reads "data:" lines until the [DONE] sentinel or EOF and
// emits non-empty content deltas.
func decodeSSE(body io.Reader, sink func(string) error) (int, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64<<10), maxSSELineBytes)
	chunks := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			return chunks, nil
		}
		if payload == "" {
			continue
		}
		var chunk chatCompletionChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			zap.S().Debugw("skipping undecodable stream line", "error", err)
			continue
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			if err := sink(choice.Delta.Content); err != nil {
				return chunks, &sinkError{err: err}
			}
			chunks++
		}
	}
	return chunks, scanner.Err()
}
