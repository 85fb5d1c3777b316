package kindred

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// tokenSource supplies a bearer token for each request.
type tokenSource interface {
	getToken(ctx context.Context) (string, error)
}

// staticToken is a pre-minted user JWT. Kindred does not manage user
// identities; the fronting identity layer mints user tokens and hands them
// to clients.
type staticToken string

func (t staticToken) getToken(context.Context) (string, error) {
	return string(t), nil
}

// operatorTokenManager exchanges an operator API key for a JWT and refreshes
// it before expiry. It is safe for concurrent use.
type operatorTokenManager struct {
	baseURL string
	keyID   uuid.UUID
	apiKey  string
	client  *http.Client
	margin  time.Duration

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func newOperatorTokenManager(baseURL string, keyID uuid.UUID, apiKey string, client *http.Client) *operatorTokenManager {
	return &operatorTokenManager{
		baseURL: baseURL,
		keyID:   keyID,
		apiKey:  apiKey,
		client:  client,
		margin:  30 * time.Second,
	}
}

func (tm *operatorTokenManager) getToken(ctx context.Context) (string, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.token != "" && time.Now().Before(tm.expiresAt.Add(-tm.margin)) {
		return tm.token, nil
	}

	if err := tm.refresh(ctx); err != nil {
		return "", err
	}
	return tm.token, nil
}

type authRequest struct {
	KeyID  uuid.UUID `json:"key_id"`
	APIKey string    `json:"api_key"`
}

type authResponseEnvelope struct {
	Data struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	} `json:"data"`
}

func (tm *operatorTokenManager) refresh(ctx context.Context) error {
	body, err := json.Marshal(authRequest{KeyID: tm.keyID, APIKey: tm.apiKey})
	if err != nil {
		return fmt.Errorf("kindred: marshal auth request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tm.baseURL+"/auth/token", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("kindred: create auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := tm.client.Do(req)
	if err != nil {
		return fmt.Errorf("kindred: auth request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("kindred: auth failed with status %d", resp.StatusCode)
	}

	var envelope authResponseEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("kindred: decode auth response: %w", err)
	}

	tm.token = envelope.Data.Token
	tm.expiresAt = envelope.Data.ExpiresAt
	return nil
}
