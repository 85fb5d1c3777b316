package kindred

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds the settings needed to construct a Client.
//
// Exactly one credential must be set: Token for a user client (a JWT minted
// by the deployment's identity layer), or KeyID+APIKey for an operator
// client (exchanged for a JWT at /auth/token and refreshed automatically).
type Config struct {
	// BaseURL is the root URL of the Kindred server (e.g. "http://localhost:8080").
	BaseURL string

	// Token is a pre-minted user JWT.
	Token string

	// KeyID and APIKey are operator credentials.
	KeyID  uuid.UUID
	APIKey string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the Kindred matching API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL string
	client  *http.Client
	tokens  tokenSource
}

// NewClient creates a Client from the given configuration.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("kindred: BaseURL is required")
	}
	hasToken := cfg.Token != ""
	hasKey := cfg.KeyID != uuid.Nil && cfg.APIKey != ""
	if hasToken == hasKey {
		return nil, fmt.Errorf("kindred: exactly one of Token or KeyID+APIKey is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	var tokens tokenSource
	if hasToken {
		tokens = staticToken(cfg.Token)
	} else {
		tokens = newOperatorTokenManager(baseURL, cfg.KeyID, cfg.APIKey, httpClient)
	}

	return &Client{
		baseURL: baseURL,
		client:  httpClient,
		tokens:  tokens,
	}, nil
}

// Health reports the server's health. No authentication required.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.getNoAuth(ctx, "/health", &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// MyProfile returns the caller's value profile.
func (c *Client) MyProfile(ctx context.Context) (*ValueProfile, error) {
	var p ValueProfile
	if err := c.get(ctx, "/v1/profiles/me", &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// UpdateMyProfile applies dimension deltas to the caller's profile and
// returns the updated profile. Pass a non-zero ExpectedVersion to fail
// instead of overwriting a concurrent edit; IsVersionConflict detects the
// failure.
func (c *Client) UpdateMyProfile(ctx context.Context, req UpdateProfileRequest) (*ValueProfile, error) {
	var p ValueProfile
	if err := c.put(ctx, "/v1/profiles/me", req, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ArchiveMyProfile withdraws the caller from matching. Active gates are
// unaffected until they settle or expire; new gates and discovery exclude
// archived profiles.
func (c *Client) ArchiveMyProfile(ctx context.Context) error {
	return c.doDelete(ctx, "/v1/profiles/me", nil)
}

// InitiateGate opens a narrative gate toward the target user.
func (c *Client) InitiateGate(ctx context.Context, targetID uuid.UUID) (*InitiatedGate, error) {
	var g InitiatedGate
	if err := c.post(ctx, "/v1/gates", initiateGateRequest{TargetID: targetID}, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

// Gate returns one gate session with its choice history. Only participants
// (and operators) can see a session.
func (c *Client) Gate(ctx context.Context, sessionID uuid.UUID) (*GateSession, error) {
	var s GateSession
	if err := c.get(ctx, "/v1/gates/"+sessionID.String(), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// MyGates lists the caller's gate sessions, newest first.
func (c *Client) MyGates(ctx context.Context) ([]GateSession, error) {
	var sessions []GateSession
	if err := c.get(ctx, "/v1/gates", &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// SubmitChoice advances a gate session by one choice. nodeID must match the
// session's current node; on IsNodeMismatch, re-fetch the session and retry
// from its current prompt.
func (c *Client) SubmitChoice(ctx context.Context, sessionID uuid.UUID, nodeID, choiceID string) (*ChoiceResult, error) {
	var result ChoiceResult
	body := submitChoiceRequest{NodeID: nodeID, ChoiceID: choiceID}
	if err := c.post(ctx, "/v1/gates/"+sessionID.String()+"/choices", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// AbortGate voluntarily ends an active gate session.
func (c *Client) AbortGate(ctx context.Context, sessionID uuid.UUID) (*GateSession, error) {
	var s GateSession
	if err := c.doDelete(ctx, "/v1/gates/"+sessionID.String(), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Compatibility scores the caller against another user under the active
// weighting table, with the full per-dimension breakdown.
func (c *Client) Compatibility(ctx context.Context, userID uuid.UUID) (*CompatibilityResult, error) {
	var result CompatibilityResult
	if err := c.get(ctx, "/v1/compatibility/"+userID.String(), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Discover returns candidate users ranked by compatibility with the caller.
func (c *Client) Discover(ctx context.Context, limit int) ([]DiscoveryCandidate, error) {
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	path := "/v1/discovery"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var candidates []DiscoveryCandidate
	if err := c.get(ctx, path, &candidates); err != nil {
		return nil, err
	}
	return candidates, nil
}

// Weighting returns the active ethical weighting table. Scores are only
// explainable when the weights behind them can be inspected.
func (c *Client) Weighting(ctx context.Context) (*WeightingTable, error) {
	var table WeightingTable
	if err := c.get(ctx, "/v1/weighting", &table); err != nil {
		return nil, err
	}
	return &table, nil
}

// Block hides the target user from the caller and vice versa, and aborts any
// gate currently in flight between them.
func (c *Client) Block(ctx context.Context, userID uuid.UUID) error {
	return c.put(ctx, "/v1/blocks/"+userID.String(), nil, nil)
}

// Unblock removes a block previously created by the caller.
func (c *Client) Unblock(ctx context.Context, userID uuid.UUID) error {
	return c.doDelete(ctx, "/v1/blocks/"+userID.String(), nil)
}

// Connections lists the users the caller is connected with.
func (c *Client) Connections(ctx context.Context) ([]uuid.UUID, error) {
	var peers []uuid.UUID
	if err := c.get(ctx, "/v1/connections", &peers); err != nil {
		return nil, err
	}
	return peers, nil
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Reason  string `json:"reason"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	return c.send(ctx, http.MethodPost, path, body, dest)
}

func (c *Client) put(ctx context.Context, path string, body any, dest any) error {
	return c.send(ctx, http.MethodPut, path, body, dest)
}

func (c *Client) send(ctx context.Context, method, path string, body any, dest any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("kindred: marshal request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("kindred: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.doRequest(ctx, req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("kindred: create request: %w", err)
	}

	return c.doRequest(ctx, req, dest)
}

func (c *Client) doDelete(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("kindred: create request: %w", err)
	}

	return c.doRequest(ctx, req, dest)
}

func (c *Client) getNoAuth(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("kindred: create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("kindred: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func (c *Client) doRequest(ctx context.Context, req *http.Request, dest any) error {
	token, err := c.tokens.getToken(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("kindred: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("kindred: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	// 204 No Content — nothing to decode.
	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	// Unwrap the server's { "data": ... } envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("kindred: decode response envelope: %w", err)
	}

	if envelope.Data == nil {
		// Fallback: some endpoints may not wrap in "data".
		return json.Unmarshal(bodyBytes, dest)
	}

	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Reason = envelope.Error.Reason
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
