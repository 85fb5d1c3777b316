package kindred

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
)

// mockServer creates an httptest server that mimics the Kindred API.
func mockServer(t *testing.T, handlers map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	// Always register the token exchange endpoint for operator clients.
	if _, ok := handlers["POST /auth/token"]; !ok {
		mux.HandleFunc("POST /auth/token", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"data": map[string]any{
					"token":      "test-token-xyz",
					"expires_at": time.Now().Add(1 * time.Hour).Format(time.RFC3339),
				},
			})
		})
	}

	for pattern, handler := range handlers {
		mux.HandleFunc(pattern, handler)
	}

	return httptest.NewServer(mux)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newUserClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	c, err := NewClient(Config{
		BaseURL: serverURL,
		Token:   "user-jwt-abc",
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return c
}

func newOperatorClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	c, err := NewClient(Config{
		BaseURL: serverURL,
		KeyID:   uuid.New(),
		APIKey:  "operator-api-key-0123456789abcdef",
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return c
}

func TestNewClientValidation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{
			name:    "empty BaseURL",
			cfg:     Config{Token: "t"},
			wantErr: "BaseURL is required",
		},
		{
			name:    "no credentials",
			cfg:     Config{BaseURL: "http://localhost:8080"},
			wantErr: "exactly one of Token or KeyID+APIKey",
		},
		{
			name: "both credentials",
			cfg: Config{
				BaseURL: "http://localhost:8080",
				Token:   "t",
				KeyID:   uuid.New(),
				APIKey:  "k",
			},
			wantErr: "exactly one of Token or KeyID+APIKey",
		},
		{
			name:    "key without id",
			cfg:     Config{BaseURL: "http://localhost:8080", APIKey: "k"},
			wantErr: "exactly one of Token or KeyID+APIKey",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c, err := NewClient(tc.cfg)
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tc.wantErr)
			}
			if c != nil {
				t.Error("expected nil client on error")
			}
			if got := err.Error(); !strings.Contains(got, tc.wantErr) {
				t.Errorf("error %q does not contain %q", got, tc.wantErr)
			}
		})
	}

	// Happy path, including trailing slash trimming.
	c, err := NewClient(Config{
		BaseURL: "http://localhost:8080/",
		Token:   "user-jwt",
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if c.baseURL != "http://localhost:8080" {
		t.Errorf("expected trailing slash trimmed, got %q", c.baseURL)
	}
}

func TestStaticTokenSentOnRequests(t *testing.T) {
	var receivedAuth string
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/profiles/me": func(w http.ResponseWriter, r *http.Request) {
			receivedAuth = r.Header.Get("Authorization")
			writeJSON(w, http.StatusOK, map[string]any{
				"data": ValueProfile{
					UserID:     uuid.New(),
					Dimensions: map[string]float64{"care": 0.5},
					Version:    1,
				},
			})
		},
	})
	defer srv.Close()

	client := newUserClient(t, srv.URL)
	profile, err := client.MyProfile(context.Background())
	if err != nil {
		t.Fatalf("MyProfile failed: %v", err)
	}
	if receivedAuth != "Bearer user-jwt-abc" {
		t.Errorf("expected 'Bearer user-jwt-abc', got %q", receivedAuth)
	}
	if profile.Dimensions["care"] != 0.5 {
		t.Errorf("expected care 0.5, got %f", profile.Dimensions["care"])
	}
}

func TestOperatorTokenExchangeAndCaching(t *testing.T) {
	keyID := uuid.New()
	var authCount atomic.Int32
	var receivedKeyID uuid.UUID

	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /auth/token": func(w http.ResponseWriter, r *http.Request) {
			authCount.Add(1)
			var body struct {
				KeyID  uuid.UUID `json:"key_id"`
				APIKey string    `json:"api_key"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]any{
					"error": map[string]any{"code": "INVALID_INPUT", "message": err.Error()},
				})
				return
			}
			receivedKeyID = body.KeyID
			writeJSON(w, http.StatusOK, map[string]any{
				"data": map[string]any{
					"token":      "operator-token-v1",
					"expires_at": time.Now().Add(1 * time.Hour).Format(time.RFC3339),
				},
			})
		},
		"GET /v1/weighting": func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer operator-token-v1" {
				writeJSON(w, http.StatusUnauthorized, map[string]any{
					"error": map[string]any{"code": "UNAUTHORIZED", "message": "bad token"},
				})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"data": WeightingTable{
					Version: 3,
					Weights: map[string]float64{"care": 2.0},
					Active:  true,
				},
			})
		},
	})
	defer srv.Close()

	client, err := NewClient(Config{
		BaseURL: srv.URL,
		KeyID:   keyID,
		APIKey:  "operator-api-key-0123456789abcdef",
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	for range 3 {
		table, wErr := client.Weighting(context.Background())
		if wErr != nil {
			t.Fatalf("Weighting failed: %v", wErr)
		}
		if table.Version != 3 {
			t.Errorf("expected version 3, got %d", table.Version)
		}
	}

	// Token is cached until near expiry, so one exchange serves all calls.
	if authCount.Load() != 1 {
		t.Errorf("expected 1 auth call, got %d", authCount.Load())
	}
	if receivedKeyID != keyID {
		t.Errorf("expected key_id %s in exchange body, got %s", keyID, receivedKeyID)
	}
}

func TestOperatorTokenRefreshOnExpiry(t *testing.T) {
	var authCount atomic.Int32

	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /auth/token": func(w http.ResponseWriter, r *http.Request) {
			n := authCount.Add(1)
			token := "token-v1"
			if n > 1 {
				token = "token-v2"
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"data": map[string]any{
					"token": token,
					// Short expiry to force a refresh on the next call.
					"expires_at": time.Now().Add(1 * time.Second).Format(time.RFC3339),
				},
			})
		},
		"GET /health": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"data": Health{Status: "healthy"}})
		},
		"GET /v1/weighting": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"data": WeightingTable{Version: 1, Active: true},
			})
		},
	})
	defer srv.Close()

	client := newOperatorClient(t, srv.URL)

	if _, err := client.Weighting(context.Background()); err != nil {
		t.Fatalf("first call failed: %v", err)
	}
	if authCount.Load() != 1 {
		t.Errorf("expected 1 auth call, got %d", authCount.Load())
	}

	time.Sleep(1100 * time.Millisecond)

	if _, err := client.Weighting(context.Background()); err != nil {
		t.Fatalf("second call failed: %v", err)
	}
	if authCount.Load() != 2 {
		t.Errorf("expected 2 auth calls after expiry, got %d", authCount.Load())
	}
}

func TestHealthNoAuth(t *testing.T) {
	var authCalled atomic.Bool

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/token", func(w http.ResponseWriter, r *http.Request) {
		authCalled.Store(true)
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"error": map[string]any{"code": "UNAUTHORIZED", "message": "bad key"},
		})
	})
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		if auth := r.Header.Get("Authorization"); auth != "" {
			t.Errorf("expected no Authorization header, got %q", auth)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"data": Health{Status: "healthy", Version: "v0.1.0", Postgres: "connected"},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := newOperatorClient(t, srv.URL)
	health, err := client.Health(context.Background())
	if err != nil {
		t.Fatalf("Health failed: %v", err)
	}
	if health.Status != "healthy" {
		t.Errorf("expected status 'healthy', got %q", health.Status)
	}
	if health.Postgres != "connected" {
		t.Errorf("expected postgres 'connected', got %q", health.Postgres)
	}
	if authCalled.Load() {
		t.Error("Health endpoint should not trigger a token exchange")
	}
}

func TestGateFlow(t *testing.T) {
	sessionID := uuid.New()
	targetID := uuid.New()

	var receivedInitiate initiateGateRequest
	var receivedChoice submitChoiceRequest
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/gates": func(w http.ResponseWriter, r *http.Request) {
			if err := json.NewDecoder(r.Body).Decode(&receivedInitiate); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]any{
					"error": map[string]any{"code": "INVALID_INPUT", "message": err.Error()},
				})
				return
			}
			writeJSON(w, http.StatusCreated, map[string]any{
				"data": InitiatedGate{
					SessionID: sessionID,
					State:     SessionActive,
					FirstPrompt: GatePrompt{
						NodeID: "start",
						Prompt: "A stranger asks for directions.",
						Choices: []GateChoice{
							{ChoiceID: "help", Label: "Walk them there"},
							{ChoiceID: "point", Label: "Point vaguely"},
						},
					},
					InitialScore: 0.8,
					ExpiresAt:    time.Now().Add(30 * time.Minute),
				},
			})
		},
		"POST /v1/gates/" + sessionID.String() + "/choices": func(w http.ResponseWriter, r *http.Request) {
			if err := json.NewDecoder(r.Body).Decode(&receivedChoice); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]any{
					"error": map[string]any{"code": "INVALID_INPUT", "message": err.Error()},
				})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"data": ChoiceResult{
					SessionID:    sessionID,
					State:        SessionCompletedEnabled,
					RunningScore: 0.85,
					Outcome: &GateOutcome{
						Status: "enabled",
						Result: CompatibilityResult{Score: 0.85},
					},
				},
			})
		},
	})
	defer srv.Close()

	client := newUserClient(t, srv.URL)

	initiated, err := client.InitiateGate(context.Background(), targetID)
	if err != nil {
		t.Fatalf("InitiateGate failed: %v", err)
	}
	if receivedInitiate.TargetID != targetID {
		t.Errorf("expected target_id %s in body, got %s", targetID, receivedInitiate.TargetID)
	}
	if initiated.SessionID != sessionID {
		t.Errorf("expected session %s, got %s", sessionID, initiated.SessionID)
	}
	if len(initiated.FirstPrompt.Choices) != 2 {
		t.Fatalf("expected prompt with 2 choices, got %+v", initiated.FirstPrompt)
	}

	result, err := client.SubmitChoice(context.Background(), sessionID, "start", "help")
	if err != nil {
		t.Fatalf("SubmitChoice failed: %v", err)
	}
	if receivedChoice.NodeID != "start" || receivedChoice.ChoiceID != "help" {
		t.Errorf("expected node 'start' choice 'help' in body, got %+v", receivedChoice)
	}
	if result.State != SessionCompletedEnabled {
		t.Errorf("expected state %q, got %q", SessionCompletedEnabled, result.State)
	}
	if result.Outcome == nil || result.Outcome.Status != "enabled" {
		t.Errorf("expected enabled outcome, got %+v", result.Outcome)
	}
}

func TestCompatibility(t *testing.T) {
	userA := uuid.New()
	userB := uuid.New()

	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/compatibility/" + userB.String(): func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"data": CompatibilityResult{
					UserA:            userA,
					UserB:            userB,
					Score:            0.83,
					WeightingVersion: 2,
					ContributingDimensions: []DimensionContribution{
						{Dimension: "care", Weight: 2.0, Alignment: 0.9, Contribution: 1.8},
						{Dimension: "fairness", Weight: 1.0, Alignment: 0.7, Contribution: 0.7},
					},
				},
			})
		},
	})
	defer srv.Close()

	client := newUserClient(t, srv.URL)
	result, err := client.Compatibility(context.Background(), userB)
	if err != nil {
		t.Fatalf("Compatibility failed: %v", err)
	}
	if result.Score != 0.83 {
		t.Errorf("expected score 0.83, got %f", result.Score)
	}
	if len(result.ContributingDimensions) != 2 {
		t.Fatalf("expected 2 contributions, got %d", len(result.ContributingDimensions))
	}
	if result.ContributingDimensions[0].Dimension != "care" {
		t.Errorf("expected leading dimension 'care', got %q", result.ContributingDimensions[0].Dimension)
	}
}

func TestDiscoverSendsLimit(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/discovery": func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("limit") != "5" {
				t.Errorf("expected limit=5, got %q", r.URL.Query().Get("limit"))
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"data": []DiscoveryCandidate{
					{UserID: uuid.New(), Result: CompatibilityResult{Score: 0.9}},
					{UserID: uuid.New(), Result: CompatibilityResult{Score: 0.7}},
				},
			})
		},
	})
	defer srv.Close()

	client := newUserClient(t, srv.URL)
	candidates, err := client.Discover(context.Background(), 5)
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if len(candidates) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(candidates))
	}
	if candidates[0].Result.Score != 0.9 {
		t.Errorf("expected first score 0.9, got %f", candidates[0].Result.Score)
	}
}

func TestNoContentEndpoints(t *testing.T) {
	blockedID := uuid.New()

	srv := mockServer(t, map[string]http.HandlerFunc{
		"PUT /v1/blocks/" + blockedID.String(): func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		},
		"DELETE /v1/blocks/" + blockedID.String(): func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		},
		"DELETE /v1/profiles/me": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		},
	})
	defer srv.Close()

	client := newUserClient(t, srv.URL)
	if err := client.Block(context.Background(), blockedID); err != nil {
		t.Fatalf("Block failed: %v", err)
	}
	if err := client.Unblock(context.Background(), blockedID); err != nil {
		t.Fatalf("Unblock failed: %v", err)
	}
	if err := client.ArchiveMyProfile(context.Background()); err != nil {
		t.Fatalf("ArchiveMyProfile failed: %v", err)
	}
}

func TestUpdateProfileSendsBody(t *testing.T) {
	var receivedBody UpdateProfileRequest
	srv := mockServer(t, map[string]http.HandlerFunc{
		"PUT /v1/profiles/me": func(w http.ResponseWriter, r *http.Request) {
			if err := json.NewDecoder(r.Body).Decode(&receivedBody); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]any{
					"error": map[string]any{"code": "INVALID_INPUT", "message": err.Error()},
				})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"data": ValueProfile{
					UserID:     uuid.New(),
					Dimensions: map[string]float64{"care": 0.7},
					Version:    2,
				},
			})
		},
	})
	defer srv.Close()

	client := newUserClient(t, srv.URL)
	profile, err := client.UpdateMyProfile(context.Background(), UpdateProfileRequest{
		Dimensions:      map[string]float64{"care": 0.2},
		ExpectedVersion: 1,
	})
	if err != nil {
		t.Fatalf("UpdateMyProfile failed: %v", err)
	}
	if profile.Version != 2 {
		t.Errorf("expected version 2, got %d", profile.Version)
	}
	if receivedBody.Dimensions["care"] != 0.2 {
		t.Errorf("expected care delta 0.2 in body, got %f", receivedBody.Dimensions["care"])
	}
	if receivedBody.ExpectedVersion != 1 {
		t.Errorf("expected expected_version 1 in body, got %d", receivedBody.ExpectedVersion)
	}
}

func TestErrorReasonsMapCorrectly(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		code       string
		reason     string
		checkFn    func(error) bool
		checkLabel string
	}{
		{
			name: "node mismatch", status: http.StatusConflict,
			code: "CONFLICT", reason: "node_mismatch",
			checkFn: IsNodeMismatch, checkLabel: "IsNodeMismatch",
		},
		{
			name: "session terminal", status: http.StatusConflict,
			code: "CONFLICT", reason: "session_terminal",
			checkFn: IsSessionTerminal, checkLabel: "IsSessionTerminal",
		},
		{
			name: "already active", status: http.StatusConflict,
			code: "CONFLICT", reason: "already_active",
			checkFn: IsAlreadyActive, checkLabel: "IsAlreadyActive",
		},
		{
			name: "ineligible", status: http.StatusConflict,
			code: "CONFLICT", reason: "ineligible",
			checkFn: IsIneligible, checkLabel: "IsIneligible",
		},
		{
			name: "version conflict", status: http.StatusConflict,
			code: "CONFLICT", reason: "version_conflict",
			checkFn: IsVersionConflict, checkLabel: "IsVersionConflict",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := mockServer(t, map[string]http.HandlerFunc{
				"POST /v1/gates": func(w http.ResponseWriter, r *http.Request) {
					writeJSON(w, tc.status, map[string]any{
						"error": map[string]any{
							"code":    tc.code,
							"reason":  tc.reason,
							"message": "rejected",
						},
					})
				},
			})
			defer srv.Close()

			client := newUserClient(t, srv.URL)
			_, err := client.InitiateGate(context.Background(), uuid.New())
			if err == nil {
				t.Fatal("expected error, got nil")
			}

			apiErr, ok := err.(*Error)
			if !ok {
				t.Fatalf("expected *Error, got %T", err)
			}
			if apiErr.Reason != tc.reason {
				t.Errorf("expected reason %q, got %q", tc.reason, apiErr.Reason)
			}
			if !tc.checkFn(err) {
				t.Errorf("%s should return true", tc.checkLabel)
			}
			if !IsConflict(err) {
				t.Error("IsConflict should return true for 409")
			}
		})
	}
}

func TestErrorStatusHelpers(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/gates": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusNotFound, map[string]any{
				"error": map[string]any{"code": "NOT_FOUND", "message": "no such session"},
			})
		},
	})
	defer srv.Close()

	client := newUserClient(t, srv.URL)
	_, err := client.MyGates(context.Background())
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !IsNotFound(err) {
		t.Error("IsNotFound should return true for 404")
	}
	if IsUnauthorized(err) {
		t.Error("IsUnauthorized should return false for 404")
	}

	apiErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T", err)
	}
	if apiErr.Message != "no such session" {
		t.Errorf("expected message 'no such session', got %q", apiErr.Message)
	}
}

func TestNonEnvelopeErrorBody(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/connections": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("upstream unavailable"))
		},
	})
	defer srv.Close()

	client := newUserClient(t, srv.URL)
	_, err := client.Connections(context.Background())
	if err == nil {
		t.Fatal("expected error, got nil")
	}

	apiErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T", err)
	}
	if apiErr.StatusCode != http.StatusBadGateway {
		t.Errorf("expected status 502, got %d", apiErr.StatusCode)
	}
	if !strings.Contains(apiErr.Message, "upstream unavailable") {
		t.Errorf("expected raw body in message, got %q", apiErr.Message)
	}
}

func TestTimeoutHandling(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/weighting": func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(2 * time.Second)
			writeJSON(w, http.StatusOK, map[string]any{
				"data": WeightingTable{Version: 1, Active: true},
			})
		},
	})
	defer srv.Close()

	client, cErr := NewClient(Config{
		BaseURL: srv.URL,
		Token:   "user-jwt",
		Timeout: 100 * time.Millisecond,
	})
	if cErr != nil {
		t.Fatalf("NewClient failed: %v", cErr)
	}

	_, err := client.Weighting(context.Background())
	if err == nil {
		t.Fatal("expected timeout error, got nil")
	}
}
