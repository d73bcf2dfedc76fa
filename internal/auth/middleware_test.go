package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

var testSecret = []byte("test-secret")

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return token
}

func hmacKeyfunc(*jwt.Token) (interface{}, error) {
	return testSecret, nil
}

// echoAgent writes the authenticated agent id
func echoAgent() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := AgentFromContext(r.Context())
		if !ok {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(claims.AgentID))
	})
}

func TestMiddleware(t *testing.T) {
	valid := signToken(t, jwt.MapClaims{
		"sub":  "agent-7",
		"name": "Grace",
		"exp":  float64(time.Now().Add(time.Hour).Unix()),
	})
	expired := signToken(t, jwt.MapClaims{
		"sub": "agent-7",
		"exp": float64(time.Now().Add(-time.Hour).Unix()),
	})
	noSubject := signToken(t, jwt.MapClaims{"name": "nobody"})

	tests := []struct {
		name       string
		opts       Options
		setup      func(r *http.Request)
		wantStatus int
		wantAgent  string
	}{
		{
			name:       "missing token",
			opts:       Options{},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "bearer token unverified",
			opts:       Options{},
			setup:      func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+valid) },
			wantStatus: http.StatusOK,
			wantAgent:  "agent-7",
		},
		{
			name: "query token for websockets",
			opts: Options{VerifySignature: true, Keyfunc: hmacKeyfunc},
			setup: func(r *http.Request) {
				q := r.URL.Query()
				q.Set("token", valid)
				r.URL.RawQuery = q.Encode()
			},
			wantStatus: http.StatusOK,
			wantAgent:  "agent-7",
		},
		{
			name:       "expired token",
			opts:       Options{VerifySignature: true, Keyfunc: hmacKeyfunc},
			setup:      func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+expired) },
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "expired token unverified",
			opts:       Options{},
			setup:      func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+expired) },
			wantStatus: http.StatusUnauthorized,
		},
		{
			name: "wrong signature",
			opts: Options{VerifySignature: true, Keyfunc: func(*jwt.Token) (interface{}, error) {
				return []byte("other-secret"), nil
			}},
			setup:      func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+valid) },
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "token without subject",
			opts:       Options{},
			setup:      func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+noSubject) },
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "verification without issuer",
			opts:       Options{VerifySignature: true},
			setup:      func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+valid) },
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "skip auth",
			opts:       Options{SkipAuth: true},
			wantStatus: http.StatusOK,
			wantAgent:  DevAgentID,
		},
		{
			name:       "skip auth with agent header",
			opts:       Options{SkipAuth: true},
			setup:      func(r *http.Request) { r.Header.Set("X-Agent-ID", "agent-3") },
			wantStatus: http.StatusOK,
			wantAgent:  "agent-3",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewAuthenticator(tt.opts, zerolog.Nop()).Middleware(echoAgent())

			req := httptest.NewRequest(http.MethodGet, "/api/agent/next", nil)
			if tt.setup != nil {
				tt.setup(req)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d (%s)", tt.wantStatus, rec.Code, rec.Body.String())
			}
			if tt.wantAgent != "" && rec.Body.String() != tt.wantAgent {
				t.Errorf("expected agent %q, got %q", tt.wantAgent, rec.Body.String())
			}
		})
	}
}

func TestExtractRole(t *testing.T) {
	tests := []struct {
		name   string
		claims jwt.MapClaims
		want   string
	}{
		{"keycloak supervisor", jwt.MapClaims{"realm_access": map[string]interface{}{"roles": []interface{}{"agent", "supervisor"}}}, "supervisor"},
		{"cognito admin", jwt.MapClaims{"cognito:groups": []interface{}{"desk-admins"}}, "admin"},
		{"no roles", jwt.MapClaims{}, "agent"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractRoleFromMapClaims(tt.claims); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}
