package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// Claims identifies the agent behind a request
type Claims struct {
	AgentID string   `json:"agentId"`
	Email   string   `json:"email"`
	Name    string   `json:"name"`
	Role    string   `json:"role"`
	Groups  []string `json:"groups"`
	jwt.RegisteredClaims
}

type contextKey string

const AgentContextKey contextKey = "agent"

// Options configures token validation
type Options struct {
	// SkipAuth accepts every request as the dev agent, or as the agent named
	// in the X-Agent-ID header
	SkipAuth bool
	// VerifySignature checks signatures with the issuer's JWKS (or Keyfunc)
	VerifySignature bool
	OIDCIssuer      string
	// Keyfunc overrides the JWKS lookup
	Keyfunc jwt.Keyfunc
}

// DevAgentID is the agent used with SkipAuth when no X-Agent-ID is sent
const DevAgentID = "dev-agent"

// Authenticator validates agent tokens
type Authenticator struct {
	opts   Options
	logger zerolog.Logger

	mu      sync.Mutex
	keyfunc jwt.Keyfunc
}

// NewAuthenticator creates an Authenticator. JWKS keys are fetched on first use.
func NewAuthenticator(opts Options, logger zerolog.Logger) *Authenticator {
	return &Authenticator{
		opts:    opts,
		logger:  logger.With().Str("component", "auth").Logger(),
		keyfunc: opts.Keyfunc,
	}
}

// Middleware rejects requests without a valid agent token
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.opts.SkipAuth {
			agentID := r.Header.Get("X-Agent-ID")
			if agentID == "" {
				agentID = r.URL.Query().Get("agent")
			}
			if agentID == "" {
				agentID = DevAgentID
			}
			ctx := WithClaims(r.Context(), &Claims{
				AgentID: agentID,
				Name:    "Dev Agent",
				Role:    "agent",
			})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		tokenString := extractToken(r)
		if tokenString == "" {
			a.logger.Debug().Str("path", r.URL.Path).Msg("missing authorization token")
			writeUnauthorized(w, "missing token")
			return
		}

		claims, err := a.ValidateToken(tokenString)
		if err != nil {
			a.logger.Warn().Err(err).Str("path", r.URL.Path).Msg("token validation failed")
			writeUnauthorized(w, err.Error())
			return
		}

		a.logger.Debug().Str("agent_id", claims.AgentID).Str("role", claims.Role).Msg("agent authenticated")
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	fmt.Fprintf(w, `{"error":%q,"code":"unauthorized"}`, "Unauthorized: "+msg)
}

// extractToken gets the token from Authorization header or query parameter
func extractToken(r *http.Request) string {
	// Try Authorization header first
	authHeader := r.Header.Get("Authorization")
	if authHeader != "" {
		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString != authHeader {
			return tokenString
		}
	}

	// Try query parameter (for WebSocket connections)
	return r.URL.Query().Get("token")
}

// ValidateToken parses a token and returns the agent it identifies
func (a *Authenticator) ValidateToken(tokenString string) (*Claims, error) {
	var token *jwt.Token
	var err error

	if a.opts.VerifySignature {
		kf, err := a.getKeyfunc()
		if err != nil {
			return nil, err
		}
		token, err = jwt.Parse(tokenString, kf, jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512", "HS256"}))
		if err != nil {
			return nil, fmt.Errorf("token verification failed: %w", err)
		}
		if !token.Valid {
			return nil, fmt.Errorf("invalid token")
		}
	} else {
		// Development: parse without verification
		token, _, err = new(jwt.Parser).ParseUnverified(tokenString, jwt.MapClaims{})
		if err != nil {
			return nil, fmt.Errorf("failed to parse token: %w", err)
		}
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("invalid token claims")
	}

	claims := &Claims{}
	if sub, ok := mapClaims["sub"].(string); ok {
		claims.Subject = sub
		claims.AgentID = sub
	}
	if claims.AgentID == "" {
		return nil, fmt.Errorf("token has no subject")
	}
	if email, ok := mapClaims["email"].(string); ok {
		claims.Email = email
	}
	if name, ok := mapClaims["name"].(string); ok {
		claims.Name = name
	} else if preferredUsername, ok := mapClaims["preferred_username"].(string); ok {
		claims.Name = preferredUsername
	}
	claims.Role = extractRoleFromMapClaims(mapClaims)
	claims.Groups = extractGroupsFromMapClaims(mapClaims)

	// Verified tokens have their expiry checked by the parser
	if exp, ok := mapClaims["exp"].(float64); ok {
		expTime := time.Unix(int64(exp), 0)
		claims.ExpiresAt = jwt.NewNumericDate(expTime)
		if !a.opts.VerifySignature && expTime.Before(time.Now()) {
			return nil, fmt.Errorf("token expired")
		}
	}

	return claims, nil
}

// getKeyfunc returns the configured keyfunc, loading the issuer's JWKS once
func (a *Authenticator) getKeyfunc() (jwt.Keyfunc, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.keyfunc != nil {
		return a.keyfunc, nil
	}
	if a.opts.OIDCIssuer == "" {
		return nil, fmt.Errorf("OIDC_ISSUER not configured for JWT verification")
	}

	// Keycloak JWKS location
	jwksURL := strings.TrimSuffix(a.opts.OIDCIssuer, "/") + "/protocol/openid-connect/certs"
	a.logger.Info().Str("jwks_url", jwksURL).Msg("fetching JWKS")

	k, err := keyfunc.NewDefault([]string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("failed to create keyfunc: %w", err)
	}
	a.keyfunc = k.Keyfunc
	return a.keyfunc, nil
}

// extractRoleFromMapClaims extracts role from various possible token claim locations
func extractRoleFromMapClaims(mapClaims jwt.MapClaims) string {
	// Check realm_access.roles (Keycloak)
	if realmAccess, ok := mapClaims["realm_access"].(map[string]interface{}); ok {
		if roles, ok := realmAccess["roles"].([]interface{}); ok {
			// Priority order: admin > supervisor > agent
			for _, priority := range []string{"admin", "supervisor", "agent"} {
				for _, role := range roles {
					if roleStr, ok := role.(string); ok && roleStr == priority {
						return roleStr
					}
				}
			}
		}
	}

	// Check cognito:groups (AWS Cognito)
	if cognitoGroups, ok := mapClaims["cognito:groups"].([]interface{}); ok {
		for _, group := range cognitoGroups {
			if groupStr, ok := group.(string); ok {
				if strings.Contains(groupStr, "admin") {
					return "admin"
				}
				if strings.Contains(groupStr, "supervisor") {
					return "supervisor"
				}
			}
		}
	}

	return "agent"
}

// extractGroupsFromMapClaims extracts groups from token claims
func extractGroupsFromMapClaims(mapClaims jwt.MapClaims) []string {
	var groups []string
	for _, key := range []string{"groups", "cognito:groups"} {
		if list, ok := mapClaims[key].([]interface{}); ok {
			for _, group := range list {
				if groupStr, ok := group.(string); ok {
					groups = append(groups, groupStr)
				}
			}
		}
	}
	return groups
}

// WithClaims stores agent claims in a context
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, AgentContextKey, claims)
}

// AgentFromContext retrieves agent claims from request context
func AgentFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(AgentContextKey).(*Claims)
	return claims, ok && claims != nil
}

// HasRole checks if the agent has a specific role
func HasRole(claims *Claims, role string) bool {
	return claims.Role == role
}
