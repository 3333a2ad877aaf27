package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	jwt "github.com/golang-jwt/jwt/v5"
)

// Scopes understood by the API.
const (
	ScopeHolder = "holder"
	ScopeAdmin  = "admin"
)

// AuthConfig configures HS256 bearer token validation.
type AuthConfig struct {
	Secret    string
	Issuer    string
	Audience  string
	ClockSkew time.Duration
}

// Authenticator validates bearer tokens. Holder tokens carry the holder
// address as subject.
type Authenticator struct {
	cfg    AuthConfig
	secret []byte
	logger *slog.Logger
	now    func() time.Time
}

// Principal is the authenticated caller of a request.
type Principal struct {
	Subject string
	Scopes  []string
}

// Address returns the subject as a holder address.
func (p *Principal) Address() (common.Address, error) {
	if p == nil || !common.IsHexAddress(p.Subject) {
		return common.Address{}, errors.New("token subject is not an address")
	}
	return common.HexToAddress(p.Subject), nil
}

type principalContextKey struct{}

// PrincipalFromContext extracts the authenticated principal from ctx.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	if ctx == nil {
		return nil, false
	}
	principal, ok := ctx.Value(principalContextKey{}).(*Principal)
	if !ok || principal == nil {
		return nil, false
	}
	return principal, true
}

// NewAuthenticator constructs an authenticator from configuration.
func NewAuthenticator(cfg AuthConfig, logger *slog.Logger) (*Authenticator, error) {
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return nil, fmt.Errorf("auth secret required")
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{cfg: cfg, secret: []byte(secret), logger: logger, now: time.Now}, nil
}

// Middleware rejects requests without a valid token carrying every scope in
// required.
func (a *Authenticator) Middleware(required ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if a == nil {
				writeError(w, http.StatusInternalServerError, "authentication unavailable")
				return
			}
			token := extractBearer(r.Header.Get("Authorization"))
			if token == "" {
				writeError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			principal, err := a.Verify(token)
			if err != nil {
				a.logger.Debug("token rejected", slog.Any("error", err))
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			if !hasScopes(principal.Scopes, required) {
				writeError(w, http.StatusForbidden, "insufficient scope")
				return
			}
			ctx := context.WithValue(r.Context(), principalContextKey{}, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Verify parses token and checks its signature, issuer, audience and expiry.
func (a *Authenticator) Verify(token string) (*Principal, error) {
	opts := []jwt.ParserOption{
		jwt.WithLeeway(a.cfg.ClockSkew),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
		jwt.WithExpirationRequired(),
	}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}
	if a.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(a.cfg.Audience))
	}
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return nil, errors.New("token invalid")
	}
	subject, _ := claims.GetSubject()
	return &Principal{Subject: subject, Scopes: extractScopes(claims)}, nil
}

// Issue signs a token for subject with scopes, valid for ttl.
func (a *Authenticator) Issue(subject string, scopes []string, ttl time.Duration) (string, error) {
	now := a.now()
	claims := jwt.MapClaims{
		"sub":   subject,
		"scope": strings.Join(scopes, " "),
		"iat":   now.Unix(),
		"exp":   now.Add(ttl).Unix(),
	}
	if a.cfg.Issuer != "" {
		claims["iss"] = a.cfg.Issuer
	}
	if a.cfg.Audience != "" {
		claims["aud"] = a.cfg.Audience
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func extractScopes(claims jwt.MapClaims) []string {
	switch v := claims["scope"].(type) {
	case string:
		return strings.Fields(v)
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, entry := range v {
			if s, ok := entry.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func hasScopes(scopes, required []string) bool {
	set := make(map[string]struct{}, len(scopes))
	for _, scope := range scopes {
		set[scope] = struct{}{}
	}
	for _, req := range required {
		if _, ok := set[req]; !ok {
			return false
		}
	}
	return true
}

func extractBearer(header string) string {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
