package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"lendcore/observability/logging"
	"lendcore/services/lendingd/config"
)

// AdminScope is the JWT scope required on administrative routes.
const AdminScope = "lending:admin"

type authContextKey struct{}

// Principal describes how an administrative request authenticated.
type Principal struct {
	Method  string
	Subject string
}

// PrincipalFrom returns the principal installed by the admin middleware.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	p, ok := ctx.Value(authContextKey{}).(Principal)
	return p, ok
}

var (
	errAuthRequired   = errors.New("authentication required")
	errAuthNotEnabled = errors.New("authentication is not configured")
	errScope          = errors.New("insufficient scope")
)

// Authenticator accepts a static API token, an HMAC JWT carrying the admin
// scope or an mTLS client certificate with an allowed common name.
type Authenticator struct {
	tokens      map[string]struct{}
	commonNames map[string]struct{}
	secret      []byte
	issuer      string
	audience    string
	scopeClaim  string
	clockSkew   time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// NewAuthenticator builds an authenticator from the daemon's auth section.
func NewAuthenticator(cfg config.AuthConfig, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Authenticator{
		tokens:      make(map[string]struct{}),
		commonNames: make(map[string]struct{}),
		secret:      []byte(strings.TrimSpace(cfg.JWT.Secret)),
		issuer:      strings.TrimSpace(cfg.JWT.Issuer),
		audience:    strings.TrimSpace(cfg.JWT.Audience),
		scopeClaim:  strings.TrimSpace(cfg.JWT.ScopeClaim),
		clockSkew:   cfg.JWT.ClockSkew,
		logger:      logger,
		now:         time.Now,
	}
	for _, token := range cfg.APITokens {
		if trimmed := strings.TrimSpace(token); trimmed != "" {
			a.tokens[trimmed] = struct{}{}
		}
	}
	for _, name := range cfg.MTLS.AllowedCommonNames {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			a.commonNames[trimmed] = struct{}{}
		}
	}
	if a.scopeClaim == "" {
		a.scopeClaim = "scope"
	}
	if a.clockSkew <= 0 {
		a.clockSkew = 2 * time.Minute
	}
	return a
}

func (a *Authenticator) enabled() bool {
	return len(a.tokens) > 0 || len(a.commonNames) > 0 || len(a.secret) > 0
}

// Middleware rejects requests that do not authenticate as an operator.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := a.authenticate(r)
		if err != nil {
			status := http.StatusUnauthorized
			if errors.Is(err, errScope) || errors.Is(err, errAuthNotEnabled) {
				status = http.StatusForbidden
			}
			writeJSONError(w, status, "unauthorized", err)
			return
		}
		ctx := context.WithValue(r.Context(), authContextKey{}, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Authenticator) authenticate(r *http.Request) (Principal, error) {
	if a == nil || !a.enabled() {
		return Principal{}, errAuthNotEnabled
	}
	if subject, ok := a.authenticateByMTLS(r); ok {
		return Principal{Method: "mtls", Subject: subject}, nil
	}
	bearer := parseBearerToken(r.Header.Get("Authorization"))
	if bearer == "" {
		bearer = strings.TrimSpace(r.Header.Get("X-API-Token"))
	}
	if bearer == "" {
		return Principal{}, errAuthRequired
	}
	if a.tokenAllowed(bearer) {
		return Principal{Method: "token"}, nil
	}
	if len(a.secret) == 0 {
		return Principal{}, errAuthRequired
	}
	claims, err := a.parseToken(bearer)
	if err != nil {
		a.logger.Warn("admin token rejected", "error", err, logging.MaskField("token", bearer))
		return Principal{}, errAuthRequired
	}
	subject, _ := claims.GetSubject()
	if !hasScope(extractScopes(claims, a.scopeClaim), AdminScope) {
		a.logger.Warn("admin token missing scope", "scope", AdminScope, logging.MaskField("subject", subject))
		return Principal{}, errScope
	}
	return Principal{Method: "jwt", Subject: subject}, nil
}

func (a *Authenticator) tokenAllowed(candidate string) bool {
	for token := range a.tokens {
		if subtle.ConstantTimeCompare([]byte(token), []byte(candidate)) == 1 {
			return true
		}
	}
	return false
}

func (a *Authenticator) authenticateByMTLS(r *http.Request) (string, bool) {
	if len(a.commonNames) == 0 || r.TLS == nil {
		return "", false
	}
	for _, chain := range r.TLS.VerifiedChains {
		if len(chain) == 0 {
			continue
		}
		if name := strings.TrimSpace(chain[0].Subject.CommonName); a.commonNameAllowed(name) {
			return name, true
		}
	}
	return "", false
}

func (a *Authenticator) commonNameAllowed(name string) bool {
	_, ok := a.commonNames[name]
	return ok
}

func (a *Authenticator) parseToken(tokenString string) (jwt.MapClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithLeeway(a.clockSkew),
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithTimeFunc(a.now),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		opts = append(opts, jwt.WithAudience(a.audience))
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, errors.New("token invalid")
	}
	return claims, nil
}

func extractScopes(claims jwt.MapClaims, scopeClaim string) []string {
	switch v := claims[scopeClaim].(type) {
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

func hasScope(scopes []string, required string) bool {
	for _, scope := range scopes {
		if scope == required {
			return true
		}
	}
	return false
}

func parseBearerToken(header string) string {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(strings.TrimSpace(parts[0]), "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
