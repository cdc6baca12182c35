package intake

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// Caller is the authenticated user an upload is made for
type Caller struct {
	UserID   string
	TenantID string
	Language string // preferred default language, may be empty
}

type contextKey string

const callerKey contextKey = "caller"

// WithCaller returns a context carrying caller
func WithCaller(ctx context.Context, caller Caller) context.Context {
	return context.WithValue(ctx, callerKey, caller)
}

// CallerFromContext returns the caller set by the auth middleware
func CallerFromContext(ctx context.Context) (Caller, bool) {
	caller, ok := ctx.Value(callerKey).(Caller)
	return caller, ok
}

var errUnauthorized = errors.New("unauthorized")

// claims are the bearer token claims the service reads
type claims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tenant_id,omitempty"`
	Lang     string `json:"lang,omitempty"`
}

// Authenticator validates bearer tokens
type Authenticator struct {
	keyfunc jwt.Keyfunc
	methods []string
}

// NewHMACAuthenticator validates HS256 tokens signed with secret
func NewHMACAuthenticator(secret []byte) *Authenticator {
	return &Authenticator{
		keyfunc: func(*jwt.Token) (any, error) { return secret, nil },
		methods: []string{jwt.SigningMethodHS256.Alg()},
	}
}

// NewJWKSAuthenticator validates RS256/ES256 tokens against a remote JWKS
func NewJWKSAuthenticator(ctx context.Context, jwksURL string) (*Authenticator, error) {
	k, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("creating keyfunc: %w", err)
	}
	return &Authenticator{
		keyfunc: k.Keyfunc,
		methods: []string{jwt.SigningMethodRS256.Alg(), jwt.SigningMethodES256.Alg()},
	}, nil
}

// Authenticate extracts the caller from the request's bearer token
func (a *Authenticator) Authenticate(r *http.Request) (Caller, error) {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return Caller{}, fmt.Errorf("%w: missing bearer token", errUnauthorized)
	}

	parsed := &claims{}
	if _, err := jwt.ParseWithClaims(strings.TrimSpace(token), parsed, a.keyfunc,
		jwt.WithValidMethods(a.methods),
		jwt.WithExpirationRequired(),
	); err != nil {
		return Caller{}, fmt.Errorf("%w: %w", errUnauthorized, err)
	}

	subject, err := parsed.GetSubject()
	if err != nil || subject == "" {
		return Caller{}, fmt.Errorf("%w: token has no subject", errUnauthorized)
	}

	caller := Caller{UserID: subject, TenantID: parsed.TenantID, Language: parsed.Lang}
	if caller.TenantID == "" {
		caller.TenantID = subject
	}
	return caller, nil
}
