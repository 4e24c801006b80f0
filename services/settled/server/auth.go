package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"paysettle/native/settlement"
)

// AuthConfig configures bearer token verification. Tokens are HS256/384/512
// JWTs whose subject is the caller's hex address.
type AuthConfig struct {
	HMACSecret string
	Issuer     string
	Audience   []string
	ClockSkew  time.Duration
}

type callerKey struct{}

// CallerFromContext returns the authenticated caller identity.
func CallerFromContext(ctx context.Context) (settlement.Identity, bool) {
	caller, ok := ctx.Value(callerKey{}).(settlement.Identity)
	return caller, ok
}

// WithCaller stores caller in ctx.
func WithCaller(ctx context.Context, caller settlement.Identity) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// Authenticator verifies bearer tokens and resolves the caller identity. It
// does not decide what the caller may do; the engine does.
type Authenticator struct {
	cfg    AuthConfig
	secret []byte
	logger *slog.Logger
	now    func() time.Time
}

// NewAuthenticator validates cfg and returns an authenticator.
func NewAuthenticator(cfg AuthConfig, logger *slog.Logger) (*Authenticator, error) {
	secret := []byte(strings.TrimSpace(cfg.HMACSecret))
	if len(secret) == 0 {
		return nil, errors.New("auth secret not configured")
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{cfg: cfg, secret: secret, logger: logger, now: time.Now}, nil
}

// Middleware rejects requests without a valid bearer token and stores the
// caller identity in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := extractBearer(r.Header.Get("Authorization"))
		if tokenString == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing bearer token")
			return
		}
		caller, err := a.Authenticate(tokenString)
		if err != nil {
			a.logger.Warn("settled/server: token rejected", "route", r.URL.Path, "error", err)
			writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
	})
}

// Authenticate parses and validates tokenString and returns the subject identity.
func (a *Authenticator) Authenticate(tokenString string) (settlement.Identity, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwt.WithLeeway(a.cfg.ClockSkew), jwt.WithExpirationRequired(), jwt.WithTimeFunc(a.now))
	if err != nil {
		return settlement.ZeroIdentity, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return settlement.ZeroIdentity, errors.New("claims not map")
	}
	if err := a.validateClaims(claims); err != nil {
		return settlement.ZeroIdentity, err
	}
	subject, err := claims.GetSubject()
	if err != nil {
		return settlement.ZeroIdentity, err
	}
	caller, err := settlement.ParseIdentity(subject)
	if err != nil {
		return settlement.ZeroIdentity, fmt.Errorf("subject: %w", err)
	}
	if caller == settlement.ZeroIdentity {
		return settlement.ZeroIdentity, errors.New("subject is the zero address")
	}
	return caller, nil
}

func (a *Authenticator) validateClaims(claims jwt.MapClaims) error {
	if a.cfg.Issuer != "" {
		issuer, err := claims.GetIssuer()
		if err != nil || issuer != a.cfg.Issuer {
			return errors.New("issuer mismatch")
		}
	}
	if len(a.cfg.Audience) > 0 {
		audience, err := claims.GetAudience()
		if err != nil {
			return errors.New("audience mismatch")
		}
		for _, want := range a.cfg.Audience {
			for _, got := range audience {
				if got == want {
					return nil
				}
			}
		}
		return errors.New("audience mismatch")
	}
	return nil
}

func extractBearer(header string) string {
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
