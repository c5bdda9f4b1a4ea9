package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"github.com/rpattn/cvsync/internal/domain"
)

// Claims is the session token payload issued by the auth gateway.
type Claims struct {
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Config controls session verification.
type Config struct {
	Secret   string
	Issuer   string
	Disabled bool
}

// Verifier validates HS256 session tokens.
type Verifier struct {
	secret   []byte
	issuer   string
	disabled bool
	now      func() time.Time
	logger   logrus.FieldLogger
}

func NewVerifier(cfg Config, logger logrus.FieldLogger) (*Verifier, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if !cfg.Disabled && strings.TrimSpace(cfg.Secret) == "" {
		return nil, errors.New("auth secret is required unless auth is disabled")
	}
	return &Verifier{
		secret:   []byte(cfg.Secret),
		issuer:   cfg.Issuer,
		disabled: cfg.Disabled,
		now:      time.Now,
		logger:   logger.WithField("component", "auth"),
	}, nil
}

// anonymous stands in for the caller when verification is disabled.
var anonymous = User{ID: "local", Name: "local"}

// Issue signs a session token for subject. Used by operator tooling and tests.
func (v *Verifier) Issue(user User, ttl time.Duration) (string, error) {
	now := v.now()
	claims := Claims{
		Email: user.Email,
		Name:  user.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// Parse validates a raw token. Every failure wraps domain.ErrAuthRequired.
func (v *Verifier) Parse(raw string) (User, error) {
	if v.disabled {
		return anonymous, nil
	}
	if raw == "" {
		return User{}, fmt.Errorf("%w: missing session token", domain.ErrAuthRequired)
	}
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		options = append(options, jwt.WithIssuer(v.issuer))
	}
	var claims Claims
	if _, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, options...); err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return User{}, fmt.Errorf("%w: session expired", domain.ErrAuthRequired)
		}
		return User{}, fmt.Errorf("%w: invalid session token: %v", domain.ErrAuthRequired, err)
	}
	if claims.Subject == "" {
		return User{}, fmt.Errorf("%w: token has no subject", domain.ErrAuthRequired)
	}
	return User{ID: claims.Subject, Email: claims.Email, Name: claims.Name}, nil
}

// Authenticate reads the token from the Authorization header, falling back to the token query
// parameter because browsers cannot set headers on websocket upgrades.
func (v *Verifier) Authenticate(r *http.Request) (User, error) {
	if v.disabled {
		return anonymous, nil
	}
	return v.Parse(TokenFromRequest(r))
}

// TokenFromRequest extracts a bearer token from r.
func TokenFromRequest(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// Middleware attaches the session user to the request context. Mutating methods without a valid session
// are rejected with 401 and code AUTH_REQUIRED; reads proceed anonymously.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := v.Authenticate(r)
		if err == nil {
			next.ServeHTTP(w, r.WithContext(ContextWithUser(r.Context(), user)))
			return
		}
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}
		v.logger.WithFields(logrus.Fields{"path": r.URL.Path, "method": r.Method}).WithError(err).Info("rejected unauthenticated request")
		WriteAuthRequired(w, err)
	})
}

// WriteAuthRequired renders the 401 body clients use to trigger re-authentication.
func WriteAuthRequired(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="cvsync"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": err.Error(),
		"code":  "AUTH_REQUIRED",
	})
}
