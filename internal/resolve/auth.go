package resolve

import (
	"errors"
	"net/http"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/watzon/fngate/internal/apierror"
	"github.com/watzon/fngate/internal/definition"
)

var (
	ErrMissingToken     = errors.New("missing bearer token")
	ErrInvalidToken     = errors.New("invalid token")
	ErrExpiredToken     = errors.New("token has expired")
	ErrInvalidIssuer    = errors.New("invalid token issuer")
	ErrInvalidAudience  = errors.New("invalid token audience")
	ErrMissingSubject   = errors.New("token missing subject")
	ErrInvalidSignature = errors.New("invalid token signature")
)

// Claims is the verified identity of a caller.
type Claims struct {
	Subject string
	Role    string
}

type tokenClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
}

// BearerAuth verifies HS256 tokens from the Authorization header.
type BearerAuth struct {
	secret   []byte
	issuer   string
	audience []string
	required bool
	lockout  *Lockout
}

// BearerAuthConfig configures BearerAuth.
type BearerAuthConfig struct {
	Secret   string
	Issuer   string
	Audience []string
	// Required rejects requests without a token.
	Required bool
	// Lockout, when set, blocks client IPs that keep sending invalid tokens.
	Lockout *Lockout
}

// NewBearerAuth creates a token verifier.
func NewBearerAuth(cfg BearerAuthConfig) *BearerAuth {
	return &BearerAuth{
		secret:   []byte(cfg.Secret),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		required: cfg.Required,
		lockout:  cfg.Lockout,
	}
}

// Resolve implements gateway.Resolver. A present but invalid token is
// always rejected.
func (a *BearerAuth) Resolve(r *http.Request, _ *definition.Definition) error {
	ip := ClientIP(r)
	if a.lockout != nil && a.lockout.Blocked(ip) {
		return apierror.New(apierror.KindAccessAuth, "Too many failed authentication attempts")
	}

	_, err := a.Authenticate(r)
	switch {
	case err == nil:
		if a.lockout != nil {
			a.lockout.Clear(ip)
		}
		return nil
	case errors.Is(err, ErrMissingToken):
		if !a.required {
			return nil
		}
	case a.lockout != nil:
		a.lockout.RecordFailure(ip)
	}
	return apierror.New(apierror.KindAccessAuth, "Unauthorized: "+err.Error())
}

// Authenticate returns the caller's claims. It returns ErrMissingToken when
// the request carries no bearer token.
func (a *BearerAuth) Authenticate(r *http.Request) (*Claims, error) {
	token := bearerToken(r)
	if token == "" {
		return nil, ErrMissingToken
	}
	return a.Validate(token)
}

// Subject returns the verified subject of the request, if any.
func (a *BearerAuth) Subject(r *http.Request) (string, bool) {
	c, err := a.Authenticate(r)
	if err != nil {
		return "", false
	}
	return c.Subject, true
}

// Validate checks a token's signature and registered claims.
func (a *BearerAuth) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &tokenClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidSignature
		}
		return a.secret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*tokenClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	if a.issuer != "" && claims.Issuer != a.issuer {
		return nil, ErrInvalidIssuer
	}

	if claims.Subject == "" {
		return nil, ErrMissingSubject
	}

	if len(a.audience) > 0 {
		valid := false
		for _, aud := range claims.Audience {
			if slices.Contains(a.audience, aud) {
				valid = true
				break
			}
		}
		if !valid {
			return nil, ErrInvalidAudience
		}
	}

	return &Claims{Subject: claims.Subject, Role: claims.Role}, nil
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		header = r.Header.Get("X-Authorization")
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
