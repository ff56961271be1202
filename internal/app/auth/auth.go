// Package auth guards the control api with http basic or jwt bearer
// authentication.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"os"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const identityKey = "auth.identity"

type Identity struct {
	Subject string
	Claims  jwt.MapClaims
}

type Error struct {
	Status  int
	Message string
	Headers map[string]string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("authentication failed with status %d", e.Status)
}

func (e *Error) Unwrap() error {
	return e.Err
}

type Authenticator interface {
	String() string
	Authenticate(r *http.Request) (*Identity, *Error)
}

// New returns nil when authentication is disabled.
func New(config *Config) (Authenticator, error) {
	if config == nil {
		return nil, nil
	}

	provider := strings.ToLower(strings.TrimSpace(config.Provider))
	if provider == "" && len(config.Basic) > 0 {
		provider = "basic"
	}

	switch provider {
	case "", "none":
		return nil, nil
	case "basic":
		return newBasic(config.Basic)
	case "jwt":
		return newJWT(&config.JWT)
	default:
		return nil, fmt.Errorf("unsupported auth provider '%s'", config.Provider)
	}
}

// Middleware rejects unauthenticated requests with a json error body and
// stores the identity of authenticated ones on the gin context.
func Middleware(a Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if a == nil {
			c.Next()
			return
		}

		identity, err := a.Authenticate(c.Request)
		if err != nil {
			for _, k := range slices.Sorted(maps.Keys(err.Headers)) {
				c.Header(k, err.Headers[k])
			}
			c.AbortWithStatusJSON(err.Status, gin.H{
				"error": gin.H{
					"code":    err.Status,
					"message": err.Error(),
					"status":  "Unauthorized",
				},
			})
			return
		}

		c.Set(identityKey, identity)
		c.Next()
	}
}

func IdentityFrom(c *gin.Context) (*Identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return nil, false
	}

	identity, ok := v.(*Identity)
	return identity, ok
}

// basic

type basic struct {
	credentials map[string]string
}

func newBasic(credentials map[string]string) (*basic, error) {
	sanitized := map[string]string{}
	for user, pass := range credentials { // nosemgrep: range-over-map
		if user = strings.TrimSpace(user); user != "" {
			sanitized[user] = pass
		}
	}

	if len(sanitized) == 0 {
		return nil, errors.New("basic auth provider requires credentials")
	}

	return &basic{credentials: sanitized}, nil
}

func (a *basic) String() string {
	return "auth:basic"
}

func (a *basic) Authenticate(r *http.Request) (*Identity, *Error) {
	username, password, ok := r.BasicAuth()
	if !ok {
		return nil, basicUnauthorized(errors.New("missing basic auth header"))
	}

	expected, exists := a.credentials[username]
	if !exists || subtle.ConstantTimeCompare([]byte(expected), []byte(password)) != 1 {
		return nil, basicUnauthorized(errors.New("invalid credentials"))
	}

	return &Identity{Subject: username}, nil
}

func basicUnauthorized(cause error) *Error {
	return &Error{
		Status:  http.StatusUnauthorized,
		Message: "unauthorized",
		Headers: map[string]string{"WWW-Authenticate": `Basic realm="outbox"`},
		Err:     cause,
	}
}

// jwt

type bearer struct {
	key    any
	parser *jwt.Parser
}

func newJWT(config *JWTConfig) (*bearer, error) {
	algorithm := config.Algorithm
	if algorithm == "" {
		algorithm = jwt.SigningMethodHS256.Alg()
	}

	method := jwt.GetSigningMethod(algorithm)
	if method == nil {
		return nil, fmt.Errorf("unknown jwt signing algorithm '%s'", algorithm)
	}

	material, err := keyMaterial(config)
	if err != nil {
		return nil, err
	}

	key, err := verificationKey(method.Alg(), material)
	if err != nil {
		return nil, err
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{method.Alg()}),
	}
	if config.ClockSkew > 0 {
		opts = append(opts, jwt.WithLeeway(config.ClockSkew))
	}
	if config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(config.Issuer))
	}
	if len(config.Audience) > 0 {
		opts = append(opts, jwt.WithAudience(config.Audience...))
	}

	return &bearer{
		key:    key,
		parser: jwt.NewParser(opts...),
	}, nil
}

func (a *bearer) String() string {
	return "auth:jwt"
}

func (a *bearer) Authenticate(r *http.Request) (*Identity, *Error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, bearerUnauthorized("missing authorization header", nil)
	}

	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return nil, bearerUnauthorized("invalid authorization header", errors.New("expected bearer token"))
	}

	claims := jwt.MapClaims{}
	if _, err := a.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) { return a.key, nil }); err != nil {
		return nil, bearerUnauthorized("invalid token", err)
	}

	subject, _ := claims.GetSubject()
	return &Identity{Subject: subject, Claims: claims}, nil
}

func bearerUnauthorized(message string, cause error) *Error {
	return &Error{
		Status:  http.StatusUnauthorized,
		Message: message,
		Headers: map[string]string{"WWW-Authenticate": "Bearer"},
		Err:     cause,
	}
}

func keyMaterial(config *JWTConfig) ([]byte, error) {
	if config.KeyFile != "" {
		data, err := os.ReadFile(config.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read jwt key file: %w", err)
		}
		return data, nil
	}
	if config.Key != "" {
		return []byte(config.Key), nil
	}
	return nil, errors.New("jwt key or key-file must be provided")
}

func verificationKey(algorithm string, material []byte) (any, error) {
	switch algorithm {
	case "HS256", "HS384", "HS512":
		return material, nil
	case "RS256", "RS384", "RS512", "PS256", "PS384", "PS512":
		return jwt.ParseRSAPublicKeyFromPEM(material)
	case "ES256", "ES384", "ES512":
		return jwt.ParseECPublicKeyFromPEM(material)
	case "EdDSA":
		return jwt.ParseEdPublicKeyFromPEM(material)
	default:
		return nil, fmt.Errorf("unsupported jwt algorithm '%s'", algorithm)
	}
}
