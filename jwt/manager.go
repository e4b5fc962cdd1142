package jwt

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SchemaVersion is the only claim-schema version this build understands.
// Tokens carrying any other value are rejected outright; there is no silent
// promotion of unknown versions.
const SchemaVersion uint8 = 1

// SigningMethod defines a public type used by authkit APIs.
type SigningMethod string

const (
	// MethodEd25519 is an exported constant or variable used by the authentication engine.
	MethodEd25519 SigningMethod = "ed25519"
	// MethodHS256 is an exported constant or variable used by the authentication engine.
	MethodHS256 SigningMethod = "hs256"
)

// ErrExpired marks a token whose expiry check failed with zero leeway.
var ErrExpired = jwt.ErrTokenExpired

// ErrMissingClaims marks a structurally valid token lacking required claims.
var ErrMissingClaims = errors.New("required claims missing")

// Config defines a public type used by authkit APIs.
//
// Config instances are intended to be configured during initialization and
// then treated as immutable.
type Config struct {
	AccessTTL     time.Duration
	SigningMethod SigningMethod
	Keys          KeyProvider
	Issuer        string
	Audience      string
	Environment   string
	Leeway        time.Duration // symmetric skew allowance on iat/nbf only
	Now           func() time.Time
}

// Manager signs and verifies access tokens. The cryptographic and
// structural checks here are step one of the validation pipeline; the
// revocation, session, and denylist checks live in the engine.
type Manager struct {
	config   Config
	audience string
}

// AccessClaims is the claim set carried by every access token.
type AccessClaims struct {
	Roles  []string `json:"rls,omitempty"`
	Scopes []string `json:"scp,omitempty"`
	Ver    uint8    `json:"ver"`
	RC     uint64   `json:"rc"`
	SID    string   `json:"sid"`
	jwt.RegisteredClaims
}

// NewManager validates cfg and returns a [Manager].
func NewManager(cfg Config) (*Manager, error) {
	if cfg.AccessTTL <= 0 {
		return nil, errors.New("invalid TTL configuration")
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("invalid leeway configuration")
	}
	if cfg.Keys == nil {
		return nil, errors.New("key provider required")
	}
	if strings.TrimSpace(cfg.Issuer) == "" {
		return nil, errors.New("issuer required")
	}
	if strings.TrimSpace(cfg.Audience) == "" || strings.TrimSpace(cfg.Environment) == "" {
		return nil, errors.New("audience and environment required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	switch cfg.SigningMethod {
	case MethodHS256:
	case MethodEd25519:
		_, key, err := cfg.Keys.Current()
		if err != nil {
			return nil, err
		}
		if _, err := parseEdPrivateKey(key); err != nil {
			return nil, err
		}
	default:
		return nil, errors.New("unsupported signing method")
	}

	return &Manager{
		config:   cfg,
		audience: cfg.Audience + ":" + cfg.Environment,
	}, nil
}

// Audience returns the environment-qualified audience stamped into tokens.
func (j *Manager) Audience() string {
	return j.audience
}

// AccessTTL returns the configured access-token lifetime.
func (j *Manager) AccessTTL() time.Duration {
	return j.config.AccessTTL
}

// CreateAccess builds and signs an access token with the current key.
func (j *Manager) CreateAccess(
	userID string,
	roles []string,
	scopes []string,
	revocationCounter uint64,
	sessionID string,
	tokenID string,
) (string, error) {
	now := j.config.Now()

	claims := AccessClaims{
		Roles:  roles,
		Scopes: scopes,
		Ver:    SchemaVersion,
		RC:     revocationCounter,
		SID:    sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ID:        tokenID,
			Issuer:    j.config.Issuer,
			Audience:  jwt.ClaimStrings{j.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(j.config.AccessTTL)),
		},
	}

	token := jwt.NewWithClaims(j.getMethod(), claims)

	kid, key, err := j.config.Keys.Current()
	if err != nil {
		return "", err
	}
	if kid != "" {
		token.Header["kid"] = kid
	}

	signKey, err := j.signKey(key)
	if err != nil {
		return "", err
	}

	return token.SignedString(signKey)
}

// ParseAccess verifies signature, required-claims presence, issuer, the
// environment-qualified audience, and the time window. The configured leeway
// applies symmetrically to iat and nbf; expiry is re-checked afterwards with
// zero leeway.
func (j *Manager) ParseAccess(tokenStr string) (*AccessClaims, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{j.getMethod().Alg()}),
		jwt.WithIssuer(j.config.Issuer),
		jwt.WithAudience(j.audience),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(j.config.Now),
	}
	if j.config.Leeway > 0 {
		options = append(options, jwt.WithLeeway(j.config.Leeway))
	}

	parser := jwt.NewParser(options...)
	token, err := parser.ParseWithClaims(tokenStr, &AccessClaims{}, j.verifyKeyFunc)
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*AccessClaims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	if claims.Subject == "" || claims.SID == "" || claims.ID == "" ||
		claims.ExpiresAt == nil || claims.IssuedAt == nil || claims.NotBefore == nil {
		return nil, ErrMissingClaims
	}

	now := j.config.Now()
	if claims.IssuedAt.Time.After(now.Add(j.config.Leeway)) {
		return nil, jwt.ErrTokenUsedBeforeIssued
	}
	// The parser applied leeway to exp as well; the contract here is strict.
	if !now.Before(claims.ExpiresAt.Time) {
		return nil, fmt.Errorf("%w: hard expiry", ErrExpired)
	}

	return claims, nil
}

func (j *Manager) verifyKeyFunc(t *jwt.Token) (interface{}, error) {
	if t.Method.Alg() != j.getMethod().Alg() {
		return nil, fmt.Errorf("unexpected signing algorithm: %s", t.Method.Alg())
	}

	kid, _ := t.Header["kid"].(string)
	if kid == "" {
		_, key, err := j.config.Keys.Current()
		if err != nil {
			return nil, err
		}
		return j.verifyKey(key)
	}

	key, ok := j.config.Keys.Verify(kid)
	if !ok {
		return nil, errors.New("unknown kid")
	}
	return j.verifyKey(key)
}

func (j *Manager) getMethod() jwt.SigningMethod {
	switch j.config.SigningMethod {
	case MethodHS256:
		return jwt.SigningMethodHS256
	default:
		return jwt.SigningMethodEdDSA
	}
}

func (j *Manager) signKey(key []byte) (interface{}, error) {
	switch j.config.SigningMethod {
	case MethodHS256:
		return key, nil
	default:
		return parseEdPrivateKey(key)
	}
}

func (j *Manager) verifyKey(key []byte) (interface{}, error) {
	switch j.config.SigningMethod {
	case MethodHS256:
		return key, nil
	default:
		priv, err := parseEdPrivateKey(key)
		if err == nil {
			return priv.Public(), nil
		}
		return parseEdPublicKey(key)
	}
}

func parseEdPrivateKey(key []byte) (ed25519.PrivateKey, error) {
	if len(key) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(key), nil
	}
	parsed, err := jwt.ParseEdPrivateKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 private key")
	}
	edKey, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("invalid ed25519 private key type")
	}
	return edKey, nil
}

func parseEdPublicKey(key []byte) (ed25519.PublicKey, error) {
	if len(key) == ed25519.PublicKeySize {
		return ed25519.PublicKey(key), nil
	}
	parsed, err := jwt.ParseEdPublicKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 public key")
	}
	edKey, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("invalid ed25519 public key type")
	}
	return edKey, nil
}
