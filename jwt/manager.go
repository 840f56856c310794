package jwt

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SigningMethod selects the token signature algorithm.
type SigningMethod string

const (
	// MethodEd25519 signs with an Ed25519 keypair (default).
	MethodEd25519 SigningMethod = "ed25519"
	// MethodHS256 signs with a shared HMAC secret.
	MethodHS256 SigningMethod = "hs256"
)

// ErrTokenInvalid is returned for any token failing signature, expiry,
// issuer, or structural checks. Callers get no finer detail by design.
var ErrTokenInvalid = errors.New("invalid or expired token")

// Both kinds are signed with the same key, so each carries a type claim and
// the parsers require it. A refresh token must never pass as a bearer
// credential, and vice versa.
const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

// Config holds signing material and token lifetimes.
type Config struct {
	SigningMethod SigningMethod
	// PrivateKey is the Ed25519 private key (raw or PEM) or the HS256 secret.
	PrivateKey []byte
	// PublicKey is the Ed25519 public key (raw or PEM); unused for HS256.
	PublicKey  []byte
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Leeway     time.Duration
}

// AccessClaims is the self-contained access token payload. Validity is
// purely cryptographic: nothing here is looked up server-side.
type AccessClaims struct {
	Scope     string `json:"scope,omitempty"`
	TokenType string `json:"typ"`
	jwt.RegisteredClaims
}

// RefreshClaims is the refresh token payload. TokenID must match the latest
// active id recorded for FamilyID in the session store; the token alone is
// not sufficient.
type RefreshClaims struct {
	FamilyID  string `json:"fam"`
	TokenID   string `json:"jti"`
	TokenType string `json:"typ"`
	jwt.RegisteredClaims
}

// Manager mints and parses both token kinds. It is immutable after
// construction and safe for concurrent use.
type Manager struct {
	config Config
}

// NewManager validates the signing configuration. A missing or malformed key
// is fatal here rather than at first use.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("invalid TTL configuration")
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("invalid leeway configuration")
	}
	switch cfg.SigningMethod {
	case MethodHS256:
		if len(cfg.PrivateKey) == 0 {
			return nil, errors.New("hs256 requires a secret key")
		}
	case MethodEd25519:
		if _, err := parseEdPrivateKey(cfg.PrivateKey); err != nil {
			return nil, err
		}
		if len(cfg.PublicKey) > 0 {
			if _, err := parseEdPublicKey(cfg.PublicKey); err != nil {
				return nil, err
			}
		} else {
			// Derive the verify key so construction fails loudly if the
			// private key cannot produce one.
			priv, err := parseEdPrivateKey(cfg.PrivateKey)
			if err != nil {
				return nil, err
			}
			cfg.PublicKey = priv.Public().(ed25519.PublicKey)
		}
	default:
		return nil, errors.New("unsupported signing method")
	}
	return &Manager{config: cfg}, nil
}

// CreateAccess mints a short-lived access token for subject with the given
// scope.
func (m *Manager) CreateAccess(subject, scope string) (string, error) {
	now := time.Now()
	claims := AccessClaims{
		Scope:     scope,
		TokenType: tokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    m.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.config.AccessTTL)),
		},
	}
	return m.sign(jwt.NewWithClaims(m.method(), claims))
}

// ParseAccess verifies signature, expiry, issuer, and the token type, and
// returns the claims.
func (m *Manager) ParseAccess(tokenStr string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if err := m.parse(tokenStr, claims); err != nil {
		return nil, err
	}
	if claims.TokenType != tokenTypeAccess {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// CreateRefresh mints a refresh token bound to the family lineage.
func (m *Manager) CreateRefresh(subject, familyID, tokenID string) (string, error) {
	now := time.Now()
	claims := RefreshClaims{
		FamilyID:  familyID,
		TokenID:   tokenID,
		TokenType: tokenTypeRefresh,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    m.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.config.RefreshTTL)),
		},
	}
	return m.sign(jwt.NewWithClaims(m.method(), claims))
}

// ParseRefresh verifies the token and requires the type and both lineage
// claims.
func (m *Manager) ParseRefresh(tokenStr string) (*RefreshClaims, error) {
	claims := &RefreshClaims{}
	if err := m.parse(tokenStr, claims); err != nil {
		return nil, err
	}
	if claims.TokenType != tokenTypeRefresh || claims.FamilyID == "" || claims.TokenID == "" {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

func (m *Manager) sign(token *jwt.Token) (string, error) {
	key, err := m.signKey()
	if err != nil {
		return "", err
	}
	return token.SignedString(key)
}

func (m *Manager) parse(tokenStr string, claims jwt.Claims) error {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{m.method().Alg()}),
		jwt.WithIssuedAt(),
	}
	if m.config.Leeway > 0 {
		options = append(options, jwt.WithLeeway(m.config.Leeway))
	}
	if m.config.Issuer != "" {
		options = append(options, jwt.WithIssuer(m.config.Issuer))
	}

	parser := jwt.NewParser(options...)
	token, err := parser.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != m.method().Alg() {
			return nil, fmt.Errorf("unexpected signing algorithm: %s", t.Method.Alg())
		}
		return m.verifyKey()
	})
	if err != nil || !token.Valid {
		return ErrTokenInvalid
	}
	return nil
}

func (m *Manager) method() jwt.SigningMethod {
	switch m.config.SigningMethod {
	case MethodHS256:
		return jwt.SigningMethodHS256
	default:
		return jwt.SigningMethodEdDSA
	}
}

func (m *Manager) signKey() (interface{}, error) {
	switch m.config.SigningMethod {
	case MethodHS256:
		return m.config.PrivateKey, nil
	default:
		return parseEdPrivateKey(m.config.PrivateKey)
	}
}

func (m *Manager) verifyKey() (interface{}, error) {
	switch m.config.SigningMethod {
	case MethodHS256:
		return m.config.PrivateKey, nil
	default:
		return parseEdPublicKey(m.config.PublicKey)
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
