package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	defaultJWKSCacheTTL = 10 * time.Minute
	defaultGroupsClaim  = "cognito:groups"
	defaultAdminGroup   = "admin"
)

var (
	errMissingToken          = errors.New("access token must not be empty")
	errMissingKeyIdentifier  = errors.New("token missing key identifier")
	errKeyNotFound           = errors.New("signing key not found in JWKS")
	errMissingSubject        = errors.New("token missing subject claim")
	errMissingAudienceConfig = errors.New("audience configuration required")
	errMissingJWKSURL        = errors.New("jwks url configuration required")
	// ErrInvalidVerifierConfig wraps construction-time configuration errors.
	ErrInvalidVerifierConfig = errors.New("auth: invalid pool verifier config")
)

// PoolVerifierConfig bundles configuration required to instantiate a PoolVerifier.
type PoolVerifierConfig struct {
	Audience    string
	JWKSURL     string
	AdminGroup  string
	GroupsClaim string
	HTTPClient  *http.Client
	CacheTTL    time.Duration
	Logger      *zap.Logger
	Clock       func() time.Time
}

// PoolClaims exposes validated claim data required by downstream services.
type PoolClaims struct {
	Subject  string
	Issuer   string
	Expiry   time.Time
	IssuedAt time.Time
	Groups   []string
}

// PoolVerifier verifies identity-pool access tokens offline using cached
// JWKS. It is the entire authorization boundary: downstream code only ever
// consumes the admin role persisted in the registry, re-derived here once
// at authentication time.
type PoolVerifier struct {
	config     PoolVerifierConfig
	logger     *zap.Logger
	httpClient *http.Client
	clock      func() time.Time
	cache      *jwksCache
}

// NewPoolVerifier constructs a verifier with validated configuration.
func NewPoolVerifier(cfg PoolVerifierConfig) (*PoolVerifier, error) {
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidVerifierConfig, errMissingAudienceConfig)
	}

	jwksURL := strings.TrimSpace(cfg.JWKSURL)
	if jwksURL == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidVerifierConfig, errMissingJWKSURL)
	}

	adminGroup := strings.TrimSpace(cfg.AdminGroup)
	if adminGroup == "" {
		adminGroup = defaultAdminGroup
	}
	groupsClaim := strings.TrimSpace(cfg.GroupsClaim)
	if groupsClaim == "" {
		groupsClaim = defaultGroupsClaim
	}

	cacheTTL := cfg.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = defaultJWKSCacheTTL
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &PoolVerifier{
		config: PoolVerifierConfig{
			Audience:    audience,
			JWKSURL:     jwksURL,
			AdminGroup:  adminGroup,
			GroupsClaim: groupsClaim,
			HTTPClient:  httpClient,
			CacheTTL:    cacheTTL,
			Logger:      logger,
			Clock:       clock,
		},
		logger:     logger,
		httpClient: httpClient,
		clock:      clock,
		cache:      &jwksCache{ttl: cacheTTL},
	}, nil
}

// Verify validates the provided access token and returns essential claims.
func (v *PoolVerifier) Verify(ctx context.Context, rawToken string) (PoolClaims, error) {
	if rawToken == "" {
		return PoolClaims{}, errMissingToken
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(
		rawToken,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodRS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			keyID, _ := token.Header["kid"].(string)
			if keyID == "" {
				return nil, errMissingKeyIdentifier
			}
			key, keyErr := v.lookupKey(ctx, keyID)
			if keyErr != nil {
				return nil, keyErr
			}
			return key, nil
		},
		jwt.WithAudience(v.config.Audience),
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithTimeFunc(v.clock),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return PoolClaims{}, err
	}
	if !token.Valid {
		return PoolClaims{}, errors.New("token signature invalid")
	}

	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return PoolClaims{}, errMissingSubject
	}

	issuer, _ := claims.GetIssuer()

	expiry := time.Time{}
	if expClaim, err := claims.GetExpirationTime(); err == nil && expClaim != nil {
		expiry = expClaim.Time
	}
	issuedAt := time.Time{}
	if iatClaim, err := claims.GetIssuedAt(); err == nil && iatClaim != nil {
		issuedAt = iatClaim.Time
	}

	return PoolClaims{
		Subject:  subject,
		Issuer:   issuer,
		Expiry:   expiry,
		IssuedAt: issuedAt,
		Groups:   extractGroups(claims, v.config.GroupsClaim),
	}, nil
}

// IsAdmin reports whether the claims carry the configured admin group.
func (v *PoolVerifier) IsAdmin(claims PoolClaims) bool {
	for _, group := range claims.Groups {
		if group == v.config.AdminGroup {
			return true
		}
	}
	return false
}

func extractGroups(claims jwt.MapClaims, claimName string) []string {
	raw, ok := claims[claimName]
	if !ok {
		return nil
	}
	values, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	groups := make([]string, 0, len(values))
	for _, value := range values {
		if group, ok := value.(string); ok {
			groups = append(groups, group)
		}
	}
	return groups
}

func (v *PoolVerifier) lookupKey(ctx context.Context, keyID string) (*rsa.PublicKey, error) {
	now := v.clock()
	if key := v.cache.get(keyID, now); key != nil {
		return key, nil
	}

	if err := v.refreshKeys(ctx, now); err != nil {
		return nil, err
	}

	if key := v.cache.get(keyID, now); key != nil {
		return key, nil
	}

	return nil, errKeyNotFound
}

func (v *PoolVerifier) refreshKeys(ctx context.Context, fetchedAt time.Time) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.config.JWKSURL, nil)
	if err != nil {
		return err
	}

	response, err := v.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks request returned status %d", response.StatusCode)
	}

	var document jwksDocument
	if err := json.NewDecoder(response.Body).Decode(&document); err != nil {
		return err
	}

	keyMap := make(map[string]*rsa.PublicKey, len(document.Keys))
	for _, key := range document.Keys {
		if key.KeyType != "RSA" || key.Use != "sig" {
			continue
		}
		publicKey, err := key.toRSAPublicKey()
		if err != nil {
			v.logger.Debug("skipping jwk", zap.String("kid", key.KeyID), zap.Error(err))
			continue
		}
		keyMap[key.KeyID] = publicKey
	}

	if len(keyMap) == 0 {
		return errors.New("jwks document contained no usable keys")
	}

	v.cache.store(keyMap, fetchedAt)
	return nil
}

type jwksCache struct {
	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	expiresAt time.Time
	ttl       time.Duration
}

func (c *jwksCache) get(keyID string, now time.Time) *rsa.PublicKey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.keys == nil || now.After(c.expiresAt) {
		return nil
	}
	return c.keys[keyID]
}

func (c *jwksCache) store(keys map[string]*rsa.PublicKey, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys = keys
	c.expiresAt = now.Add(c.ttl)
}

type jwksDocument struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	KeyType string `json:"kty"`
	Alg     string `json:"alg"`
	KeyID   string `json:"kid"`
	Use     string `json:"use"`
	Modulus string `json:"n"`
	Exp     string `json:"e"`
}

func (k jwk) toRSAPublicKey() (*rsa.PublicKey, error) {
	modulusBytes, err := base64.RawURLEncoding.DecodeString(k.Modulus)
	if err != nil {
		return nil, fmt.Errorf("invalid modulus encoding: %w", err)
	}
	exponentBytes, err := base64.RawURLEncoding.DecodeString(k.Exp)
	if err != nil {
		return nil, fmt.Errorf("invalid exponent encoding: %w", err)
	}

	if len(exponentBytes) == 0 {
		return nil, errors.New("missing exponent bytes")
	}

	exponent := 0
	for _, b := range exponentBytes {
		exponent = exponent<<8 + int(b)
	}
	if exponent == 0 {
		return nil, errors.New("invalid exponent value")
	}

	publicKey := &rsa.PublicKey{
		N: new(big.Int).SetBytes(modulusBytes),
		E: exponent,
	}

	return publicKey, nil
}
