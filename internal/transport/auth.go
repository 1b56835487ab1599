package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
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

	"github.com/askgrid/askd/internal/config"
	"github.com/askgrid/askd/model"
)

// minRefreshInterval limits how often the JWKS endpoint is re-fetched when
// an unknown key ID is seen, so a flood of bad tokens cannot hammer the
// identity provider.
const minRefreshInterval = 5 * time.Minute

// jwk is a single JSON Web Key as served by the JWKS endpoint.
type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

type jwks struct {
	Keys []jwk `json:"keys"`
}

// JWKSClient fetches and caches signing keys from a JWKS endpoint. Keys are
// refreshed when the cache TTL expires or when an unknown kid is requested.
// If a refresh fails while cached keys exist, the stale keys keep serving so
// an identity provider outage does not take down token verification.
type JWKSClient struct {
	url      string
	ttl      time.Duration
	http     *http.Client
	logger   *zap.Logger
	mu       sync.RWMutex
	keys     map[string]any // kid -> *rsa.PublicKey or *ecdsa.PublicKey
	fetched  time.Time
	lastTry  time.Time
}

// NewJWKSClient creates a JWKS client for the given endpoint.
func NewJWKSClient(url string, ttl time.Duration, logger *zap.Logger) *JWKSClient {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &JWKSClient{
		url:    url,
		ttl:    ttl,
		http:   &http.Client{Timeout: 10 * time.Second},
		logger: logger,
		keys:   make(map[string]any),
	}
}

// Key returns the public key for the given kid, refreshing the key set if
// needed.
func (c *JWKSClient) Key(ctx context.Context, kid string) (any, error) {
	c.mu.RLock()
	key, ok := c.keys[kid]
	fresh := time.Since(c.fetched) < c.ttl
	c.mu.RUnlock()

	if ok && fresh {
		return key, nil
	}

	if err := c.refresh(ctx); err != nil {
		c.mu.RLock()
		key, ok = c.keys[kid]
		c.mu.RUnlock()
		if ok {
			// Degraded mode: serve the stale key.
			c.logger.Warn("jwks refresh failed, using cached key",
				zap.String("kid", kid), zap.Error(err))
			return key, nil
		}
		return nil, fmt.Errorf("jwks refresh: %w", err)
	}

	c.mu.RLock()
	key, ok = c.keys[kid]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown signing key %q", kid)
	}
	return key, nil
}

func (c *JWKSClient) refresh(ctx context.Context) error {
	c.mu.Lock()
	if time.Since(c.lastTry) < minRefreshInterval && !c.fetched.IsZero() {
		c.mu.Unlock()
		return nil
	}
	c.lastTry = time.Now()
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return fmt.Errorf("build jwks request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch jwks: status %d", resp.StatusCode)
	}

	var set jwks
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("decode jwks: %w", err)
	}

	keys := make(map[string]any, len(set.Keys))
	for _, k := range set.Keys {
		if k.Use != "" && k.Use != "sig" {
			continue
		}
		var pub any
		var perr error
		switch k.Kty {
		case "RSA":
			pub, perr = parseRSAKey(k)
		case "EC":
			pub, perr = parseECKey(k)
		default:
			continue
		}
		if perr != nil {
			c.logger.Warn("skipping unparseable jwk",
				zap.String("kid", k.Kid), zap.Error(perr))
			continue
		}
		keys[k.Kid] = pub
	}

	c.mu.Lock()
	c.keys = keys
	c.fetched = time.Now()
	c.mu.Unlock()

	return nil
}

func parseRSAKey(k jwk) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	e := 0
	for _, b := range eBytes {
		e = e<<8 | int(b)
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: e,
	}, nil
}

func parseECKey(k jwk) (*ecdsa.PublicKey, error) {
	var curve elliptic.Curve
	switch k.Crv {
	case "P-256":
		curve = elliptic.P256()
	case "P-384":
		curve = elliptic.P384()
	case "P-521":
		curve = elliptic.P521()
	default:
		return nil, fmt.Errorf("unsupported curve %q", k.Crv)
	}
	xBytes, err := base64.RawURLEncoding.DecodeString(k.X)
	if err != nil {
		return nil, fmt.Errorf("decode x: %w", err)
	}
	yBytes, err := base64.RawURLEncoding.DecodeString(k.Y)
	if err != nil {
		return nil, fmt.Errorf("decode y: %w", err)
	}
	return &ecdsa.PublicKey{
		Curve: curve,
		X:     new(big.Int).SetBytes(xBytes),
		Y:     new(big.Int).SetBytes(yBytes),
	}, nil
}

// JWTAuthenticator validates bearer tokens against the configured issuer,
// audience, and allowed algorithms, and stores the verified claims in the
// request context.
type JWTAuthenticator struct {
	cfg    config.IdentityConfig
	jwks   *JWKSClient
	logger *zap.Logger
}

// NewJWTAuthenticator creates an authenticator using the given JWKS client.
func NewJWTAuthenticator(cfg config.IdentityConfig, jwks *JWKSClient, logger *zap.Logger) *JWTAuthenticator {
	return &JWTAuthenticator{cfg: cfg, jwks: jwks, logger: logger}
}

// Middleware returns the authentication middleware.
func (a *JWTAuthenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := bearerToken(r)
		if err != nil {
			WriteError(w, model.NewUnauthorizedError(err.Error()))
			return
		}

		claims := jwt.MapClaims{}
		_, err = jwt.ParseWithClaims(raw, claims, a.keyFunc(r.Context()),
			jwt.WithValidMethods(a.cfg.Algorithms),
			jwt.WithIssuer(a.cfg.Issuer),
			jwt.WithAudience(a.cfg.Audience),
			jwt.WithLeeway(30*time.Second),
			jwt.WithExpirationRequired(),
		)
		if err != nil {
			a.logger.Debug("token rejected", zap.Error(err))
			WriteError(w, model.NewUnauthorizedError(classifyJWTError(err)))
			return
		}

		ctx := WithClaims(r.Context(), map[string]any(claims))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *JWTAuthenticator) keyFunc(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("token missing kid header")
		}
		return a.jwks.Key(ctx, kid)
	}
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errors.New("missing authorization header")
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", errors.New("authorization header is not a bearer token")
	}
	token := strings.TrimSpace(header[len(prefix):])
	if token == "" {
		return "", errors.New("empty bearer token")
	}
	return token, nil
}

// classifyJWTError maps verification failures to stable client-facing
// messages without leaking key material or parser internals.
func classifyJWTError(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "token expired"
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return "token not yet valid"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "invalid token issuer"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "invalid token audience"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "invalid token signature"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "malformed token"
	default:
		return "invalid token"
	}
}
