package providers

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
	"time"

	"github.com/MarcoPoloResearchLab/participa/backend/internal/users"
	"github.com/golang-jwt/jwt/v5"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	googleProviderName  = "google"
	defaultGoogleJWKS   = "https://www.googleapis.com/oauth2/v3/certs"
	defaultJWKSCacheTTL = 10 * time.Minute
)

var (
	errMissingIDToken        = errors.New("id token must not be empty")
	errMissingKeyIdentifier  = errors.New("token missing key identifier")
	errKeyNotFound           = errors.New("signing key not found in JWKS")
	errUntrustedIssuer       = errors.New("token issuer not allowed")
	errMissingAudienceConfig = errors.New("audience configuration required")
	errNoAllowedIssuers      = errors.New("no allowed issuers configured")
	errNoUsableKeys          = errors.New("jwks document contained no usable keys")
	// ErrInvalidGoogleConfig wraps every configuration failure of the Google client.
	ErrInvalidGoogleConfig = errors.New("providers: invalid google config")
)

// GoogleClientConfig bundles the configuration of the Google ID-token client.
type GoogleClientConfig struct {
	Audience       string
	JWKSURL        string
	AllowedIssuers []string
	HTTPClient     *http.Client
	CacheTTL       time.Duration
	Logger         *zap.Logger
	Clock          func() time.Time
}

type googleIDClaims struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	jwt.RegisteredClaims
}

// GoogleClient verifies Google ID tokens offline against the cached JWKS.
type GoogleClient struct {
	audience   string
	jwksURL    string
	issuers    map[string]struct{}
	httpClient *http.Client
	logger     *zap.Logger
	clock      func() time.Time
	keys       *gocache.Cache
	refresh    singleflight.Group
}

// NewGoogleClient constructs a client with validated configuration.
func NewGoogleClient(cfg GoogleClientConfig) (*GoogleClient, error) {
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGoogleConfig, errMissingAudienceConfig)
	}
	jwksURL := strings.TrimSpace(cfg.JWKSURL)
	if jwksURL == "" {
		jwksURL = defaultGoogleJWKS
	}

	issuers := map[string]struct{}{}
	if len(cfg.AllowedIssuers) == 0 {
		issuers["https://accounts.google.com"] = struct{}{}
		issuers["accounts.google.com"] = struct{}{}
	}
	for _, issuer := range cfg.AllowedIssuers {
		if normalized := strings.TrimSpace(issuer); normalized != "" {
			issuers[normalized] = struct{}{}
		}
	}
	if len(issuers) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGoogleConfig, errNoAllowedIssuers)
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

	return &GoogleClient{
		audience:   audience,
		jwksURL:    jwksURL,
		issuers:    issuers,
		httpClient: httpClient,
		logger:     logger,
		clock:      clock,
		keys:       gocache.New(cacheTTL, 2*cacheTTL),
	}, nil
}

func (c *GoogleClient) Name() string {
	return googleProviderName
}

// FetchClaims verifies the posted ID token and maps its claims.
func (c *GoogleClient) FetchClaims(ctx context.Context, params CallbackParams) (users.ProfileClaims, error) {
	rawToken := strings.TrimSpace(params.IDToken)
	if rawToken == "" {
		return users.ProfileClaims{}, fmt.Errorf("%w: %v", ErrProviderFailure, errMissingIDToken)
	}

	claims := &googleIDClaims{}
	_, err := jwt.ParseWithClaims(
		rawToken,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			keyID, _ := token.Header["kid"].(string)
			if keyID == "" {
				return nil, errMissingKeyIdentifier
			}
			return c.lookupKey(ctx, keyID)
		},
		jwt.WithAudience(c.audience),
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithTimeFunc(c.clock),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return users.ProfileClaims{}, fmt.Errorf("%w: %v", ErrProviderFailure, err)
	}
	if _, allowed := c.issuers[claims.Issuer]; !allowed {
		return users.ProfileClaims{}, fmt.Errorf("%w: %v", ErrProviderFailure, errUntrustedIssuer)
	}

	return users.ProfileClaims{
		Provider:      googleProviderName,
		ExternalID:    claims.Subject,
		DisplayName:   claims.Name,
		Email:         claims.Email,
		VerifiedEmail: claims.EmailVerified,
	}, nil
}

func (c *GoogleClient) lookupKey(ctx context.Context, keyID string) (*rsa.PublicKey, error) {
	if cached, ok := c.keys.Get(keyID); ok {
		return cached.(*rsa.PublicKey), nil
	}
	if _, err, _ := c.refresh.Do(c.jwksURL, func() (interface{}, error) {
		return nil, c.refreshKeys(ctx)
	}); err != nil {
		return nil, err
	}
	if cached, ok := c.keys.Get(keyID); ok {
		return cached.(*rsa.PublicKey), nil
	}
	return nil, errKeyNotFound
}

func (c *GoogleClient) refreshKeys(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.jwksURL, nil)
	if err != nil {
		return err
	}
	response, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks request returned status %d", response.StatusCode)
	}

	var document struct {
		Keys []jsonWebKey `json:"keys"`
	}
	if err := json.NewDecoder(response.Body).Decode(&document); err != nil {
		return err
	}

	usable := 0
	for _, key := range document.Keys {
		if key.KeyType != "RSA" || key.Use != "sig" {
			continue
		}
		publicKey, err := key.publicKey()
		if err != nil {
			c.logger.Debug("skipping jwk", zap.String("kid", key.KeyID), zap.Error(err))
			continue
		}
		c.keys.SetDefault(key.KeyID, publicKey)
		usable++
	}
	if usable == 0 {
		return errNoUsableKeys
	}
	return nil
}

type jsonWebKey struct {
	KeyType  string `json:"kty"`
	KeyID    string `json:"kid"`
	Use      string `json:"use"`
	Modulus  string `json:"n"`
	Exponent string `json:"e"`
}

func (k jsonWebKey) publicKey() (*rsa.PublicKey, error) {
	modulus, err := base64.RawURLEncoding.DecodeString(k.Modulus)
	if err != nil {
		return nil, fmt.Errorf("invalid modulus encoding: %w", err)
	}
	exponentBytes, err := base64.RawURLEncoding.DecodeString(k.Exponent)
	if err != nil {
		return nil, fmt.Errorf("invalid exponent encoding: %w", err)
	}
	exponent := new(big.Int).SetBytes(exponentBytes)
	if exponent.Sign() == 0 || !exponent.IsInt64() {
		return nil, errors.New("invalid exponent value")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(modulus), E: int(exponent.Int64())}, nil
}
