package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/participa/backend/internal/users"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

var errInvalidOAuthConfig = errors.New("providers: invalid oauth config")

// ClaimFields maps userinfo document paths onto profile claims. Paths use dots for nesting.
type ClaimFields struct {
	ExternalID    string
	DisplayName   string
	Email         string
	EmailVerified string
}

// OAuthClientConfig configures an authorization code client for one provider.
type OAuthClientConfig struct {
	Name         string
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	UserInfoURL  string
	RedirectURL  string
	Scopes       []string
	Fields       ClaimFields
	// TrustEmail marks every returned email verified when Fields.EmailVerified is empty.
	TrustEmail bool
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// OAuthClient exchanges an authorization code and reads the provider's userinfo document.
type OAuthClient struct {
	name        string
	oauthConfig *oauth2.Config
	userInfoURL string
	fields      ClaimFields
	trustEmail  bool
	httpClient  *http.Client
	logger      *zap.Logger
}

// DefaultClaimFields returns the userinfo layout of the well known providers.
func DefaultClaimFields(provider string) ClaimFields {
	switch users.NormalizeProvider(provider) {
	case "twitter":
		return ClaimFields{ExternalID: "data.id", DisplayName: "data.username", Email: "data.confirmed_email"}
	case "github":
		return ClaimFields{ExternalID: "id", DisplayName: "login", Email: "email"}
	default:
		return ClaimFields{ExternalID: "id", DisplayName: "name", Email: "email", EmailVerified: "email_verified"}
	}
}

// NewOAuthClient validates cfg and constructs the client.
func NewOAuthClient(cfg OAuthClientConfig) (*OAuthClient, error) {
	name := users.NormalizeProvider(cfg.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name required", errInvalidOAuthConfig)
	}
	for key, value := range map[string]string{
		"client_id":    cfg.ClientID,
		"auth_url":     cfg.AuthURL,
		"token_url":    cfg.TokenURL,
		"userinfo_url": cfg.UserInfoURL,
		"redirect_url": cfg.RedirectURL,
	} {
		if strings.TrimSpace(value) == "" {
			return nil, fmt.Errorf("%w: %s %s required", errInvalidOAuthConfig, name, key)
		}
	}
	fields := cfg.Fields
	if fields.ExternalID == "" {
		fields = DefaultClaimFields(name)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OAuthClient{
		name: name,
		oauthConfig: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthURL,
				TokenURL: cfg.TokenURL,
			},
		},
		userInfoURL: cfg.UserInfoURL,
		fields:      fields,
		trustEmail:  cfg.TrustEmail,
		httpClient:  httpClient,
		logger:      logger,
	}, nil
}

func (c *OAuthClient) Name() string {
	return c.name
}

// AuthCodeURL builds the authorization URL with a PKCE S256 challenge.
func (c *OAuthClient) AuthCodeURL(state, codeVerifier string) string {
	return c.oauthConfig.AuthCodeURL(state, oauth2.AccessTypeOnline, oauth2.S256ChallengeOption(codeVerifier))
}

// FetchClaims exchanges the code and maps the userinfo document onto a claim set.
func (c *OAuthClient) FetchClaims(ctx context.Context, params CallbackParams) (users.ProfileClaims, error) {
	code := strings.TrimSpace(params.Code)
	if code == "" {
		return users.ProfileClaims{}, fmt.Errorf("%w: missing authorization code", ErrProviderFailure)
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	options := []oauth2.AuthCodeOption{}
	if params.CodeVerifier != "" {
		options = append(options, oauth2.VerifierOption(params.CodeVerifier))
	}
	token, err := c.oauthConfig.Exchange(ctx, code, options...)
	if err != nil {
		return users.ProfileClaims{}, fmt.Errorf("%w: %s token exchange: %v", ErrProviderFailure, c.name, err)
	}

	document, err := c.fetchUserInfo(ctx, token)
	if err != nil {
		return users.ProfileClaims{}, err
	}

	claims := users.ProfileClaims{
		Provider:    c.name,
		ExternalID:  lookupString(document, c.fields.ExternalID),
		DisplayName: lookupString(document, c.fields.DisplayName),
		Email:       lookupString(document, c.fields.Email),
	}
	if c.fields.EmailVerified != "" {
		claims.VerifiedEmail = lookupBool(document, c.fields.EmailVerified)
	} else {
		claims.VerifiedEmail = c.trustEmail && claims.Email != ""
	}
	c.logger.Debug("provider claims fetched",
		zap.String("provider", c.name),
		zap.Bool("email_present", claims.Email != ""),
		zap.Bool("email_verified", claims.VerifiedEmail))
	return claims, nil
}

func (c *OAuthClient) fetchUserInfo(ctx context.Context, token *oauth2.Token) (map[string]any, error) {
	client := c.oauthConfig.Client(ctx, token)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.userInfoURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s userinfo: %v", ErrProviderFailure, c.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s userinfo returned status %d", ErrProviderFailure, c.name, resp.StatusCode)
	}
	decoder := json.NewDecoder(resp.Body)
	decoder.UseNumber()
	var document map[string]any
	if err := decoder.Decode(&document); err != nil {
		return nil, fmt.Errorf("%w: %s userinfo: %v", ErrProviderFailure, c.name, err)
	}
	return document, nil
}

func lookup(document map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var current any = document
	for _, segment := range strings.Split(path, ".") {
		object, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = object[segment]
		if !ok {
			return nil, false
		}
	}
	return current, current != nil
}

func lookupString(document map[string]any, path string) string {
	value, ok := lookup(document, path)
	if !ok {
		return ""
	}
	switch typed := value.(type) {
	case string:
		return typed
	case json.Number:
		return typed.String()
	case bool:
		return strconv.FormatBool(typed)
	default:
		return ""
	}
}

func lookupBool(document map[string]any, path string) bool {
	value, ok := lookup(document, path)
	if !ok {
		return false
	}
	switch typed := value.(type) {
	case bool:
		return typed
	case string:
		parsed, err := strconv.ParseBool(typed)
		return err == nil && parsed
	case json.Number:
		return typed.String() == "1"
	default:
		return false
	}
}
