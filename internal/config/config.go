package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                  = "PARTICIPA"
	defaultHTTPAddress         = "0.0.0.0:8080"
	defaultDatabasePath        = "participa.db"
	defaultLogLevel            = "info"
	defaultCookieName          = "participa_session"
	defaultSessionTTLMinutes   = 720
	defaultSignupTTLMinutes    = 60
	defaultConfirmationTTLHour = 72
	defaultResetTTLHours       = 6
	defaultBaseURL             = "http://localhost:8080"
	defaultSMTPPort            = 587
	defaultSMTPTLS             = "starttls"

	SessionStoreDatabase = "database"
	SessionStoreRedis    = "redis"
	MailModeLog          = "log"
	MailModeSMTP         = "smtp"
	CaptchaDisabled      = "disabled"
	CaptchaRecaptcha     = "recaptcha"
)

// OAuthProviders lists the code-exchange providers read from providers.<name>.*.
var OAuthProviders = []string{"twitter", "github", "facebook"}

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress     string
	DatabasePath    string
	LogLevel        string
	SigningSecret   string
	BaseURL         string
	AllowedOrigins  []string
	Session         SessionConfig
	Redis           RedisConfig
	SignupTTL       time.Duration
	ConfirmationTTL time.Duration
	ResetTTL        time.Duration
	Mail            MailConfig
	Captcha         CaptchaConfig
	BcryptCost      int
	OAuth           []OAuthProviderConfig
	Google          GoogleConfig
}

// SessionConfig controls how sessions are carried and where they live.
type SessionConfig struct {
	TTL        time.Duration
	CookieName string
	Store      string
}

// RedisConfig addresses the optional redis session store.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

// MailConfig selects the outbound mail transport.
type MailConfig struct {
	Mode     string
	Host     string
	Port     int
	Username string
	Password string
	From     string
	TLS      string
}

// CaptchaConfig selects the registration bot check.
type CaptchaConfig struct {
	Mode      string
	Secret    string
	VerifyURL string
}

// OAuthProviderConfig describes one OAuth2 code-exchange provider. Providers without a client id are disabled.
type OAuthProviderConfig struct {
	Name         string
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	UserInfoURL  string
	RedirectURL  string
	Scopes       []string
}

// GoogleConfig enables ID-token sign-in when ClientID is set.
type GoogleConfig struct {
	ClientID string
	JWKSURL  string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("app.base_url", defaultBaseURL)
	configViper.SetDefault("session.ttl_minutes", defaultSessionTTLMinutes)
	configViper.SetDefault("session.cookie_name", defaultCookieName)
	configViper.SetDefault("session.store", SessionStoreDatabase)
	configViper.SetDefault("redis.db", 0)
	configViper.SetDefault("signup.ttl_minutes", defaultSignupTTLMinutes)
	configViper.SetDefault("confirmation.ttl_hours", defaultConfirmationTTLHour)
	configViper.SetDefault("reset.ttl_hours", defaultResetTTLHours)
	configViper.SetDefault("mail.mode", MailModeLog)
	configViper.SetDefault("smtp.port", defaultSMTPPort)
	configViper.SetDefault("smtp.tls", defaultSMTPTLS)
	configViper.SetDefault("captcha.mode", CaptchaDisabled)
	configViper.SetDefault("password.bcrypt_cost", 0)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		DatabasePath:   configViper.GetString("database.path"),
		LogLevel:       configViper.GetString("log.level"),
		SigningSecret:  configViper.GetString("auth.signing_secret"),
		BaseURL:        strings.TrimRight(strings.TrimSpace(configViper.GetString("app.base_url")), "/"),
		AllowedOrigins: configViper.GetStringSlice("http.allowed_origins"),
		Session: SessionConfig{
			TTL:        time.Duration(configViper.GetInt("session.ttl_minutes")) * time.Minute,
			CookieName: configViper.GetString("session.cookie_name"),
			Store:      strings.ToLower(strings.TrimSpace(configViper.GetString("session.store"))),
		},
		Redis: RedisConfig{
			Address:  configViper.GetString("redis.address"),
			Password: configViper.GetString("redis.password"),
			DB:       configViper.GetInt("redis.db"),
		},
		SignupTTL:       time.Duration(configViper.GetInt("signup.ttl_minutes")) * time.Minute,
		ConfirmationTTL: time.Duration(configViper.GetInt("confirmation.ttl_hours")) * time.Hour,
		ResetTTL:        time.Duration(configViper.GetInt("reset.ttl_hours")) * time.Hour,
		Mail: MailConfig{
			Mode:     strings.ToLower(strings.TrimSpace(configViper.GetString("mail.mode"))),
			Host:     configViper.GetString("smtp.host"),
			Port:     configViper.GetInt("smtp.port"),
			Username: configViper.GetString("smtp.username"),
			Password: configViper.GetString("smtp.password"),
			From:     configViper.GetString("smtp.from"),
			TLS:      configViper.GetString("smtp.tls"),
		},
		Captcha: CaptchaConfig{
			Mode:      strings.ToLower(strings.TrimSpace(configViper.GetString("captcha.mode"))),
			Secret:    configViper.GetString("captcha.secret"),
			VerifyURL: configViper.GetString("captcha.verify_url"),
		},
		BcryptCost: configViper.GetInt("password.bcrypt_cost"),
		Google: GoogleConfig{
			ClientID: configViper.GetString("providers.google.client_id"),
			JWKSURL:  configViper.GetString("providers.google.jwks_url"),
		},
	}
	for _, name := range OAuthProviders {
		prefix := "providers." + name + "."
		provider := OAuthProviderConfig{
			Name:         name,
			ClientID:     configViper.GetString(prefix + "client_id"),
			ClientSecret: configViper.GetString(prefix + "client_secret"),
			AuthURL:      configViper.GetString(prefix + "auth_url"),
			TokenURL:     configViper.GetString(prefix + "token_url"),
			UserInfoURL:  configViper.GetString(prefix + "userinfo_url"),
			RedirectURL:  configViper.GetString(prefix + "redirect_url"),
			Scopes:       configViper.GetStringSlice(prefix + "scopes"),
		}
		if strings.TrimSpace(provider.ClientID) == "" {
			continue
		}
		cfg.OAuth = append(cfg.OAuth, provider)
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.Session.CookieName) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	if c.Session.TTL <= 0 {
		return fmt.Errorf("session.ttl_minutes must be positive")
	}
	if c.SignupTTL <= 0 {
		return fmt.Errorf("signup.ttl_minutes must be positive")
	}
	if c.ConfirmationTTL <= 0 {
		return fmt.Errorf("confirmation.ttl_hours must be positive")
	}
	if c.ResetTTL <= 0 {
		return fmt.Errorf("reset.ttl_hours must be positive")
	}
	switch c.Session.Store {
	case SessionStoreDatabase:
	case SessionStoreRedis:
		if strings.TrimSpace(c.Redis.Address) == "" {
			return fmt.Errorf("redis.address is required when session.store is %s", SessionStoreRedis)
		}
	default:
		return fmt.Errorf("session.store must be %s or %s", SessionStoreDatabase, SessionStoreRedis)
	}
	switch c.Mail.Mode {
	case MailModeLog:
	case MailModeSMTP:
		if strings.TrimSpace(c.Mail.Host) == "" || strings.TrimSpace(c.Mail.From) == "" {
			return fmt.Errorf("smtp.host and smtp.from are required when mail.mode is %s", MailModeSMTP)
		}
	default:
		return fmt.Errorf("mail.mode must be %s or %s", MailModeLog, MailModeSMTP)
	}
	switch c.Captcha.Mode {
	case CaptchaDisabled:
	case CaptchaRecaptcha:
		if strings.TrimSpace(c.Captcha.Secret) == "" {
			return fmt.Errorf("captcha.secret is required when captcha.mode is %s", CaptchaRecaptcha)
		}
	default:
		return fmt.Errorf("captcha.mode must be %s or %s", CaptchaDisabled, CaptchaRecaptcha)
	}
	if strings.TrimSpace(c.BaseURL) == "" {
		return fmt.Errorf("app.base_url is required")
	}
	for _, provider := range c.OAuth {
		if provider.ClientSecret == "" || provider.AuthURL == "" || provider.TokenURL == "" || provider.UserInfoURL == "" || provider.RedirectURL == "" {
			return fmt.Errorf("providers.%s requires client_secret, auth_url, token_url, userinfo_url and redirect_url", provider.Name)
		}
	}
	return nil
}
