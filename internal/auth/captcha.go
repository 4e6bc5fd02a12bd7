package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultRecaptchaVerifyURL = "https://www.google.com/recaptcha/api/siteverify"

var errMissingCaptchaSecret = errors.New("captcha: secret required")

// DisabledCaptcha accepts every response.
type DisabledCaptcha struct{}

func (DisabledCaptcha) Verify(context.Context, string) (bool, error) {
	return true, nil
}

// RecaptchaConfig configures the remote verifier.
type RecaptchaConfig struct {
	Secret     string
	VerifyURL  string
	HTTPClient *http.Client
}

// RecaptchaVerifier checks a challenge response against the siteverify endpoint.
type RecaptchaVerifier struct {
	secret     string
	verifyURL  string
	httpClient *http.Client
}

// NewRecaptchaVerifier constructs a verifier for the configured secret.
func NewRecaptchaVerifier(cfg RecaptchaConfig) (*RecaptchaVerifier, error) {
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return nil, errMissingCaptchaSecret
	}
	verifyURL := strings.TrimSpace(cfg.VerifyURL)
	if verifyURL == "" {
		verifyURL = defaultRecaptchaVerifyURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &RecaptchaVerifier{secret: secret, verifyURL: verifyURL, httpClient: client}, nil
}

type recaptchaResponse struct {
	Success    bool     `json:"success"`
	ErrorCodes []string `json:"error-codes"`
}

// Verify reports whether the challenge response was accepted. An empty response is rejected without a round trip.
func (v *RecaptchaVerifier) Verify(ctx context.Context, response string) (bool, error) {
	response = strings.TrimSpace(response)
	if response == "" {
		return false, nil
	}
	form := url.Values{}
	form.Set("secret", v.secret)
	form.Set("response", response)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.verifyURL, strings.NewReader(form.Encode()))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("captcha: unexpected status %d", resp.StatusCode)
	}
	var payload recaptchaResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return false, err
	}
	return payload.Success, nil
}
