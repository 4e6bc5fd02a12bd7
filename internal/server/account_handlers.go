package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/participa/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/participa/backend/internal/providers"
	"github.com/MarcoPoloResearchLab/participa/backend/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const (
	pendingSignupCookieName = "participa_signup"
	oauthStateCookieName    = "participa_oauth"
	oauthStateCookieTTL     = 10 * time.Minute
	pendingRefQueryParam    = "signup_ref"
)

type accountPayload struct {
	ID             string   `json:"id"`
	Username       string   `json:"username"`
	Email          string   `json:"email,omitempty"`
	EmailConfirmed bool     `json:"email_confirmed"`
	SignupState    string   `json:"signup_state"`
	Providers      []string `json:"providers,omitempty"`
}

type sessionPayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

type statusResponsePayload struct {
	Status           string          `json:"status"`
	Account          *accountPayload `json:"account,omitempty"`
	Session          *sessionPayload `json:"session,omitempty"`
	PendingRef       string          `json:"pending_ref,omitempty"`
	ConfirmationSent bool            `json:"confirmation_sent,omitempty"`
	Collision        string          `json:"collision,omitempty"`
}

type signInRequestPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type emailRequestPayload struct {
	Email string `json:"email"`
}

type signupSubmissionPayload struct {
	Username string `json:"username"`
	Email    string `json:"email"`
}

type callbackRequestPayload struct {
	Code    string `form:"code" json:"code"`
	State   string `form:"state" json:"state"`
	IDToken string `form:"id_token" json:"id_token"`
	Error   string `form:"error" json:"error"`
}

func (h *httpHandler) handleRegister(c *gin.Context) {
	var request users.RegistrationRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	result, err := h.accounts.Register(c.Request.Context(), request)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, statusResponsePayload{
		Status:  string(users.SignupStatusAwaitingConfirmation),
		Account: newAccountPayload(result.Account),
	})
}

func (h *httpHandler) handleSignIn(c *gin.Context) {
	var request signInRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	result, err := h.accounts.SignIn(c.Request.Context(), request.Email, request.Password)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, statusResponsePayload{
		Status:  "signed_in",
		Account: newAccountPayload(result.Account),
		Session: h.startSession(c, result.Session),
	})
}

// handleProviderBegin redirects to the provider's authorization page with a state and PKCE verifier cookie.
func (h *httpHandler) handleProviderBegin(c *gin.Context) {
	client, err := h.providers.Get(c.Param("provider"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	redirector, ok := client.(providers.Redirector)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "redirect_unsupported"})
		return
	}
	state := oauth2.GenerateVerifier()
	verifier := oauth2.GenerateVerifier()
	h.setCookie(c, oauthStateCookieName, state+"."+verifier, "/auth", oauthStateCookieTTL)
	c.Redirect(http.StatusFound, redirector.AuthCodeURL(state, verifier))
}

func (h *httpHandler) handleProviderCallback(c *gin.Context) {
	client, err := h.providers.Get(c.Param("provider"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	var request callbackRequestPayload
	if err := c.ShouldBind(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if request.Error != "" {
		h.logger.Info("provider declined authorization",
			zap.String("provider", client.Name()),
			zap.String("reason", request.Error))
		c.JSON(http.StatusBadGateway, gin.H{"error": "registration_failed"})
		return
	}

	params := providers.CallbackParams{Code: request.Code, IDToken: request.IDToken}
	if _, ok := client.(providers.Redirector); ok {
		state, verifier, found := h.oauthState(c)
		h.clearCookie(c, oauthStateCookieName, "/auth")
		if !found || request.State == "" || request.State != state {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_state"})
			return
		}
		params.CodeVerifier = verifier
	}

	claims, err := client.FetchClaims(c.Request.Context(), params)
	if err != nil {
		h.logger.Warn("provider handshake failed", zap.String("provider", client.Name()), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "registration_failed"})
		return
	}
	result, err := h.accounts.ProviderCallback(c.Request.Context(), claims)
	if err != nil {
		h.writeError(c, err)
		return
	}

	response := statusResponsePayload{
		Status:           string(result.Status),
		Account:          newAccountPayload(result.Account),
		PendingRef:       result.PendingRef,
		ConfirmationSent: result.ConfirmationSent,
	}
	if result.Session != nil {
		response.Session = h.startSession(c, *result.Session)
		h.clearCookie(c, pendingSignupCookieName, "/auth")
	}
	if result.PendingRef != "" {
		h.setCookie(c, pendingSignupCookieName, result.PendingRef, "/auth", 0)
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handlePendingSignup(c *gin.Context) {
	view, err := h.accounts.PendingSignup(c.Request.Context(), h.pendingRef(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"state":       string(view.State),
		"username":    view.Username,
		"email":       view.Email,
		"placeholder": view.Placeholder,
	})
}

func (h *httpHandler) handleCompleteSignup(entry users.SignupEntry) gin.HandlerFunc {
	return func(c *gin.Context) {
		var request signupSubmissionPayload
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
		result, err := h.accounts.CompleteSignup(c.Request.Context(), h.pendingRef(c), entry, users.SignupSubmission{
			Username: request.Username,
			Email:    request.Email,
		})
		if err != nil {
			h.writeError(c, err)
			return
		}
		h.events.Publish(AccountEvent{
			AccountID: result.Account.ID,
			EventType: EventSignupStateChanged,
			State:     result.Account.SignupState,
			Timestamp: h.clock().UTC(),
		})

		response := statusResponsePayload{Status: string(result.Status), Account: newAccountPayload(result.Account)}
		switch {
		case result.Status == users.SignupStatusCollisionResolutionRequired:
			response.Collision = string(result.Collision)
			c.JSON(http.StatusConflict, response)
			return
		case result.Session != nil:
			response.Session = h.startSession(c, *result.Session)
			h.clearCookie(c, pendingSignupCookieName, "/auth")
		}
		c.JSON(http.StatusOK, response)
	}
}

func (h *httpHandler) handleConfirmEmail(c *gin.Context) {
	result, err := h.accounts.ConfirmEmail(c.Request.Context(), c.Query("confirmation_token"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.events.Publish(AccountEvent{
		AccountID: result.Account.ID,
		EventType: EventEmailConfirmed,
		State:     result.Account.SignupState,
		Timestamp: h.clock().UTC(),
	})
	response := statusResponsePayload{Status: "confirmed", Account: newAccountPayload(result.Account)}
	if result.Session != nil {
		response.Session = h.startSession(c, *result.Session)
		h.clearCookie(c, pendingSignupCookieName, "/auth")
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleResendConfirmation(c *gin.Context) {
	var request emailRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	h.accounts.ResendConfirmation(c.Request.Context(), request.Email)
	c.JSON(http.StatusAccepted, statusResponsePayload{Status: "accepted"})
}

func (h *httpHandler) handleRequestPasswordReset(c *gin.Context) {
	var request emailRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	h.accounts.RequestPasswordReset(c.Request.Context(), request.Email)
	c.JSON(http.StatusAccepted, statusResponsePayload{Status: "accepted"})
}

func (h *httpHandler) handleResetPassword(c *gin.Context) {
	var request users.PasswordResetRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	account, err := h.accounts.ResetPassword(c.Request.Context(), request)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.clearCookie(c, h.sessions.CookieName(), "/")
	c.JSON(http.StatusOK, statusResponsePayload{Status: "password_changed", Account: newAccountPayload(account)})
}

func (h *httpHandler) handleSignOut(c *gin.Context) {
	outcome, err := h.accounts.SignOut(c.Request.Context(), h.sessions.RequestToken(c.Request))
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.clearCookie(c, h.sessions.CookieName(), "/")
	c.JSON(http.StatusOK, statusResponsePayload{Status: string(outcome)})
}

func (h *httpHandler) handleCurrentAccount(c *gin.Context) {
	accountID := c.GetString(accountIDContextKey)
	if accountID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	account, err := h.accounts.CurrentAccount(c.Request.Context(), accountID)
	if err != nil {
		if errors.Is(err, users.ErrAccountNotFound) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newAccountPayload(account))
}

// startSession sets the session cookie and returns the token for bearer clients.
func (h *httpHandler) startSession(c *gin.Context, session auth.Session) *sessionPayload {
	ttl := session.ExpiresAt.Sub(h.clock())
	h.setCookie(c, h.sessions.CookieName(), session.Token, "/", ttl)
	return &sessionPayload{
		AccessToken: session.Token,
		ExpiresIn:   int64(ttl.Seconds()),
		TokenType:   "Bearer",
	}
}

// pendingRef reads the pending signup reference from the bearer header, the signup cookie or the query string.
func (h *httpHandler) pendingRef(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		if ref := strings.TrimSpace(strings.TrimPrefix(header, "Bearer ")); ref != "" {
			return ref
		}
	}
	if ref, err := c.Cookie(pendingSignupCookieName); err == nil && strings.TrimSpace(ref) != "" {
		return ref
	}
	return c.Query(pendingRefQueryParam)
}

func (h *httpHandler) oauthState(c *gin.Context) (string, string, bool) {
	value, err := c.Cookie(oauthStateCookieName)
	if err != nil {
		return "", "", false
	}
	state, verifier, found := strings.Cut(value, ".")
	if !found || state == "" || verifier == "" {
		return "", "", false
	}
	return state, verifier, true
}

// setCookie writes an HttpOnly, SameSite=Lax cookie; a zero ttl makes it a browser-session cookie.
func (h *httpHandler) setCookie(c *gin.Context, name, value, path string, ttl time.Duration) {
	cookie := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
	}
	if ttl > 0 {
		cookie.MaxAge = int(ttl.Seconds())
	}
	http.SetCookie(c.Writer, cookie)
}

func (h *httpHandler) clearCookie(c *gin.Context, name, path string) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     path,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

func newAccountPayload(account users.Account) *accountPayload {
	if account.ID == "" {
		return nil
	}
	payload := &accountPayload{
		ID:             account.ID,
		Username:       account.Username,
		EmailConfirmed: account.EmailConfirmed,
		SignupState:    string(account.SignupState),
	}
	if !account.HasPlaceholderEmail() {
		payload.Email = account.Email
	}
	for _, identity := range account.Identities {
		payload.Providers = append(payload.Providers, identity.Provider)
	}
	return payload
}
