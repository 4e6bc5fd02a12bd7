package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/participa/backend/internal/providers"
	"github.com/MarcoPoloResearchLab/participa/backend/internal/users"
)

const registrationBody = `{"username":"Ana","email":"ana@example.com","password":"correct horse","password_confirmation":"correct horse","tos_agreement":true}`

func TestPasswordAccountLifecycle(t *testing.T) {
	fixture := newRouterFixture(t)

	registered := fixture.do(t, http.MethodPost, "/auth/register", registrationBody)
	expectStatus(t, registered, http.StatusCreated)
	if payload := decodeStatus(t, registered); payload.Status != "awaiting_confirmation" || payload.Account == nil || payload.Account.Username != "ana" {
		t.Fatalf("unexpected registration response %+v", payload)
	}

	early := fixture.do(t, http.MethodPost, "/auth/sign_in", `{"email":"ana@example.com","password":"correct horse"}`)
	expectStatus(t, early, http.StatusForbidden)
	if decodeError(t, early)["error"] != "email_not_confirmed" {
		t.Fatalf("unexpected error body %s", early.Body.String())
	}

	token := fixture.lastToken(t, "ana@example.com", "confirmation_token")
	confirmed := fixture.do(t, http.MethodGet, "/auth/confirmation?confirmation_token="+url.QueryEscape(token), "")
	expectStatus(t, confirmed, http.StatusOK)
	sessionCookie := responseCookie(t, confirmed, "participa_session")
	if !sessionCookie.HttpOnly {
		t.Fatalf("session cookie must be http only")
	}

	again := fixture.do(t, http.MethodGet, "/auth/confirmation?confirmation_token="+url.QueryEscape(token), "")
	expectStatus(t, again, http.StatusBadRequest)

	account := fixture.do(t, http.MethodGet, "/account", "", withCookie(sessionCookie))
	expectStatus(t, account, http.StatusOK)
	var current accountPayload
	if err := json.Unmarshal(account.Body.Bytes(), &current); err != nil {
		t.Fatalf("failed to decode account: %v", err)
	}
	if current.Email != "ana@example.com" || !current.EmailConfirmed || current.SignupState != "complete" {
		t.Fatalf("unexpected account %+v", current)
	}

	signedIn := fixture.do(t, http.MethodPost, "/auth/sign_in", `{"email":"ana@example.com","password":"correct horse"}`)
	expectStatus(t, signedIn, http.StatusOK)
	bearer := decodeStatus(t, signedIn).Session
	if bearer == nil || bearer.TokenType != "Bearer" || bearer.ExpiresIn <= 0 {
		t.Fatalf("unexpected session payload %+v", bearer)
	}
	expectStatus(t, fixture.do(t, http.MethodGet, "/account", "", withBearer(bearer.AccessToken)), http.StatusOK)

	wrong := fixture.do(t, http.MethodPost, "/auth/sign_in", `{"email":"ana@example.com","password":"wrong horse"}`)
	expectStatus(t, wrong, http.StatusUnauthorized)

	signedOut := fixture.do(t, http.MethodDelete, "/auth/sign_out", "", withCookie(sessionCookie))
	expectStatus(t, signedOut, http.StatusOK)
	if decodeStatus(t, signedOut).Status != "signed_out" {
		t.Fatalf("unexpected sign out body %s", signedOut.Body.String())
	}
	repeated := fixture.do(t, http.MethodDelete, "/auth/sign_out", "", withCookie(sessionCookie))
	expectStatus(t, repeated, http.StatusOK)
	if decodeStatus(t, repeated).Status != "already_signed_out" {
		t.Fatalf("unexpected repeated sign out body %s", repeated.Body.String())
	}
	expectStatus(t, fixture.do(t, http.MethodGet, "/account", "", withCookie(sessionCookie)), http.StatusUnauthorized)
}

func TestRegisterMapsValidationAndConflicts(t *testing.T) {
	fixture := newRouterFixture(t)

	mismatch := fixture.do(t, http.MethodPost, "/auth/register", strings.Replace(registrationBody, `"password_confirmation":"correct horse"`, `"password_confirmation":"other horse"`, 1))
	expectStatus(t, mismatch, http.StatusUnprocessableEntity)
	if body := decodeError(t, mismatch); body["error"] != "validation_failed" || body["field"] != "password_confirmation" {
		t.Fatalf("unexpected validation body %v", body)
	}
	if len(fixture.mail.Messages()) != 0 {
		t.Fatalf("rejected registration must not send mail")
	}

	expectStatus(t, fixture.do(t, http.MethodPost, "/auth/register", `{"username":`), http.StatusBadRequest)
	expectStatus(t, fixture.do(t, http.MethodPost, "/auth/register", registrationBody), http.StatusCreated)

	duplicate := fixture.do(t, http.MethodPost, "/auth/register", strings.Replace(registrationBody, `"username":"Ana"`, `"username":"Other"`, 1))
	expectStatus(t, duplicate, http.StatusConflict)
	if body := decodeError(t, duplicate); body["field"] != "email" {
		t.Fatalf("unexpected conflict body %v", body)
	}
}

func TestProviderSignupWithoutEmailThroughCollision(t *testing.T) {
	fixture := newRouterFixture(t)
	expectStatus(t, fixture.do(t, http.MethodPost, "/auth/register", strings.Replace(registrationBody, "ana@example.com", "taken@example.com", 1)), http.StatusCreated)

	callback := fixture.do(t, http.MethodGet, "/auth/twitter/callback", "")
	expectStatus(t, callback, http.StatusOK)
	payload := decodeStatus(t, callback)
	if payload.Status != "needs_completion" || payload.PendingRef == "" || payload.Session != nil {
		t.Fatalf("unexpected callback response %+v", payload)
	}
	if payload.Account == nil || payload.Account.Email != "" {
		t.Fatalf("placeholder email must not be exposed: %+v", payload.Account)
	}
	ref := payload.PendingRef

	pending := fixture.do(t, http.MethodGet, "/auth/finish_signup", "", withBearer(ref))
	expectStatus(t, pending, http.StatusOK)
	var view struct {
		State       string `json:"state"`
		Username    string `json:"username"`
		Email       string `json:"email"`
		Placeholder bool   `json:"placeholder"`
	}
	if err := json.Unmarshal(pending.Body.Bytes(), &view); err != nil {
		t.Fatalf("failed to decode pending view: %v", err)
	}
	if !view.Placeholder || view.Email != "" || view.Username != "manuela-carmena" || view.State != "awaiting_input" {
		t.Fatalf("unexpected pending view %+v", view)
	}

	collided := fixture.do(t, http.MethodPost, "/auth/finish_signup", `{"email":"taken@example.com"}`, withBearer(ref))
	expectStatus(t, collided, http.StatusConflict)
	if body := decodeStatus(t, collided); body.Status != "collision_resolution_required" || body.Collision != "email" {
		t.Fatalf("unexpected collision body %+v", body)
	}
	wrongEntry := fixture.do(t, http.MethodPost, "/auth/finish_signup", `{"email":"fresh@example.com"}`, withBearer(ref))
	expectStatus(t, wrongEntry, http.StatusConflict)
	if decodeError(t, wrongEntry)["error"] != "signup_state_mismatch" {
		t.Fatalf("unexpected state mismatch body %s", wrongEntry.Body.String())
	}

	resolved := fixture.do(t, http.MethodPost, "/auth/do_finish_signup", `{"email":"fresh@example.com"}`, withBearer(ref))
	expectStatus(t, resolved, http.StatusOK)
	if body := decodeStatus(t, resolved); body.Status != "awaiting_confirmation" || body.Session != nil {
		t.Fatalf("unexpected resolution body %+v", body)
	}

	token := fixture.lastToken(t, "fresh@example.com", "confirmation_token")
	confirmed := fixture.do(t, http.MethodGet, "/auth/confirmation?confirmation_token="+url.QueryEscape(token), "")
	expectStatus(t, confirmed, http.StatusOK)
	if body := decodeStatus(t, confirmed); body.Session == nil || body.Account.Email != "fresh@example.com" {
		t.Fatalf("unexpected confirmation body %+v", body)
	}

	linked := fixture.do(t, http.MethodGet, "/auth/twitter/callback", "")
	expectStatus(t, linked, http.StatusOK)
	if body := decodeStatus(t, linked); body.Status != "signed_in" || body.Session == nil {
		t.Fatalf("expected linked sign in, got %+v", body)
	}
}

func TestPendingSignupRejectsBadReferences(t *testing.T) {
	fixture := newRouterFixture(t)

	expectStatus(t, fixture.do(t, http.MethodGet, "/auth/finish_signup", ""), http.StatusBadRequest)
	expectStatus(t, fixture.do(t, http.MethodGet, "/auth/finish_signup", "", withBearer("garbage")), http.StatusBadRequest)

	callback := fixture.do(t, http.MethodGet, "/auth/twitter/callback", "")
	expectStatus(t, callback, http.StatusOK)
	cookie := responseCookie(t, callback, pendingSignupCookieName)
	expectStatus(t, fixture.do(t, http.MethodGet, "/auth/finish_signup", "", withCookie(cookie)), http.StatusOK)

	fixture.clock.Advance(2 * time.Hour)
	expired := fixture.do(t, http.MethodGet, "/auth/finish_signup", "", withCookie(cookie))
	expectStatus(t, expired, http.StatusGone)
	if decodeError(t, expired)["error"] != "expired_token" {
		t.Fatalf("unexpected expiry body %s", expired.Body.String())
	}
}

func TestProviderCallbackFailuresAreGeneric(t *testing.T) {
	fixture := newRouterFixture(t)

	fixture.twitter.SetError(errors.New("upstream timeout"))
	failed := fixture.do(t, http.MethodGet, "/auth/twitter/callback", "")
	expectStatus(t, failed, http.StatusBadGateway)
	if decodeError(t, failed)["error"] != "registration_failed" {
		t.Fatalf("unexpected failure body %s", failed.Body.String())
	}

	fixture.twitter.SetError(nil)
	fixture.twitter.SetClaims(users.ProfileClaims{DisplayName: "No Id"})
	malformed := fixture.do(t, http.MethodGet, "/auth/twitter/callback", "")
	expectStatus(t, malformed, http.StatusBadGateway)
	if decodeError(t, malformed)["error"] != "registration_failed" {
		t.Fatalf("unexpected malformed body %s", malformed.Body.String())
	}

	denied := fixture.do(t, http.MethodGet, "/auth/twitter/callback?error=access_denied", "")
	expectStatus(t, denied, http.StatusBadGateway)

	unknown := fixture.do(t, http.MethodGet, "/auth/myspace/callback", "")
	expectStatus(t, unknown, http.StatusNotFound)
	expectStatus(t, fixture.do(t, http.MethodGet, "/auth/twitter", ""), http.StatusNotFound)
}

func TestOAuthProviderRoundTripChecksState(t *testing.T) {
	provider := newFakeOAuthProvider(t)
	github, err := providers.NewOAuthClient(providers.OAuthClientConfig{
		Name:         "github",
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		AuthURL:      provider.URL + "/oauth/authorize",
		TokenURL:     provider.URL + "/oauth/token",
		UserInfoURL:  provider.URL + "/userinfo",
		RedirectURL:  testBaseURL + "/auth/github/callback",
		TrustEmail:   true,
		HTTPClient:   provider.Client(),
	})
	if err != nil {
		t.Fatalf("failed to construct client: %v", err)
	}
	fixture := newRouterFixture(t, github)

	begin := fixture.do(t, http.MethodGet, "/auth/github", "")
	expectStatus(t, begin, http.StatusFound)
	location, err := url.Parse(begin.Header().Get("Location"))
	if err != nil {
		t.Fatalf("invalid redirect: %v", err)
	}
	query := location.Query()
	if query.Get("code_challenge_method") != "S256" || query.Get("code_challenge") == "" || query.Get("state") == "" {
		t.Fatalf("expected PKCE redirect, got %s", location)
	}
	stateCookie := responseCookie(t, begin, oauthStateCookieName)

	forged := fixture.do(t, http.MethodGet, "/auth/github/callback?code=good-code&state=forged", "", withCookie(stateCookie))
	expectStatus(t, forged, http.StatusBadRequest)
	expectStatus(t, fixture.do(t, http.MethodGet, "/auth/github/callback?code=good-code&state="+query.Get("state"), ""), http.StatusBadRequest)

	callback := fixture.do(t, http.MethodGet, "/auth/github/callback?code=good-code&state="+url.QueryEscape(query.Get("state")), "", withCookie(stateCookie))
	expectStatus(t, callback, http.StatusOK)
	payload := decodeStatus(t, callback)
	if payload.Status != "signed_in" || payload.Session == nil || payload.Account.Username != "manuela" {
		t.Fatalf("unexpected callback response %+v", payload)
	}
	responseCookie(t, callback, "participa_session")
}

func TestPasswordResetEndpoints(t *testing.T) {
	fixture := newRouterFixture(t)
	expectStatus(t, fixture.do(t, http.MethodPost, "/auth/register", registrationBody), http.StatusCreated)
	token := fixture.lastToken(t, "ana@example.com", "confirmation_token")
	confirmed := fixture.do(t, http.MethodGet, "/auth/confirmation?confirmation_token="+url.QueryEscape(token), "")
	sessionCookie := responseCookie(t, confirmed, "participa_session")

	unknown := fixture.do(t, http.MethodPost, "/auth/password", `{"email":"nobody@example.com"}`)
	expectStatus(t, unknown, http.StatusAccepted)
	known := fixture.do(t, http.MethodPost, "/auth/password", `{"email":"ana@example.com"}`)
	expectStatus(t, known, http.StatusAccepted)
	if unknown.Body.String() != known.Body.String() {
		t.Fatalf("reset responses must not reveal account existence")
	}

	invalid := fixture.do(t, http.MethodPut, "/auth/password", `{"reset_password_token":"nope","password":"new password","password_confirmation":"new password"}`)
	expectStatus(t, invalid, http.StatusBadRequest)

	resetToken := fixture.lastToken(t, "ana@example.com", "reset_password_token")
	body := `{"reset_password_token":"` + resetToken + `","password":"new password","password_confirmation":"new password"}`
	expectStatus(t, fixture.do(t, http.MethodPut, "/auth/password", body), http.StatusOK)
	expectStatus(t, fixture.do(t, http.MethodGet, "/account", "", withCookie(sessionCookie)), http.StatusUnauthorized)
	expectStatus(t, fixture.do(t, http.MethodPost, "/auth/sign_in", `{"email":"ana@example.com","password":"new password"}`), http.StatusOK)

	fixture.do(t, http.MethodPost, "/auth/password", `{"email":"ana@example.com"}`)
	lateToken := fixture.lastToken(t, "ana@example.com", "reset_password_token")
	fixture.clock.Advance(7 * time.Hour)
	late := fixture.do(t, http.MethodPut, "/auth/password", `{"reset_password_token":"`+lateToken+`","password":"newer password","password_confirmation":"newer password"}`)
	expectStatus(t, late, http.StatusGone)
}

func TestResendConfirmationIsAlwaysAccepted(t *testing.T) {
	fixture := newRouterFixture(t)
	expectStatus(t, fixture.do(t, http.MethodPost, "/auth/register", registrationBody), http.StatusCreated)

	expectStatus(t, fixture.do(t, http.MethodPost, "/auth/confirmation", `{"email":"ana@example.com"}`), http.StatusAccepted)
	expectStatus(t, fixture.do(t, http.MethodPost, "/auth/confirmation", `{"email":"nobody@example.com"}`), http.StatusAccepted)
	if len(fixture.mail.Messages()) != 2 {
		t.Fatalf("expected registration and resend mail, got %d", len(fixture.mail.Messages()))
	}
}

func TestMetricsEndpointExposesOperations(t *testing.T) {
	fixture := newRouterFixture(t)
	expectStatus(t, fixture.do(t, http.MethodPost, "/auth/register", registrationBody), http.StatusCreated)

	scrape := fixture.do(t, http.MethodGet, "/metrics", "")
	expectStatus(t, scrape, http.StatusOK)
	body := scrape.Body.String()
	if !strings.Contains(body, `participa_account_operations_total{operation="users.register",result="pending"} 1`) {
		t.Fatalf("expected register counter in scrape:\n%s", body)
	}
	if !strings.Contains(body, `participa_http_request_duration_seconds_count{method="POST",route="/auth/register",status="2xx"} 1`) {
		t.Fatalf("expected request histogram in scrape:\n%s", body)
	}
}

func newFakeOAuthProvider(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil || r.PostForm.Get("code") != "good-code" || r.PostForm.Get("code_verifier") == "" {
			http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "provider-access-token",
			"token_type":   "bearer",
			"expires_in":   3600,
		})
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer provider-access-token" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"id": 77, "login": "manuela", "email": "manuela@example.com"})
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}
