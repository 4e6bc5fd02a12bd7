package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/participa/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/participa/backend/internal/database"
	"github.com/MarcoPoloResearchLab/participa/backend/internal/mailer"
	"github.com/MarcoPoloResearchLab/participa/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/participa/backend/internal/providers"
	"github.com/MarcoPoloResearchLab/participa/backend/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const testBaseURL = "https://participa.example.com"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type routerFixture struct {
	handler  http.Handler
	mail     *mailer.RecordingSender
	twitter  *providers.StaticClient
	clock    *testClock
	events   *EventDispatcher
	sessions *auth.SessionManager
}

func newRouterFixture(t *testing.T, extraClients ...providers.Client) *routerFixture {
	t.Helper()
	return newRouterFixtureWithHeartbeat(t, time.Hour, extraClients...)
}

func newRouterFixtureWithHeartbeat(t *testing.T, heartbeat time.Duration, extraClients ...providers.Client) *routerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	clock := &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := database.OpenSQLite(dsn, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	sessionTokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("router-secret"),
		Issuer:        "participa-auth",
		Audience:      "participa-api",
		TokenTTL:      12 * time.Hour,
		Clock:         clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to construct session issuer: %v", err)
	}
	pendingRefs, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("router-secret"),
		Issuer:        "participa-auth",
		Audience:      "participa-signup",
		TokenTTL:      time.Hour,
		Clock:         clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to construct pending issuer: %v", err)
	}
	sessionStore, err := auth.NewDatabaseSessionStore(db)
	if err != nil {
		t.Fatalf("failed to construct session store: %v", err)
	}
	sessions, err := auth.NewSessionManager(auth.SessionManagerConfig{
		Store:      sessionStore,
		Tokens:     sessionTokens,
		CookieName: "participa_session",
		Clock:      clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to construct session manager: %v", err)
	}
	sender := mailer.NewRecordingSender()
	notifier, err := mailer.NewNotifier(mailer.NotifierConfig{Sender: sender, BaseURL: testBaseURL})
	if err != nil {
		t.Fatalf("failed to construct notifier: %v", err)
	}
	recorder := metrics.NewRecorder()
	service, err := users.NewService(users.ServiceConfig{
		Database:    db,
		Sessions:    sessions,
		PendingRefs: pendingRefs,
		Hasher:      auth.NewBcryptHasher(bcrypt.MinCost),
		Notifier:    notifier,
		Metrics:     recorder,
		Clock:       clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}

	twitter := providers.NewStaticClient("twitter", users.ProfileClaims{ExternalID: "12345", DisplayName: "Manuela Carmena"})
	clients := append([]providers.Client{twitter}, extraClients...)
	events := NewEventDispatcher()
	handler, err := NewHTTPHandler(Dependencies{
		Accounts:          service,
		Sessions:          sessions,
		Providers:         providers.NewRegistry(clients...),
		Metrics:           recorder,
		Events:            events,
		HeartbeatInterval: heartbeat,
		Clock:             clock.Now,
		Logger:            zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}
	return &routerFixture{
		handler:  handler,
		mail:     sender,
		twitter:  twitter,
		clock:    clock,
		events:   events,
		sessions: sessions,
	}
}

func (f *routerFixture) do(t *testing.T, method, target, body string, decorate ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != "" {
		reader = strings.NewReader(body)
	}
	request := httptest.NewRequest(method, target, reader)
	if body != "" {
		request.Header.Set("Content-Type", "application/json")
	}
	for _, apply := range decorate {
		apply(request)
	}
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func (f *routerFixture) lastToken(t *testing.T, to, param string) string {
	t.Helper()
	message, ok := f.mail.Last(to)
	if !ok {
		t.Fatalf("expected mail to %s", to)
	}
	token := mailer.ExtractToken(message, param)
	if token == "" {
		t.Fatalf("expected %s in mail to %s", param, to)
	}
	return token
}

func withCookie(cookie *http.Cookie) func(*http.Request) {
	return func(request *http.Request) {
		request.AddCookie(cookie)
	}
}

func withBearer(token string) func(*http.Request) {
	return func(request *http.Request) {
		request.Header.Set("Authorization", "Bearer "+token)
	}
}

func responseCookie(t *testing.T, recorder *httptest.ResponseRecorder, name string) *http.Cookie {
	t.Helper()
	for _, cookie := range recorder.Result().Cookies() {
		if cookie.Name == name && cookie.MaxAge >= 0 && cookie.Value != "" {
			return cookie
		}
	}
	t.Fatalf("expected cookie %s in response", name)
	return nil
}

func decodeStatus(t *testing.T, recorder *httptest.ResponseRecorder) statusResponsePayload {
	t.Helper()
	var payload statusResponsePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
	return payload
}

func decodeError(t *testing.T, recorder *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var payload map[string]string
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode error %q: %v", recorder.Body.String(), err)
	}
	return payload
}

func expectStatus(t *testing.T, recorder *httptest.ResponseRecorder, status int) {
	t.Helper()
	if recorder.Code != status {
		t.Fatalf("expected status %d, got %d: %s", status, recorder.Code, recorder.Body.String())
	}
}
