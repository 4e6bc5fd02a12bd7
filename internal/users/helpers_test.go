package users

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/participa/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/participa/backend/internal/mailer"
	sqlite "github.com/glebarez/sqlite"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

var testDatabaseCounter atomic.Int64

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
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

func newTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:participa_%s_%d?mode=memory&cache=shared", name, testDatabaseCounter.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&Account{}, &Identity{}, &AccountToken{}, &auth.SessionRecord{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestStore(t *testing.T) (*Store, *gorm.DB) {
	t.Helper()
	db := newTestDatabase(t)
	store, err := NewStore(db)
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return store, db
}

func newTestLinker(t *testing.T, store *Store, clock *testClock) *IdentityLinker {
	t.Helper()
	linker, err := NewIdentityLinker(IdentityLinkerConfig{Store: store, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to construct linker: %v", err)
	}
	return linker
}

func newTestGate(t *testing.T, store *Store, clock *testClock) *ConfirmationGate {
	t.Helper()
	gate, err := NewConfirmationGate(ConfirmationGateConfig{Store: store, Clock: clock.Now, TokenTTL: 72 * time.Hour})
	if err != nil {
		t.Fatalf("failed to construct gate: %v", err)
	}
	return gate
}

func newTestFlow(t *testing.T, store *Store, gate *ConfirmationGate, clock *testClock) *SignupFlow {
	t.Helper()
	flow, err := NewSignupFlow(SignupFlowConfig{Store: store, Gate: gate, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to construct signup flow: %v", err)
	}
	return flow
}

type recordingMetrics struct {
	mu     sync.Mutex
	counts map[string]int
}

func (m *recordingMetrics) Record(operation, result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts == nil {
		m.counts = map[string]int{}
	}
	m.counts[operation+"/"+result]++
}

func (m *recordingMetrics) count(operation, result string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[operation+"/"+result]
}

type serviceFixture struct {
	service  *Service
	db       *gorm.DB
	store    *Store
	clock    *testClock
	mail     *mailer.RecordingSender
	sessions *auth.SessionManager
	metrics  *recordingMetrics
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	db := newTestDatabase(t)
	clock := newTestClock()

	sessionTokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-secret"),
		Issuer:        "participa-auth",
		Audience:      "participa-api",
		TokenTTL:      12 * time.Hour,
		Clock:         clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to construct session issuer: %v", err)
	}
	pendingRefs, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-secret"),
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
	notifier, err := mailer.NewNotifier(mailer.NotifierConfig{Sender: sender, BaseURL: "https://participa.example.com"})
	if err != nil {
		t.Fatalf("failed to construct notifier: %v", err)
	}
	metrics := &recordingMetrics{}

	service, err := NewService(ServiceConfig{
		Database:    db,
		Sessions:    sessions,
		PendingRefs: pendingRefs,
		Hasher:      auth.NewBcryptHasher(bcrypt.MinCost),
		Notifier:    notifier,
		Metrics:     metrics,
		Clock:       clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	store, err := NewStore(db)
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return &serviceFixture{
		service:  service,
		db:       db,
		store:    store,
		clock:    clock,
		mail:     sender,
		sessions: sessions,
		metrics:  metrics,
	}
}

func (f *serviceFixture) lastToken(t *testing.T, to, param string) string {
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

func countRows(t *testing.T, db *gorm.DB, model any) int64 {
	t.Helper()
	var count int64
	if err := db.Model(model).Count(&count).Error; err != nil {
		t.Fatalf("failed to count rows: %v", err)
	}
	return count
}

func seedAccount(t *testing.T, store *Store, account Account) Account {
	t.Helper()
	if account.SignupState == "" {
		account.SignupState = SignupStateComplete
	}
	if err := store.createAccount(context.Background(), &account, nil); err != nil {
		t.Fatalf("failed to seed account: %v", err)
	}
	return account
}
