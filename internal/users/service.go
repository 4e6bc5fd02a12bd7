package users

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/participa/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/participa/backend/internal/slug"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultResetTTL = 6 * time.Hour

var (
	errMissingSessions    = errors.New("session establisher is required")
	errMissingHasher      = errors.New("password hasher is required")
	errMissingNotifier    = errors.New("notifier is required")
	errMissingPendingRefs = errors.New("pending signup reference issuer is required")
)

// SessionEstablisher grants and destroys account sessions.
type SessionEstablisher interface {
	Establish(ctx context.Context, accountID string) (auth.Session, error)
	Revoke(ctx context.Context, accountID string) error
	Destroy(ctx context.Context, token string) (auth.SignOutOutcome, error)
}

// PendingReferenceIssuer signs the short-lived reference handed out for a pending signup.
type PendingReferenceIssuer interface {
	IssueToken(ctx context.Context, subject, tokenID string) (string, time.Time, error)
	ValidateToken(token string) (auth.TokenClaims, error)
}

// PasswordHasher hashes and checks account passwords.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Compare(hash, password string) error
}

// CaptchaVerifier checks the bot challenge answered during registration.
type CaptchaVerifier interface {
	Verify(ctx context.Context, response string) (bool, error)
}

// Notifier delivers account mail.
type Notifier interface {
	SendConfirmation(ctx context.Context, to, username, token string) error
	SendPasswordReset(ctx context.Context, to, username, token string) error
}

// OperationRecorder counts operation outcomes.
type OperationRecorder interface {
	Record(operation, result string)
}

// ServiceConfig describes the dependencies of the account service.
type ServiceConfig struct {
	Database         *gorm.DB
	Sessions         SessionEstablisher
	PendingRefs      PendingReferenceIssuer
	Hasher           PasswordHasher
	Captcha          CaptchaVerifier
	Notifier         Notifier
	Metrics          OperationRecorder
	IDProvider       IDProvider
	Clock            func() time.Time
	Logger           *zap.Logger
	ConfirmationTTL  time.Duration
	ResetTTL         time.Duration
	IdentityCacheTTL time.Duration
}

// Service exposes the account operations: registration, provider login, signup
// completion, confirmation, password reset and sign-out.
type Service struct {
	store       *Store
	linker      *IdentityLinker
	flow        *SignupFlow
	gate        *ConfirmationGate
	resolver    *CollisionResolver
	validator   *fieldValidator
	sessions    SessionEstablisher
	pendingRefs PendingReferenceIssuer
	hasher      PasswordHasher
	captcha     CaptchaVerifier
	notifier    Notifier
	metrics     OperationRecorder
	ids         IDProvider
	clock       func() time.Time
	resetTTL    time.Duration
	logger      *zap.Logger
}

// NewService wires the account components around one store.
func NewService(cfg ServiceConfig) (*Service, error) {
	store, err := NewStore(cfg.Database)
	if err != nil {
		return nil, err
	}
	if cfg.Sessions == nil {
		return nil, newServiceError(opServiceNew, "missing_sessions", errMissingSessions)
	}
	if cfg.PendingRefs == nil {
		return nil, newServiceError(opServiceNew, "missing_pending_refs", errMissingPendingRefs)
	}
	if cfg.Hasher == nil {
		return nil, newServiceError(opServiceNew, "missing_hasher", errMissingHasher)
	}
	if cfg.Notifier == nil {
		return nil, newServiceError(opServiceNew, "missing_notifier", errMissingNotifier)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = NewUUIDProvider()
	}
	resetTTL := cfg.ResetTTL
	if resetTTL <= 0 {
		resetTTL = defaultResetTTL
	}
	captcha := cfg.Captcha
	if captcha == nil {
		captcha = auth.DisabledCaptcha{}
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = noopRecorder{}
	}

	gate, err := NewConfirmationGate(ConfirmationGateConfig{Store: store, Clock: clock, TokenTTL: cfg.ConfirmationTTL})
	if err != nil {
		return nil, err
	}
	linker, err := NewIdentityLinker(IdentityLinkerConfig{
		Store:      store,
		IDProvider: ids,
		Clock:      clock,
		CacheTTL:   cfg.IdentityCacheTTL,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	flow, err := NewSignupFlow(SignupFlowConfig{Store: store, Gate: gate, Clock: clock, Logger: logger})
	if err != nil {
		return nil, err
	}

	return &Service{
		store:       store,
		linker:      linker,
		flow:        flow,
		gate:        gate,
		resolver:    NewCollisionResolver(store),
		validator:   newFieldValidator(),
		sessions:    cfg.Sessions,
		pendingRefs: cfg.PendingRefs,
		hasher:      cfg.Hasher,
		captcha:     captcha,
		notifier:    cfg.Notifier,
		metrics:     metrics,
		ids:         ids,
		clock:       clock,
		resetTTL:    resetTTL,
		logger:      logger,
	}, nil
}

// RegistrationRequest is a password signup.
type RegistrationRequest struct {
	Username             string `json:"username" validate:"required,max=60"`
	Email                string `json:"email" validate:"required,max=320"`
	Password             string `json:"password" validate:"required,min=8,max=72"`
	PasswordConfirmation string `json:"password_confirmation" validate:"required,eqfield=Password"`
	TermsAccepted        bool   `json:"tos_agreement" validate:"required"`
	CaptchaResponse      string `json:"captcha"`
}

// RegistrationResult describes the pending account created by Register.
type RegistrationResult struct {
	Account Account
}

// Register creates an unconfirmed password account and mails its confirmation token.
// Nothing is written when any field fails validation.
func (s *Service) Register(ctx context.Context, request RegistrationRequest) (result RegistrationResult, err error) {
	defer func() { s.record(opRegister, "pending", err) }()

	if err := s.validator.Struct(request); err != nil {
		return RegistrationResult{}, err
	}
	passed, err := s.captcha.Verify(ctx, request.CaptchaResponse)
	if err != nil {
		s.logError(opRegister, "captcha_unavailable", err)
		return RegistrationResult{}, newServiceError(opRegister, "captcha_unavailable", err)
	}
	if !passed {
		return RegistrationResult{}, &ValidationError{Field: "captcha", Message: "verification failed"}
	}
	username := slug.Slugify(request.Username)
	if username == "" {
		return RegistrationResult{}, &ValidationError{Field: string(FieldUsername), Message: "must contain letters or digits"}
	}
	email, err := s.validator.NormalizeEmail(request.Email)
	if err != nil {
		return RegistrationResult{}, err
	}
	if IsPlaceholderEmail(email) {
		return RegistrationResult{}, &ValidationError{Field: string(FieldEmail), Message: "a real email address is required"}
	}
	for _, candidate := range []struct {
		field Field
		value string
	}{{FieldUsername, username}, {FieldEmail, email}} {
		availability, err := s.resolver.CheckAvailability(ctx, candidate.field, candidate.value, "")
		if err != nil {
			s.logError(opRegister, "availability_check_failed", err)
			return RegistrationResult{}, newServiceError(opRegister, "availability_check_failed", err)
		}
		if availability == AvailabilityTakenByOther {
			return RegistrationResult{}, &ConflictError{Field: candidate.field}
		}
	}

	passwordHash, err := s.hasher.Hash(request.Password)
	if err != nil {
		s.logError(opRegister, "password_hash_failed", err)
		return RegistrationResult{}, newServiceError(opRegister, "password_hash_failed", err)
	}
	accountID, err := s.ids.NewID()
	if err != nil {
		s.logError(opRegister, "id_generation_failed", err)
		return RegistrationResult{}, newServiceError(opRegister, "id_generation_failed", err)
	}
	now := s.clock().UTC()
	account := Account{
		ID:              accountID,
		Username:        username,
		Email:           email,
		PasswordHash:    passwordHash,
		SignupState:     SignupStateAwaitingConfirmation,
		TermsAcceptedAt: &now,
	}

	var rawToken string
	err = s.store.transaction(ctx, func(tx *Store) error {
		if err := tx.createAccount(ctx, &account, nil); err != nil {
			return err
		}
		token, err := s.gate.issue(ctx, tx, account)
		if err != nil {
			return err
		}
		rawToken = token
		return nil
	})
	if err != nil {
		if isDomainError(err) {
			return RegistrationResult{}, err
		}
		s.logError(opRegister, "account_create_failed", err)
		return RegistrationResult{}, newServiceError(opRegister, "account_create_failed", err)
	}

	s.sendConfirmation(ctx, opRegister, account, rawToken)
	s.logger.Info("account registered", zap.String("account_id", account.ID))
	return RegistrationResult{Account: account}, nil
}

// SignInResult carries the session of a password sign-in.
type SignInResult struct {
	Account Account
	Session auth.Session
}

// SignIn authenticates an email and password. Unknown emails and wrong passwords
// are indistinguishable to the caller.
func (s *Service) SignIn(ctx context.Context, email, password string) (result SignInResult, err error) {
	defer func() { s.record(opSignIn, "signed_in", err) }()

	normalized, err := s.validator.NormalizeEmail(email)
	if err != nil || password == "" {
		return SignInResult{}, ErrInvalidCredentials
	}
	account, err := s.store.FindAccountByEmail(ctx, normalized)
	if errors.Is(err, ErrAccountNotFound) || (err == nil && !account.HasPassword()) {
		return SignInResult{}, ErrInvalidCredentials
	}
	if err != nil {
		s.logError(opSignIn, "account_lookup_failed", err)
		return SignInResult{}, newServiceError(opSignIn, "account_lookup_failed", err)
	}
	if err := s.hasher.Compare(account.PasswordHash, password); err != nil {
		if errors.Is(err, auth.ErrPasswordMismatch) {
			return SignInResult{}, ErrInvalidCredentials
		}
		s.logError(opSignIn, "password_compare_failed", err, zap.String("account_id", account.ID))
		return SignInResult{}, newServiceError(opSignIn, "password_compare_failed", err)
	}
	if !s.gate.Passes(account) {
		return SignInResult{}, ErrEmailNotConfirmed
	}
	session, err := s.establish(ctx, opSignIn, account)
	if err != nil {
		return SignInResult{}, err
	}
	return SignInResult{Account: account, Session: session}, nil
}

// CallbackStatus is the externally visible result of a provider callback.
type CallbackStatus string

const (
	// CallbackStatusSignedIn means every gate passed and a session was established.
	CallbackStatusSignedIn CallbackStatus = "signed_in"
	// CallbackStatusNeedsCompletion means the pending account must go through signup completion.
	CallbackStatusNeedsCompletion CallbackStatus = "needs_completion"
	// CallbackStatusAwaitingConfirmation means the account waits for its email confirmation.
	CallbackStatusAwaitingConfirmation CallbackStatus = "awaiting_confirmation"
)

// CallbackResult describes how a provider callback was answered.
type CallbackResult struct {
	Status           CallbackStatus
	Outcome          LinkOutcome
	Account          Account
	Session          *auth.Session
	PendingRef       string
	ConfirmationSent bool
}

// ProviderCallback resolves the provider claims to an account and establishes a
// session when the confirmation gate passes; otherwise it hands back a pending reference.
func (s *Service) ProviderCallback(ctx context.Context, claims ProfileClaims) (result CallbackResult, err error) {
	defer func() { s.record(opProviderCallback, string(result.Status), err) }()

	link, err := s.linker.Resolve(ctx, claims)
	if err != nil {
		if errors.Is(err, ErrInvalidProviderResponse) {
			s.logger.Warn("provider response rejected",
				zap.String("operation", opProviderCallback),
				zap.String("provider", NormalizeProvider(claims.Provider)))
			return CallbackResult{}, err
		}
		s.logError(opProviderCallback, "resolve_failed", err, zap.String("provider", NormalizeProvider(claims.Provider)))
		return CallbackResult{}, newServiceError(opProviderCallback, "resolve_failed", err)
	}

	account := link.Account
	result = CallbackResult{Outcome: link.Outcome, Account: account}
	if s.gate.Passes(account) {
		session, err := s.establish(ctx, opProviderCallback, account)
		if err != nil {
			return CallbackResult{}, err
		}
		result.Status = CallbackStatusSignedIn
		result.Session = &session
		return result, nil
	}

	result.Status = CallbackStatusNeedsCompletion
	if account.SignupState == SignupStateAwaitingConfirmation || account.SignupState == SignupStateComplete {
		result.Status = CallbackStatusAwaitingConfirmation
	}
	if link.Outcome == LinkOutcomeCreatedComplete && result.Status == CallbackStatusAwaitingConfirmation {
		rawToken, err := s.gate.issue(ctx, s.store, account)
		if err != nil {
			s.logError(opProviderCallback, "confirmation_issue_failed", err, zap.String("account_id", account.ID))
			return CallbackResult{}, newServiceError(opProviderCallback, "confirmation_issue_failed", err)
		}
		result.ConfirmationSent = s.sendConfirmation(ctx, opProviderCallback, account, rawToken)
	}
	ref, _, err := s.pendingRefs.IssueToken(ctx, account.ID, "")
	if err != nil {
		s.logError(opProviderCallback, "pending_ref_failed", err, zap.String("account_id", account.ID))
		return CallbackResult{}, newServiceError(opProviderCallback, "pending_ref_failed", err)
	}
	result.PendingRef = ref
	return result, nil
}

// PendingSignupView is what the completion form shows for a pending account.
type PendingSignupView struct {
	AccountID   string
	State       SignupState
	Username    string
	Email       string
	Placeholder bool
}

// PendingSignup returns the editable values of the pending account behind ref.
func (s *Service) PendingSignup(ctx context.Context, ref string) (PendingSignupView, error) {
	accountID, err := s.resolvePendingRef(ref)
	if err != nil {
		return PendingSignupView{}, err
	}
	account, err := s.flow.Pending(ctx, accountID)
	if err != nil {
		if isDomainError(err) {
			return PendingSignupView{}, err
		}
		s.logError(opCompleteSignup, "pending_lookup_failed", err, zap.String("account_id", accountID))
		return PendingSignupView{}, newServiceError(opCompleteSignup, "pending_lookup_failed", err)
	}
	view := PendingSignupView{
		AccountID:   account.ID,
		State:       account.SignupState,
		Username:    account.Username,
		Email:       account.Email,
		Placeholder: account.HasPlaceholderEmail(),
	}
	if view.Placeholder {
		view.Email = ""
	}
	return view, nil
}

// CompletionResult describes the state reached by a completion submission.
type CompletionResult struct {
	Status    SignupStatus
	Account   Account
	Collision Field
	Session   *auth.Session
}

// CompleteSignup submits edited fields for the pending account behind ref through entry.
func (s *Service) CompleteSignup(ctx context.Context, ref string, entry SignupEntry, submission SignupSubmission) (result CompletionResult, err error) {
	defer func() { s.record(opCompleteSignup, string(result.Status), err) }()

	accountID, err := s.resolvePendingRef(ref)
	if err != nil {
		return CompletionResult{}, err
	}
	submitted, err := s.flow.Submit(ctx, accountID, entry, submission)
	if err != nil {
		if isDomainError(err) {
			return CompletionResult{}, err
		}
		s.logError(opCompleteSignup, "submit_failed", err, zap.String("account_id", accountID))
		return CompletionResult{}, newServiceError(opCompleteSignup, "submit_failed", err)
	}

	result = CompletionResult{Status: submitted.Status, Account: submitted.Account, Collision: submitted.Collision}
	if submitted.ConfirmationToken != "" {
		s.sendConfirmation(ctx, opCompleteSignup, submitted.Account, submitted.ConfirmationToken)
	}
	if submitted.Status == SignupStatusComplete && s.gate.Passes(submitted.Account) {
		session, err := s.establish(ctx, opCompleteSignup, submitted.Account)
		if err != nil {
			return CompletionResult{}, err
		}
		result.Session = &session
	}
	return result, nil
}

// ConfirmationResult carries the confirmed account and its new session.
type ConfirmationResult struct {
	Account Account
	Session *auth.Session
}

// ConfirmEmail redeems a confirmation token and establishes a session once the gate passes.
func (s *Service) ConfirmEmail(ctx context.Context, rawToken string) (result ConfirmationResult, err error) {
	defer func() { s.record(opConfirmEmail, "confirmed", err) }()

	account, err := s.gate.Confirm(ctx, rawToken)
	if err != nil {
		if isDomainError(err) {
			return ConfirmationResult{}, err
		}
		s.logError(opConfirmEmail, "confirm_failed", err)
		return ConfirmationResult{}, newServiceError(opConfirmEmail, "confirm_failed", err)
	}
	result = ConfirmationResult{Account: account}
	if s.gate.Passes(account) {
		session, err := s.establish(ctx, opConfirmEmail, account)
		if err != nil {
			return ConfirmationResult{}, err
		}
		result.Session = &session
	}
	s.logger.Info("email confirmed", zap.String("account_id", account.ID))
	return result, nil
}

// ResendConfirmation mails a fresh confirmation token to an unconfirmed account.
// It never reveals whether the email belongs to an account.
func (s *Service) ResendConfirmation(ctx context.Context, email string) {
	defer s.record(opResendConfirmation, "accepted", nil)

	account, ok := s.lookupForMail(ctx, opResendConfirmation, email)
	if !ok || s.gate.IsConfirmed(account) || account.SignupState != SignupStateAwaitingConfirmation {
		return
	}
	rawToken, err := s.gate.issue(ctx, s.store, account)
	if err != nil {
		s.logError(opResendConfirmation, "confirmation_issue_failed", err, zap.String("account_id", account.ID))
		return
	}
	s.sendConfirmation(ctx, opResendConfirmation, account, rawToken)
}

// RequestPasswordReset mails a reset token when the email belongs to an account.
// The caller observes the same result either way.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) {
	defer s.record(opRequestPasswordReset, "accepted", nil)

	account, ok := s.lookupForMail(ctx, opRequestPasswordReset, email)
	if !ok {
		return
	}
	rawToken, err := issueAccountToken(ctx, s.store, account, TokenPurposePasswordReset, s.clock().UTC(), s.resetTTL)
	if err != nil {
		s.logError(opRequestPasswordReset, "reset_issue_failed", err, zap.String("account_id", account.ID))
		return
	}
	if err := s.notifier.SendPasswordReset(ctx, account.Email, account.Username, rawToken); err != nil {
		s.logError(opRequestPasswordReset, "mail_failed", err, zap.String("account_id", account.ID))
	}
}

// PasswordResetRequest carries a reset token and the new password.
type PasswordResetRequest struct {
	Token                string `json:"reset_password_token" validate:"required"`
	Password             string `json:"password" validate:"required,min=8,max=72"`
	PasswordConfirmation string `json:"password_confirmation" validate:"required,eqfield=Password"`
}

// ResetPassword redeems a reset token, replaces the password and revokes the account session.
func (s *Service) ResetPassword(ctx context.Context, request PasswordResetRequest) (account Account, err error) {
	defer func() { s.record(opResetPassword, "changed", err) }()

	if normalize(request.Token) == "" {
		return Account{}, ErrInvalidToken
	}
	if err := s.validator.Struct(request); err != nil {
		return Account{}, err
	}
	passwordHash, err := s.hasher.Hash(request.Password)
	if err != nil {
		s.logError(opResetPassword, "password_hash_failed", err)
		return Account{}, newServiceError(opResetPassword, "password_hash_failed", err)
	}

	now := s.clock().UTC()
	err = s.store.transaction(ctx, func(tx *Store) error {
		token, err := tx.consumeToken(ctx, hashToken(normalize(request.Token)), TokenPurposePasswordReset, now)
		if err != nil {
			return err
		}
		found, err := tx.FindAccount(ctx, token.AccountID)
		if errors.Is(err, ErrAccountNotFound) {
			return ErrInvalidToken
		}
		if err != nil {
			return err
		}
		if found.Email != token.Email {
			return ErrInvalidToken
		}
		if err := tx.updateAccount(ctx, found.ID, map[string]any{"password_hash": passwordHash}); err != nil {
			return err
		}
		found.PasswordHash = passwordHash
		account = found
		return nil
	})
	if err != nil {
		if isDomainError(err) {
			return Account{}, err
		}
		s.logError(opResetPassword, "reset_failed", err)
		return Account{}, newServiceError(opResetPassword, "reset_failed", err)
	}
	if err := s.sessions.Revoke(ctx, account.ID); err != nil {
		s.logError(opResetPassword, "session_revoke_failed", err, zap.String("account_id", account.ID))
	}
	s.logger.Info("password reset", zap.String("account_id", account.ID))
	return account, nil
}

// SignOut destroys the session behind token; repeated calls are safe.
func (s *Service) SignOut(ctx context.Context, token string) (outcome auth.SignOutOutcome, err error) {
	defer func() { s.record(opSignOut, string(outcome), err) }()

	outcome, err = s.sessions.Destroy(ctx, token)
	if err != nil {
		s.logError(opSignOut, "session_destroy_failed", err)
		return "", newServiceError(opSignOut, "session_destroy_failed", err)
	}
	return outcome, nil
}

// CurrentAccount loads the account behind an established session.
func (s *Service) CurrentAccount(ctx context.Context, accountID string) (Account, error) {
	return s.store.FindAccount(ctx, accountID)
}

func (s *Service) resolvePendingRef(ref string) (string, error) {
	ref = normalize(ref)
	if ref == "" {
		return "", ErrInvalidToken
	}
	claims, err := s.pendingRefs.ValidateToken(ref)
	if errors.Is(err, jwt.ErrTokenExpired) {
		return "", ErrExpiredToken
	}
	if err != nil {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

func (s *Service) establish(ctx context.Context, operation string, account Account) (auth.Session, error) {
	session, err := s.sessions.Establish(ctx, account.ID)
	if err != nil {
		s.logError(operation, "session_establish_failed", err, zap.String("account_id", account.ID))
		return auth.Session{}, newServiceError(operation, "session_establish_failed", err)
	}
	return session, nil
}

func (s *Service) lookupForMail(ctx context.Context, operation, email string) (Account, bool) {
	normalized, ok := s.validator.realEmail(email)
	if !ok {
		return Account{}, false
	}
	account, err := s.store.FindAccountByEmail(ctx, normalized)
	if err != nil {
		if !errors.Is(err, ErrAccountNotFound) {
			s.logError(operation, "account_lookup_failed", err)
		}
		return Account{}, false
	}
	return account, true
}

// sendConfirmation delivers the token; delivery failures are logged and never undo the flow.
func (s *Service) sendConfirmation(ctx context.Context, operation string, account Account, rawToken string) bool {
	if err := s.notifier.SendConfirmation(ctx, account.Email, account.Username, rawToken); err != nil {
		s.logError(operation, "mail_failed", err, zap.String("account_id", account.ID))
		return false
	}
	return true
}

func (s *Service) record(operation, success string, err error) {
	s.metrics.Record(operation, resultLabel(success, err))
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("users service error", attrs...)
}

func resultLabel(success string, err error) string {
	switch {
	case err == nil:
		return success
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrInvalidProviderResponse):
		return "invalid_provider_response"
	case errors.Is(err, ErrInvalidToken):
		return "invalid_token"
	case errors.Is(err, ErrExpiredToken):
		return "expired_token"
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, ErrEmailNotConfirmed):
		return "email_not_confirmed"
	case errors.Is(err, ErrSignupComplete), errors.Is(err, ErrSignupStateMismatch):
		return "state_mismatch"
	default:
		return "error"
	}
}

type noopRecorder struct{}

func (noopRecorder) Record(string, string) {}
