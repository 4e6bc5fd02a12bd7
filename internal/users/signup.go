package users

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/participa/backend/internal/slug"
	"go.uber.org/zap"
)

// SignupEntry names the external entry point a completion submission arrived through.
type SignupEntry string

const (
	// SignupEntryFinish is the first submission of the completion form.
	SignupEntryFinish SignupEntry = "finish_signup"
	// SignupEntryResolveCollision is a resubmission after a username or email collision.
	SignupEntryResolveCollision SignupEntry = "do_finish_signup"
)

// SignupStatus is the externally visible result of a completion submission.
type SignupStatus string

const (
	SignupStatusAwaitingConfirmation        SignupStatus = "awaiting_confirmation"
	SignupStatusCollisionResolutionRequired SignupStatus = "collision_resolution_required"
	SignupStatusComplete                    SignupStatus = "complete"
)

// SignupSubmission carries the edited fields; empty values keep the current ones.
type SignupSubmission struct {
	Username string
	Email    string
}

// SignupResult describes the state reached by a submission.
type SignupResult struct {
	Status            SignupStatus
	Account           Account
	Collision         Field
	ConfirmationToken string
}

type signupEvent string

const (
	signupEventCollision     signupEvent = "collision"
	signupEventEmailPending  signupEvent = "email_pending"
	signupEventEmailVerified signupEvent = "email_verified"
	signupEventTokenConsumed signupEvent = "token_consumed"
)

// signupTransitions is the complete transition table of the completion flow.
var signupTransitions = map[SignupState]map[signupEvent]SignupState{
	SignupStateAwaitingInput: {
		signupEventCollision:     SignupStateAwaitingCollisionResolution,
		signupEventEmailPending:  SignupStateAwaitingConfirmation,
		signupEventEmailVerified: SignupStateComplete,
	},
	SignupStateAwaitingCollisionResolution: {
		signupEventCollision:     SignupStateAwaitingCollisionResolution,
		signupEventEmailPending:  SignupStateAwaitingConfirmation,
		signupEventEmailVerified: SignupStateComplete,
	},
	SignupStateAwaitingConfirmation: {
		signupEventCollision:     SignupStateAwaitingCollisionResolution,
		signupEventEmailPending:  SignupStateAwaitingConfirmation,
		signupEventTokenConsumed: SignupStateComplete,
	},
	SignupStateComplete: {},
}

// signupEntryStates lists the states each entry point accepts.
var signupEntryStates = map[SignupEntry][]SignupState{
	SignupEntryFinish:           {SignupStateAwaitingInput, SignupStateAwaitingConfirmation},
	SignupEntryResolveCollision: {SignupStateAwaitingCollisionResolution},
}

var errInvalidSignupTransition = errors.New("users: invalid signup transition")

func nextSignupState(current SignupState, event signupEvent) (SignupState, error) {
	next, ok := signupTransitions[current][event]
	if !ok {
		return current, fmt.Errorf("%w: %s on %s", errInvalidSignupTransition, event, current)
	}
	return next, nil
}

func entryAccepts(entry SignupEntry, state SignupState) bool {
	for _, accepted := range signupEntryStates[entry] {
		if accepted == state {
			return true
		}
	}
	return false
}

// SignupFlowConfig describes the dependencies of the completion flow.
type SignupFlowConfig struct {
	Store  *Store
	Gate   *ConfirmationGate
	Clock  func() time.Time
	Logger *zap.Logger
}

// SignupFlow collects and resolves the fields a provider did not supply.
type SignupFlow struct {
	store     *Store
	gate      *ConfirmationGate
	resolver  *CollisionResolver
	validator *fieldValidator
	now       func() time.Time
	logger    *zap.Logger
}

// NewSignupFlow constructs the completion state machine.
func NewSignupFlow(cfg SignupFlowConfig) (*SignupFlow, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, "missing_store", errMissingDatabase)
	}
	if cfg.Gate == nil {
		return nil, newServiceError(opServiceNew, "missing_confirmation_gate", errors.New("confirmation gate is required"))
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SignupFlow{
		store:     cfg.Store,
		gate:      cfg.Gate,
		resolver:  NewCollisionResolver(cfg.Store),
		validator: newFieldValidator(),
		now:       clock,
		logger:    logger,
	}, nil
}

// Pending returns the account behind a pending signup.
func (f *SignupFlow) Pending(ctx context.Context, accountID string) (Account, error) {
	account, err := f.store.FindAccount(ctx, accountID)
	if err != nil {
		return Account{}, err
	}
	if account.SignupState == SignupStateComplete {
		return Account{}, ErrSignupComplete
	}
	return account, nil
}

// Submit validates a completion submission and advances the pending account.
// Collisions never touch the account owning the contested value.
func (f *SignupFlow) Submit(ctx context.Context, accountID string, entry SignupEntry, submission SignupSubmission) (SignupResult, error) {
	account, err := f.Pending(ctx, accountID)
	if err != nil {
		return SignupResult{}, err
	}
	if !entryAccepts(entry, account.SignupState) {
		return SignupResult{}, &SignupStateError{Current: account.SignupState, Entry: entry}
	}

	username := account.Username
	if raw := normalize(submission.Username); raw != "" {
		username = slug.Slugify(raw)
		if username == "" {
			return SignupResult{}, &ValidationError{Field: string(FieldUsername), Message: "must contain letters or digits"}
		}
	}
	email := account.Email
	if raw := normalize(submission.Email); raw != "" {
		email, err = f.validator.NormalizeEmail(raw)
		if err != nil {
			return SignupResult{}, err
		}
	}
	if IsPlaceholderEmail(email) {
		return SignupResult{}, &ValidationError{Field: string(FieldEmail), Message: "a real email address is required"}
	}

	for _, candidate := range []struct {
		field Field
		value string
	}{{FieldUsername, username}, {FieldEmail, email}} {
		availability, err := f.resolver.CheckAvailability(ctx, candidate.field, candidate.value, account.ID)
		if err != nil {
			return SignupResult{}, err
		}
		if availability == AvailabilityTakenByOther {
			return f.recordCollision(ctx, account, candidate.field)
		}
	}

	confirmed := account.EmailConfirmed && email == account.Email
	event := signupEventEmailPending
	if confirmed {
		event = signupEventEmailVerified
	}
	next, err := nextSignupState(account.SignupState, event)
	if err != nil {
		return SignupResult{}, err
	}

	var rawToken string
	err = f.store.transaction(ctx, func(tx *Store) error {
		updates := map[string]any{
			"username":        username,
			"email":           email,
			"email_confirmed": confirmed,
			"signup_state":    next,
		}
		if !confirmed {
			updates["confirmed_at"] = nil
		}
		if err := tx.updateAccount(ctx, account.ID, updates); err != nil {
			return err
		}
		account.Username = username
		account.Email = email
		account.EmailConfirmed = confirmed
		account.SignupState = next
		if confirmed {
			return nil
		}
		account.ConfirmedAt = nil
		token, err := f.gate.issue(ctx, tx, account)
		if err != nil {
			return err
		}
		rawToken = token
		return nil
	})
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		stale, findErr := f.store.FindAccount(ctx, accountID)
		if findErr != nil {
			return SignupResult{}, findErr
		}
		return f.recordCollision(ctx, stale, conflict.Field)
	}
	if err != nil {
		return SignupResult{}, err
	}

	status := SignupStatusAwaitingConfirmation
	if next == SignupStateComplete {
		status = SignupStatusComplete
	}
	return SignupResult{Status: status, Account: account, ConfirmationToken: rawToken}, nil
}

func (f *SignupFlow) recordCollision(ctx context.Context, account Account, field Field) (SignupResult, error) {
	next, err := nextSignupState(account.SignupState, signupEventCollision)
	if err != nil {
		return SignupResult{}, err
	}
	now := f.now().UTC()
	err = f.store.transaction(ctx, func(tx *Store) error {
		if err := tx.updateAccount(ctx, account.ID, map[string]any{"signup_state": next}); err != nil {
			return err
		}
		return tx.supersedeTokens(ctx, account.ID, TokenPurposeConfirmation, now)
	})
	if err != nil {
		return SignupResult{}, err
	}
	account.SignupState = next
	f.logger.Info("signup completion collided",
		zap.String("account_id", account.ID),
		zap.String("field", string(field)))
	return SignupResult{Status: SignupStatusCollisionResolutionRequired, Account: account, Collision: field}, nil
}
