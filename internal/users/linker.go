package users

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/participa/backend/internal/slug"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// LinkOutcome tags how Resolve satisfied a provider login.
type LinkOutcome string

const (
	// LinkOutcomeLinked means an existing identity was found; nothing was written.
	LinkOutcomeLinked LinkOutcome = "linked"
	// LinkOutcomeCreatedComplete means a new account needs no further input.
	LinkOutcomeCreatedComplete LinkOutcome = "created_complete"
	// LinkOutcomeCreatedNeedsCompletion means a new account must pass the signup completion flow.
	LinkOutcomeCreatedNeedsCompletion LinkOutcome = "created_needs_completion"
)

const (
	defaultIdentityCacheTTL = 5 * time.Minute
	maxCreateAttempts       = 5
)

// LinkResult carries the resolved account and identity.
type LinkResult struct {
	Account  Account
	Identity Identity
	Outcome  LinkOutcome
}

// IdentityLinkerConfig describes the dependencies of the identity linker.
type IdentityLinkerConfig struct {
	Store      *Store
	IDProvider IDProvider
	Clock      func() time.Time
	CacheTTL   time.Duration
	Logger     *zap.Logger
}

// IdentityLinker maps (provider, external id) pairs onto canonical accounts.
type IdentityLinker struct {
	store     *Store
	resolver  *CollisionResolver
	validator *fieldValidator
	ids       IDProvider
	now       func() time.Time
	logger    *zap.Logger
	cache     *gocache.Cache
	inflight  singleflight.Group
}

// NewIdentityLinker constructs a linker with a short-lived lookup cache.
func NewIdentityLinker(cfg IdentityLinkerConfig) (*IdentityLinker, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, "missing_store", errMissingDatabase)
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = defaultIdentityCacheTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IdentityLinker{
		store:     cfg.Store,
		resolver:  NewCollisionResolver(cfg.Store),
		validator: newFieldValidator(),
		ids:       ids,
		now:       clock,
		logger:    logger,
		cache:     gocache.New(ttl, 2*ttl),
	}, nil
}

// Resolve returns the account linked to the claimed identity, creating the account
// and identity together when the pair has never been seen. Concurrent resolves of one
// identity inside this process share a single lookup; across processes the unique
// index decides the winner and losers re-read it as Linked.
func (l *IdentityLinker) Resolve(ctx context.Context, claims ProfileClaims) (LinkResult, error) {
	claims = claims.normalized()
	if err := claims.validate(); err != nil {
		return LinkResult{}, err
	}

	// Shared lookups ignore the cancellation of whichever caller started them.
	shared := context.WithoutCancel(ctx)
	key := claims.Provider + ":" + claims.ExternalID
	value, err, _ := l.inflight.Do(key, func() (interface{}, error) {
		if result, found, err := l.lookup(shared, claims); err != nil || found {
			return result, err
		}
		return l.create(shared, claims)
	})
	if err != nil {
		return LinkResult{}, err
	}
	return value.(LinkResult), nil
}

func (l *IdentityLinker) lookup(ctx context.Context, claims ProfileClaims) (LinkResult, bool, error) {
	key := claims.Provider + ":" + claims.ExternalID
	if cached, ok := l.cache.Get(key); ok {
		if identity, ok := cached.(Identity); ok {
			account, err := l.store.FindAccount(ctx, identity.AccountID)
			if err == nil {
				return LinkResult{Account: account, Identity: identity, Outcome: LinkOutcomeLinked}, true, nil
			}
			if !errors.Is(err, ErrAccountNotFound) {
				return LinkResult{}, false, err
			}
			l.cache.Delete(key)
		}
	}

	identity, err := l.store.findIdentity(ctx, claims.Provider, claims.ExternalID)
	if errors.Is(err, errIdentityNotFound) {
		return LinkResult{}, false, nil
	}
	if err != nil {
		return LinkResult{}, false, err
	}
	account, err := l.store.FindAccount(ctx, identity.AccountID)
	if err != nil {
		return LinkResult{}, false, err
	}
	l.cache.SetDefault(key, identity)
	return LinkResult{Account: account, Identity: identity, Outcome: LinkOutcomeLinked}, true, nil
}

// create provisions a new account for claims. A lost race on the identity pair
// is answered with the winner's account.
func (l *IdentityLinker) create(ctx context.Context, claims ProfileClaims) (LinkResult, error) {
	draft, err := l.draftAccount(ctx, claims)
	if err != nil {
		return LinkResult{}, err
	}

	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		account, identity, err := l.materialize(draft, claims)
		if err != nil {
			return LinkResult{}, err
		}

		err = l.store.createAccount(ctx, &account, &identity)
		if err == nil {
			l.cache.SetDefault(claims.Provider+":"+claims.ExternalID, identity)
			outcome := LinkOutcomeCreatedComplete
			if draft.needsCompletion {
				outcome = LinkOutcomeCreatedNeedsCompletion
			}
			l.logger.Info("provider account created",
				zap.String("provider", claims.Provider),
				zap.String("account_id", account.ID),
				zap.String("outcome", string(outcome)))
			return LinkResult{Account: account, Identity: identity, Outcome: outcome}, nil
		}

		var conflict *ConflictError
		if !errors.Is(err, errIdentityTaken) && !errors.As(err, &conflict) {
			return LinkResult{}, err
		}
		// A concurrent winner for the same identity also owns the same placeholder
		// email and often the same username, so any conflict is first re-read as a link.
		result, found, lookupErr := l.lookup(ctx, claims)
		if lookupErr != nil {
			return LinkResult{}, lookupErr
		}
		if found {
			l.logger.Debug("identity creation race resolved as link",
				zap.String("provider", claims.Provider))
			return result, nil
		}
		switch {
		case conflict != nil && conflict.Field == FieldUsername:
			username, suggestErr := l.resolver.SuggestUsername(ctx, draft.usernameBase)
			if suggestErr != nil {
				return LinkResult{}, suggestErr
			}
			draft.username = username
			draft.needsCompletion = true
		case conflict != nil && conflict.Field == FieldEmail:
			draft.usePlaceholderEmail(claims)
		}
	}
	return LinkResult{}, newServiceError(opResolveIdentity, "create_attempts_exhausted", errIdentityTaken)
}

type accountDraft struct {
	usernameBase    string
	username        string
	email           string
	emailConfirmed  bool
	needsCompletion bool
}

func (d *accountDraft) usePlaceholderEmail(claims ProfileClaims) {
	d.email = PlaceholderEmail(claims.ExternalID, claims.Provider)
	d.emailConfirmed = false
	d.needsCompletion = true
}

func (d *accountDraft) signupState() SignupState {
	switch {
	case d.needsCompletion:
		return SignupStateAwaitingInput
	case d.emailConfirmed:
		return SignupStateComplete
	default:
		return SignupStateAwaitingConfirmation
	}
}

// draftAccount derives the initial username and email. A claimed email owned by
// another account is never linked; the draft falls back to the placeholder instead.
func (l *IdentityLinker) draftAccount(ctx context.Context, claims ProfileClaims) (accountDraft, error) {
	draft := accountDraft{usernameBase: slug.Slugify(claims.DisplayName)}
	username, err := l.resolver.SuggestUsername(ctx, draft.usernameBase)
	if err != nil {
		return accountDraft{}, err
	}
	draft.username = username
	if draft.usernameBase == "" || username != draft.usernameBase {
		draft.needsCompletion = true
	}

	email, ok := l.validator.realEmail(claims.Email)
	if !ok {
		draft.usePlaceholderEmail(claims)
		return draft, nil
	}
	availability, err := l.resolver.CheckAvailability(ctx, FieldEmail, email, "")
	if err != nil {
		return accountDraft{}, err
	}
	if availability == AvailabilityTakenByOther {
		draft.usePlaceholderEmail(claims)
		return draft, nil
	}
	draft.email = email
	draft.emailConfirmed = claims.VerifiedEmail
	return draft, nil
}

func (l *IdentityLinker) materialize(draft accountDraft, claims ProfileClaims) (Account, Identity, error) {
	accountID, err := l.ids.NewID()
	if err != nil {
		return Account{}, Identity{}, newServiceError(opResolveIdentity, "id_generation_failed", err)
	}
	identityID, err := l.ids.NewID()
	if err != nil {
		return Account{}, Identity{}, newServiceError(opResolveIdentity, "id_generation_failed", err)
	}
	now := l.now().UTC()
	account := Account{
		ID:             accountID,
		Username:       draft.username,
		Email:          draft.email,
		EmailConfirmed: draft.emailConfirmed,
		SignupState:    draft.signupState(),
	}
	if draft.emailConfirmed {
		account.ConfirmedAt = &now
	}
	identity := Identity{
		ID:         identityID,
		Provider:   claims.Provider,
		ExternalID: claims.ExternalID,
		AccountID:  accountID,
	}
	return account, identity, nil
}
