package users

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks a missing or malformed required field.
	ErrValidation = errors.New("users: validation failed")
	// ErrConflict marks a username or email owned by another account.
	ErrConflict = errors.New("users: conflict")
	// ErrInvalidProviderResponse indicates the provider claims were unusable.
	ErrInvalidProviderResponse = errors.New("users: invalid provider response")
	// ErrInvalidToken indicates an unknown, spent or superseded token.
	ErrInvalidToken = errors.New("users: invalid token")
	// ErrExpiredToken indicates a token past its expiry.
	ErrExpiredToken = errors.New("users: expired token")
	// ErrInvalidCredentials hides whether the email or the password was wrong.
	ErrInvalidCredentials = errors.New("users: invalid credentials")
	// ErrEmailNotConfirmed blocks password sign-in until the email is confirmed.
	ErrEmailNotConfirmed = errors.New("users: email not confirmed")
	// ErrAccountNotFound indicates the referenced account does not exist.
	ErrAccountNotFound = errors.New("users: account not found")
	// ErrSignupComplete indicates the account has no pending signup.
	ErrSignupComplete = errors.New("users: signup already complete")
	// ErrSignupStateMismatch indicates a submission arrived through the wrong entry point.
	ErrSignupStateMismatch = errors.New("users: signup state mismatch")

	errIdentityNotFound = errors.New("users: identity not found")
)

// ValidationError reports the first field that failed validation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// Is lets callers match any ValidationError with errors.Is(err, ErrValidation).
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// ConflictError reports which unique field is owned by another account.
type ConflictError struct {
	Field Field
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("users: %s already taken", e.Field)
}

// Is lets callers match any ConflictError with errors.Is(err, ErrConflict).
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// SignupStateError reports the current state when an entry point does not accept it.
type SignupStateError struct {
	Current SignupState
	Entry   SignupEntry
}

func (e *SignupStateError) Error() string {
	return fmt.Sprintf("users: %s not accepted in state %s", e.Entry, e.Current)
}

// Is lets callers match with errors.Is(err, ErrSignupStateMismatch).
func (e *SignupStateError) Is(target error) bool {
	return target == ErrSignupStateMismatch
}

// ServiceError wraps unexpected failures with an operation scoped code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew           = "users.service.new"
	opRegister             = "users.register"
	opSignIn               = "users.sign_in"
	opProviderCallback     = "users.provider_callback"
	opResolveIdentity      = "users.resolve_identity"
	opCompleteSignup       = "users.complete_signup"
	opConfirmEmail         = "users.confirm_email"
	opResendConfirmation   = "users.resend_confirmation"
	opRequestPasswordReset = "users.request_password_reset"
	opResetPassword        = "users.reset_password"
	opSignOut              = "users.sign_out"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// isDomainError reports errors that are part of the public taxonomy and must not be wrapped.
func isDomainError(err error) bool {
	for _, target := range []error{
		ErrValidation, ErrConflict, ErrInvalidProviderResponse, ErrInvalidToken, ErrExpiredToken,
		ErrInvalidCredentials, ErrEmailNotConfirmed, ErrAccountNotFound, ErrSignupComplete,
		ErrSignupStateMismatch,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
