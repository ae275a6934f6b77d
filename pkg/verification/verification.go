// Package verification issues and checks the single-use codes delivered to
// phones and email addresses during login, registration, and binding flows.
package verification

import (
	"context"
	"errors"
	"time"

	"github.com/uniauth/uniauth/pkg/crypto"
	uaerrors "github.com/uniauth/uniauth/pkg/errors"
	"github.com/uniauth/uniauth/pkg/logger"
	"github.com/uniauth/uniauth/pkg/ratelimit"
	"github.com/uniauth/uniauth/pkg/storage"
)

const (
	// CodeTTL is how long an issued code stays redeemable.
	CodeTTL = 5 * time.Minute

	// MaxAttempts is the number of guesses before a code burns. The attempt
	// that reaches the limit is refused even when it matches.
	MaxAttempts = 5
)

// invalidCodeMessage is deliberately identical for mismatched, burned, and
// unknown codes so callers cannot probe which one happened.
const invalidCodeMessage = "invalid verification code"

// Dispatcher delivers a raw code to its target out of band. SMS and email
// senders implement this; the engine never learns how delivery happens.
//
//go:generate mockgen -destination=mocks/mock_dispatcher.go -package=mocks -source=verification.go Dispatcher
type Dispatcher interface {
	// Dispatch sends the code to target, an E.164 phone number or an email
	// address depending on the flow.
	Dispatch(ctx context.Context, target string, typ storage.VerificationCodeType, code string) error
}

// LogDispatcher writes codes to the service log instead of delivering them.
// Development use only.
type LogDispatcher struct{}

// Dispatch implements Dispatcher.
func (LogDispatcher) Dispatch(_ context.Context, target string, typ storage.VerificationCodeType, code string) error {
	logger.Infow("verification code issued", "target", target, "type", string(typ), "code", code)
	return nil
}

// IssueResult tells the caller when the code expires and how long until
// another may be requested for the same target.
type IssueResult struct {
	ExpiresIn  int `json:"expires_in"`
	RetryAfter int `json:"retry_after"`
}

// Engine ties rate limiting, code persistence, and dispatch together.
type Engine struct {
	codes      storage.VerificationCodeStore
	limiter    ratelimit.Limiter
	dispatcher Dispatcher
	cooldown   time.Duration

	now func() time.Time
}

// NewEngine creates a verification engine. The cooldown is reported back to
// callers as the retry hint and should match the limiter's configuration.
func NewEngine(
	codes storage.VerificationCodeStore,
	limiter ratelimit.Limiter,
	dispatcher Dispatcher,
	cooldown time.Duration,
) *Engine {
	if cooldown == 0 {
		cooldown = ratelimit.DefaultCooldown
	}
	return &Engine{
		codes:      codes,
		limiter:    limiter,
		dispatcher: dispatcher,
		cooldown:   cooldown,
		now:        time.Now,
	}
}

// Issue generates a fresh code for (target, typ), persists its hash with a
// five minute expiry, and hands the raw code to the dispatcher. The rate
// limiter is consulted first; its typed errors pass through unchanged so the
// HTTP layer can answer 429 with the retry hint.
func (e *Engine) Issue(
	ctx context.Context,
	target string,
	typ storage.VerificationCodeType,
	ip string,
) (*IssueResult, error) {
	if err := e.limiter.Reserve(ctx, target, ip); err != nil {
		return nil, err
	}

	code, err := crypto.NewVerificationCode()
	if err != nil {
		return nil, uaerrors.NewInternalError("generating verification code", err)
	}

	if err := e.codes.Create(ctx, &storage.VerificationCode{
		Target:    target,
		CodeHash:  crypto.HashToken(code),
		Type:      typ,
		ExpiresAt: e.now().Add(CodeTTL),
	}); err != nil {
		return nil, uaerrors.NewInternalError("storing verification code", err)
	}

	if err := e.dispatcher.Dispatch(ctx, target, typ, code); err != nil {
		// The stored row stays valid; the caller may retry delivery once
		// the cooldown opens.
		return nil, uaerrors.NewInternalError("dispatching verification code", err)
	}

	return &IssueResult{
		ExpiresIn:  int(CodeTTL.Seconds()),
		RetryAfter: int(e.cooldown.Seconds()),
	}, nil
}

// Verify checks code against the newest unused code for (target, typ). The
// attempt is consumed atomically in the store: wrong guesses count toward
// the burn limit even when racing, and a match can succeed at most once.
func (e *Engine) Verify(
	ctx context.Context,
	target string,
	typ storage.VerificationCodeType,
	code string,
) error {
	result, err := e.codes.Consume(ctx, target, typ, crypto.HashToken(code), MaxAttempts)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return uaerrors.NewInvalidCredentialsError(invalidCodeMessage, nil)
		}
		return uaerrors.NewInternalError("consuming verification code", err)
	}

	switch result.Outcome {
	case storage.CodeMatched:
		return nil
	case storage.CodeExpired:
		return uaerrors.NewTokenExpiredError("verification code expired", nil)
	case storage.CodeMismatched, storage.CodeExhausted:
		return uaerrors.NewInvalidCredentialsError(invalidCodeMessage, nil)
	default:
		return uaerrors.NewInternalError("unexpected verification outcome", nil)
	}
}
