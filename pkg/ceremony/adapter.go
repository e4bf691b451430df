package ceremony

import (
	"errors"
	"log/slog"

	"github.com/simple-mfa/mfa-bridge/pkg/session"
)

// Adapter drives the platform credential ceremonies and translates between
// the server's challenge formats and the wire format the orchestrator sends
// back. It never lets a broken or absent credential API fail the whole login:
// every ceremony failure degrades to an error string plus a fallback to OTP.
type Adapter struct {
	authenticator Authenticator
	env           Environment
}

// NewAdapter creates an Adapter. A nil authenticator models a platform
// without a credential API; the ceremonies then fail over to OTP.
func NewAdapter(authenticator Authenticator, env Environment) *Adapter {
	return &Adapter{authenticator: authenticator, env: env}
}

// Origin returns the origin the assertions are bound to.
func (a *Adapter) Origin() string {
	return a.env.Origin
}

// SignResult carries a completed assertion ceremony's payload in the wire
// format expected by the server endpoint it is destined for.
type SignResult struct {
	Payload string
}

// RegistrationResult carries a completed creation ceremony's payload.
type RegistrationResult struct {
	Payload string
}

// EnsureSecureContextAndMode checks that a WebAuthn ceremony can run at all.
// A push mode is first switched to webauthn so the poll reload cannot fire
// mid-ceremony. On an insecure context or a missing credential API the mode
// falls back to OTP with a recorded error and false is returned; the caller
// must not start the ceremony then.
func (a *Adapter) EnsureSecureContextAndMode(state *session.State) bool {
	if state.Mode == session.ModePush {
		state.Mode = session.ModeWebAuthn
	}
	if !a.env.SecureContext {
		slog.Info("Insecure context detected, aborting WebAuthn authentication")
		state.ErrorMessage = "Unable to proceed with WebAuthn because the context is insecure!"
		state.Mode = session.ModeOTP
		return false
	}
	if a.authenticator == nil {
		state.ErrorMessage = "Could not load WebAuthn library. Please try again or use other token!"
		state.Mode = session.ModeOTP
		return false
	}
	return true
}

// Fallback applies the ceremony failure contract to the attempt state: the
// mode switches to OTP and, unless the user merely cancelled, the error
// becomes visible. The login flow itself continues.
func (a *Adapter) Fallback(state *session.State, err error) {
	state.Mode = session.ModeOTP
	if err == nil || errors.Is(err, ErrCeremonyCancelled) {
		return
	}
	slog.Error("Credential ceremony failed", "err", err)
	state.ErrorMessage = "Authentication with this token failed. Please try another token."
}

func (a *Adapter) available() error {
	if a.authenticator == nil || !a.env.SecureContext {
		return ErrCeremonyUnavailable
	}
	return nil
}
