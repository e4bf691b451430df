package session

import (
	"time"

	"github.com/google/uuid"
)

// Mode is the UI mode the client should present next.
type Mode string

const (
	ModeOTP      Mode = "otp"
	ModePush     Mode = "push"
	ModeWebAuthn Mode = "webauthn"
	ModePasskey  Mode = "passkey"
)

// ParseMode maps a free-form mode string onto the closed Mode set. Anything
// unrecognized falls back to OTP, the mode that always has a UI.
func ParseMode(s string) Mode {
	switch Mode(s) {
	case ModeOTP, ModePush, ModeWebAuthn, ModePasskey:
		return Mode(s)
	default:
		return ModeOTP
	}
}

// State is the per-login-attempt state of the challenge-response machine.
// It is created empty at the first render of a login attempt, partially
// overwritten on every subsequent submission, and discarded once a terminal
// accept or reject is reached. It never outlives one authentication ceremony.
type State struct {
	// Mode is the currently selected UI mode.
	Mode Mode `json:"mode,omitempty"`

	// TransactionID correlates follow-up requests with the triggered
	// challenge round.
	TransactionID string `json:"transaction_id,omitempty"`

	// PasskeyTransactionID is kept separately: a passkey challenge may
	// arrive with a different transaction than the primary OTP/push one.
	PasskeyTransactionID string `json:"passkey_transaction_id,omitempty"`

	// LoadCounter counts push-poll rounds, starting at 1.
	LoadCounter int `json:"load_counter,omitempty"`

	Message      string `json:"message,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	// One-shot guards for the configured authentication flow.
	TriggerChallengeDone bool `json:"trigger_challenge_done,omitempty"`
	StaticPassDone       bool `json:"static_pass_done,omitempty"`

	// Terminal flags.
	Success        bool `json:"success,omitempty"`
	NoAuthRequired bool `json:"no_auth_required,omitempty"`

	// Username as resolved by the server, e.g. by a passkey authentication.
	Username string `json:"username,omitempty"`

	WebAuthnSignRequest string `json:"webauthn_sign_request,omitempty"`
	PasskeyChallenge    string `json:"passkey_challenge,omitempty"`
	PasskeyRegistration string `json:"passkey_registration,omitempty"`
	RegistrationSerial  string `json:"registration_serial,omitempty"`

	PushAvailable bool `json:"push_available,omitempty"`
	OTPAvailable  bool `json:"otp_available,omitempty"`

	ImageOTP        string `json:"image_otp,omitempty"`
	ImagePush       string `json:"image_push,omitempty"`
	ImageSmartphone string `json:"image_smartphone,omitempty"`
	ImageWebAuthn   string `json:"image_webauthn,omitempty"`

	EnrollmentLink                  string `json:"enrollment_link,omitempty"`
	EnrollViaMultichallenge         bool   `json:"enroll_via_multichallenge,omitempty"`
	EnrollViaMultichallengeOptional bool   `json:"enroll_via_multichallenge_optional,omitempty"`

	SeparateOTP         bool `json:"separate_otp,omitempty"`
	PollInBrowserFailed bool `json:"poll_in_browser_failed,omitempty"`
	AutoSubmit          bool `json:"auto_submit,omitempty"`
}

// NewState returns the state of a fresh login attempt.
func NewState() *State {
	return &State{LoadCounter: 1}
}

// ClearPasskeyAuthentication drops the passkey challenge and its transaction
// ID. Called on any terminal passkey outcome, success or reject, so a stale
// transaction can never be replayed.
func (s *State) ClearPasskeyAuthentication() {
	s.PasskeyChallenge = ""
	s.PasskeyTransactionID = ""
}

// ClearPasskeyRegistration drops the pending enrollment data.
func (s *State) ClearPasskeyRegistration() {
	s.PasskeyRegistration = ""
	s.RegistrationSerial = ""
}

// Attempt binds a State to one login attempt of one user.
type Attempt struct {
	ID        uuid.UUID `json:"id"`
	Username  string    `json:"username"`
	State     *State    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
