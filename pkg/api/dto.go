package api

import (
	"log/slog"

	"github.com/jinzhu/copier"

	"github.com/simple-mfa/mfa-bridge/pkg/session"
)

// StateResponse is the render-facing projection of an attempt's state. The
// terminal flags and one-shot guards stay server-side.
type StateResponse struct {
	Mode                 string `json:"mode"`
	TransactionID        string `json:"transactionId"`
	PasskeyTransactionID string `json:"passkeyTransactionId,omitempty"`
	LoadCounter          int    `json:"loadCounter"`
	Message              string `json:"message,omitempty"`
	ErrorMessage         string `json:"errorMessage,omitempty"`

	WebAuthnSignRequest string `json:"webAuthnSignRequest,omitempty"`
	PasskeyChallenge    string `json:"passkeyChallenge,omitempty"`
	PasskeyRegistration string `json:"passkeyRegistration,omitempty"`
	RegistrationSerial  string `json:"registrationSerial,omitempty"`

	PushAvailable bool `json:"pushAvailable"`
	OTPAvailable  bool `json:"otpAvailable"`

	ImageOTP        string `json:"imageOtp,omitempty"`
	ImagePush       string `json:"imagePush,omitempty"`
	ImageSmartphone string `json:"imageSmartphone,omitempty"`
	ImageWebAuthn   string `json:"imageWebauthn,omitempty"`

	EnrollmentLink                  string `json:"enrollmentLink,omitempty"`
	EnrollViaMultichallenge         bool   `json:"enrollViaMultichallenge,omitempty"`
	EnrollViaMultichallengeOptional bool   `json:"enrollViaMultichallengeOptional,omitempty"`

	SeparateOTP         bool `json:"separateOtp,omitempty"`
	PollInBrowserFailed bool `json:"pollInBrowserFailed,omitempty"`
	AutoSubmit          bool `json:"autoSubmit,omitempty"`
}

func newStateResponse(state *session.State) StateResponse {
	var dto StateResponse
	if err := copier.Copy(&dto, state); err != nil {
		slog.Error("Failed to map attempt state", "err", err)
	}
	dto.Mode = string(state.Mode)
	if dto.LoadCounter < 1 {
		dto.LoadCounter = 1
	}
	return dto
}

// AttemptResponse is returned when an attempt is created.
type AttemptResponse struct {
	Token string        `json:"token"`
	State StateResponse `json:"state"`
}

// VerifyResponse reports the outcome of one submission.
type VerifyResponse struct {
	Authenticated bool          `json:"authenticated"`
	Username      string        `json:"username,omitempty"`
	Message       string        `json:"message,omitempty"`
	State         StateResponse `json:"state"`
}

// PollStatusResponse reports the in-browser poll worker's progress.
type PollStatusResponse struct {
	Running   bool `json:"running"`
	Confirmed bool `json:"confirmed"`
	Failed    bool `json:"failed"`
}
