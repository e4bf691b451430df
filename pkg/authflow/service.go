package authflow

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/simple-mfa/mfa-bridge/pkg/session"
)

// AuthFailure is the non-success outcome of a verification pass. An empty
// Message means the form should simply be rendered again.
type AuthFailure struct {
	Type    string
	Message string
}

func (e *AuthFailure) Error() string {
	if e.Message == "" {
		return "authentication not complete"
	}
	return e.Message
}

// Service is the host-facing surface of the state machine: seed an attempt,
// verify submissions against it, expose the state for rendering.
type Service struct {
	executor *FlowExecutor
	deps     *ServiceDependencies
}

// NewService creates a Service running the full verification flow.
func NewService(deps *ServiceDependencies) *Service {
	return &Service{
		executor: NewFlowBuilders(deps).BuildVerifyFlow(),
		deps:     deps,
	}
}

// Begin seeds a fresh attempt according to the configured flow. For
// triggerchallenge it issues all pending challenges up front; for
// sendstaticpass it spends the static pass once; both are guarded so a
// re-render cannot repeat them.
func (s *Service) Begin(ctx context.Context, state *session.State, username string, headers http.Header) error {
	if state.Mode == "" {
		state.Mode = session.ModeOTP
	}
	if s.deps.AutoSubmitOTPLength > 0 {
		state.AutoSubmit = true
	}
	if s.deps.SeparateOTPFields {
		state.SeparateOTP = true
	}

	switch s.deps.SelectedFlow {
	case "separateotp":
		state.SeparateOTP = true

	case "triggerchallenge":
		if state.TriggerChallengeDone {
			return nil
		}
		if !s.deps.Provider.ServiceAccountAvailable() {
			slog.Error("Trigger challenge flow selected but no service account is configured")
			return nil
		}
		state.TriggerChallengeDone = true
		r, err := s.deps.Provider.TriggerChallenge(ctx, username, headers)
		if err != nil {
			return err
		}
		if r == nil {
			return nil
		}
		if r.ErrorMessage != "" {
			state.ErrorCode = r.ErrorCode
			state.ErrorMessage = r.ErrorMessage
			return nil
		}
		applyResponse(state, r)

	case "sendstaticpass":
		if state.StaticPassDone {
			return nil
		}
		state.StaticPassDone = true
		r, err := s.deps.Provider.ValidateCheck(ctx, username, s.deps.StaticPass, "", headers)
		if err != nil {
			return err
		}
		if r == nil {
			return nil
		}
		if r.IsAuthenticationSuccessful() {
			// The static pass alone satisfied the server; nothing more to ask.
			state.NoAuthRequired = true
			return nil
		}
		applyResponse(state, r)
	}

	return nil
}

// Verify runs one submission through the state machine. It returns true only
// on a terminal accept; every other outcome is an *AuthFailure carrying the
// message to display.
func (s *Service) Verify(ctx context.Context, state *session.State, request Request) (bool, error) {
	result := s.executor.Execute(ctx, request, state)

	if result.Authenticated {
		return true, nil
	}
	if result.ErrorResponse != nil {
		return false, &AuthFailure{Type: result.ErrorResponse.Type, Message: result.ErrorResponse.Message}
	}
	return false, &AuthFailure{Type: ErrorAuthFailure}
}

// TemplateState flattens the attempt state into the key-value map the login
// form is rendered from.
func (s *Service) TemplateState(state *session.State) map[string]any {
	return map[string]any{
		"mode":                            string(state.Mode),
		"transactionId":                   state.TransactionID,
		"passkeyTransactionId":            state.PasskeyTransactionID,
		"loadCounter":                     state.LoadCounter,
		"message":                         state.Message,
		"errorMessage":                    state.ErrorMessage,
		"triggerChallengeDone":            state.TriggerChallengeDone,
		"staticPassDone":                  state.StaticPassDone,
		"success":                         state.Success,
		"noAuthRequired":                  state.NoAuthRequired,
		"webAuthnSignRequest":             state.WebAuthnSignRequest,
		"passkeyChallenge":                state.PasskeyChallenge,
		"passkeyRegistration":             state.PasskeyRegistration,
		"registrationSerial":              state.RegistrationSerial,
		"pushAvailable":                   state.PushAvailable,
		"otpAvailable":                    state.OTPAvailable,
		"imageOtp":                        state.ImageOTP,
		"imagePush":                       state.ImagePush,
		"imageSmartphone":                 state.ImageSmartphone,
		"imageWebauthn":                   state.ImageWebAuthn,
		"enrollmentLink":                  state.EnrollmentLink,
		"enrollViaMultichallenge":         state.EnrollViaMultichallenge,
		"enrollViaMultichallengeOptional": state.EnrollViaMultichallengeOptional,
		"separateOtp":                     state.SeparateOTP,
		"pollInBrowserFailed":             state.PollInBrowserFailed,
		"autoSubmit":                      state.AutoSubmit,
		"autoSubmitOtpLength":             s.deps.AutoSubmitOTPLength,
	}
}
