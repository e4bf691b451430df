package authflow

import (
	"context"
	"log/slog"

	"github.com/simple-mfa/mfa-bridge/pkg/piclient"
	"github.com/simple-mfa/mfa-bridge/pkg/session"
)

// unreachableMessage is the one generic string shown for transport failures.
const unreachableMessage = "The authentication server could not be reached."

func providerFailure(step string, err error) *StepResult {
	slog.Error("Authentication server unreachable", "step", step, "err", err)
	return &StepResult{Error: &Error{Type: ErrorUnreachable, Message: unreachableMessage}}
}

// reRender asks for another render of the form without an error banner.
func reRender() *StepResult {
	return &StepResult{Error: &Error{Type: ErrorAuthFailure}}
}

func failWith(message string) *StepResult {
	return &StepResult{Error: &Error{Type: ErrorAuthFailure, Message: message}}
}

// TerminalStateStep short-circuits attempts that are already decided: users
// exempt from the second factor, and re-submissions after a success.
type TerminalStateStep struct{}

// NewTerminalStateStep creates a new terminal state step
func NewTerminalStateStep() *TerminalStateStep {
	return &TerminalStateStep{}
}

func (s *TerminalStateStep) Name() string { return "terminal_state" }
func (s *TerminalStateStep) Order() int   { return OrderTerminalState }

func (s *TerminalStateStep) ShouldSkip(ctx context.Context, flowContext *FlowContext) bool {
	return !flowContext.State.Success && !flowContext.State.NoAuthRequired
}

func (s *TerminalStateStep) Execute(ctx context.Context, flowContext *FlowContext) (*StepResult, error) {
	flowContext.Result.Authenticated = true
	flowContext.Result.Username = flowContext.State.Username
	return &StepResult{EarlyReturn: true}, nil
}

// ModeSwitchStep handles the user clicking a mode-switch button. This is a
// local UI transition; no server call happens.
type ModeSwitchStep struct{}

// NewModeSwitchStep creates a new mode switch step
func NewModeSwitchStep() *ModeSwitchStep {
	return &ModeSwitchStep{}
}

func (s *ModeSwitchStep) Name() string { return "mode_switch" }
func (s *ModeSwitchStep) Order() int   { return OrderModeSwitch }

func (s *ModeSwitchStep) ShouldSkip(ctx context.Context, flowContext *FlowContext) bool {
	return !flowContext.Request.ModeChanged
}

func (s *ModeSwitchStep) Execute(ctx context.Context, flowContext *FlowContext) (*StepResult, error) {
	state := flowContext.State
	state.Mode = session.ParseMode(flowContext.Request.Mode)
	state.ErrorMessage = ""
	slog.Info("Mode switched", "mode", state.Mode)
	return reRender(), nil
}

// PasskeySignStep completes a passkey authentication from the attached sign
// response. The server resolves the identity from the credential, so no
// username travels with the request.
type PasskeySignStep struct{}

// NewPasskeySignStep creates a new passkey sign step
func NewPasskeySignStep() *PasskeySignStep {
	return &PasskeySignStep{}
}

func (s *PasskeySignStep) Name() string { return "passkey_sign" }
func (s *PasskeySignStep) Order() int   { return OrderPasskeySign }

func (s *PasskeySignStep) ShouldSkip(ctx context.Context, flowContext *FlowContext) bool {
	return flowContext.Request.PasskeySignResponse == ""
}

func (s *PasskeySignStep) Execute(ctx context.Context, flowContext *FlowContext) (*StepResult, error) {
	state := flowContext.State
	request := flowContext.Request

	transactionID := state.PasskeyTransactionID
	if transactionID == "" {
		transactionID = request.TransactionID
	}

	r, err := flowContext.Services.Provider.ValidateCheckPasskey(ctx,
		transactionID, request.PasskeySignResponse, request.Origin, request.Headers)
	if err != nil {
		return providerFailure(s.Name(), err), nil
	}

	// The transaction is consumed either way; a new round repopulates it.
	state.ClearPasskeyAuthentication()

	if r == nil {
		return reRender(), nil
	}
	if r.AuthenticationStatus == piclient.StatusReject {
		state.Mode = session.ModeOTP
	}

	flowContext.Response = r
	return &StepResult{Continue: true}, nil
}

// PasskeyCancelStep handles the user dismissing the passkey prompt. The
// attempt drops back to OTP without an error banner.
type PasskeyCancelStep struct{}

// NewPasskeyCancelStep creates a new passkey cancel step
func NewPasskeyCancelStep() *PasskeyCancelStep {
	return &PasskeyCancelStep{}
}

func (s *PasskeyCancelStep) Name() string { return "passkey_cancel" }
func (s *PasskeyCancelStep) Order() int   { return OrderPasskeyCancel }

func (s *PasskeyCancelStep) ShouldSkip(ctx context.Context, flowContext *FlowContext) bool {
	return !flowContext.Request.PasskeyLoginCancelled
}

func (s *PasskeyCancelStep) Execute(ctx context.Context, flowContext *FlowContext) (*StepResult, error) {
	state := flowContext.State
	state.ClearPasskeyAuthentication()
	state.Mode = session.ModeOTP
	slog.Info("Passkey authentication cancelled by user")
	return reRender(), nil
}

// EnrollmentCancelStep abandons an in-progress passkey enrollment. The user
// was already authenticated when the enrollment started, so a successful
// cancel completes the login.
type EnrollmentCancelStep struct{}

// NewEnrollmentCancelStep creates a new enrollment cancel step
func NewEnrollmentCancelStep() *EnrollmentCancelStep {
	return &EnrollmentCancelStep{}
}

func (s *EnrollmentCancelStep) Name() string { return "enrollment_cancel" }
func (s *EnrollmentCancelStep) Order() int   { return OrderEnrollmentCancel }

func (s *EnrollmentCancelStep) ShouldSkip(ctx context.Context, flowContext *FlowContext) bool {
	return !flowContext.Request.EnrollmentCancelled
}

func (s *EnrollmentCancelStep) Execute(ctx context.Context, flowContext *FlowContext) (*StepResult, error) {
	state := flowContext.State
	request := flowContext.Request

	transactionID := request.TransactionID
	if transactionID == "" {
		transactionID = state.TransactionID
	}

	r, err := flowContext.Services.Provider.CancelEnrollment(ctx, transactionID, request.Headers)
	if err != nil {
		return providerFailure(s.Name(), err), nil
	}
	if r == nil {
		return reRender(), nil
	}
	if r.ErrorMessage != "" {
		return failWith(r.ErrorMessage), nil
	}
	if !r.IsAuthenticationSuccessful() {
		// Cancelling the enrollment does not complete the login by
		// itself; the user still owes a regular authentication round.
		state.ClearPasskeyRegistration()
		return reRender(), nil
	}

	state.ClearPasskeyRegistration()
	state.Success = true
	flowContext.Result.Authenticated = true
	flowContext.Result.Username = state.Username
	return &StepResult{EarlyReturn: true}, nil
}

// PasskeyRegistrationStep finalizes an enrollment-during-login: the browser
// created the credential, the server stores it, the login completes.
type PasskeyRegistrationStep struct{}

// NewPasskeyRegistrationStep creates a new passkey registration step
func NewPasskeyRegistrationStep() *PasskeyRegistrationStep {
	return &PasskeyRegistrationStep{}
}

func (s *PasskeyRegistrationStep) Name() string { return "passkey_registration" }
func (s *PasskeyRegistrationStep) Order() int   { return OrderPasskeyRegistration }

func (s *PasskeyRegistrationStep) ShouldSkip(ctx context.Context, flowContext *FlowContext) bool {
	return flowContext.Request.PasskeyRegistrationResponse == ""
}

func (s *PasskeyRegistrationStep) Execute(ctx context.Context, flowContext *FlowContext) (*StepResult, error) {
	state := flowContext.State
	request := flowContext.Request

	transactionID := request.TransactionID
	if transactionID == "" {
		transactionID = state.TransactionID
	}

	r, err := flowContext.Services.Provider.CompletePasskeyRegistration(ctx,
		transactionID, state.RegistrationSerial, request.Username,
		request.PasskeyRegistrationResponse, request.Origin, request.Headers)
	if err != nil {
		return providerFailure(s.Name(), err), nil
	}
	if r == nil {
		return reRender(), nil
	}
	if r.ErrorMessage != "" {
		return failWith(r.ErrorMessage), nil
	}

	state.ClearPasskeyRegistration()
	flowContext.Response = r
	return &StepResult{Continue: true}, nil
}

// ModeDispatchStep is the default protocol branch for a submission: poll for
// push, assertion check for webauthn, otherwise an OTP check.
type ModeDispatchStep struct{}

// NewModeDispatchStep creates a new mode dispatch step
func NewModeDispatchStep() *ModeDispatchStep {
	return &ModeDispatchStep{}
}

func (s *ModeDispatchStep) Name() string { return "mode_dispatch" }
func (s *ModeDispatchStep) Order() int   { return OrderModeDispatch }

func (s *ModeDispatchStep) ShouldSkip(ctx context.Context, flowContext *FlowContext) bool {
	return flowContext.Response != nil
}

func (s *ModeDispatchStep) Execute(ctx context.Context, flowContext *FlowContext) (*StepResult, error) {
	state := flowContext.State
	request := flowContext.Request
	provider := flowContext.Services.Provider

	switch state.Mode {
	case session.ModePush:
		if state.TransactionID == "" {
			slog.Warn("Push mode without a transaction, re-rendering")
			return reRender(), nil
		}
		confirmed, err := provider.PollTransaction(ctx, state.TransactionID, request.Headers)
		if err != nil {
			return providerFailure(s.Name(), err), nil
		}
		if !confirmed {
			state.LoadCounter++
			return reRender(), nil
		}
		// Confirmed out of band; an empty-pass check retrieves the verdict.
		r, err := provider.ValidateCheck(ctx, request.Username, "", state.TransactionID, request.Headers)
		if err != nil {
			return providerFailure(s.Name(), err), nil
		}
		if r == nil {
			return reRender(), nil
		}
		flowContext.Response = r

	case session.ModeWebAuthn:
		if request.WebAuthnSignResponse == "" || request.Origin == "" {
			slog.Warn("WebAuthn submission without sign response or origin")
			return reRender(), nil
		}
		r, err := provider.ValidateCheckWebAuthn(ctx, request.Username, state.TransactionID,
			request.WebAuthnSignResponse, request.Origin, request.Headers)
		if err != nil {
			return providerFailure(s.Name(), err), nil
		}
		if r == nil {
			return reRender(), nil
		}
		flowContext.Response = r

	default:
		r, err := provider.ValidateCheck(ctx, request.Username, request.Password,
			state.TransactionID, request.Headers)
		if err != nil {
			return providerFailure(s.Name(), err), nil
		}
		if r == nil {
			return reRender(), nil
		}
		flowContext.Response = r
	}

	return &StepResult{Continue: true}, nil
}

// VerdictStep turns the branch's server response into the submission's
// outcome: accept, displayable message, or failure.
type VerdictStep struct{}

// NewVerdictStep creates a new verdict step
func NewVerdictStep() *VerdictStep {
	return &VerdictStep{}
}

func (s *VerdictStep) Name() string { return "verdict" }
func (s *VerdictStep) Order() int   { return OrderVerdict }

func (s *VerdictStep) ShouldSkip(ctx context.Context, flowContext *FlowContext) bool {
	return flowContext.Response == nil
}

func (s *VerdictStep) Execute(ctx context.Context, flowContext *FlowContext) (*StepResult, error) {
	state := flowContext.State
	r := flowContext.Response

	if r.ErrorMessage != "" {
		state.ErrorCode = r.ErrorCode
		state.ErrorMessage = r.ErrorMessage
		return failWith(r.ErrorMessage), nil
	}

	if r.Status {
		if r.IsAuthenticationSuccessful() {
			state.Success = true
			if r.Username != "" {
				state.Username = r.Username
			}
			flowContext.Result.Authenticated = true
			flowContext.Result.Username = state.Username
			return &StepResult{EarlyReturn: true}, nil
		}

		state.Message = ""
		applyResponse(state, r)
		return failWith(displayMessage(state, r)), nil
	}

	// status == false: during push polling this just means "not confirmed
	// yet"; anywhere else it is a hard protocol failure.
	if state.Mode == session.ModePush {
		return reRender(), nil
	}

	message := "Failed to authenticate."
	if r.Message != "" {
		message += " " + r.Message
	}
	return failWith(message), nil
}
