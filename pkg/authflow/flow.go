package authflow

import (
	"context"
	"fmt"
	"net/http"
	"sort"

	"github.com/simple-mfa/mfa-bridge/pkg/piclient"
	"github.com/simple-mfa/mfa-bridge/pkg/session"
)

// Step is a single branch of the verification state machine. Steps run in
// Order; the first matching branch decides the submission.
type Step interface {
	// Name returns the unique name of this step
	Name() string

	// Order returns the execution order (lower numbers execute first)
	Order() int

	// Execute performs the step's logic
	Execute(ctx context.Context, flowContext *FlowContext) (*StepResult, error)

	// ShouldSkip determines if this step should be skipped for the current
	// submission
	ShouldSkip(ctx context.Context, flowContext *FlowContext) bool
}

// FlowContext carries one submission through the steps.
type FlowContext struct {
	// Input data
	Request Request

	// State is the attempt's session state; steps mutate it in place.
	State *session.State

	// Response holds the server response a branch produced, for the shared
	// verdict step.
	Response *piclient.Response

	// Current result
	Result *Result

	// Step-specific data (can be used by steps to store intermediate results)
	StepData map[string]interface{}

	// Services (injected by the flow executor)
	Services *ServiceDependencies
}

// StepResult represents the result of executing a step
type StepResult struct {
	// Continue indicates whether the flow should continue to the next step
	Continue bool

	// EarlyReturn indicates the flow should return immediately with the
	// current result
	EarlyReturn bool

	// Error indicates a user-facing failure for this submission
	Error *Error

	// Data can contain step-specific data to be stored in FlowContext.StepData
	Data map[string]interface{}
}

// Error is the user-facing failure of one submission. An empty Message means
// "re-render the form without an error banner".
type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Error types.
const (
	ErrorUnreachable = "unreachable_server"
	ErrorAuthFailure = "auth_failure"
)

// Result is the outcome of one pass through the state machine.
type Result struct {
	// Authenticated is true only on a terminal accept.
	Authenticated bool

	// Username is the identity the server resolved, when it did (passkey
	// authentication works without a supplied username).
	Username string

	ErrorResponse *Error
}

// Provider is the remote MFA server surface the steps call. pkg/piclient's
// Client implements it.
type Provider interface {
	ValidateCheck(ctx context.Context, username, pass, transactionID string, headers http.Header) (*piclient.Response, error)
	TriggerChallenge(ctx context.Context, username string, headers http.Header) (*piclient.Response, error)
	PollTransaction(ctx context.Context, transactionID string, headers http.Header) (bool, error)
	ValidateCheckWebAuthn(ctx context.Context, username, transactionID, signResponse, origin string, headers http.Header) (*piclient.Response, error)
	ValidateCheckPasskey(ctx context.Context, transactionID, signResponse, origin string, headers http.Header) (*piclient.Response, error)
	CompletePasskeyRegistration(ctx context.Context, transactionID, serial, username, registrationResponse, origin string, headers http.Header) (*piclient.Response, error)
	CancelEnrollment(ctx context.Context, transactionID string, headers http.Header) (*piclient.Response, error)
	ServiceAccountAvailable() bool
}

// ServiceDependencies contains everything the steps need
type ServiceDependencies struct {
	Provider Provider

	// SelectedFlow is one of default, triggerchallenge, sendstaticpass or
	// separateotp.
	SelectedFlow string
	StaticPass   string

	// AutoSubmitOTPLength enables form auto-submission once the OTP input
	// reaches this length. 0 disables it.
	AutoSubmitOTPLength int

	// SeparateOTPFields renders the OTP input as one field per digit.
	SeparateOTPFields bool
}

// StepRegistry manages and orders steps
type StepRegistry struct {
	steps []Step
}

// NewStepRegistry creates a new step registry
func NewStepRegistry() *StepRegistry {
	return &StepRegistry{steps: make([]Step, 0)}
}

// AddStep adds a step to the registry
func (r *StepRegistry) AddStep(step Step) *StepRegistry {
	r.steps = append(r.steps, step)
	return r
}

// GetOrderedSteps returns steps sorted by their order
func (r *StepRegistry) GetOrderedSteps() []Step {
	orderedSteps := make([]Step, len(r.steps))
	copy(orderedSteps, r.steps)

	sort.Slice(orderedSteps, func(i, j int) bool {
		return orderedSteps[i].Order() < orderedSteps[j].Order()
	})

	return orderedSteps
}

// FlowExecutor runs one submission through the ordered steps.
type FlowExecutor struct {
	registry *StepRegistry
	services *ServiceDependencies
}

// NewFlowExecutor creates a new flow executor
func NewFlowExecutor(registry *StepRegistry, services *ServiceDependencies) *FlowExecutor {
	return &FlowExecutor{registry: registry, services: services}
}

// Execute runs the complete verification pass. state is mutated in place.
func (e *FlowExecutor) Execute(ctx context.Context, request Request, state *session.State) Result {
	flowContext := &FlowContext{
		Request:  request,
		State:    state,
		Result:   &Result{},
		StepData: make(map[string]interface{}),
		Services: e.services,
	}

	steps := e.registry.GetOrderedSteps()

	for _, step := range steps {
		if step.ShouldSkip(ctx, flowContext) {
			continue
		}

		stepResult, err := step.Execute(ctx, flowContext)
		if err != nil {
			flowContext.Result.ErrorResponse = &Error{
				Type:    ErrorUnreachable,
				Message: fmt.Sprintf("Step '%s' failed: %v", step.Name(), err),
			}
			return *flowContext.Result
		}

		if stepResult.Error != nil {
			flowContext.Result.ErrorResponse = stepResult.Error
			return *flowContext.Result
		}

		if stepResult.Data != nil {
			for key, value := range stepResult.Data {
				flowContext.StepData[key] = value
			}
		}

		if stepResult.EarlyReturn {
			return *flowContext.Result
		}

		if !stepResult.Continue {
			break
		}
	}

	return *flowContext.Result
}

// FlowBuilder provides a fluent interface for building verification flows
type FlowBuilder struct {
	registry *StepRegistry
}

// NewFlowBuilder creates a new flow builder
func NewFlowBuilder() *FlowBuilder {
	return &FlowBuilder{registry: NewStepRegistry()}
}

// AddStep adds a step to the flow
func (b *FlowBuilder) AddStep(step Step) *FlowBuilder {
	b.registry.AddStep(step)
	return b
}

// Build creates the flow executor
func (b *FlowBuilder) Build(services *ServiceDependencies) *FlowExecutor {
	return NewFlowExecutor(b.registry, services)
}

// Step execution order. First matching branch wins per submission.
const (
	OrderTerminalState       = 100
	OrderModeSwitch          = 200
	OrderPasskeySign         = 300
	OrderPasskeyCancel       = 400
	OrderEnrollmentCancel    = 500
	OrderPasskeyRegistration = 600
	OrderModeDispatch        = 700
	OrderVerdict             = 800
)
