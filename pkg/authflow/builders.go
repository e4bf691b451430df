package authflow

// FlowBuilders provides pre-configured flow builders
type FlowBuilders struct {
	services *ServiceDependencies
}

// NewFlowBuilders creates a new instance of FlowBuilders
func NewFlowBuilders(services *ServiceDependencies) *FlowBuilders {
	return &FlowBuilders{services: services}
}

// BuildVerifyFlow creates the full challenge-response verification flow.
// Step order is the branch evaluation order of the state machine.
func (b *FlowBuilders) BuildVerifyFlow() *FlowExecutor {
	return NewFlowBuilder().
		AddStep(NewTerminalStateStep()).
		AddStep(NewModeSwitchStep()).
		AddStep(NewPasskeySignStep()).
		AddStep(NewPasskeyCancelStep()).
		AddStep(NewEnrollmentCancelStep()).
		AddStep(NewPasskeyRegistrationStep()).
		AddStep(NewModeDispatchStep()).
		AddStep(NewVerdictStep()).
		Build(b.services)
}

// BuildCustomFlow creates a flow with explicit steps, for callers that need
// a reduced machine.
func (b *FlowBuilders) BuildCustomFlow(steps []Step) *FlowExecutor {
	builder := NewFlowBuilder()
	for _, step := range steps {
		builder.AddStep(step)
	}
	return builder.Build(b.services)
}
