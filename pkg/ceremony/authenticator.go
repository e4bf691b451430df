package ceremony

import (
	"context"
	"errors"

	"github.com/go-webauthn/webauthn/protocol"
)

var (
	// ErrCeremonyCancelled signals that the user dismissed the platform
	// credential prompt. The orchestrator treats this as a mode switch, not a
	// failed authentication.
	ErrCeremonyCancelled = errors.New("ceremony: cancelled by user")

	// ErrCeremonyUnavailable signals that no platform credential API can be
	// used (missing authenticator, insecure context).
	ErrCeremonyUnavailable = errors.New("ceremony: credential API unavailable")
)

// AssertionResult is what the platform returns from a credential-assertion
// ceremony. Binary fields are raw bytes; encoding is the adapter's job.
type AssertionResult struct {
	CredentialID      string
	AuthenticatorData []byte
	ClientDataJSON    []byte
	Signature         []byte
	UserHandle        []byte
	Extensions        map[string]any
}

// AttestationResult is what the platform returns from a credential-creation
// ceremony.
type AttestationResult struct {
	CredentialID            string
	RawID                   []byte
	AttestationObject       []byte
	ClientDataJSON          []byte
	AuthenticatorAttachment string
	Extensions              map[string]any
}

// Authenticator is the platform credential API. Each call is a single awaited
// operation with exactly two outcomes: a resolved credential, or an error
// (ErrCeremonyCancelled for user dismissal). There is no partial state.
type Authenticator interface {
	GetAssertion(ctx context.Context, options protocol.PublicKeyCredentialRequestOptions) (*AssertionResult, error)
	CreateCredential(ctx context.Context, options protocol.PublicKeyCredentialCreationOptions) (*AttestationResult, error)
}

// Environment describes the context the ceremonies run in.
type Environment struct {
	// SecureContext is false when the page is not served over a secure
	// origin. The credential API refuses to work there.
	SecureContext bool

	// Origin is forwarded to the server with every assertion.
	Origin string
}
