package ceremony

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-webauthn/webauthn/protocol"
)

const defaultCeremonyTimeoutMillis = 60000

// SignWebAuthn runs the assertion ceremony for a WebAuthn token challenge.
// signRequest is the merged sign request JSON as issued by the server; the
// returned payload is the webAuthnSignResponse JSON the /validate/check
// endpoint expects. Binary fields travel web-safe base64 encoded.
func (a *Adapter) SignWebAuthn(ctx context.Context, signRequest string) (*SignResult, error) {
	if err := a.available(); err != nil {
		return nil, err
	}

	var options protocol.PublicKeyCredentialRequestOptions
	if err := json.Unmarshal([]byte(signRequest), &options); err != nil {
		return nil, fmt.Errorf("parse webauthn sign request: %w", err)
	}
	if options.Timeout == 0 {
		options.Timeout = defaultCeremonyTimeoutMillis
	}

	assertion, err := a.authenticator.GetAssertion(ctx, options)
	if err != nil {
		return nil, err
	}

	payload := map[string]string{
		"credentialid":      assertion.CredentialID,
		"clientdata":        WebSafeBase64Encode(assertion.ClientDataJSON),
		"signaturedata":     WebSafeBase64Encode(assertion.Signature),
		"authenticatordata": WebSafeBase64Encode(assertion.AuthenticatorData),
	}
	if len(assertion.UserHandle) > 0 {
		payload["userhandle"] = string(assertion.UserHandle)
	}
	if len(assertion.Extensions) > 0 {
		ext, err := json.Marshal(assertion.Extensions)
		if err != nil {
			return nil, fmt.Errorf("serialize assertion extensions: %w", err)
		}
		payload["assertionclientextensions"] = WebSafeBase64Encode(ext)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("serialize webauthn sign response: %w", err)
	}
	return &SignResult{Payload: string(raw)}, nil
}

// RegisterWebAuthn runs the creation ceremony for a WebAuthn token
// enrollment request and returns the registration payload the server
// expects when finalizing the token.
func (a *Adapter) RegisterWebAuthn(ctx context.Context, registerRequest string) (*RegistrationResult, error) {
	if err := a.available(); err != nil {
		return nil, err
	}

	options, err := parseCreationOptions(registerRequest)
	if err != nil {
		return nil, err
	}

	attestation, err := a.authenticator.CreateCredential(ctx, *options)
	if err != nil {
		return nil, err
	}

	payload := map[string]string{
		"credential_id": attestation.CredentialID,
		"clientdata":    WebSafeBase64Encode(attestation.ClientDataJSON),
		"regdata":       WebSafeBase64Encode(attestation.AttestationObject),
	}
	if len(attestation.Extensions) > 0 {
		ext, err := json.Marshal(attestation.Extensions)
		if err != nil {
			return nil, fmt.Errorf("serialize registration extensions: %w", err)
		}
		payload["registrationclientextensions"] = WebSafeBase64Encode(ext)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("serialize webauthn register response: %w", err)
	}
	return &RegistrationResult{Payload: string(raw)}, nil
}

func parseCreationOptions(registerRequest string) (*protocol.PublicKeyCredentialCreationOptions, error) {
	var options protocol.PublicKeyCredentialCreationOptions
	if err := json.Unmarshal([]byte(registerRequest), &options); err != nil {
		return nil, fmt.Errorf("parse credential creation options: %w", err)
	}
	if options.Timeout == 0 {
		options.Timeout = defaultCeremonyTimeoutMillis
	}
	return &options, nil
}
