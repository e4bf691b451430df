package ceremony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-webauthn/webauthn/protocol"
)

// passkeyChallenge is the challenge object issued by /validate/initialize or
// attached to a response as detail.passkey. The challenge arrives as a raw
// character string, not base64.
type passkeyChallenge struct {
	TransactionID    string `json:"transaction_id"`
	Challenge        string `json:"challenge"`
	RpID             string `json:"rpId"`
	UserVerification string `json:"user_verification"`
}

// AuthenticateWithPasskey runs the usernameless assertion ceremony against a
// passkey challenge and returns the passkeySignResponse payload. The binary
// assertion fields travel standard base64 encoded, unlike the WebAuthn token
// ceremony which uses the web-safe alphabet.
func (a *Adapter) AuthenticateWithPasskey(ctx context.Context, challenge string) (*SignResult, error) {
	if err := a.available(); err != nil {
		return nil, err
	}

	// The challenge may arrive HTML-escaped when it was round-tripped
	// through a form value.
	challenge = strings.ReplaceAll(challenge, "&quot;", `"`)

	var ch passkeyChallenge
	if err := json.Unmarshal([]byte(challenge), &ch); err != nil {
		return nil, fmt.Errorf("parse passkey challenge: %w", err)
	}

	options := protocol.PublicKeyCredentialRequestOptions{
		Challenge:        protocol.URLEncodedBase64(ch.Challenge),
		RelyingPartyID:   ch.RpID,
		UserVerification: userVerification(ch.UserVerification),
		Timeout:          defaultCeremonyTimeoutMillis,
	}

	assertion, err := a.authenticator.GetAssertion(ctx, options)
	if err != nil {
		return nil, err
	}

	payload := map[string]string{
		"transaction_id":    ch.TransactionID,
		"credential_id":     assertion.CredentialID,
		"authenticatorData": base64.StdEncoding.EncodeToString(assertion.AuthenticatorData),
		"clientDataJSON":    base64.StdEncoding.EncodeToString(assertion.ClientDataJSON),
		"signature":         base64.StdEncoding.EncodeToString(assertion.Signature),
	}
	if len(assertion.UserHandle) > 0 {
		payload["userHandle"] = base64.StdEncoding.EncodeToString(assertion.UserHandle)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("serialize passkey sign response: %w", err)
	}
	return &SignResult{Payload: string(raw)}, nil
}

// RegisterPasskey runs the creation ceremony for a passkey enrollment
// challenge and returns the passkeyRegistrationResponse payload. The
// credProps extension is requested so the server learns whether the new
// credential is discoverable.
func (a *Adapter) RegisterPasskey(ctx context.Context, registration string) (*RegistrationResult, error) {
	if err := a.available(); err != nil {
		return nil, err
	}

	registration = strings.ReplaceAll(registration, "&quot;", `"`)

	options, err := parseCreationOptions(registration)
	if err != nil {
		return nil, err
	}
	if options.Extensions == nil {
		options.Extensions = protocol.AuthenticationExtensions{}
	}
	options.Extensions["credProps"] = true

	attestation, err := a.authenticator.CreateCredential(ctx, *options)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"credential_id":     attestation.CredentialID,
		"rawId":             WebSafeBase64Encode(attestation.RawID),
		"clientDataJSON":    base64.StdEncoding.EncodeToString(attestation.ClientDataJSON),
		"attestationObject": base64.StdEncoding.EncodeToString(attestation.AttestationObject),
	}
	if attestation.AuthenticatorAttachment != "" {
		payload["authenticatorAttachment"] = attestation.AuthenticatorAttachment
	}
	if props, ok := attestation.Extensions["credProps"]; ok {
		payload["credProps"] = props
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("serialize passkey registration response: %w", err)
	}
	return &RegistrationResult{Payload: string(raw)}, nil
}

// userVerification maps the challenge's user_verification value onto the
// closed requirement set. Anything unrecognized falls back to preferred.
func userVerification(value string) protocol.UserVerificationRequirement {
	switch value {
	case "required":
		return protocol.VerificationRequired
	case "discouraged":
		return protocol.VerificationDiscouraged
	default:
		return protocol.VerificationPreferred
	}
}
