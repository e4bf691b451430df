package piclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// AuthenticationStatus is the server's verdict for one authentication round.
type AuthenticationStatus string

const (
	StatusChallenge AuthenticationStatus = "CHALLENGE"
	StatusAccept    AuthenticationStatus = "ACCEPT"
	StatusReject    AuthenticationStatus = "REJECT"
	StatusNone      AuthenticationStatus = "NONE"
)

// TokenType is the type of a triggered token challenge. The server vocabulary
// is open-ended, so Unknown values are passed through rather than rejected.
type TokenType string

const (
	TokenTypeOTP        TokenType = "otp"
	TokenTypePush       TokenType = "push"
	TokenTypeSmartphone TokenType = "smartphone"
	TokenTypeWebAuthn   TokenType = "webauthn"
	TokenTypePasskey    TokenType = "passkey"
)

var (
	// ErrEmptyResponse is returned when the server response body is empty.
	ErrEmptyResponse = errors.New("piclient: empty server response")
	// ErrMalformedResponse is returned when the response is not valid JSON or
	// is missing both result.value and a result.error object.
	ErrMalformedResponse = errors.New("piclient: malformed server response")
)

// Challenge is one triggered token challenge from detail.multi_challenge.
type Challenge struct {
	TransactionID      string         `json:"transaction_id"`
	Serial             string         `json:"serial"`
	Type               TokenType      `json:"type"`
	Message            string         `json:"message"`
	Image              string         `json:"image,omitempty"`
	EnrollmentLink     string         `json:"link,omitempty"`
	ClientMode         string         `json:"client_mode,omitempty"`
	Attributes         map[string]any `json:"attributes,omitempty"`
	WebAuthnSignRequest string        `json:"-"`
}

// Response is the parsed form of one server response.
type Response struct {
	Status               bool
	Value                bool
	AuthenticationStatus AuthenticationStatus
	TransactionID        string
	Message              string
	Messages             string
	Serial               string
	Username             string
	PreferredClientMode  string
	Challenges           []Challenge

	PasskeyChallenge    string
	PasskeyRegistration string
	RegistrationSerial  string

	ErrorCode    string
	ErrorMessage string

	Raw string
}

type wireError struct {
	Code    json.Number `json:"code"`
	Message string      `json:"message"`
}

type wireResult struct {
	Status         bool            `json:"status"`
	Value          json.RawMessage `json:"value"`
	Authentication string          `json:"authentication"`
	Error          *wireError      `json:"error"`
}

type wireDetail struct {
	Message             string            `json:"message"`
	Messages            []string          `json:"messages"`
	Serial              string            `json:"serial"`
	Username            string            `json:"username"`
	TransactionID       string            `json:"transaction_id"`
	PreferredClientMode string            `json:"preferred_client_mode"`
	MultiChallenge      []json.RawMessage `json:"multi_challenge"`
	Passkey             json.RawMessage   `json:"passkey"`
}

type wireChallenge struct {
	TransactionID       string          `json:"transaction_id"`
	Serial              string          `json:"serial"`
	Type                string          `json:"type"`
	Message             string          `json:"message"`
	Image               string          `json:"image"`
	Link                string          `json:"link"`
	ClientMode          string          `json:"client_mode"`
	Attributes          map[string]any  `json:"attributes"`
	PasskeyRegistration json.RawMessage `json:"passkey_registration"`
}

type wireResponse struct {
	Result *wireResult `json:"result"`
	Detail *wireDetail `json:"detail"`
}

// ParseResponse parses a raw server response body into a Response.
// A response carrying result.error instead of result.value yields a Response
// with only the error fields populated and takes precedence over everything
// else. A response with neither is malformed.
func ParseResponse(raw []byte) (*Response, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyResponse
	}
	var wire wireResponse
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if wire.Result == nil {
		return nil, fmt.Errorf("%w: missing result", ErrMalformedResponse)
	}

	resp := &Response{Raw: string(raw)}

	if wire.Result.Value == nil || string(wire.Result.Value) == "null" {
		if wire.Result.Error == nil {
			return nil, fmt.Errorf("%w: missing result.value and result.error", ErrMalformedResponse)
		}
		resp.ErrorCode = wire.Result.Error.Code.String()
		resp.ErrorMessage = wire.Result.Error.Message
		return resp, nil
	}

	resp.Status = wire.Result.Status
	resp.Value = parseValue(wire.Result.Value)
	resp.AuthenticationStatus = parseAuthenticationStatus(wire.Result.Authentication)

	if wire.Detail != nil {
		detail := wire.Detail
		resp.Message = detail.Message
		resp.Messages = dedupJoin(detail.Messages)
		resp.Serial = detail.Serial
		resp.Username = detail.Username
		resp.TransactionID = detail.TransactionID
		resp.PreferredClientMode = normalizeClientMode(detail.PreferredClientMode)

		// A passkey challenge requested via /validate/initialize arrives in
		// detail.passkey and may carry the only transaction ID of the response.
		if len(detail.Passkey) > 0 && string(detail.Passkey) != "null" {
			resp.PasskeyChallenge = string(detail.Passkey)
			if resp.TransactionID == "" {
				var pk struct {
					TransactionID string `json:"transaction_id"`
				}
				if err := json.Unmarshal(detail.Passkey, &pk); err == nil {
					resp.TransactionID = pk.TransactionID
				}
			}
		}

		for _, rawChallenge := range detail.MultiChallenge {
			challenge, err := parseChallenge(rawChallenge, resp)
			if err != nil {
				slog.Error("Skipping unparsable challenge entry", "err", err)
				continue
			}
			resp.Challenges = append(resp.Challenges, challenge)
		}
	}
	return resp, nil
}

func parseChallenge(raw json.RawMessage, resp *Response) (Challenge, error) {
	var wire wireChallenge
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Challenge{}, err
	}
	challenge := Challenge{
		TransactionID:  wire.TransactionID,
		Serial:         wire.Serial,
		Type:           TokenType(wire.Type),
		Message:        wire.Message,
		Image:          wire.Image,
		EnrollmentLink: wire.Link,
		ClientMode:     wire.ClientMode,
		Attributes:     wire.Attributes,
	}
	if challenge.Type == TokenTypeWebAuthn {
		if signRequest, ok := wire.Attributes["webAuthnSignRequest"]; ok {
			encoded, err := json.Marshal(signRequest)
			if err != nil {
				return Challenge{}, fmt.Errorf("re-serializing webAuthnSignRequest: %w", err)
			}
			challenge.WebAuthnSignRequest = string(encoded)
		}
	}
	if challenge.Type == TokenTypePasskey {
		// The whole challenge object is the passkey challenge, not just the attributes.
		resp.PasskeyChallenge = string(raw)
		if resp.TransactionID == "" {
			resp.TransactionID = wire.TransactionID
		}
	}
	if len(wire.PasskeyRegistration) > 0 && string(wire.PasskeyRegistration) != "null" {
		resp.PasskeyRegistration = string(wire.PasskeyRegistration)
		resp.RegistrationSerial = wire.Serial
	}
	return challenge, nil
}

func parseValue(raw json.RawMessage) bool {
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b
	}
	// Some endpoints report value as a number.
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n != 0
	}
	return false
}

func parseAuthenticationStatus(s string) AuthenticationStatus {
	switch AuthenticationStatus(s) {
	case StatusChallenge, StatusAccept, StatusReject:
		return AuthenticationStatus(s)
	default:
		if s != "" {
			slog.Debug("Unknown authentication status", "status", s)
		}
		return StatusNone
	}
}

// normalizeClientMode maps the server vocabulary to UI modes:
// "poll" means push, "interactive" means otp. Anything else passes through.
func normalizeClientMode(mode string) string {
	switch mode {
	case "poll":
		return "push"
	case "interactive":
		return "otp"
	default:
		return mode
	}
}

func dedupJoin(messages []string) string {
	seen := make(map[string]bool, len(messages))
	var unique []string
	for _, m := range messages {
		if seen[m] {
			continue
		}
		seen[m] = true
		unique = append(unique, m)
	}
	return strings.Join(unique, ", ")
}

// IsAuthenticationSuccessful reports whether this response is a final accept.
// A response with pending challenges is never a success, regardless of value.
func (r *Response) IsAuthenticationSuccessful() bool {
	if r.AuthenticationStatus == StatusAccept && len(r.Challenges) == 0 {
		return true
	}
	return r.Value && len(r.Challenges) == 0
}

// MergedWebAuthnSignRequest merges the allowCredentials of all triggered
// WebAuthn challenges into a single sign request, using the first challenge's
// other fields as the template. This lets one client prompt cover every
// eligible credential. Returns "" if no WebAuthn token was triggered.
func (r *Response) MergedWebAuthnSignRequest() string {
	var template map[string]any
	var allowCredentials []any
	for _, challenge := range r.Challenges {
		if challenge.Type != TokenTypeWebAuthn || challenge.WebAuthnSignRequest == "" {
			continue
		}
		var request map[string]any
		if err := json.Unmarshal([]byte(challenge.WebAuthnSignRequest), &request); err != nil {
			slog.Error("Invalid webAuthnSignRequest in challenge", "serial", challenge.Serial, "err", err)
			continue
		}
		if template == nil {
			template = request
		}
		if creds, ok := request["allowCredentials"].([]any); ok && len(creds) > 0 {
			allowCredentials = append(allowCredentials, creds[0])
		}
	}
	if template == nil {
		return ""
	}
	template["allowCredentials"] = allowCredentials
	merged, err := json.Marshal(template)
	if err != nil {
		slog.Error("Failed to merge WebAuthn sign requests", "err", err)
		return ""
	}
	return string(merged)
}
