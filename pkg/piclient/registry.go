package piclient

// Challenge registry helpers: queries over the set of challenges triggered by
// one authentication attempt.

// TriggeredTokenTypes returns the distinct token types of all triggered
// challenges, in first-seen order.
func (r *Response) TriggeredTokenTypes() []TokenType {
	seen := make(map[TokenType]bool, len(r.Challenges))
	var types []TokenType
	for _, challenge := range r.Challenges {
		if seen[challenge.Type] {
			continue
		}
		seen[challenge.Type] = true
		types = append(types, challenge.Type)
	}
	return types
}

// HasTokenType reports whether any triggered challenge is of the given type.
func (r *Response) HasTokenType(t TokenType) bool {
	for _, challenge := range r.Challenges {
		if challenge.Type == t {
			return true
		}
	}
	return false
}

// OtpMessage returns the message of the first token that is neither push nor
// WebAuthn nor passkey. Those are OTP tokens requiring an input field.
func (r *Response) OtpMessage() string {
	for _, challenge := range r.Challenges {
		switch challenge.Type {
		case TokenTypePush, TokenTypeWebAuthn, TokenTypePasskey:
		default:
			return challenge.Message
		}
	}
	return ""
}

// PushMessage returns the message of the first push challenge, if any.
func (r *Response) PushMessage() string {
	return r.messageOfType(TokenTypePush)
}

// WebAuthnMessage returns the message of the first WebAuthn challenge, if any.
func (r *Response) WebAuthnMessage() string {
	return r.messageOfType(TokenTypeWebAuthn)
}

// PasskeyMessage returns the message of the first passkey challenge, if any.
func (r *Response) PasskeyMessage() string {
	return r.messageOfType(TokenTypePasskey)
}

func (r *Response) messageOfType(t TokenType) string {
	for _, challenge := range r.Challenges {
		if challenge.Type == t {
			return challenge.Message
		}
	}
	return ""
}

// PushOrSmartphoneAvailable reports whether a push or smartphone-container
// challenge was triggered, i.e. whether the push UI mode can work.
func (r *Response) PushOrSmartphoneAvailable() bool {
	return r.HasTokenType(TokenTypePush) || r.HasTokenType(TokenTypeSmartphone)
}

// EnrollViaMultichallenge reports whether this response asks the client to
// enroll a new token as a side effect of the running authentication. The
// server marks this either with an attached registration object or with an
// enroll_via_multichallenge challenge attribute.
func (r *Response) EnrollViaMultichallenge() bool {
	if r.PasskeyRegistration != "" {
		return true
	}
	return r.hasTruthyAttribute("enroll_via_multichallenge")
}

// EnrollViaMultichallengeOptional reports whether the enrollment offered by
// this response may be declined by the user.
func (r *Response) EnrollViaMultichallengeOptional() bool {
	return r.hasTruthyAttribute("enroll_via_multichallenge_optional")
}

func (r *Response) hasTruthyAttribute(key string) bool {
	for _, challenge := range r.Challenges {
		switch v := challenge.Attributes[key].(type) {
		case bool:
			if v {
				return true
			}
		case string:
			if v == "1" || v == "true" {
				return true
			}
		}
	}
	return false
}
