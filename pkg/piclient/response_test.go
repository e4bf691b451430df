package piclient

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseResponseMalformed(t *testing.T) {
	_, err := ParseResponse(nil)
	assert.ErrorIs(t, err, ErrEmptyResponse)

	_, err = ParseResponse([]byte("<html>502 Bad Gateway</html>"))
	assert.ErrorIs(t, err, ErrMalformedResponse)

	_, err = ParseResponse([]byte(`{"detail":{}}`))
	assert.ErrorIs(t, err, ErrMalformedResponse, "missing result")

	_, err = ParseResponse([]byte(`{"result":{"status":true}}`))
	assert.ErrorIs(t, err, ErrMalformedResponse, "missing result.value and result.error")
}

func TestParseResponseErrorTakesPrecedence(t *testing.T) {
	r, err := ParseResponse([]byte(`{
		"result": {
			"status": false,
			"error": {"code": 904, "message": "ERR904: The user can not be found"}
		},
		"detail": {"message": "should be ignored"}
	}`))
	require.NoError(t, err)

	assert.Equal(t, "904", r.ErrorCode)
	assert.Equal(t, "ERR904: The user can not be found", r.ErrorMessage)
	assert.False(t, r.Status)
	assert.Empty(t, r.Challenges)
	assert.Empty(t, r.Message)
	assert.False(t, r.IsAuthenticationSuccessful())
}

func TestParseResponseAccept(t *testing.T) {
	r, err := ParseResponse([]byte(`{"result":{"status":true,"value":true,"authentication":"ACCEPT"}}`))
	require.NoError(t, err)

	assert.True(t, r.Status)
	assert.True(t, r.Value)
	assert.Equal(t, StatusAccept, r.AuthenticationStatus)
	assert.True(t, r.IsAuthenticationSuccessful())
}

func TestParseResponseNumericValue(t *testing.T) {
	r, err := ParseResponse([]byte(`{"result":{"status":true,"value":1}}`))
	require.NoError(t, err)
	assert.True(t, r.Value)

	r, err = ParseResponse([]byte(`{"result":{"status":true,"value":0}}`))
	require.NoError(t, err)
	assert.False(t, r.Value)
}

func TestParseResponseUnknownAuthenticationStatus(t *testing.T) {
	r, err := ParseResponse([]byte(`{"result":{"status":true,"value":false,"authentication":"MAYBE"}}`))
	require.NoError(t, err)
	assert.Equal(t, StatusNone, r.AuthenticationStatus)
}

func TestPreferredClientModeNormalization(t *testing.T) {
	tests := []struct {
		server string
		want   string
	}{
		{server: "poll", want: "push"},
		{server: "interactive", want: "otp"},
		{server: "webauthn", want: "webauthn"},
		{server: "passkey", want: "passkey"},
		{server: "u2f", want: "u2f"},
	}
	for _, tc := range tests {
		r, err := ParseResponse([]byte(`{
			"result": {"status": true, "value": false},
			"detail": {"preferred_client_mode": "` + tc.server + `"}
		}`))
		require.NoError(t, err)
		assert.Equal(t, tc.want, r.PreferredClientMode, "server mode %q", tc.server)
	}
}

func TestMessagesDeduplicated(t *testing.T) {
	r, err := ParseResponse([]byte(`{
		"result": {"status": true, "value": false},
		"detail": {"messages": ["Enter OTP", "Enter OTP", "Scan QR"]}
	}`))
	require.NoError(t, err)
	assert.Equal(t, "Enter OTP, Scan QR", r.Messages)
}

const multiChallengeResponse = `{
	"result": {"status": true, "value": false},
	"detail": {
		"transaction_id": "tx-1",
		"serial": "TOTP01",
		"messages": ["Enter OTP", "Please confirm on your phone"],
		"multi_challenge": [
			{"transaction_id": "tx-1", "serial": "TOTP01", "type": "totp", "message": "Enter OTP", "image": "data:image/png;base64,otp"},
			{"transaction_id": "tx-1", "serial": "PUSH01", "type": "push", "message": "Please confirm on your phone", "image": "data:image/png;base64,push"},
			{"transaction_id": "tx-1", "serial": "WAN01", "type": "webauthn", "message": "Use your security key",
				"attributes": {"webAuthnSignRequest": {"challenge": "YWJj", "rpId": "example.com",
					"allowCredentials": [{"id": "cred-1", "type": "public-key"}], "userVerification": "preferred"}}},
			{"transaction_id": "tx-1", "serial": "WAN02", "type": "webauthn", "message": "Use your security key",
				"attributes": {"webAuthnSignRequest": {"challenge": "YWJj", "rpId": "example.com",
					"allowCredentials": [{"id": "cred-2", "type": "public-key"}], "userVerification": "preferred"}}}
		]
	}
}`

func TestParseMultiChallenge(t *testing.T) {
	r, err := ParseResponse([]byte(multiChallengeResponse))
	require.NoError(t, err)

	require.Len(t, r.Challenges, 4)
	assert.Equal(t, "tx-1", r.TransactionID)
	assert.False(t, r.IsAuthenticationSuccessful(), "pending challenges are never a success")

	assert.Equal(t, []TokenType{"totp", TokenTypePush, TokenTypeWebAuthn}, r.TriggeredTokenTypes())
	assert.True(t, r.HasTokenType(TokenTypePush))
	assert.False(t, r.HasTokenType(TokenTypePasskey))
	assert.True(t, r.PushOrSmartphoneAvailable())

	assert.Equal(t, "Enter OTP", r.OtpMessage())
	assert.Equal(t, "Please confirm on your phone", r.PushMessage())
	assert.Equal(t, "Use your security key", r.WebAuthnMessage())

	assert.Equal(t, "data:image/png;base64,otp", r.Challenges[0].Image)
	assert.NotEmpty(t, r.Challenges[2].WebAuthnSignRequest)
}

func TestMergedWebAuthnSignRequest(t *testing.T) {
	r, err := ParseResponse([]byte(multiChallengeResponse))
	require.NoError(t, err)

	merged := r.MergedWebAuthnSignRequest()
	require.NotEmpty(t, merged)

	var request map[string]any
	require.NoError(t, json.Unmarshal([]byte(merged), &request))
	assert.Equal(t, "example.com", request["rpId"])
	assert.Equal(t, "YWJj", request["challenge"])

	creds, ok := request["allowCredentials"].([]any)
	require.True(t, ok)
	require.Len(t, creds, 2, "one entry per eligible token")
	first := creds[0].(map[string]any)
	second := creds[1].(map[string]any)
	assert.Equal(t, "cred-1", first["id"])
	assert.Equal(t, "cred-2", second["id"])
}

func TestMergedWebAuthnSignRequestWithoutWebAuthn(t *testing.T) {
	r, err := ParseResponse([]byte(`{"result":{"status":true,"value":true}}`))
	require.NoError(t, err)
	assert.Empty(t, r.MergedWebAuthnSignRequest())
}

func TestParsePasskeyChallengeAdoptsTransactionID(t *testing.T) {
	r, err := ParseResponse([]byte(`{
		"result": {"status": true, "value": false},
		"detail": {
			"multi_challenge": [
				{"transaction_id": "tx-pk", "serial": "PK01", "type": "passkey", "message": "Use your passkey",
					"challenge": "rawchallenge", "rpId": "example.com", "user_verification": "preferred"}
			]
		}
	}`))
	require.NoError(t, err)

	assert.Equal(t, "tx-pk", r.TransactionID, "passkey transaction is adopted when none is set")
	require.NotEmpty(t, r.PasskeyChallenge)

	// The whole challenge object is preserved, not just the attributes.
	var pk map[string]any
	require.NoError(t, json.Unmarshal([]byte(r.PasskeyChallenge), &pk))
	assert.Equal(t, "rawchallenge", pk["challenge"])
	assert.Equal(t, "example.com", pk["rpId"])
}

func TestParseDetailPasskey(t *testing.T) {
	r, err := ParseResponse([]byte(`{
		"result": {"status": true, "value": false},
		"detail": {
			"passkey": {"transaction_id": "tx-init", "challenge": "c", "rpId": "example.com"}
		}
	}`))
	require.NoError(t, err)

	assert.Equal(t, "tx-init", r.TransactionID)
	assert.NotEmpty(t, r.PasskeyChallenge)
}

func TestParsePasskeyRegistration(t *testing.T) {
	r, err := ParseResponse([]byte(`{
		"result": {"status": true, "value": false},
		"detail": {
			"transaction_id": "tx-9",
			"multi_challenge": [
				{"transaction_id": "tx-9", "serial": "PK02", "type": "passkey", "message": "Register a passkey",
					"passkey_registration": {"rp": {"id": "example.com"}, "challenge": "Y2hhbGxlbmdl"},
					"attributes": {"enroll_via_multichallenge": true}}
			]
		}
	}`))
	require.NoError(t, err)

	assert.NotEmpty(t, r.PasskeyRegistration)
	assert.Equal(t, "PK02", r.RegistrationSerial)
	assert.True(t, r.EnrollViaMultichallenge())
	assert.False(t, r.EnrollViaMultichallengeOptional())
}

func TestEnrollViaMultichallengeAttributes(t *testing.T) {
	r, err := ParseResponse([]byte(`{
		"result": {"status": true, "value": false},
		"detail": {
			"multi_challenge": [
				{"transaction_id": "t", "serial": "S", "type": "hotp", "message": "m",
					"attributes": {"enroll_via_multichallenge": "1", "enroll_via_multichallenge_optional": "true"}}
			]
		}
	}`))
	require.NoError(t, err)
	assert.True(t, r.EnrollViaMultichallenge())
	assert.True(t, r.EnrollViaMultichallengeOptional())
}

func TestParseResponseResolvedUsername(t *testing.T) {
	r, err := ParseResponse([]byte(`{
		"result": {"status": true, "value": true, "authentication": "ACCEPT"},
		"detail": {"username": "alice"}
	}`))
	require.NoError(t, err)
	assert.Equal(t, "alice", r.Username)
	assert.True(t, r.IsAuthenticationSuccessful())
}

func TestIsAuthenticationSuccessful(t *testing.T) {
	tests := []struct {
		name string
		r    Response
		want bool
	}{
		{name: "accept without challenges", r: Response{AuthenticationStatus: StatusAccept}, want: true},
		{name: "value without challenges", r: Response{Value: true, AuthenticationStatus: StatusNone}, want: true},
		{name: "accept with challenges", r: Response{AuthenticationStatus: StatusAccept, Challenges: []Challenge{{}}}, want: false},
		{name: "value with challenges", r: Response{Value: true, Challenges: []Challenge{{}}}, want: false},
		{name: "reject", r: Response{AuthenticationStatus: StatusReject}, want: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.r.IsAuthenticationSuccessful())
		})
	}
}
