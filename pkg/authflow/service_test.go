package authflow

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simple-mfa/mfa-bridge/pkg/piclient"
	"github.com/simple-mfa/mfa-bridge/pkg/session"
)

type fakeProvider struct {
	checkResponses   []*piclient.Response
	triggerResponse  *piclient.Response
	passkeyResponse  *piclient.Response
	webauthnResponse *piclient.Response
	cancelResponse   *piclient.Response
	registerResponse *piclient.Response
	pollConfirmed    bool
	serviceAccount   bool
	err              error

	checkCalls    int
	checkPasses   []string
	triggerCalls  int
	pollCalls     int
	passkeyCalls  int
	webauthnCalls int
}

func (f *fakeProvider) ValidateCheck(_ context.Context, _, pass, _ string, _ http.Header) (*piclient.Response, error) {
	f.checkCalls++
	f.checkPasses = append(f.checkPasses, pass)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.checkResponses) == 0 {
		return nil, nil
	}
	r := f.checkResponses[0]
	f.checkResponses = f.checkResponses[1:]
	return r, nil
}

func (f *fakeProvider) TriggerChallenge(_ context.Context, _ string, _ http.Header) (*piclient.Response, error) {
	f.triggerCalls++
	if f.err != nil {
		return nil, f.err
	}
	return f.triggerResponse, nil
}

func (f *fakeProvider) PollTransaction(_ context.Context, _ string, _ http.Header) (bool, error) {
	f.pollCalls++
	if f.err != nil {
		return false, f.err
	}
	return f.pollConfirmed, nil
}

func (f *fakeProvider) ValidateCheckWebAuthn(_ context.Context, _, _, _, _ string, _ http.Header) (*piclient.Response, error) {
	f.webauthnCalls++
	return f.webauthnResponse, f.err
}

func (f *fakeProvider) ValidateCheckPasskey(_ context.Context, _, _, _ string, _ http.Header) (*piclient.Response, error) {
	f.passkeyCalls++
	return f.passkeyResponse, f.err
}

func (f *fakeProvider) CompletePasskeyRegistration(_ context.Context, _, _, _, _, _ string, _ http.Header) (*piclient.Response, error) {
	return f.registerResponse, f.err
}

func (f *fakeProvider) CancelEnrollment(_ context.Context, _ string, _ http.Header) (*piclient.Response, error) {
	return f.cancelResponse, f.err
}

func (f *fakeProvider) ServiceAccountAvailable() bool { return f.serviceAccount }

func mustParse(t *testing.T, raw string) *piclient.Response {
	t.Helper()
	r, err := piclient.ParseResponse([]byte(raw))
	require.NoError(t, err)
	return r
}

func newService(provider *fakeProvider) *Service {
	return NewService(&ServiceDependencies{Provider: provider, SelectedFlow: "default"})
}

func TestVerifyPlainOTPAccept(t *testing.T) {
	provider := &fakeProvider{checkResponses: []*piclient.Response{
		mustParse(t, `{"result":{"status":true,"value":true,"authentication":"ACCEPT"}}`),
	}}
	service := newService(provider)
	state := session.NewState()

	ok, err := service.Verify(context.Background(), state, Request{Username: "alice", Password: "123456"})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, state.Success)
	assert.Empty(t, state.TransactionID)
}

func TestVerifyWrongOTPKeepsChallenge(t *testing.T) {
	provider := &fakeProvider{checkResponses: []*piclient.Response{
		mustParse(t, `{"result":{"status":true,"value":false},"detail":{"message":"Wrong OTP","transaction_id":"abc123"}}`),
	}}
	service := newService(provider)
	state := session.NewState()

	ok, err := service.Verify(context.Background(), state, Request{Username: "alice", Password: "999999"})
	assert.False(t, ok)

	var failure *AuthFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, "Wrong OTP", failure.Message)
	assert.Equal(t, "abc123", state.TransactionID)
	assert.Equal(t, session.ModeOTP, state.Mode)
}

func TestVerifyPushTriggeredThenConfirmed(t *testing.T) {
	trigger := mustParse(t, `{
		"result": {"status": true, "value": false},
		"detail": {
			"transaction_id": "tx-9",
			"preferred_client_mode": "poll",
			"messages": ["Please confirm on your phone"],
			"multi_challenge": [
				{"transaction_id": "tx-9", "serial": "PUSH001", "type": "push", "message": "Please confirm on your phone"}
			]
		}
	}`)
	provider := &fakeProvider{
		triggerResponse: trigger,
		serviceAccount:  true,
		pollConfirmed:   true,
		checkResponses: []*piclient.Response{
			mustParse(t, `{"result":{"status":true,"value":true,"authentication":"ACCEPT"}}`),
		},
	}
	service := NewService(&ServiceDependencies{Provider: provider, SelectedFlow: "triggerchallenge"})
	state := session.NewState()

	require.NoError(t, service.Begin(context.Background(), state, "alice", nil))
	assert.Equal(t, session.ModePush, state.Mode)
	assert.Equal(t, "tx-9", state.TransactionID)
	assert.True(t, state.PushAvailable)
	assert.True(t, state.OTPAvailable, "the OTP input stays usable in a push-only round")
	assert.True(t, state.TriggerChallengeDone)

	ok, err := service.Verify(context.Background(), state, Request{Username: "alice"})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, provider.pollCalls)
	require.Equal(t, []string{""}, provider.checkPasses, "final check uses an empty pass")
}

func TestVerifyChallengeImagesFollowClientMode(t *testing.T) {
	provider := &fakeProvider{checkResponses: []*piclient.Response{mustParse(t, `{
		"result": {"status": true, "value": false},
		"detail": {
			"transaction_id": "tx-img",
			"messages": ["Enter OTP", "Please confirm on your phone"],
			"multi_challenge": [
				{"transaction_id": "tx-img", "serial": "TOTP01", "type": "totp", "message": "Enter OTP", "image": "data:image/png;base64,otp", "client_mode": "interactive"},
				{"transaction_id": "tx-img", "serial": "PUSH01", "type": "push", "message": "Please confirm on your phone", "image": "data:image/png;base64,push", "client_mode": "poll"}
			]
		}
	}`)}}
	service := newService(provider)
	state := session.NewState()

	ok, err := service.Verify(context.Background(), state, Request{Username: "alice", Password: "1"})
	assert.False(t, ok)
	require.Error(t, err)
	assert.Equal(t, "data:image/png;base64,otp", state.ImageOTP)
	assert.Equal(t, "data:image/png;base64,push", state.ImagePush)
	assert.Empty(t, state.ImageSmartphone)
	assert.Equal(t, session.ModeOTP, state.Mode, "images alone never switch the mode")
}

func TestVerifyEnrollmentChallengeForcesMode(t *testing.T) {
	provider := &fakeProvider{checkResponses: []*piclient.Response{mustParse(t, `{
		"result": {"status": true, "value": false},
		"detail": {
			"transaction_id": "tx-enroll",
			"messages": ["Please scan the QR code to enroll your smartphone"],
			"multi_challenge": [
				{"transaction_id": "tx-enroll", "serial": "SP01", "type": "smartphone",
				 "message": "Please scan the QR code to enroll your smartphone",
				 "image": "data:image/png;base64,enroll", "client_mode": "poll",
				 "attributes": {"enroll_via_multichallenge": "1"}}
			]
		}
	}`)}}
	service := newService(provider)
	state := session.NewState()

	ok, err := service.Verify(context.Background(), state, Request{Username: "alice", Password: "1"})
	assert.False(t, ok)
	require.Error(t, err)
	assert.True(t, state.EnrollViaMultichallenge)
	assert.Equal(t, session.ModePush, state.Mode)
	assert.Equal(t, "data:image/png;base64,enroll", state.ImageSmartphone)
	assert.Empty(t, state.ImagePush)
	assert.True(t, state.OTPAvailable)
}

func TestVerifyPushNotYetConfirmed(t *testing.T) {
	provider := &fakeProvider{pollConfirmed: false}
	service := newService(provider)
	state := session.NewState()
	state.Mode = session.ModePush
	state.TransactionID = "tx-1"

	ok, err := service.Verify(context.Background(), state, Request{Username: "alice"})
	assert.False(t, ok)

	var failure *AuthFailure
	require.ErrorAs(t, err, &failure)
	assert.Empty(t, failure.Message, "waiting for push is not an error")
	assert.Equal(t, 2, state.LoadCounter)
	assert.Equal(t, 0, provider.checkCalls)
}

func TestVerifyPasskeyResolvesIdentity(t *testing.T) {
	provider := &fakeProvider{passkeyResponse: mustParse(t, `{
		"result": {"status": true, "value": true, "authentication": "ACCEPT"},
		"detail": {"username": "alice"}
	}`)}
	service := newService(provider)
	state := session.NewState()
	state.PasskeyTransactionID = "tx-pk"
	state.PasskeyChallenge = `{"challenge":"c"}`

	ok, err := service.Verify(context.Background(), state, Request{
		PasskeySignResponse: `{"credential_id":"id"}`,
		Origin:              "https://cloud.example.com",
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "alice", state.Username)
	assert.Empty(t, state.PasskeyChallenge, "consumed challenge is cleared")
	assert.Empty(t, state.PasskeyTransactionID)
}

func TestVerifyPasskeyRejectFallsBackToOTP(t *testing.T) {
	provider := &fakeProvider{passkeyResponse: mustParse(t, `{
		"result": {"status": true, "value": false, "authentication": "REJECT"},
		"detail": {"message": "Invalid credential"}
	}`)}
	service := newService(provider)
	state := session.NewState()
	state.Mode = session.ModePasskey
	state.PasskeyTransactionID = "tx-pk"

	ok, err := service.Verify(context.Background(), state, Request{
		PasskeySignResponse: `{"credential_id":"id"}`,
		Origin:              "https://cloud.example.com",
	})
	assert.False(t, ok)

	var failure *AuthFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, "Invalid credential", failure.Message)
	assert.Equal(t, session.ModeOTP, state.Mode)
}

func TestVerifyPasskeyCancelClearsState(t *testing.T) {
	provider := &fakeProvider{}
	service := newService(provider)
	state := session.NewState()
	state.Mode = session.ModePasskey
	state.PasskeyChallenge = `{"challenge":"c"}`
	state.PasskeyTransactionID = "tx-pk"

	ok, err := service.Verify(context.Background(), state, Request{PasskeyLoginCancelled: true})
	assert.False(t, ok)

	var failure *AuthFailure
	require.ErrorAs(t, err, &failure)
	assert.Empty(t, failure.Message)
	assert.Equal(t, session.ModeOTP, state.Mode)
	assert.Empty(t, state.PasskeyChallenge)
	assert.Equal(t, 0, provider.passkeyCalls, "cancellation makes no server call")
}

func TestVerifyTerminalStateIsIdempotent(t *testing.T) {
	provider := &fakeProvider{}
	service := newService(provider)
	state := session.NewState()
	state.Success = true
	state.Username = "alice"

	for i := 0; i < 3; i++ {
		ok, err := service.Verify(context.Background(), state, Request{Username: "alice"})
		require.NoError(t, err)
		assert.True(t, ok)
	}
	assert.Equal(t, 0, provider.checkCalls, "no network traffic after success")
}

func TestVerifyModeChangedIsLocal(t *testing.T) {
	provider := &fakeProvider{}
	service := newService(provider)
	state := session.NewState()
	state.Mode = session.ModePush
	state.ErrorMessage = "old error"

	ok, err := service.Verify(context.Background(), state, Request{Mode: "webauthn", ModeChanged: true})
	assert.False(t, ok)

	var failure *AuthFailure
	require.ErrorAs(t, err, &failure)
	assert.Empty(t, failure.Message)
	assert.Equal(t, session.ModeWebAuthn, state.Mode)
	assert.Empty(t, state.ErrorMessage)
	assert.Equal(t, 0, provider.checkCalls)
}

func TestVerifyWebAuthnRequiresSignResponse(t *testing.T) {
	provider := &fakeProvider{}
	service := newService(provider)
	state := session.NewState()
	state.Mode = session.ModeWebAuthn
	state.TransactionID = "tx-1"

	ok, err := service.Verify(context.Background(), state, Request{Username: "alice"})
	assert.False(t, ok)
	require.Error(t, err)
	assert.Equal(t, 0, provider.webauthnCalls)
}

func TestVerifyServerErrorSurfacedVerbatim(t *testing.T) {
	provider := &fakeProvider{checkResponses: []*piclient.Response{
		mustParse(t, `{"result":{"status":false,"error":{"code":904,"message":"ERR904: The user can not be found"}}}`),
	}}
	service := newService(provider)
	state := session.NewState()

	ok, err := service.Verify(context.Background(), state, Request{Username: "ghost", Password: "1"})
	assert.False(t, ok)

	var failure *AuthFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, "ERR904: The user can not be found", failure.Message)
	assert.Equal(t, "904", state.ErrorCode)
}

func TestVerifyUnreachableServer(t *testing.T) {
	provider := &fakeProvider{err: errors.New("dial tcp: connection refused")}
	service := newService(provider)
	state := session.NewState()

	ok, err := service.Verify(context.Background(), state, Request{Username: "alice", Password: "1"})
	assert.False(t, ok)

	var failure *AuthFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, ErrorUnreachable, failure.Type)
	assert.NotEmpty(t, failure.Message)
}

func TestBeginSendStaticPass(t *testing.T) {
	t.Run("static pass fully satisfies the server", func(t *testing.T) {
		provider := &fakeProvider{checkResponses: []*piclient.Response{
			mustParse(t, `{"result":{"status":true,"value":true,"authentication":"ACCEPT"}}`),
		}}
		service := NewService(&ServiceDependencies{Provider: provider, SelectedFlow: "sendstaticpass", StaticPass: "pin"})
		state := session.NewState()

		require.NoError(t, service.Begin(context.Background(), state, "alice", nil))
		assert.True(t, state.NoAuthRequired)
		assert.True(t, state.StaticPassDone)
		assert.Equal(t, []string{"pin"}, provider.checkPasses)

		ok, err := service.Verify(context.Background(), state, Request{Username: "alice"})
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 1, provider.checkCalls, "no further check after exemption")
	})

	t.Run("static pass triggers challenges", func(t *testing.T) {
		provider := &fakeProvider{checkResponses: []*piclient.Response{
			mustParse(t, `{
				"result": {"status": true, "value": false},
				"detail": {
					"transaction_id": "tx-2",
					"multi_challenge": [{"transaction_id": "tx-2", "serial": "TOTP01", "type": "totp", "message": "Enter OTP"}]
				}
			}`),
		}}
		service := NewService(&ServiceDependencies{Provider: provider, SelectedFlow: "sendstaticpass", StaticPass: "pin"})
		state := session.NewState()

		require.NoError(t, service.Begin(context.Background(), state, "alice", nil))
		assert.False(t, state.NoAuthRequired)
		assert.Equal(t, "tx-2", state.TransactionID)
		assert.True(t, state.OTPAvailable)
	})
}

func TestBeginSeparateOTP(t *testing.T) {
	t.Run("separateotp flow", func(t *testing.T) {
		service := NewService(&ServiceDependencies{Provider: &fakeProvider{}, SelectedFlow: "separateotp"})
		state := session.NewState()

		require.NoError(t, service.Begin(context.Background(), state, "alice", nil))
		assert.True(t, state.SeparateOTP)
	})

	t.Run("ui toggle with default flow", func(t *testing.T) {
		service := NewService(&ServiceDependencies{Provider: &fakeProvider{}, SelectedFlow: "default", SeparateOTPFields: true})
		state := session.NewState()

		require.NoError(t, service.Begin(context.Background(), state, "alice", nil))
		assert.True(t, state.SeparateOTP)
	})
}

func TestBeginTriggerChallengeNeedsServiceAccount(t *testing.T) {
	provider := &fakeProvider{serviceAccount: false}
	service := NewService(&ServiceDependencies{Provider: provider, SelectedFlow: "triggerchallenge"})
	state := session.NewState()

	require.NoError(t, service.Begin(context.Background(), state, "alice", nil))
	assert.Equal(t, 0, provider.triggerCalls)
	assert.False(t, state.TriggerChallengeDone)
}

func TestBeginRunsOnce(t *testing.T) {
	trigger := mustParse(t, `{
		"result": {"status": true, "value": false},
		"detail": {"transaction_id": "tx-1", "multi_challenge": [{"transaction_id": "tx-1", "serial": "S", "type": "hotp", "message": "Enter OTP"}]}
	}`)
	provider := &fakeProvider{triggerResponse: trigger, serviceAccount: true}
	service := NewService(&ServiceDependencies{Provider: provider, SelectedFlow: "triggerchallenge"})
	state := session.NewState()

	require.NoError(t, service.Begin(context.Background(), state, "alice", nil))
	require.NoError(t, service.Begin(context.Background(), state, "alice", nil))
	assert.Equal(t, 1, provider.triggerCalls)
}

func TestVerifyEnrollmentCancelCompletesLogin(t *testing.T) {
	provider := &fakeProvider{cancelResponse: mustParse(t, `{"result":{"status":true,"value":true}}`)}
	service := newService(provider)
	state := session.NewState()
	state.Username = "alice"
	state.PasskeyRegistration = `{"rp":{}}`
	state.RegistrationSerial = "PK001"

	ok, err := service.Verify(context.Background(), state, Request{
		Username:            "alice",
		TransactionID:       "tx-enroll",
		EnrollmentCancelled: true,
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, state.PasskeyRegistration)
	assert.Empty(t, state.RegistrationSerial)
}

func TestVerifyEnrollmentCancelRejectDoesNotAuthenticate(t *testing.T) {
	provider := &fakeProvider{cancelResponse: mustParse(t,
		`{"result":{"status":true,"value":false,"authentication":"REJECT"}}`)}
	service := newService(provider)
	state := session.NewState()
	state.PasskeyRegistration = `{"rp":{}}`
	state.RegistrationSerial = "PK001"

	ok, err := service.Verify(context.Background(), state, Request{
		Username:            "alice",
		TransactionID:       "tx-enroll",
		EnrollmentCancelled: true,
	})
	assert.False(t, ok)
	var failure *AuthFailure
	require.ErrorAs(t, err, &failure)
	assert.False(t, state.Success)
	assert.Empty(t, state.PasskeyRegistration, "the abandoned enrollment is still dropped")
}

func TestVerifyPasskeyRegistrationCompletes(t *testing.T) {
	provider := &fakeProvider{registerResponse: mustParse(t, `{"result":{"status":true,"value":true,"authentication":"ACCEPT"}}`)}
	service := newService(provider)
	state := session.NewState()
	state.PasskeyRegistration = `{"rp":{}}`
	state.RegistrationSerial = "PK002"

	ok, err := service.Verify(context.Background(), state, Request{
		Username:                    "alice",
		TransactionID:               "tx-enroll",
		PasskeyRegistrationResponse: `{"credential_id":"new"}`,
		Origin:                      "https://cloud.example.com",
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, state.PasskeyRegistration)
}

func TestParseFormFieldNames(t *testing.T) {
	form := url.Values{
		"mode":                  {"push"},
		"modeChanged":           {"1"},
		"transactionID":         {"tx-1"},
		"loadCounter":           {"4"},
		"webAuthnSignResponse":  {"{}"},
		"passkeySignResponse":   {"{}"},
		"passkeyLoginCancelled": {"true"},
		"enrollmentCancelled":   {"1"},
		"origin":                {"https://cloud.example.com"},
		"autoSubmit":            {"true"},
	}

	request := ParseForm(form)
	assert.Equal(t, "push", request.Mode)
	assert.True(t, request.ModeChanged)
	assert.Equal(t, "tx-1", request.TransactionID)
	assert.Equal(t, 4, request.LoadCounter)
	assert.True(t, request.PasskeyLoginCancelled)
	assert.True(t, request.EnrollmentCancelled)
	assert.True(t, request.AutoSubmit)

	empty := ParseForm(url.Values{})
	assert.Equal(t, 1, empty.LoadCounter)
	assert.False(t, empty.ModeChanged)
}

func TestTemplateStateKeys(t *testing.T) {
	service := newService(&fakeProvider{})
	state := session.NewState()
	state.Mode = session.ModePush
	state.TransactionID = "tx-1"
	state.Message = "Please confirm"

	flat := service.TemplateState(state)
	assert.Equal(t, "push", flat["mode"])
	assert.Equal(t, "tx-1", flat["transactionId"])
	assert.Equal(t, 1, flat["loadCounter"])
	assert.Equal(t, "Please confirm", flat["message"])
	assert.Contains(t, flat, "webAuthnSignRequest")
	assert.Contains(t, flat, "passkeyChallenge")
	assert.Contains(t, flat, "enrollViaMultichallenge")
}
