package authflow

import (
	"net/http"
	"net/url"
	"strconv"
)

// Request is one form submission. The hidden-field names are the
// serialization contract between the rendered form and the state machine and
// must stay exactly as they are.
type Request struct {
	// Username and Password come from the host's credential fields, not
	// from the hidden state fields.
	Username string
	Password string

	Mode          string
	ModeChanged   bool
	TransactionID string
	LoadCounter   int

	WebAuthnSignResponse        string
	PasskeyChallenge            string
	PasskeySignResponse         string
	PasskeyRegistrationResponse string
	PasskeyLoginCancelled       bool
	EnrollmentCancelled         bool

	Origin     string
	AutoSubmit bool

	// ClientIP is the connecting client's address, forwarded to the server
	// when configured.
	ClientIP string

	// Headers carries the configured forward headers for every server call.
	Headers http.Header
}

// ParseForm fills the hidden-field part of a Request from submitted form
// values.
func ParseForm(form url.Values) Request {
	loadCounter, err := strconv.Atoi(form.Get("loadCounter"))
	if err != nil || loadCounter < 1 {
		loadCounter = 1
	}

	return Request{
		Mode:                        form.Get("mode"),
		ModeChanged:                 isTruthy(form.Get("modeChanged")),
		TransactionID:               form.Get("transactionID"),
		LoadCounter:                 loadCounter,
		WebAuthnSignResponse:        form.Get("webAuthnSignResponse"),
		PasskeyChallenge:            form.Get("passkeyChallenge"),
		PasskeySignResponse:         form.Get("passkeySignResponse"),
		PasskeyRegistrationResponse: form.Get("passkeyRegistrationResponse"),
		PasskeyLoginCancelled:       isTruthy(form.Get("passkeyLoginCancelled")),
		EnrollmentCancelled:         isTruthy(form.Get("enrollmentCancelled")),
		Origin:                      form.Get("origin"),
		AutoSubmit:                  isTruthy(form.Get("autoSubmit")),
	}
}

func isTruthy(s string) bool {
	return s == "1" || s == "true"
}
