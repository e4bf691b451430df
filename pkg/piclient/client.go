package piclient

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	endpointValidateCheck            = "/validate/check"
	endpointValidateTriggerChallenge = "/validate/triggerchallenge"
	endpointValidatePollTransaction  = "/validate/polltransaction"
	endpointValidateInitialize       = "/validate/initialize"
	endpointAuth                     = "/auth"
)

const defaultTimeout = 5 * time.Second

// ErrServerUnreachable wraps transport-level failures. It is the only error
// condition that aborts a whole authentication attempt; everything else
// degrades to a nil result that the caller handles as "no verdict yet".
var ErrServerUnreachable = errors.New("piclient: unable to reach the authentication server")

// Client talks to the MFA server's validate and auth endpoints. Configuration
// is fixed at construction; a Client is stateless per call and safe for
// concurrent use across login attempts.
type Client struct {
	userAgent           string
	baseURL             string
	realm               string
	serviceAccountName  string
	serviceAccountPass  string
	serviceAccountRealm string
	forwardClientIP     bool
	httpClient          *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithRealm sets the user realm sent with every validate request.
func WithRealm(realm string) Option {
	return func(c *Client) { c.realm = realm }
}

// WithServiceAccount sets the privileged account used by TriggerChallenge.
func WithServiceAccount(name, pass, realm string) Option {
	return func(c *Client) {
		c.serviceAccountName = name
		c.serviceAccountPass = pass
		c.serviceAccountRealm = realm
	}
}

// WithForwardClientIP maps the X-Forwarded-For request header onto the
// "client" parameter so the server can apply policies against the original
// client address instead of the bridge's.
func WithForwardClientIP(enabled bool) Option {
	return func(c *Client) { c.forwardClientIP = enabled }
}

// WithTimeout sets the transport timeout for every request.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithInsecureSkipVerify disables TLS certificate verification.
func WithInsecureSkipVerify(skip bool) Option {
	return func(c *Client) {
		if skip {
			c.httpClient.Transport = &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			}
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) { c.httpClient = httpClient }
}

// NewClient creates a Client for the MFA server at baseURL. The userAgent is
// forwarded with every request.
func NewClient(userAgent, baseURL string, opts ...Option) *Client {
	c := &Client{
		userAgent:  userAgent,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ServiceAccountAvailable reports whether a service account is configured.
func (c *Client) ServiceAccountAvailable() bool {
	return c.serviceAccountName != "" && c.serviceAccountPass != ""
}

// ValidateCheck authenticates the user against /validate/check. The pass can
// be an OTP, a PIN to trigger tokens, or PIN+OTP depending on server policy.
// Returns nil without a network call if the username is missing.
func (c *Client) ValidateCheck(ctx context.Context, username, pass, transactionID string, headers http.Header) (*Response, error) {
	if username == "" {
		slog.Debug("Missing username for /validate/check")
		return nil, nil
	}
	params := url.Values{}
	params.Set("user", username)
	params.Set("pass", pass)
	if transactionID != "" {
		params.Set("transaction_id", transactionID)
	}
	c.addRealm(params)
	return c.validateRequest(ctx, http.MethodPost, endpointValidateCheck, params, headers)
}

// TriggerChallenge triggers all pending challenges for the user without
// consuming an OTP. Requires a configured service account.
func (c *Client) TriggerChallenge(ctx context.Context, username string, headers http.Header) (*Response, error) {
	if username == "" {
		slog.Debug("Missing username for /validate/triggerchallenge")
		return nil, nil
	}
	authToken, err := c.AuthToken(ctx)
	if err != nil {
		return nil, err
	}
	if authToken == "" {
		slog.Error("Cannot trigger challenges without a service account token")
		return nil, nil
	}
	params := url.Values{}
	params.Set("user", username)
	c.addRealm(params)
	headers = cloneHeaders(headers)
	headers.Set("Authorization", authToken)
	return c.validateRequest(ctx, http.MethodPost, endpointValidateTriggerChallenge, params, headers)
}

// PollTransaction is a cheap status check for a push challenge. It returns
// true only when the server reports the challenge as answered.
func (c *Client) PollTransaction(ctx context.Context, transactionID string, headers http.Header) (bool, error) {
	if transactionID == "" {
		slog.Debug("Missing transaction ID for /validate/polltransaction")
		return false, nil
	}
	params := url.Values{}
	params.Set("transaction_id", transactionID)
	body, err := c.sendRequest(ctx, http.MethodGet, endpointValidatePollTransaction, params, headers)
	if err != nil {
		return false, err
	}
	var wire wireResponse
	if err := json.Unmarshal(body, &wire); err != nil || wire.Result == nil || wire.Result.Value == nil {
		return false, nil
	}
	return parseValue(wire.Result.Value), nil
}

// ValidateInitialize requests a new challenge of the given type, e.g.
// "passkey", without a prior username.
func (c *Client) ValidateInitialize(ctx context.Context, challengeType string, headers http.Header) (*Response, error) {
	if challengeType == "" {
		slog.Debug("Missing type for /validate/initialize")
		return nil, nil
	}
	params := url.Values{}
	params.Set("type", challengeType)
	c.addRealm(params)
	return c.validateRequest(ctx, http.MethodPost, endpointValidateInitialize, params, headers)
}

// webAuthnSignResponse is the camel-free wire naming used by WebAuthn tokens.
type webAuthnSignResponse struct {
	CredentialID              string `json:"credentialid"`
	ClientData                string `json:"clientdata"`
	SignatureData             string `json:"signaturedata"`
	AuthenticatorData         string `json:"authenticatordata"`
	UserHandle                string `json:"userhandle,omitempty"`
	AssertionClientExtensions string `json:"assertionclientextensions,omitempty"`
}

// ValidateCheckWebAuthn repackages a WebAuthn assertion into the
// /validate/check parameter set. The origin travels as a request header, not
// as a body parameter. All four of username, transactionID, signResponse and
// origin are required.
func (c *Client) ValidateCheckWebAuthn(ctx context.Context, username, transactionID, signResponse, origin string, headers http.Header) (*Response, error) {
	if username == "" || transactionID == "" || signResponse == "" || origin == "" {
		slog.Debug("ValidateCheckWebAuthn: parameters are incomplete")
		return nil, nil
	}
	var sign webAuthnSignResponse
	if err := json.Unmarshal([]byte(signResponse), &sign); err != nil {
		slog.Debug("Invalid WebAuthn sign response", "err", err)
		return nil, nil
	}
	params := url.Values{}
	params.Set("user", username)
	params.Set("pass", "")
	params.Set("transaction_id", transactionID)
	params.Set("credentialid", sign.CredentialID)
	params.Set("clientdata", sign.ClientData)
	params.Set("signaturedata", sign.SignatureData)
	params.Set("authenticatordata", sign.AuthenticatorData)
	if sign.UserHandle != "" {
		params.Set("userhandle", sign.UserHandle)
	}
	if sign.AssertionClientExtensions != "" {
		params.Set("assertionclientextensions", sign.AssertionClientExtensions)
	}
	c.addRealm(params)
	return c.validateRequest(ctx, http.MethodPost, endpointValidateCheck, params, withOrigin(headers, origin))
}

// passkeySignResponse uses the passkey wire naming, which differs from the
// WebAuthn one. No username travels with it; the server resolves the identity
// from the credential.
type passkeySignResponse struct {
	CredentialID              string `json:"credential_id"`
	ClientDataJSON            string `json:"clientDataJSON"`
	Signature                 string `json:"signature"`
	AuthenticatorData         string `json:"authenticatorData"`
	UserHandle                string `json:"userHandle,omitempty"`
	AssertionClientExtensions string `json:"assertionclientextensions,omitempty"`
}

// ValidateCheckPasskey authenticates with a passkey assertion. On success the
// response carries the username resolved by the server.
func (c *Client) ValidateCheckPasskey(ctx context.Context, transactionID, signResponse, origin string, headers http.Header) (*Response, error) {
	if transactionID == "" || signResponse == "" || origin == "" {
		slog.Debug("ValidateCheckPasskey: parameters are incomplete")
		return nil, nil
	}
	var sign passkeySignResponse
	if err := json.Unmarshal([]byte(signResponse), &sign); err != nil {
		slog.Debug("Invalid passkey sign response", "err", err)
		return nil, nil
	}
	params := url.Values{}
	params.Set("transaction_id", transactionID)
	params.Set("credential_id", sign.CredentialID)
	params.Set("clientDataJSON", sign.ClientDataJSON)
	params.Set("signature", sign.Signature)
	params.Set("authenticatorData", sign.AuthenticatorData)
	if sign.UserHandle != "" {
		params.Set("userHandle", sign.UserHandle)
	}
	if sign.AssertionClientExtensions != "" {
		params.Set("assertionclientextensions", sign.AssertionClientExtensions)
	}
	c.addRealm(params)
	return c.validateRequest(ctx, http.MethodPost, endpointValidateCheck, params, withOrigin(headers, origin))
}

type passkeyRegistrationResponse struct {
	CredentialID            string `json:"credential_id"`
	ClientDataJSON          string `json:"clientDataJSON"`
	AttestationObject       string `json:"attestationObject"`
	AuthenticatorAttachment string `json:"authenticatorAttachment"`
	RawID                   string `json:"rawId"`
}

// CompletePasskeyRegistration finishes an enrollment that was started as a
// side effect of an authentication (enroll via multichallenge).
func (c *Client) CompletePasskeyRegistration(ctx context.Context, transactionID, serial, username, registrationResponse, origin string, headers http.Header) (*Response, error) {
	if transactionID == "" || serial == "" || username == "" || registrationResponse == "" || origin == "" {
		slog.Debug("CompletePasskeyRegistration: parameters are incomplete")
		return nil, nil
	}
	var registration passkeyRegistrationResponse
	if err := json.Unmarshal([]byte(registrationResponse), &registration); err != nil {
		slog.Debug("Invalid passkey registration response", "err", err)
		return nil, nil
	}
	params := url.Values{}
	params.Set("transaction_id", transactionID)
	params.Set("serial", serial)
	params.Set("user", username)
	params.Set("type", string(TokenTypePasskey))
	params.Set("credential_id", registration.CredentialID)
	params.Set("clientDataJSON", registration.ClientDataJSON)
	params.Set("attestationObject", registration.AttestationObject)
	params.Set("authenticatorAttachment", registration.AuthenticatorAttachment)
	params.Set("rawId", registration.RawID)
	c.addRealm(params)
	return c.validateRequest(ctx, http.MethodPost, endpointValidateCheck, params, withOrigin(headers, origin))
}

// CancelEnrollment abandons an in-progress enrollment via multichallenge
// without failing the whole login.
func (c *Client) CancelEnrollment(ctx context.Context, transactionID string, headers http.Header) (*Response, error) {
	if transactionID == "" {
		slog.Debug("CancelEnrollment: transaction ID is missing")
		return nil, nil
	}
	params := url.Values{}
	params.Set("transaction_id", transactionID)
	params.Set("cancel_enrollment", "true")
	c.addRealm(params)
	return c.validateRequest(ctx, http.MethodPost, endpointValidateCheck, params, headers)
}

// AuthToken logs in the service account at /auth and returns the auth token.
// It fails closed: a token whose role claim is not "admin" is never returned,
// since a non-privileged token must not be used to trigger challenges.
func (c *Client) AuthToken(ctx context.Context) (string, error) {
	if !c.ServiceAccountAvailable() {
		slog.Error("Cannot retrieve auth token without a service account")
		return "", nil
	}
	params := url.Values{}
	params.Set("username", c.serviceAccountName)
	params.Set("password", c.serviceAccountPass)
	if c.serviceAccountRealm != "" {
		params.Set("realm", c.serviceAccountRealm)
	}
	body, err := c.sendRequest(ctx, http.MethodPost, endpointAuth, params, nil)
	if err != nil {
		return "", err
	}
	var wire struct {
		Result struct {
			Value struct {
				Token string `json:"token"`
				Role  string `json:"role"`
			} `json:"value"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &wire); err != nil || wire.Result.Value.Token == "" {
		slog.Debug("/auth response did not contain an auth token")
		return "", nil
	}
	role := wire.Result.Value.Role
	if role == "" {
		role = tokenRole(wire.Result.Value.Token)
	}
	if role != "admin" {
		slog.Debug("Auth token belongs to an account without the admin role", "role", role)
		return "", nil
	}
	return wire.Result.Value.Token, nil
}

// tokenRole reads the role claim out of the auth token itself. The token was
// just minted by the server we are about to send it back to, so an unverified
// parse is sufficient here.
func tokenRole(token string) string {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return ""
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return ""
	}
	role, _ := claims["role"].(string)
	return role
}

func (c *Client) validateRequest(ctx context.Context, method, endpoint string, params url.Values, headers http.Header) (*Response, error) {
	body, err := c.sendRequest(ctx, method, endpoint, params, headers)
	if err != nil {
		return nil, err
	}
	resp, err := ParseResponse(body)
	if err != nil {
		slog.Error("Server response could not be parsed", "endpoint", endpoint, "err", err)
		return nil, nil
	}
	return resp, nil
}

func (c *Client) sendRequest(ctx context.Context, method, endpoint string, params url.Values, headers http.Header) ([]byte, error) {
	if c.forwardClientIP {
		if ip := headers.Get("X-Forwarded-For"); ip != "" {
			params.Set("client", ip)
		}
	}

	var req *http.Request
	var err error
	if method == http.MethodGet {
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+endpoint+"?"+params.Encode(), nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, strings.NewReader(params.Encode()))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", endpoint, err)
	}
	for key, values := range headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	req.Header.Set("User-Agent", c.userAgent)

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		slog.Error("Request to authentication server failed", "endpoint", endpoint, "err", err)
		return nil, fmt.Errorf("%w: %v", ErrServerUnreachable, err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrServerUnreachable, err)
	}
	return body, nil
}

func (c *Client) addRealm(params url.Values) {
	if c.realm != "" {
		params.Set("realm", c.realm)
	}
}

func withOrigin(headers http.Header, origin string) http.Header {
	headers = cloneHeaders(headers)
	headers.Set("Origin", origin)
	return headers
}

func cloneHeaders(headers http.Header) http.Header {
	cloned := headers.Clone()
	if cloned == nil {
		cloned = http.Header{}
	}
	return cloned
}
