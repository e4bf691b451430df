package authflow

import (
	"log/slog"

	"github.com/simple-mfa/mfa-bridge/pkg/piclient"
	"github.com/simple-mfa/mfa-bridge/pkg/session"
)

// applyResponse folds one server response into the attempt state. It is the
// shared continuation for the check, webauthn and push branches.
//
// A response with challenges selects the next UI mode (otp by default,
// overridden by the server's preferred client mode), records the transaction
// and the per-mode material, and returns the message to display. An accept
// with no residual challenges is left to the caller to finalize.
func applyResponse(state *session.State, r *piclient.Response) {
	if len(r.Challenges) > 0 {
		state.Mode = session.ModeOTP
		if r.PreferredClientMode != "" {
			state.Mode = session.ParseMode(r.PreferredClientMode)
		}
		state.TransactionID = r.TransactionID
		if r.Messages != "" {
			state.Message = r.Messages
		} else {
			state.Message = r.Message
		}

		// The OTP input stays usable in every challenge round, even when
		// only push or webauthn tokens were triggered.
		state.OTPAvailable = true
		state.PushAvailable = r.PushOrSmartphoneAvailable()

		if r.HasTokenType(piclient.TokenTypeWebAuthn) {
			state.WebAuthnSignRequest = r.MergedWebAuthnSignRequest()
		}
		if r.PasskeyChallenge != "" {
			state.PasskeyChallenge = r.PasskeyChallenge
			state.PasskeyTransactionID = r.TransactionID
		}
		if r.PasskeyRegistration != "" {
			state.PasskeyRegistration = r.PasskeyRegistration
			state.RegistrationSerial = r.RegistrationSerial
		}

		state.EnrollViaMultichallenge = r.EnrollViaMultichallenge()
		state.EnrollViaMultichallengeOptional = r.EnrollViaMultichallengeOptional()

		// Images are slotted by the challenge's client mode, with the token
		// type only telling push and smartphone apart. An enrollment round
		// additionally forces the mode to the one being enrolled.
		enrolling := state.EnrollViaMultichallenge
		for _, challenge := range r.Challenges {
			if challenge.EnrollmentLink != "" {
				state.EnrollmentLink = challenge.EnrollmentLink
			}
			if challenge.Image == "" {
				continue
			}
			switch challenge.ClientMode {
			case "interactive":
				state.ImageOTP = challenge.Image
				if enrolling {
					state.Mode = session.ModeOTP
				}
			case "poll":
				if challenge.Type == piclient.TokenTypeSmartphone {
					state.ImageSmartphone = challenge.Image
				} else if challenge.Type == piclient.TokenTypePush {
					state.ImagePush = challenge.Image
				}
				if enrolling {
					state.Mode = session.ModePush
				}
			case "webauthn":
				state.ImageWebAuthn = challenge.Image
				if enrolling {
					state.Mode = session.ModeWebAuthn
				}
			}
		}
		return
	}

	if r.ErrorCode != "" {
		state.ErrorCode = r.ErrorCode
		state.ErrorMessage = r.ErrorMessage
		return
	}

	if r.AuthenticationStatus == piclient.StatusAccept {
		slog.Info("Authentication accepted", "serial", r.Serial)
		return
	}

	slog.Info("Server response carried no challenge and no verdict", "message", r.Message)
}

// displayMessage returns the single message to show for a non-final
// response. Multiple challenge messages were already deduplicated and joined
// by the parser.
func displayMessage(state *session.State, r *piclient.Response) string {
	if state.Message != "" {
		return state.Message
	}
	if r.Messages != "" {
		return r.Messages
	}
	return r.Message
}
