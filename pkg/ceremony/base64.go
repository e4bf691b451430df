package ceremony

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// WebSafeBase64Encode encodes bytes with the web-safe alphabet ("-"/"_") and
// no padding, as the WebAuthn spec requires for all binary fields.
func WebSafeBase64Encode(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

// WebSafeBase64Decode decodes web-safe base64, tolerating inputs that use the
// standard alphabet or carry padding. Servers are inconsistent about both.
func WebSafeBase64Decode(s string) ([]byte, error) {
	s = strings.TrimRight(s, "=")
	s = strings.ReplaceAll(s, "+", "-")
	s = strings.ReplaceAll(s, "/", "_")
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("ceremony: invalid web-safe base64: %w", err)
	}
	return data, nil
}
