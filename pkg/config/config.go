package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/sosodev/duration"
)

// ProviderConfig points the bridge at the MFA server.
type ProviderConfig struct {
	URL             string `env:"PI_URL" env-required:"true"`
	Realm           string `env:"PI_REALM" env-default:""`
	VerifySSL       bool   `env:"PI_VERIFY_SSL" env-default:"true"`
	ForwardClientIP bool   `env:"PI_FORWARD_CLIENT_IP" env-default:"false"`
	// ForwardHeaders lists request headers passed through to the server,
	// comma separated, e.g. "Accept-Language".
	ForwardHeaders string `env:"PI_FORWARD_HEADERS" env-default:""`
	Timeout        string `env:"PI_TIMEOUT" env-default:"PT5S"`
}

// ForwardHeaderList splits the forwarded header setting.
func (p ProviderConfig) ForwardHeaderList() []string { return splitList(p.ForwardHeaders) }

// ServiceAccountConfig holds the privileged account used to trigger
// challenges on behalf of users. Both fields must be set for
// triggerchallenge to work; the account needs the admin role.
type ServiceAccountConfig struct {
	Name     string `env:"PI_SERVICE_NAME" env-default:""`
	Password string `env:"PI_SERVICE_PASS" env-default:""`
	Realm    string `env:"PI_SERVICE_REALM" env-default:""`
}

// FlowConfig selects how the first authentication round reaches the server.
type FlowConfig struct {
	// Selected is one of "default", "triggerchallenge", "sendstaticpass"
	// or "separateotp".
	Selected   string `env:"PI_FLOW" env-default:"default"`
	StaticPass string `env:"PI_STATIC_PASS" env-default:""`
}

// PolicyConfig feeds the activation gate.
type PolicyConfig struct {
	Enabled       bool   `env:"MFA_ENABLED" env-default:"true"`
	IncludeGroups string `env:"MFA_INCLUDE_GROUPS" env-default:""`
	ExcludeGroups string `env:"MFA_EXCLUDE_GROUPS" env-default:""`
	ExcludedIPs   string `env:"MFA_EXCLUDED_IPS" env-default:""`
}

// PollConfig tunes push transaction polling. Intervals are ISO 8601
// durations, comma separated, e.g. "PT4S,PT3S,PT2S".
type PollConfig struct {
	InBrowser bool   `env:"PI_POLL_IN_BROWSER" env-default:"false"`
	Intervals string `env:"PI_POLL_INTERVALS" env-default:"PT4S,PT3S,PT2S"`
}

// UIConfig tunes the rendered login form.
type UIConfig struct {
	// AutoSubmitOTPLength submits the form as soon as the OTP field
	// reaches this many digits. 0 disables auto submission.
	AutoSubmitOTPLength int  `env:"MFA_AUTO_SUBMIT_OTP_LENGTH" env-default:"0"`
	SeparateOTPFields   bool `env:"MFA_SEPARATE_OTP_FIELDS" env-default:"false"`
}

// DbConfig locates the attempt store. Leave Host empty to keep attempts in
// memory only.
type DbConfig struct {
	Host     string `env:"MFA_PG_HOST" env-default:""`
	Port     uint16 `env:"MFA_PG_PORT" env-default:"5432"`
	Database string `env:"MFA_PG_DATABASE" env-default:"mfa_bridge"`
	User     string `env:"MFA_PG_USER" env-default:"mfa"`
	Password string `env:"MFA_PG_PASSWORD" env-default:"pwd"`
}

// ToDatabaseURL renders the pgx connection string.
func (d DbConfig) ToDatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Database)
}

// ServerConfig is the bridge's own HTTP listener.
type ServerConfig struct {
	Host string `env:"HTTP_HOST" env-default:"0.0.0.0"`
	Port uint16 `env:"HTTP_PORT" env-default:"4000"`
	// JwtSecret signs the per-attempt tokens that bind a browser to its
	// authentication attempt.
	JwtSecret string `env:"JWT_SECRET" env-default:"very-secure-jwt-secret"`
	// Origin is the external origin credential assertions are bound to.
	Origin string `env:"HTTP_ORIGIN" env-default:"https://localhost:4000"`
}

// Config is the full bridge configuration, loaded from the environment with
// cleanenv.
type Config struct {
	Server         ServerConfig
	Provider       ProviderConfig
	ServiceAccount ServiceAccountConfig
	Flow           FlowConfig
	Policy         PolicyConfig
	Poll           PollConfig
	UI             UIConfig
	Db             DbConfig
}

var validFlows = map[string]bool{
	"default":          true,
	"triggerchallenge": true,
	"sendstaticpass":   true,
	"separateotp":      true,
}

// Validate rejects configurations that cannot work at runtime. It is called
// once at startup so misconfiguration fails fast instead of failing logins.
func (c *Config) Validate() error {
	if _, err := url.Parse(c.Provider.URL); err != nil {
		return fmt.Errorf("invalid PI_URL: %w", err)
	}
	if !validFlows[c.Flow.Selected] {
		return fmt.Errorf("invalid PI_FLOW %q", c.Flow.Selected)
	}
	if c.Flow.Selected == "triggerchallenge" && (c.ServiceAccount.Name == "" || c.ServiceAccount.Password == "") {
		return fmt.Errorf("PI_FLOW triggerchallenge requires PI_SERVICE_NAME and PI_SERVICE_PASS")
	}
	if c.Flow.Selected == "sendstaticpass" && c.Flow.StaticPass == "" {
		return fmt.Errorf("PI_FLOW sendstaticpass requires PI_STATIC_PASS")
	}
	if _, err := c.Provider.ParseTimeout(); err != nil {
		return fmt.Errorf("invalid PI_TIMEOUT: %w", err)
	}
	if _, err := c.Poll.ParseIntervals(); err != nil {
		return fmt.Errorf("invalid PI_POLL_INTERVALS: %w", err)
	}
	return nil
}

// ParseTimeout parses the request timeout. ISO 8601 and Go duration formats
// are both accepted.
func (p ProviderConfig) ParseTimeout() (time.Duration, error) {
	return parseISO8601OrGoDuration(p.Timeout)
}

// ParseIntervals parses the comma-separated poll interval list.
func (p PollConfig) ParseIntervals() ([]time.Duration, error) {
	parts := strings.Split(p.Intervals, ",")
	out := make([]time.Duration, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := parseISO8601OrGoDuration(part)
		if err != nil {
			return nil, fmt.Errorf("parse poll interval %q: %w", part, err)
		}
		out = append(out, d)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no poll intervals configured")
	}
	return out, nil
}

// IncludeGroupList splits the include group setting.
func (p PolicyConfig) IncludeGroupList() []string { return splitList(p.IncludeGroups) }

// ExcludeGroupList splits the exclude group setting.
func (p PolicyConfig) ExcludeGroupList() []string { return splitList(p.ExcludeGroups) }

// ExcludedIPList splits the excluded IP setting.
func (p PolicyConfig) ExcludedIPList() []string { return splitList(p.ExcludedIPs) }

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseISO8601OrGoDuration tries ISO 8601 first, then the Go duration format.
func parseISO8601OrGoDuration(s string) (time.Duration, error) {
	if iso, err := duration.Parse(s); err == nil {
		return iso.ToTimeDuration(), nil
	}
	return time.ParseDuration(s)
}
