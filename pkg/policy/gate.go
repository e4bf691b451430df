package policy

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
)

// GroupChecker answers group membership questions against the host identity
// provider's directory.
type GroupChecker interface {
	IsInGroup(ctx context.Context, username, group string) (bool, error)
}

// Gate decides whether the second factor applies to a login at all. The
// checks run cheapest-first: master switch, then client IP exclusions, then
// directory lookups.
type Gate struct {
	enabled        bool
	excludedRanges []ipRange
	includeGroups  []string
	excludeGroups  []string
	groups         GroupChecker
}

type ipRange struct {
	from netip.Addr
	to   netip.Addr
}

// Option configures a Gate.
type Option func(*Gate)

// WithExcludedIPs installs client address exclusions. Entries are single
// addresses or inclusive dash ranges like "10.0.0.1-10.0.0.254". Entries
// that do not parse are skipped with a warning rather than blocking logins.
func WithExcludedIPs(entries []string) Option {
	return func(g *Gate) {
		for _, entry := range entries {
			r, err := parseIPRange(entry)
			if err != nil {
				slog.Warn("Ignoring invalid excluded IP entry", "entry", entry, "err", err)
				continue
			}
			g.excludedRanges = append(g.excludedRanges, r)
		}
	}
}

// WithIncludeGroups restricts the second factor to members of the listed
// groups. An empty list means everyone.
func WithIncludeGroups(groups []string) Option {
	return func(g *Gate) { g.includeGroups = trimmed(groups) }
}

// WithExcludeGroups exempts members of the listed groups.
func WithExcludeGroups(groups []string) Option {
	return func(g *Gate) { g.excludeGroups = trimmed(groups) }
}

// WithGroupChecker installs the directory backend for group checks. Without
// one, group options have no effect.
func WithGroupChecker(checker GroupChecker) Option {
	return func(g *Gate) { g.groups = checker }
}

// NewGate creates a Gate. enabled is the master switch; a disabled gate
// requires the second factor from nobody.
func NewGate(enabled bool, opts ...Option) *Gate {
	g := &Gate{enabled: enabled}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Required reports whether username connecting from clientIP must present a
// second factor. Directory errors count as "required": failing open would
// turn a flaky directory into an MFA bypass.
func (g *Gate) Required(ctx context.Context, username, clientIP string) (bool, error) {
	if !g.enabled {
		return false, nil
	}

	if clientIP != "" && g.ipExcluded(clientIP) {
		slog.Info("Skipping second factor for excluded client address", "username", username, "clientIP", clientIP)
		return false, nil
	}

	if g.groups == nil {
		return true, nil
	}

	for _, group := range g.excludeGroups {
		member, err := g.groups.IsInGroup(ctx, username, group)
		if err != nil {
			return true, fmt.Errorf("check exclude group %s: %w", group, err)
		}
		if member {
			return false, nil
		}
	}

	if len(g.includeGroups) == 0 {
		return true, nil
	}
	for _, group := range g.includeGroups {
		member, err := g.groups.IsInGroup(ctx, username, group)
		if err != nil {
			return true, fmt.Errorf("check include group %s: %w", group, err)
		}
		if member {
			return true, nil
		}
	}
	return false, nil
}

func (g *Gate) ipExcluded(clientIP string) bool {
	addr, err := netip.ParseAddr(clientIP)
	if err != nil {
		return false
	}
	for _, r := range g.excludedRanges {
		if r.contains(addr) {
			return true
		}
	}
	return false
}

func (r ipRange) contains(addr netip.Addr) bool {
	return addr.Compare(r.from) >= 0 && addr.Compare(r.to) <= 0
}

func parseIPRange(entry string) (ipRange, error) {
	entry = strings.TrimSpace(entry)
	from, to, isRange := strings.Cut(entry, "-")

	first, err := netip.ParseAddr(strings.TrimSpace(from))
	if err != nil {
		return ipRange{}, err
	}
	if !isRange {
		return ipRange{from: first, to: first}, nil
	}

	last, err := netip.ParseAddr(strings.TrimSpace(to))
	if err != nil {
		return ipRange{}, err
	}
	if last.Compare(first) < 0 {
		return ipRange{}, fmt.Errorf("range end %s before start %s", last, first)
	}
	return ipRange{from: first, to: last}, nil
}

func trimmed(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
