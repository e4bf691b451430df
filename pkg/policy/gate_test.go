package policy

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGroups struct {
	membership map[string][]string
	err        error
}

func (f *fakeGroups) IsInGroup(_ context.Context, username, group string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	for _, g := range f.membership[username] {
		if g == group {
			return true, nil
		}
	}
	return false, nil
}

func TestGateDisabled(t *testing.T) {
	g := NewGate(false)

	required, err := g.Required(context.Background(), "alice", "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, required)
}

func TestGateEnabledByDefaultForEveryone(t *testing.T) {
	g := NewGate(true)

	required, err := g.Required(context.Background(), "alice", "203.0.113.7")
	require.NoError(t, err)
	assert.True(t, required)
}

func TestGateExcludedIPs(t *testing.T) {
	g := NewGate(true, WithExcludedIPs([]string{
		"192.168.1.50",
		"10.0.0.1-10.0.0.100",
		"not-an-ip",
	}))

	tests := []struct {
		clientIP string
		required bool
	}{
		{clientIP: "192.168.1.50", required: false},
		{clientIP: "192.168.1.51", required: true},
		{clientIP: "10.0.0.1", required: false},
		{clientIP: "10.0.0.100", required: false},
		{clientIP: "10.0.0.101", required: true},
		{clientIP: "9.255.255.255", required: true},
		{clientIP: "", required: true},
		{clientIP: "garbage", required: true},
	}
	for _, tc := range tests {
		required, err := g.Required(context.Background(), "alice", tc.clientIP)
		require.NoError(t, err)
		assert.Equal(t, tc.required, required, "clientIP %q", tc.clientIP)
	}
}

func TestGateRejectsInvertedRange(t *testing.T) {
	// The inverted range is dropped, so the address stays in scope.
	g := NewGate(true, WithExcludedIPs([]string{"10.0.0.100-10.0.0.1"}))

	required, err := g.Required(context.Background(), "alice", "10.0.0.50")
	require.NoError(t, err)
	assert.True(t, required)
}

func TestGateIncludeGroups(t *testing.T) {
	groups := &fakeGroups{membership: map[string][]string{
		"alice": {"staff"},
		"bob":   {"guests"},
	}}
	g := NewGate(true, WithIncludeGroups([]string{"staff", "admins"}), WithGroupChecker(groups))

	required, err := g.Required(context.Background(), "alice", "")
	require.NoError(t, err)
	assert.True(t, required)

	required, err = g.Required(context.Background(), "bob", "")
	require.NoError(t, err)
	assert.False(t, required)
}

func TestGateExcludeGroupsWinOverInclude(t *testing.T) {
	groups := &fakeGroups{membership: map[string][]string{
		"alice": {"staff", "service-accounts"},
	}}
	g := NewGate(true,
		WithIncludeGroups([]string{"staff"}),
		WithExcludeGroups([]string{"service-accounts"}),
		WithGroupChecker(groups))

	required, err := g.Required(context.Background(), "alice", "")
	require.NoError(t, err)
	assert.False(t, required)
}

func TestGateDirectoryErrorFailsClosed(t *testing.T) {
	groups := &fakeGroups{err: errors.New("ldap down")}
	g := NewGate(true, WithIncludeGroups([]string{"staff"}), WithGroupChecker(groups))

	required, err := g.Required(context.Background(), "alice", "")
	require.Error(t, err)
	assert.True(t, required)
}

func TestGateGroupOptionsWithoutCheckerAreInert(t *testing.T) {
	g := NewGate(true, WithIncludeGroups([]string{"staff"}))

	required, err := g.Required(context.Background(), "anyone", "")
	require.NoError(t, err)
	assert.True(t, required)
}
