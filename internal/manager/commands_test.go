package manager

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseDialArgs(t *testing.T) {
	addr, inviter, me, ok := parseDialArgs("/ip4/127.0.0.1/tcp/4001:alice:bob")
	require.True(t, ok)
	require.Equal(t, "/ip4/127.0.0.1/tcp/4001", addr)
	require.Equal(t, "alice", inviter)
	require.Equal(t, "bob", me)
}

func TestParseDialArgsRejectsWrongArity(t *testing.T) {
	_, _, _, ok := parseDialArgs("only-one-part")
	require.False(t, ok)

	_, _, _, ok = parseDialArgs("a:b")
	require.False(t, ok)
}

func TestParseUnix(t *testing.T) {
	ts, err := parseUnix("1700000000")
	require.NoError(t, err)
	require.Equal(t, int64(1700000000), ts)

	_, err = parseUnix("not-a-number")
	require.Error(t, err)
}

func TestRemoveShadowReg(t *testing.T) {
	a := shadowRegistration{target: "alice", pw: "pw-a", me: "me"}
	b := shadowRegistration{target: "bob", pw: "pw-b", me: "me"}
	c := shadowRegistration{target: "carol", pw: "pw-c", me: "me"}
	regs := []shadowRegistration{a, b, c}

	out := removeShadowReg(regs, b)
	require.Len(t, out, 2)
	require.Contains(t, out, a)
	require.Contains(t, out, c)
	require.NotContains(t, out, b)
}

func TestRemoveShadowRegNotPresent(t *testing.T) {
	a := shadowRegistration{target: "alice", pw: "pw-a", me: "me"}
	b := shadowRegistration{target: "bob", pw: "pw-b", me: "me"}
	regs := []shadowRegistration{a}

	out := removeShadowReg(regs, b)
	require.Len(t, out, 1)
	require.Equal(t, a, out[0])
}
