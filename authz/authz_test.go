package authz

import (
	"errors"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tableGate allows exactly the listed actions.
type tableGate struct {
	allowed map[string]bool
	calls   []string
}

func (g *tableGate) Check(sender dbus.Sender, action string) error {
	g.calls = append(g.calls, action)
	if g.allowed[action] {
		return nil
	}
	return errors.New("not authorized: " + action)
}

func TestCheckAny(t *testing.T) {
	gate := &tableGate{allowed: map[string]bool{ActionEnroll: true}}

	// Verify is denied but enroll passes: any one privilege suffices.
	err := CheckAny(gate, ":1.7", ActionVerify, ActionEnroll)
	require.NoError(t, err)
	assert.Equal(t, []string{ActionVerify, ActionEnroll}, gate.calls)
}

func TestCheckAnyShortCircuits(t *testing.T) {
	gate := &tableGate{allowed: map[string]bool{ActionVerify: true}}

	require.NoError(t, CheckAny(gate, ":1.7", ActionVerify, ActionEnroll))
	assert.Equal(t, []string{ActionVerify}, gate.calls)
}

func TestCheckAnyAllDenied(t *testing.T) {
	gate := &tableGate{allowed: map[string]bool{}}

	err := CheckAny(gate, ":1.7", ActionVerify, ActionEnroll)
	require.Error(t, err)
	assert.Contains(t, err.Error(), ActionEnroll)
}

func TestRequirementTable(t *testing.T) {
	claim, err := Required("Claim")
	require.NoError(t, err)
	assert.False(t, claim.NeedsClaim)
	assert.True(t, claim.ResolvesUsername)
	assert.ElementsMatch(t, []string{ActionVerify, ActionEnroll}, claim.Actions)

	verify, err := Required("VerifyStart")
	require.NoError(t, err)
	assert.True(t, verify.NeedsClaim)
	assert.Equal(t, []string{ActionVerify}, verify.Actions)

	del2, err := Required("DeleteEnrolledFingers2")
	require.NoError(t, err)
	assert.True(t, del2.NeedsClaim)
	assert.False(t, del2.ResolvesUsername)

	_, err = Required("Reboot")
	assert.Error(t, err)
}
