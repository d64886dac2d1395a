// Package authz decides whether a bus peer may perform a privileged
// device action. The per-method requirements live in a static table so
// the policy is declarative and testable on its own.
package authz

import (
	"fmt"

	"github.com/godbus/dbus/v5"
)

// Action ids, one per privileged capability.
const (
	ActionVerify      = "net.reactivated.fprint.device.verify"
	ActionEnroll      = "net.reactivated.fprint.device.enroll"
	ActionSetUsername = "net.reactivated.fprint.device.setusername"
)

// Gate answers allow/deny for one action. The check may suspend while
// the authority prompts the user, so callers must not hold locks
// across it.
type Gate interface {
	Check(sender dbus.Sender, action string) error
}

// CheckAny passes if any one of the actions is authorized.
func CheckAny(gate Gate, sender dbus.Sender, actions ...string) error {
	var err error
	for _, action := range actions {
		if err = gate.Check(sender, action); err == nil {
			return nil
		}
	}
	return err
}

// Requirement is what a device method demands before it runs.
type Requirement struct {
	// NeedsClaim requires the caller to hold the device claim.
	NeedsClaim bool
	// Actions is the set of action ids of which any one suffices.
	Actions []string
	// ResolvesUsername marks methods that take a username argument
	// and must map the caller identity to an effective user.
	ResolvesUsername bool
}

// Methods is the requirement table for the device interface.
var Methods = map[string]Requirement{
	"Claim":                  {Actions: []string{ActionVerify, ActionEnroll}, ResolvesUsername: true},
	"Release":                {NeedsClaim: true, Actions: []string{ActionVerify, ActionEnroll}},
	"VerifyStart":            {NeedsClaim: true, Actions: []string{ActionVerify}},
	"VerifyStop":             {NeedsClaim: true, Actions: []string{ActionVerify}},
	"EnrollStart":            {NeedsClaim: true, Actions: []string{ActionEnroll}},
	"EnrollStop":             {NeedsClaim: true, Actions: []string{ActionEnroll}},
	"ListEnrolledFingers":    {Actions: []string{ActionVerify}, ResolvesUsername: true},
	"DeleteEnrolledFingers":  {Actions: []string{ActionEnroll}, ResolvesUsername: true},
	"DeleteEnrolledFingers2": {NeedsClaim: true, Actions: []string{ActionEnroll}},
}

// Required looks up the requirement for a device method.
func Required(method string) (Requirement, error) {
	req, ok := Methods[method]
	if !ok {
		return Requirement{}, fmt.Errorf("no requirement entry for method %q", method)
	}
	return req, nil
}
