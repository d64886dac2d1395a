package authz

import (
	"fmt"

	"github.com/godbus/dbus/v5"
)

const (
	polkitService   = "org.freedesktop.PolicyKit1"
	polkitPath      = "/org/freedesktop/PolicyKit1/Authority"
	polkitInterface = "org.freedesktop.PolicyKit1.Authority"

	// Lets the authority prompt the user interactively; the check
	// call suspends until the prompt concludes.
	checkAllowInteraction = uint32(1)
)

// polkitSubject is the (sa{sv}) subject struct of the polkit API.
type polkitSubject struct {
	Kind    string
	Details map[string]dbus.Variant
}

// polkitResult is the (bba{ss}) authorization result.
type polkitResult struct {
	IsAuthorized bool
	IsChallenge  bool
	Details      map[string]string
}

// Polkit is the Gate backed by the system authority.
type Polkit struct {
	conn *dbus.Conn
}

var _ Gate = (*Polkit)(nil)

func NewPolkit(conn *dbus.Conn) *Polkit {
	return &Polkit{conn: conn}
}

func (p *Polkit) Check(sender dbus.Sender, action string) error {
	subject := polkitSubject{
		Kind: "system-bus-name",
		Details: map[string]dbus.Variant{
			"name": dbus.MakeVariant(string(sender)),
		},
	}

	var result polkitResult
	err := p.conn.Object(polkitService, polkitPath).
		Call(polkitInterface+".CheckAuthorization", 0,
			subject, action, map[string]string{}, checkAllowInteraction, "").
		Store(&result)
	if err != nil {
		return fmt.Errorf("not authorized: %w", err)
	}
	if !result.IsAuthorized {
		return fmt.Errorf("not authorized: %s", action)
	}
	return nil
}
