// Package fperr defines the D-Bus error taxonomy surfaced by printd.
// Error names are a compatibility surface and must stay stable.
package fperr

import (
	"fmt"

	"github.com/godbus/dbus/v5"
)

const Interface = "net.reactivated.Fprint.Error"

const (
	NameClaimDevice        = Interface + ".ClaimDevice"
	NameAlreadyInUse       = Interface + ".AlreadyInUse"
	NameInternal           = Interface + ".Internal"
	NamePermissionDenied   = Interface + ".PermissionDenied"
	NameNoEnrolledPrints   = Interface + ".NoEnrolledPrints"
	NameNoActionInProgress = Interface + ".NoActionInProgress"
	NameInvalidFingername  = Interface + ".InvalidFingername"
	NameNoSuchDevice       = Interface + ".NoSuchDevice"
)

func newError(name, msg string) *dbus.Error {
	return dbus.NewError(name, []interface{}{msg})
}

func ClaimDevice(msg string) *dbus.Error {
	return newError(NameClaimDevice, msg)
}

func AlreadyInUse(msg string) *dbus.Error {
	return newError(NameAlreadyInUse, msg)
}

func Internal(format string, args ...interface{}) *dbus.Error {
	return newError(NameInternal, fmt.Sprintf(format, args...))
}

func PermissionDenied(format string, args ...interface{}) *dbus.Error {
	return newError(NamePermissionDenied, fmt.Sprintf(format, args...))
}

func NoEnrolledPrints(msg string) *dbus.Error {
	return newError(NameNoEnrolledPrints, msg)
}

func NoActionInProgress(msg string) *dbus.Error {
	return newError(NameNoActionInProgress, msg)
}

func InvalidFingername(msg string) *dbus.Error {
	return newError(NameInvalidFingername, msg)
}

func NoSuchDevice(msg string) *dbus.Error {
	return newError(NameNoSuchDevice, msg)
}

// Is reports whether err is a D-Bus error with the given name. It is
// used by clients to branch on the taxonomy.
func Is(err error, name string) bool {
	dErr, ok := err.(dbus.Error)
	if ok {
		return dErr.Name == name
	}
	pErr, ok := err.(*dbus.Error)
	return ok && pErr.Name == name
}
