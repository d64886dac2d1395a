// Package storage persists enrolled prints per user and device
// identity. The on-disk layout is a compatibility surface:
// <base>/<username>/<driver>/<device-id>/<finger-hex>.
package storage

import (
	"errors"

	"printd/finger"
	"printd/hardware"
)

// ErrNotFound is returned when no print is stored for the requested
// (device identity, finger, username) key.
var ErrNotFound = errors.New("print not found")

// Store is the template store consumed by the device controller.
type Store interface {
	// SavePrint persists a print under its own identity key.
	SavePrint(print *hardware.Print) error

	// LoadPrint loads the print for one finger of one user, checking
	// device compatibility. Returns ErrNotFound if absent.
	LoadPrint(dev hardware.Device, f finger.Finger, username string) (*hardware.Print, error)

	// DeletePrint removes a stored print. Deleting an absent print
	// returns ErrNotFound.
	DeletePrint(dev hardware.Device, f finger.Finger, username string) error

	// DiscoverPrints lists the fingers a user has enrolled on a
	// device, in ascending finger order.
	DiscoverPrints(dev hardware.Device, username string) ([]finger.Finger, error)

	// DiscoverUsers lists every user with stored prints.
	DiscoverUsers() ([]string, error)
}
