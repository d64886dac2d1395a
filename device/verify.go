package device

import (
	"github.com/godbus/dbus/v5"

	"printd/finger"
	"printd/fperr"
	"printd/hardware"
)

func verifyResultName(res hardware.Result) string {
	switch res {
	case hardware.ResultMatch:
		return "verify-match"
	case hardware.ResultNoMatch:
		return "verify-no-match"
	case hardware.ResultRetryTooShort:
		return "verify-swipe-too-short"
	case hardware.ResultRetryCenterFinger:
		return "verify-finger-not-centered"
	case hardware.ResultRetryRemoveFinger:
		return "verify-remove-and-retry"
	case hardware.ResultRetryScan:
		return "verify-retry-scan"
	case hardware.ResultDisconnected:
		return "verify-disconnected"
	default:
		return "verify-unknown-error"
	}
}

// VerifyStart begins a verification. A concrete finger name runs a
// one-to-one verify; "any" either identifies against the gallery of
// every enrolled print (when the device can) or verifies against the
// first enrolled finger. The scan outcome arrives via VerifyStatus
// signals.
func (d *Device) VerifyStart(sender dbus.Sender, fingerName string) *dbus.Error {
	if dErr := d.checkClaimed(sender); dErr != nil {
		return dErr
	}
	if dErr := d.authorize(sender, "VerifyStart"); dErr != nil {
		return dErr
	}

	d.mu.Lock()
	if d.current != actionNone {
		busy := d.current
		d.mu.Unlock()
		if busy == actionEnroll {
			return fperr.AlreadyInUse("Enrollment in progress")
		}
		return fperr.AlreadyInUse("Verification already in progress")
	}
	if d.session == nil {
		// The claimant vanished between the claim check and here.
		d.mu.Unlock()
		return fperr.ClaimDevice("Device was not claimed before use")
	}
	username := d.session.username
	d.mu.Unlock()

	f := finger.Parse(fingerName)

	var gallery []*hardware.Print
	if f == finger.Any {
		enrolled, err := d.store.DiscoverPrints(d.hw, username)
		if err != nil {
			d.log.WithError(err).Warn("failed to discover prints")
			return fperr.NoEnrolledPrints("No fingerprints enrolled")
		}
		if len(enrolled) == 0 {
			return fperr.NoEnrolledPrints("No fingerprints enrolled")
		}

		if d.hw.SupportsIdentify() {
			for _, ef := range enrolled {
				print, err := d.store.LoadPrint(d.hw, ef, username)
				if err != nil {
					d.log.WithError(err).WithField("finger", ef).Debug("skipping print")
					continue
				}
				gallery = append(gallery, print)
			}
			if len(gallery) == 0 {
				return fperr.NoEnrolledPrints("No fingerprints on that device")
			}
		} else {
			f = enrolled[0]
		}
	}

	var print *hardware.Print
	if gallery == nil {
		var err error
		print, err = d.store.LoadPrint(d.hw, f, username)
		if err != nil {
			return fperr.Internal("No such print %s", f)
		}
	}

	d.mu.Lock()
	if d.current != actionNone {
		d.mu.Unlock()
		return fperr.AlreadyInUse("Verification already in progress")
	}
	if d.session == nil {
		d.mu.Unlock()
		return fperr.ClaimDevice("Device was not claimed before use")
	}
	cancel := hardware.NewCancellable()
	d.cancel = cancel
	d.opDone = make(chan struct{})
	selected := "any"
	if gallery != nil {
		d.current = actionIdentify
		d.identifyData = gallery
		d.mu.Unlock()

		d.log.Debug("start identification")
		d.hw.Identify(gallery, cancel, d.identifyDone)
	} else {
		d.current = actionVerify
		d.verifyData = print
		selected = f.String()
		d.mu.Unlock()

		d.log.WithField("finger", f).Debug("start verification")
		d.hw.Verify(print, cancel, d.verifyDone)
	}

	// Tell the front-end which finger was picked for authentication.
	d.emit.VerifyFingerSelected(selected)

	return nil
}

// VerifyStop stops an ongoing verification. With an operation still
// draining, the reply is held until its terminal callback ran.
func (d *Device) VerifyStop(sender dbus.Sender) *dbus.Error {
	if dErr := d.checkClaimed(sender); dErr != nil {
		return dErr
	}
	if dErr := d.authorize(sender, "VerifyStop"); dErr != nil {
		return dErr
	}

	d.mu.Lock()
	switch d.current {
	case actionNone:
		d.mu.Unlock()
		return fperr.NoActionInProgress("No verification in progress")
	case actionVerify, actionIdentify:
		return d.stopOperation()
	default:
		d.mu.Unlock()
		return fperr.AlreadyInUse("Enrollment in progress")
	}
}

func (d *Device) verifyDone(res hardware.Result) {
	d.scanDone(res, d.resubmitVerify)
}

func (d *Device) identifyDone(_ *hardware.Print, res hardware.Result) {
	d.scanDone(res, d.resubmitIdentify)
}

// scanDone handles a verify or identify completion. Retry-class
// results are not terminal: the same operation is immediately
// resubmitted and the retry reported as a non-final status.
func (d *Device) scanDone(res hardware.Result, resubmit func(cancel *hardware.Cancellable)) {
	name := verifyResultName(res)
	d.log.WithField("result", name).Debug("scan result")

	if res == hardware.ResultDisconnected {
		d.setDisconnected()
	}

	if res.IsRetry() {
		d.mu.Lock()
		cancel := d.cancel
		d.mu.Unlock()

		d.emit.VerifyStatus(name, false)
		resubmit(cancel)
		return
	}

	d.mu.Lock()
	d.verifyData = nil
	d.identifyData = nil
	d.mu.Unlock()

	switch res {
	case hardware.ResultMatch, hardware.ResultNoMatch, hardware.ResultCancelled:
	default:
		d.log.WithField("result", name).Warn("device reported an error during scan")
	}

	d.emit.VerifyStatus(name, true)
	d.finishOperation()
}

func (d *Device) resubmitVerify(cancel *hardware.Cancellable) {
	d.mu.Lock()
	print := d.verifyData
	d.mu.Unlock()
	d.hw.Verify(print, cancel, d.verifyDone)
}

func (d *Device) resubmitIdentify(cancel *hardware.Cancellable) {
	d.mu.Lock()
	gallery := d.identifyData
	d.mu.Unlock()
	d.hw.Identify(gallery, cancel, d.identifyDone)
}
