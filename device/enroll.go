package device

import (
	"errors"

	"github.com/godbus/dbus/v5"

	"printd/finger"
	"printd/fperr"
	"printd/hardware"
	"printd/storage"
)

func enrollRetryName(res hardware.Result) string {
	switch res {
	case hardware.ResultRetryTooShort:
		return "enroll-swipe-too-short"
	case hardware.ResultRetryCenterFinger:
		return "enroll-finger-not-centered"
	default:
		return "enroll-remove-and-retry"
	}
}

func enrollResultName(enrolled bool, res hardware.Result) string {
	switch res {
	case hardware.ResultCompleted:
		if enrolled {
			return "enroll-completed"
		}
		return "enroll-failed"
	case hardware.ResultFailed:
		return "enroll-failed"
	case hardware.ResultStorageFull:
		return "enroll-data-full"
	case hardware.ResultDisconnected:
		return "enroll-disconnected"
	case hardware.ResultRetryTooShort, hardware.ResultRetryCenterFinger,
		hardware.ResultRetryRemoveFinger, hardware.ResultRetryScan:
		return enrollRetryName(res)
	default:
		return "enroll-unknown-error"
	}
}

// EnrollStart begins enrolling one concrete finger for the claiming
// session's user. Stage progress and the final outcome arrive via
// EnrollStatus signals.
func (d *Device) EnrollStart(sender dbus.Sender, fingerName string) *dbus.Error {
	f := finger.Parse(fingerName)
	if !f.Valid() {
		return fperr.InvalidFingername("Invalid finger name")
	}

	if dErr := d.checkClaimed(sender); dErr != nil {
		return dErr
	}
	if dErr := d.authorize(sender, "EnrollStart"); dErr != nil {
		return dErr
	}

	d.mu.Lock()
	if d.current != actionNone {
		busy := d.current
		d.mu.Unlock()
		if busy == actionEnroll {
			return fperr.AlreadyInUse("Enrollment already in progress")
		}
		return fperr.AlreadyInUse("Verification in progress")
	}
	if d.session == nil {
		d.mu.Unlock()
		return fperr.ClaimDevice("Device was not claimed before use")
	}
	username := d.session.username
	cancel := hardware.NewCancellable()
	d.cancel = cancel
	d.opDone = make(chan struct{})
	d.current = actionEnroll
	d.enrollFinger = f
	d.enrollRetried = false
	d.mu.Unlock()

	d.log.WithField("finger", f).Debug("start enrollment")
	d.hw.Enroll(d.newEnrollTemplate(f, username), cancel, d.enrollProgress, d.enrollDone)

	return nil
}

// EnrollStop stops an ongoing enrollment; same drain semantics as
// VerifyStop.
func (d *Device) EnrollStop(sender dbus.Sender) *dbus.Error {
	if dErr := d.checkClaimed(sender); dErr != nil {
		return dErr
	}
	if dErr := d.authorize(sender, "EnrollStop"); dErr != nil {
		return dErr
	}

	d.mu.Lock()
	switch d.current {
	case actionNone:
		d.mu.Unlock()
		return fperr.NoActionInProgress("No enrollment in progress")
	case actionEnroll:
		return d.stopOperation()
	default:
		d.mu.Unlock()
		return fperr.AlreadyInUse("Verification in progress")
	}
}

func (d *Device) enrollProgress(completedStages int, res hardware.Result) {
	name := "enroll-stage-passed"
	if res != hardware.ResultStagePassed {
		name = enrollRetryName(res)
	}
	d.log.WithField("result", name).Debug("enroll stage result")

	if completedStages < d.hw.NumEnrollStages() {
		d.emit.EnrollStatus(name, false)
	}
}

func (d *Device) enrollDone(enrolled *hardware.Print, res hardware.Result) {
	// When on-device storage is completely full, try to reclaim a
	// print that is not ours, assuming it was left behind by an old
	// installation, and retransmit the enrollment. One reclaim per
	// EnrollStart; if nothing could be deleted the storage-full
	// outcome stands.
	if res == hardware.ResultStorageFull {
		d.mu.Lock()
		retried := d.enrollRetried
		cancel := d.cancel
		f := d.enrollFinger
		username := ""
		if d.session != nil {
			username = d.session.username
		}
		d.mu.Unlock()

		if !retried && username != "" {
			d.log.Debug("device storage is full, trying to garbage collect old prints")
			if d.tryDeletePrint() {
				d.mu.Lock()
				d.enrollRetried = true
				d.mu.Unlock()
				d.hw.Enroll(d.newEnrollTemplate(f, username), cancel, d.enrollProgress, d.enrollDone)
				return
			}
		}
	}

	name := enrollResultName(enrolled != nil, res)
	d.log.WithField("result", name).Debug("enroll result")

	if enrolled != nil {
		if err := d.store.SavePrint(enrolled); err != nil {
			d.log.WithError(err).Warn("failed to save enrolled print")
			name = "enroll-failed"
		}
	}

	if res == hardware.ResultDisconnected {
		d.setDisconnected()
	}

	switch res {
	case hardware.ResultCompleted, hardware.ResultFailed, hardware.ResultCancelled:
	default:
		d.log.WithField("result", name).Warn("device reported an error during enroll")
	}

	d.emit.EnrollStatus(name, true)
	d.finishOperation()
}

// tryDeletePrint garbage-collects on-device storage: any device
// resident print that matches no print we have on file for any known
// user is fair game; the first one found is deleted.
func (d *Device) tryDeletePrint() bool {
	devicePrints, err := d.hw.ListPrints()
	if err != nil {
		d.log.WithError(err).Warn("failed to query device prints")
		return false
	}
	d.log.WithField("count", len(devicePrints)).Debug("device prints stored")

	users, err := d.store.DiscoverUsers()
	if err != nil {
		d.log.WithError(err).Warn("failed to discover users")
		return false
	}

	var known []*hardware.Print
	for _, user := range users {
		fingers, err := d.store.DiscoverPrints(d.hw, user)
		if err != nil {
			continue
		}
		for _, f := range fingers {
			print, err := d.store.LoadPrint(d.hw, f, user)
			if err != nil {
				continue
			}
			known = append(known, print)
		}
	}

	var unaccounted []*hardware.Print
	for _, dp := range devicePrints {
		matched := false
		for _, kp := range known {
			if dp.Equal(kp) {
				matched = true
				break
			}
		}
		if !matched {
			unaccounted = append(unaccounted, dp)
		}
	}

	d.log.WithField("count", len(unaccounted)).Debug("device prints stored that we do not need")
	if len(unaccounted) == 0 {
		return false
	}

	// Delete the first one; no smarter metadata to go on.
	if err := d.hw.DeletePrint(unaccounted[0]); err != nil {
		d.log.WithError(err).Warn("failed to garbage collect a print")
		return false
	}
	return true
}

// ListEnrolledFingers lists the fingers enrolled for a user on this
// device. Does not require a claim, but registers the caller as a
// watched client.
func (d *Device) ListEnrolledFingers(sender dbus.Sender, username string) ([]string, *dbus.Error) {
	user, dErr := d.resolveUsername(sender, username)
	if dErr != nil {
		return nil, dErr
	}
	if dErr := d.authorize(sender, "ListEnrolledFingers"); dErr != nil {
		return nil, dErr
	}

	d.addClient(string(sender))

	fingers, err := d.store.DiscoverPrints(d.hw, user)
	if err != nil || len(fingers) == 0 {
		return nil, fperr.NoEnrolledPrints("Failed to discover prints")
	}

	names := make([]string, 0, len(fingers))
	for _, f := range fingers {
		names = append(names, f.String())
	}
	return names, nil
}

// DeleteEnrolledFingers deletes every enrolled finger for a user.
// Deprecated in favor of DeleteEnrolledFingers2; kept working for old
// API users, who get named in the log. A claim is not required: the
// device is opened transiently when it has on-board storage.
func (d *Device) DeleteEnrolledFingers(sender dbus.Sender, username string) *dbus.Error {
	d.log.Warn("the API user should be updated to use the DeleteEnrolledFingers2 method")
	if comm, err := d.peer.ProcessName(sender); err == nil {
		d.log.WithField("client", comm).Warn("offending API user")
	}

	user, dErr := d.resolveUsername(sender, username)
	if dErr != nil {
		return dErr
	}
	if dErr := d.authorize(sender, "DeleteEnrolledFingers"); dErr != nil {
		return dErr
	}

	opened := true
	if dErr := d.checkClaimed(sender); dErr != nil {
		if dErr.Name != fperr.NameClaimDevice {
			return dErr
		}
		opened = false
	}

	d.addClient(string(sender))

	if !opened && d.hw.HasStorage() {
		if err := d.openSync(); err != nil {
			d.log.WithError(err).Warn("failed to open device for deletion")
		}
	}

	d.deleteEnrolled(user)

	if !opened && d.hw.HasStorage() {
		if err := d.closeSync(); err != nil {
			d.log.WithError(err).Warn("failed to close device after deletion")
		}
	}

	return nil
}

// DeleteEnrolledFingers2 deletes every enrolled finger of the claiming
// session's own user.
func (d *Device) DeleteEnrolledFingers2(sender dbus.Sender) *dbus.Error {
	if dErr := d.checkClaimed(sender); dErr != nil {
		return dErr
	}
	if dErr := d.authorize(sender, "DeleteEnrolledFingers2"); dErr != nil {
		return dErr
	}

	d.mu.Lock()
	if d.session == nil {
		d.mu.Unlock()
		return fperr.ClaimDevice("Device was not claimed before use")
	}
	user := d.session.username
	d.mu.Unlock()

	d.deleteEnrolled(user)
	return nil
}

// deleteEnrolled removes a user's prints, device-resident copies
// first. Device deletion failures are not fatal; the on-disk files
// always go.
func (d *Device) deleteEnrolled(user string) {
	if d.hw.HasStorage() {
		fingers, err := d.store.DiscoverPrints(d.hw, user)
		if err == nil {
			for _, f := range fingers {
				print, err := d.store.LoadPrint(d.hw, f, user)
				if err != nil {
					continue
				}
				if err := d.hw.DeletePrint(print); err != nil {
					d.log.WithError(err).Warn("error deleting print from device")
				}
			}
		}
	}

	for f := finger.First; f <= finger.Last; f++ {
		err := d.store.DeletePrint(d.hw, f, user)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			d.log.WithError(err).WithField("finger", f).Warn("error deleting print")
		}
	}
}
