// Package device implements the per-scanner session state machine
// published on the bus: claim/release arbitration, asynchronous
// verify/identify/enroll with retry, client liveness tracking and
// on-device storage garbage collection.
package device

import (
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	log "github.com/sirupsen/logrus"

	"printd/authz"
	"printd/finger"
	"printd/fperr"
	"printd/hardware"
	"printd/storage"
)

// Interface is the D-Bus interface of device objects.
const Interface = "net.reactivated.Fprint.Device"

// Emitter delivers the controller's observable side effects: status
// signals and the in-use flag.
type Emitter interface {
	VerifyStatus(result string, done bool)
	VerifyFingerSelected(fingerName string)
	EnrollStatus(result string, done bool)
	InUse(inUse bool)
}

// Watcher tracks bus peer liveness. vanished fires once, from its own
// goroutine, when the watched name drops off the bus.
type Watcher interface {
	Watch(name string, vanished func(name string)) (cancel func(), err error)
}

// Peer resolves bus peer identities.
type Peer interface {
	// Username maps the sender to its OS user name.
	Username(sender dbus.Sender) (string, error)
	// ProcessName returns the sender's process name, for logging.
	ProcessName(sender dbus.Sender) (string, error)
}

type action int

const (
	actionNone action = iota
	actionOpen
	actionClose
	actionVerify
	actionIdentify
	actionEnroll
)

// session is the current claim. It is immutable: state changes replace
// the whole value so concurrent readers see either the old or the new
// session, never a half-written one.
type session struct {
	sender   string
	username string
	// pending is set while the claim's open has not completed yet.
	pending bool
}

// Device is one published scanner object. All mutable state is guarded
// by mu; hardware completion callbacks run on their own goroutines and
// take the same lock.
type Device struct {
	id    uint32
	hw    hardware.Device
	store storage.Store
	gate  authz.Gate
	emit  Emitter
	watch Watcher
	peer  Peer
	log   *log.Entry

	mu      sync.Mutex
	session *session
	// clients maps watched peer names to their watch cancel funcs.
	// The device counts as in use while this set is non-empty.
	clients map[string]func()

	current   action
	cancel    *hardware.Cancellable
	opDone    chan struct{}
	stopReply chan struct{}

	// resumable operation state for retry resubmission
	verifyData    *hardware.Print
	identifyData  []*hardware.Print
	enrollFinger  finger.Finger
	enrollRetried bool

	disconnected bool
}

func New(id uint32, hw hardware.Device, store storage.Store, gate authz.Gate, emit Emitter, watch Watcher, peer Peer) *Device {
	return &Device{
		id:      id,
		hw:      hw,
		store:   store,
		gate:    gate,
		emit:    emit,
		watch:   watch,
		peer:    peer,
		clients: make(map[string]func()),
		log:     log.WithField("device", id),
	}
}

func (d *Device) ID() uint32 { return d.id }

// Hardware returns the underlying scanner, used by the registry to
// match hotplug removal events.
func (d *Device) Hardware() hardware.Device { return d.hw }

// InUse reports whether any watched client touched the device.
func (d *Device) InUse() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.clients) != 0
}

// Claim takes the exclusive lease on the device for the calling peer.
// The reply is held back until the hardware open completed.
func (d *Device) Claim(sender dbus.Sender, username string) *dbus.Error {
	d.mu.Lock()
	if d.session != nil {
		d.mu.Unlock()
		return fperr.AlreadyInUse("Device was already claimed")
	}
	// Reserve the slot before the authorization checks suspend us so
	// a concurrent Claim cannot slip in.
	d.session = &session{sender: string(sender), pending: true}
	d.mu.Unlock()

	user, dErr := d.resolveUsername(sender, username)
	if dErr != nil {
		d.clearSession()
		return dErr
	}

	if dErr := d.authorize(sender, "Claim"); dErr != nil {
		d.clearSession()
		return dErr
	}

	d.addClient(string(sender))

	d.mu.Lock()
	if d.session == nil || d.session.sender != string(sender) {
		// The vanish handler already tore the reservation down.
		d.mu.Unlock()
		return fperr.Internal("Claimant vanished during claim")
	}
	d.session = &session{sender: string(sender), username: user, pending: true}
	d.current = actionOpen
	d.mu.Unlock()

	d.log.WithField("user", user).Debug("user claiming the device")

	if err := d.openSync(); err != nil {
		d.mu.Lock()
		d.session = nil
		d.current = actionNone
		d.mu.Unlock()
		return fperr.Internal("Open failed with error: %v", err)
	}

	d.mu.Lock()
	if d.session == nil || d.session.sender != string(sender) {
		// The claimant dropped off the bus while the open was in
		// flight. The vanish handler's close raced that open, so
		// close again to drop the handle the open just took.
		d.mu.Unlock()
		if err := d.closeSync(); err != nil {
			d.log.WithError(err).Warn("error closing device after claimant vanished")
		}
		return fperr.Internal("Claimant vanished during claim")
	}
	d.session = &session{sender: string(sender), username: user}
	d.current = actionNone
	d.disconnected = false
	d.mu.Unlock()

	d.log.Debug("claimed device")
	return nil
}

// Release gives up the claim. An operation still in flight is
// cancelled and drained before the hardware close is issued.
func (d *Device) Release(sender dbus.Sender) *dbus.Error {
	if dErr := d.checkClaimed(sender); dErr != nil {
		return dErr
	}

	// People that can claim can also release.
	if dErr := d.authorize(sender, "Release"); dErr != nil {
		return dErr
	}

	d.mu.Lock()
	cancel, opDone := d.cancel, d.opDone
	d.mu.Unlock()
	if cancel != nil {
		cancel.Cancel()
	}
	if opDone != nil {
		<-opDone
	}

	d.mu.Lock()
	d.current = actionClose
	gone := d.disconnected
	d.mu.Unlock()

	// No point closing hardware that already reported itself gone.
	var err error
	if !gone {
		err = d.closeSync()
	}

	// The controller must end up unclaimed and consistent even when
	// the close failed.
	d.mu.Lock()
	d.session = nil
	d.current = actionNone
	d.mu.Unlock()

	if err != nil {
		return fperr.Internal("Release failed with error: %v", err)
	}

	d.log.Debug("released device")
	return nil
}

// checkClaimed verifies the calling peer holds the claim.
func (d *Device) checkClaimed(sender dbus.Sender) *dbus.Error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.session == nil {
		return fperr.ClaimDevice("Device was not claimed before use")
	}
	if d.session.sender != string(sender) || d.session.pending {
		return fperr.AlreadyInUse("Device already in use by another user")
	}
	return nil
}

// authorize runs the polkit gate with the requirement registered for
// the named device method. Any one of the listed actions suffices.
func (d *Device) authorize(sender dbus.Sender, method string) *dbus.Error {
	req, err := authz.Required(method)
	if err != nil {
		return fperr.Internal("%v", err)
	}
	if err := authz.CheckAny(d.gate, sender, req.Actions...); err != nil {
		return fperr.PermissionDenied("Not Authorized: %v", err)
	}
	return nil
}

// resolveUsername maps the username argument to the effective acting
// user. Acting as another user requires the set-username privilege.
func (d *Device) resolveUsername(sender dbus.Sender, username string) (string, *dbus.Error) {
	own, err := d.peer.Username(sender)
	if err != nil {
		return "", fperr.Internal("Failed to get information about sender %s: %v", sender, err)
	}

	// The current user is always allowed to access their own data;
	// the polkit checks still follow.
	if username == "" || username == own {
		return own, nil
	}

	if err := d.gate.Check(sender, authz.ActionSetUsername); err != nil {
		return "", fperr.PermissionDenied("Not Authorized: %v", err)
	}
	return username, nil
}

// addClient registers a liveness watch for the peer. The first watch
// flips the in-use flag.
func (d *Device) addClient(name string) {
	d.mu.Lock()
	if _, ok := d.clients[name]; ok {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	cancel, err := d.watch.Watch(name, d.handleVanished)
	if err != nil {
		d.log.WithError(err).Warn("failed to watch client")
		cancel = func() {}
	}

	d.mu.Lock()
	d.clients[name] = cancel
	first := len(d.clients) == 1
	d.mu.Unlock()

	if first {
		d.emit.InUse(true)
	}
}

// handleVanished runs when a watched peer drops off the bus. If it was
// the claimant, any in-flight operation is cancelled and drained, the
// hardware is force-closed and the claim cleared.
func (d *Device) handleVanished(name string) {
	d.mu.Lock()
	claimant := d.session != nil && d.session.sender == name
	cancel, opDone := d.cancel, d.opDone
	d.mu.Unlock()

	if claimant {
		if cancel != nil {
			cancel.Cancel()
		}
		if opDone != nil {
			<-opDone
		}
		d.mu.Lock()
		gone := d.disconnected
		d.mu.Unlock()
		if !gone {
			if err := d.closeSync(); err != nil {
				d.log.WithError(err).Warn("error closing device after disconnect")
			}
		}
		d.mu.Lock()
		d.session = nil
		d.current = actionNone
		d.mu.Unlock()
	}

	d.mu.Lock()
	unwatch := d.clients[name]
	delete(d.clients, name)
	empty := len(d.clients) == 0
	d.mu.Unlock()

	if unwatch != nil {
		unwatch()
	}
	if empty {
		d.emit.InUse(false)
	}
}

// DisconnectClients drops all liveness watches. Called by the registry
// when the hardware is unplugged.
func (d *Device) DisconnectClients() {
	d.mu.Lock()
	cancels := make([]func(), 0, len(d.clients))
	for _, cancel := range d.clients {
		cancels = append(cancels, cancel)
	}
	d.clients = make(map[string]func())
	d.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

func (d *Device) clearSession() {
	d.mu.Lock()
	d.session = nil
	d.mu.Unlock()
}

func (d *Device) setDisconnected() {
	d.mu.Lock()
	d.disconnected = true
	d.mu.Unlock()
}

func (d *Device) openSync() error {
	ch := make(chan error, 1)
	d.hw.Open(func(err error) { ch <- err })
	return <-ch
}

func (d *Device) closeSync() error {
	ch := make(chan error, 1)
	d.hw.Close(func(err error) { ch <- err })
	return <-ch
}

// finishOperation runs from every terminal hardware callback. It
// releases a parked Stop reply and, if the operation was stopped or
// cancelled, resets the current action.
func (d *Device) finishOperation() {
	d.mu.Lock()
	stop := d.stopReply
	d.stopReply = nil
	cancelled := d.cancel != nil && d.cancel.Cancelled()
	d.cancel = nil
	if stop != nil || cancelled {
		d.current = actionNone
	}
	opDone := d.opDone
	d.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if opDone != nil {
		close(opDone)
	}
}

// stopOperation implements VerifyStop/EnrollStop once the action kind
// was validated. With a live cancellation token the reply is parked
// until the terminal callback fires; otherwise the operation already
// wrapped up and the reply is immediate. Called with d.mu held, which
// it releases.
func (d *Device) stopOperation() *dbus.Error {
	if d.cancel != nil {
		if d.stopReply != nil {
			d.mu.Unlock()
			return fperr.AlreadyInUse("Stop already in progress")
		}
		d.cancel.Cancel()
		ch := make(chan struct{})
		d.stopReply = ch
		d.mu.Unlock()
		<-ch
		return nil
	}
	d.current = actionNone
	d.mu.Unlock()
	return nil
}

// newEnrollTemplate builds a fresh template for this device identity,
// stamped with today's date.
func (d *Device) newEnrollTemplate(f finger.Finger, username string) *hardware.Print {
	now := time.Now()
	return &hardware.Print{
		Driver:     d.hw.Driver(),
		DeviceID:   d.hw.DeviceID(),
		Username:   username,
		Finger:     f,
		EnrollDate: time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC),
	}
}
