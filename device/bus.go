package device

import (
	"fmt"
	"os"
	"os/user"
	"strconv"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/prop"
	log "github.com/sirupsen/logrus"
)

// BusEmitter emits the device signals on the bus and mirrors the
// in-use flag into the object's properties.
type BusEmitter struct {
	conn    *dbus.Conn
	path    dbus.ObjectPath
	props   *prop.Properties
	onInUse func(inUse bool)
	log     *log.Entry
}

var _ Emitter = (*BusEmitter)(nil)

// NewBusEmitter wires signal emission for the object at path. onInUse,
// if set, additionally observes in-use transitions (the registry uses
// it to drive the idle timeout).
func NewBusEmitter(conn *dbus.Conn, path dbus.ObjectPath, props *prop.Properties, onInUse func(bool)) *BusEmitter {
	return &BusEmitter{
		conn:    conn,
		path:    path,
		props:   props,
		onInUse: onInUse,
		log:     log.WithField("path", path),
	}
}

// SetProperties attaches the exported property table. Called once
// during object setup, before any method is reachable on the bus.
func (e *BusEmitter) SetProperties(props *prop.Properties) {
	e.props = props
}

func (e *BusEmitter) emit(member string, values ...interface{}) {
	if err := e.conn.Emit(e.path, Interface+"."+member, values...); err != nil {
		e.log.WithError(err).Warn("failed to emit " + member)
	}
}

func (e *BusEmitter) VerifyStatus(result string, done bool) {
	e.emit("VerifyStatus", result, done)
}

func (e *BusEmitter) VerifyFingerSelected(fingerName string) {
	e.emit("VerifyFingerSelected", fingerName)
}

func (e *BusEmitter) EnrollStatus(result string, done bool) {
	e.emit("EnrollStatus", result, done)
}

func (e *BusEmitter) InUse(inUse bool) {
	if e.props != nil {
		e.props.SetMust(Interface, "in-use", inUse)
	}
	if e.onInUse != nil {
		e.onInUse(inUse)
	}
}

type watchToken struct{}

// BusWatcher watches bus names through NameOwnerChanged and reports
// when a watched peer vanishes.
type BusWatcher struct {
	conn    *dbus.Conn
	signals chan *dbus.Signal

	mu      sync.Mutex
	watches map[string]map[*watchToken]func(string)
}

var _ Watcher = (*BusWatcher)(nil)

func NewBusWatcher(conn *dbus.Conn) (*BusWatcher, error) {
	w := &BusWatcher{
		conn:    conn,
		signals: make(chan *dbus.Signal, 64),
		watches: make(map[string]map[*watchToken]func(string)),
	}

	err := conn.AddMatchSignal(
		dbus.WithMatchSender("org.freedesktop.DBus"),
		dbus.WithMatchInterface("org.freedesktop.DBus"),
		dbus.WithMatchMember("NameOwnerChanged"),
	)
	if err != nil {
		return nil, fmt.Errorf("matching NameOwnerChanged: %w", err)
	}

	conn.Signal(w.signals)
	go w.run()
	return w, nil
}

func (w *BusWatcher) run() {
	for sig := range w.signals {
		if sig.Name != "org.freedesktop.DBus.NameOwnerChanged" || len(sig.Body) < 3 {
			continue
		}
		name, _ := sig.Body[0].(string)
		newOwner, _ := sig.Body[2].(string)
		if newOwner != "" {
			continue
		}

		w.mu.Lock()
		callbacks := w.watches[name]
		delete(w.watches, name)
		w.mu.Unlock()

		for _, vanished := range callbacks {
			go vanished(name)
		}
	}
}

func (w *BusWatcher) Watch(name string, vanished func(string)) (func(), error) {
	token := &watchToken{}

	w.mu.Lock()
	if w.watches[name] == nil {
		w.watches[name] = make(map[*watchToken]func(string))
	}
	w.watches[name][token] = vanished
	w.mu.Unlock()

	cancel := func() {
		w.mu.Lock()
		if callbacks, ok := w.watches[name]; ok {
			delete(callbacks, token)
			if len(callbacks) == 0 {
				delete(w.watches, name)
			}
		}
		w.mu.Unlock()
	}
	return cancel, nil
}

// BusPeer resolves peer identities through the bus daemon.
type BusPeer struct {
	conn *dbus.Conn
}

var _ Peer = (*BusPeer)(nil)

func NewBusPeer(conn *dbus.Conn) *BusPeer {
	return &BusPeer{conn: conn}
}

func (p *BusPeer) Username(sender dbus.Sender) (string, error) {
	var uid uint32
	err := p.conn.BusObject().
		Call("org.freedesktop.DBus.GetConnectionUnixUser", 0, string(sender)).
		Store(&uid)
	if err != nil {
		return "", fmt.Errorf("resolving peer uid: %w", err)
	}

	u, err := user.LookupId(strconv.FormatUint(uint64(uid), 10))
	if err != nil {
		return "", fmt.Errorf("failed to get information about user UID %d: %w", uid, err)
	}
	return u.Username, nil
}

func (p *BusPeer) ProcessName(sender dbus.Sender) (string, error) {
	var pid uint32
	err := p.conn.BusObject().
		Call("org.freedesktop.DBus.GetConnectionUnixProcessID", 0, string(sender)).
		Store(&pid)
	if err != nil {
		return "", fmt.Errorf("resolving peer pid: %w", err)
	}

	comm, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(comm)), nil
}

// PropsSpec builds the property table for a device object: name,
// in-use, scan-type and num-enroll-stages.
func (d *Device) PropsSpec() map[string]map[string]*prop.Prop {
	return map[string]map[string]*prop.Prop{
		Interface: {
			"name": {
				Value: d.hw.Name(),
				Emit:  prop.EmitFalse,
			},
			"in-use": {
				Value: d.InUse(),
				Emit:  prop.EmitTrue,
			},
			"scan-type": {
				Value: string(d.hw.ScanType()),
				Emit:  prop.EmitFalse,
			},
			"num-enroll-stages": {
				Value: int32(d.hw.NumEnrollStages()),
				Emit:  prop.EmitFalse,
			},
		},
	}
}

// MethodTable is the exported D-Bus method set, matching the authz
// requirement table entry for entry.
func (d *Device) MethodTable() map[string]interface{} {
	return map[string]interface{}{
		"Claim":                  d.Claim,
		"Release":                d.Release,
		"VerifyStart":            d.VerifyStart,
		"VerifyStop":             d.VerifyStop,
		"EnrollStart":            d.EnrollStart,
		"EnrollStop":             d.EnrollStop,
		"ListEnrolledFingers":    d.ListEnrolledFingers,
		"DeleteEnrolledFingers":  d.DeleteEnrolledFingers,
		"DeleteEnrolledFingers2": d.DeleteEnrolledFingers2,
	}
}
