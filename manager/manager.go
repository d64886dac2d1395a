// Package manager publishes one controller object per plugged-in
// scanner and answers device discovery.
package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"printd/authz"
	"printd/device"
	"printd/fperr"
	"printd/hardware"
	"printd/storage"
)

const (
	// BusName is the well-known name the daemon claims.
	BusName = "net.reactivated.Fprint"
	// Interface of the manager object.
	Interface = "net.reactivated.Fprint.Manager"
	// Path of the manager object.
	Path = dbus.ObjectPath("/net/reactivated/Fprint/Manager")
)

// DevicePath returns the object path for the device with the given id.
func DevicePath(id uint32) dbus.ObjectPath {
	return dbus.ObjectPath(fmt.Sprintf("/net/reactivated/Fprint/Device/%d", id))
}

// Publisher puts device objects on and off the bus. Split from the
// manager so tests can run the registry without a bus connection.
type Publisher interface {
	// Emitter creates the signal emitter for the object that will be
	// published at path. onInUse observes in-use transitions.
	Emitter(path dbus.ObjectPath, onInUse func(inUse bool)) device.Emitter
	// Publish exports the device's methods, properties and
	// introspection data at path.
	Publish(dev *device.Device, path dbus.ObjectPath) error
	Unpublish(path dbus.ObjectPath) error
}

// Config carries the manager's collaborators.
type Config struct {
	Store     storage.Store
	Gate      authz.Gate
	Publisher Publisher
	Watcher   device.Watcher
	Peer      device.Peer

	Clock clockwork.Clock
	// IdleTimeout shuts the process down, via OnIdle, after no device
	// was in use for this long. Zero disables the timeout.
	IdleTimeout time.Duration
	OnIdle      func()
}

type published struct {
	dev  *device.Device
	path dbus.ObjectPath
}

// Manager is the device registry. Hotplug events arrive through Run;
// discovery calls may come from any goroutine.
type Manager struct {
	cfg Config
	log *log.Entry

	mu      sync.Mutex
	nextID  uint32
	devices []*published
	busy    map[uint32]bool
	idle    clockwork.Timer
}

func New(cfg Config) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	m := &Manager{
		cfg:  cfg,
		busy: make(map[uint32]bool),
		log:  log.WithField("component", "manager"),
	}
	m.mu.Lock()
	m.rearmIdleLocked()
	m.mu.Unlock()
	return m
}

// Run consumes hotplug events until ctx is cancelled or the event
// source closes.
func (m *Manager) Run(ctx context.Context, hwctx hardware.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-hwctx.Events():
			if !ok {
				return nil
			}
			switch ev.Kind {
			case hardware.DeviceAdded:
				m.addDevice(ev.Device)
			case hardware.DeviceRemoved:
				m.removeDevice(ev.Device)
			}
		}
	}
}

func (m *Manager) addDevice(hw hardware.Device) {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.mu.Unlock()

	path := DevicePath(id)
	emit := m.cfg.Publisher.Emitter(path, func(inUse bool) {
		m.setInUse(id, inUse)
	})
	dev := device.New(id, hw, m.cfg.Store, m.cfg.Gate, emit, m.cfg.Watcher, m.cfg.Peer)

	if err := m.cfg.Publisher.Publish(dev, path); err != nil {
		m.log.WithError(err).WithField("path", path).Error("failed to publish device")
		return
	}

	m.mu.Lock()
	m.devices = append(m.devices, &published{dev: dev, path: path})
	m.mu.Unlock()

	m.log.WithFields(log.Fields{
		"path":   path,
		"driver": hw.Driver(),
		"name":   hw.Name(),
	}).Info("device plugged in")
}

func (m *Manager) removeDevice(hw hardware.Device) {
	m.mu.Lock()
	var gone *published
	for i, p := range m.devices {
		if p.dev.Hardware() == hw {
			gone = p
			m.devices = append(m.devices[:i], m.devices[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	if gone == nil {
		return
	}

	if err := m.cfg.Publisher.Unpublish(gone.path); err != nil {
		m.log.WithError(err).WithField("path", gone.path).Warn("failed to unpublish device")
	}
	gone.dev.DisconnectClients()
	m.setInUse(gone.dev.ID(), false)

	m.log.WithField("path", gone.path).Info("device unplugged")
}

// GetDevices lists the published devices, most recently plugged in
// first.
func (m *Manager) GetDevices() ([]dbus.ObjectPath, *dbus.Error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	paths := make([]dbus.ObjectPath, 0, len(m.devices))
	for i := len(m.devices) - 1; i >= 0; i-- {
		paths = append(paths, m.devices[i].path)
	}
	return paths, nil
}

// GetDefaultDevice returns the longest-plugged-in device.
func (m *Manager) GetDefaultDevice() (dbus.ObjectPath, *dbus.Error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.devices) == 0 {
		return "", fperr.NoSuchDevice("No devices available")
	}
	return m.devices[0].path, nil
}

func (m *Manager) setInUse(id uint32, inUse bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if inUse {
		m.busy[id] = true
	} else {
		delete(m.busy, id)
	}
	m.rearmIdleLocked()
}

// rearmIdleLocked restarts the idle countdown whenever every device is
// idle, and suspends it while any is in use. Expiry hands control to
// OnIdle, which is expected to exit the process.
func (m *Manager) rearmIdleLocked() {
	if m.cfg.IdleTimeout <= 0 || m.cfg.OnIdle == nil {
		return
	}
	if m.idle != nil {
		m.idle.Stop()
		m.idle = nil
	}
	if len(m.busy) == 0 {
		m.idle = m.cfg.Clock.AfterFunc(m.cfg.IdleTimeout, m.cfg.OnIdle)
	}
}
