package manager

import (
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/godbus/dbus/v5/prop"

	"printd/device"
)

// deviceIntrospection describes the device interface: kept in sync
// with the controller's exported method table.
var deviceIntrospection = introspect.Interface{
	Name: device.Interface,
	Methods: []introspect.Method{
		{Name: "Claim", Args: []introspect.Arg{
			{Name: "username", Type: "s", Direction: "in"},
		}},
		{Name: "Release"},
		{Name: "VerifyStart", Args: []introspect.Arg{
			{Name: "finger_name", Type: "s", Direction: "in"},
		}},
		{Name: "VerifyStop"},
		{Name: "EnrollStart", Args: []introspect.Arg{
			{Name: "finger_name", Type: "s", Direction: "in"},
		}},
		{Name: "EnrollStop"},
		{Name: "ListEnrolledFingers", Args: []introspect.Arg{
			{Name: "username", Type: "s", Direction: "in"},
			{Name: "enrolled_fingers", Type: "as", Direction: "out"},
		}},
		{Name: "DeleteEnrolledFingers", Args: []introspect.Arg{
			{Name: "username", Type: "s", Direction: "in"},
		}},
		{Name: "DeleteEnrolledFingers2"},
	},
	Signals: []introspect.Signal{
		{Name: "VerifyStatus", Args: []introspect.Arg{
			{Name: "result", Type: "s"},
			{Name: "done", Type: "b"},
		}},
		{Name: "VerifyFingerSelected", Args: []introspect.Arg{
			{Name: "finger_name", Type: "s"},
		}},
		{Name: "EnrollStatus", Args: []introspect.Arg{
			{Name: "result", Type: "s"},
			{Name: "done", Type: "b"},
		}},
	},
	Properties: []introspect.Property{
		{Name: "name", Type: "s", Access: "read"},
		{Name: "in-use", Type: "b", Access: "read"},
		{Name: "scan-type", Type: "s", Access: "read"},
		{Name: "num-enroll-stages", Type: "i", Access: "read"},
	},
}

var managerIntrospection = introspect.Interface{
	Name: Interface,
	Methods: []introspect.Method{
		{Name: "GetDevices", Args: []introspect.Arg{
			{Name: "devices", Type: "ao", Direction: "out"},
		}},
		{Name: "GetDefaultDevice", Args: []introspect.Arg{
			{Name: "device", Type: "o", Direction: "out"},
		}},
	},
}

// BusPublisher exports device objects on a live bus connection.
type BusPublisher struct {
	conn *dbus.Conn

	mu       sync.Mutex
	emitters map[dbus.ObjectPath]*device.BusEmitter
}

var _ Publisher = (*BusPublisher)(nil)

func NewBusPublisher(conn *dbus.Conn) *BusPublisher {
	return &BusPublisher{
		conn:     conn,
		emitters: make(map[dbus.ObjectPath]*device.BusEmitter),
	}
}

func (p *BusPublisher) Emitter(path dbus.ObjectPath, onInUse func(bool)) device.Emitter {
	emitter := device.NewBusEmitter(p.conn, path, nil, onInUse)
	p.mu.Lock()
	p.emitters[path] = emitter
	p.mu.Unlock()
	return emitter
}

func (p *BusPublisher) Publish(dev *device.Device, path dbus.ObjectPath) error {
	props, err := prop.Export(p.conn, path, dev.PropsSpec())
	if err != nil {
		return fmt.Errorf("exporting properties: %w", err)
	}

	p.mu.Lock()
	emitter := p.emitters[path]
	p.mu.Unlock()
	if emitter != nil {
		emitter.SetProperties(props)
	}

	if err := p.conn.ExportMethodTable(dev.MethodTable(), path, device.Interface); err != nil {
		return fmt.Errorf("exporting methods: %w", err)
	}

	node := &introspect.Node{
		Name: string(path),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			prop.IntrospectData,
			deviceIntrospection,
		},
	}
	err = p.conn.Export(introspect.NewIntrospectable(node), path, "org.freedesktop.DBus.Introspectable")
	if err != nil {
		return fmt.Errorf("exporting introspection: %w", err)
	}
	return nil
}

func (p *BusPublisher) Unpublish(path dbus.ObjectPath) error {
	p.mu.Lock()
	delete(p.emitters, path)
	p.mu.Unlock()

	if err := p.conn.ExportMethodTable(nil, path, device.Interface); err != nil {
		return err
	}
	if err := p.conn.Export(nil, path, "org.freedesktop.DBus.Properties"); err != nil {
		return err
	}
	return p.conn.Export(nil, path, "org.freedesktop.DBus.Introspectable")
}

// Export publishes the manager object itself.
func (m *Manager) Export(conn *dbus.Conn) error {
	methods := map[string]interface{}{
		"GetDevices":       m.GetDevices,
		"GetDefaultDevice": m.GetDefaultDevice,
	}
	if err := conn.ExportMethodTable(methods, Path, Interface); err != nil {
		return fmt.Errorf("exporting manager methods: %w", err)
	}

	node := &introspect.Node{
		Name: string(Path),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			managerIntrospection,
		},
	}
	err := conn.Export(introspect.NewIntrospectable(node), Path, "org.freedesktop.DBus.Introspectable")
	if err != nil {
		return fmt.Errorf("exporting manager introspection: %w", err)
	}
	return nil
}
