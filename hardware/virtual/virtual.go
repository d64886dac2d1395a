// Package virtual provides an in-process scripted scanner. It stands
// in for real hardware in tests and in the daemon's -virtual mode, the
// way the reference test suite uses a mock device.
package virtual

import (
	"errors"
	"fmt"
	"sync"

	"printd/hardware"
)

// Options fixes the static properties of a virtual scanner.
type Options struct {
	Name             string
	Driver           string
	DeviceID         string
	ScanType         hardware.ScanType
	EnrollStages     int
	SupportsIdentify bool
	HasStorage       bool

	// Auto makes every operation succeed without scripting: verify
	// and identify match, enroll passes all stages. Used by the
	// daemon's -virtual mode.
	Auto bool
}

type identifyOutcome struct {
	match *hardware.Print
	res   hardware.Result
}

// EnrollEvent scripts one callback of an enroll operation. Progress
// events feed the progress callback; the first non-progress event
// completes the operation.
type EnrollEvent struct {
	Progress bool
	Stage    int
	Res      hardware.Result
	// Data is the biometric payload of the enrolled print when Res is
	// ResultCompleted.
	Data []byte
}

type Device struct {
	opts Options

	mu        sync.Mutex
	open      bool
	opens     int
	closes    int
	openErr   error
	closeErr  error
	openEnter chan struct{}
	openGate  chan struct{}
	stored    []*hardware.Print
	listErr   error

	verifyCh   chan hardware.Result
	identifyCh chan identifyOutcome
	enrollCh   chan EnrollEvent
}

var _ hardware.Device = (*Device)(nil)

func NewDevice(opts Options) *Device {
	if opts.Name == "" {
		opts.Name = "Virtual Scanner"
	}
	if opts.Driver == "" {
		opts.Driver = "virtual"
	}
	if opts.DeviceID == "" {
		opts.DeviceID = "0"
	}
	if opts.ScanType == "" {
		opts.ScanType = hardware.ScanTypePress
	}
	if opts.EnrollStages == 0 {
		opts.EnrollStages = 5
	}
	return &Device{
		opts:       opts,
		verifyCh:   make(chan hardware.Result, 16),
		identifyCh: make(chan identifyOutcome, 16),
		enrollCh:   make(chan EnrollEvent, 32),
	}
}

func (d *Device) Name() string                { return d.opts.Name }
func (d *Device) Driver() string              { return d.opts.Driver }
func (d *Device) DeviceID() string            { return d.opts.DeviceID }
func (d *Device) ScanType() hardware.ScanType { return d.opts.ScanType }
func (d *Device) NumEnrollStages() int        { return d.opts.EnrollStages }
func (d *Device) SupportsIdentify() bool      { return d.opts.SupportsIdentify }
func (d *Device) HasStorage() bool            { return d.opts.HasStorage }

// FailNextOpen makes the next Open complete with err.
func (d *Device) FailNextOpen(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.openErr = err
}

// HoldNextOpen parks the next Open in flight. The entered channel
// closes once the open started; the open completes only after release
// is called.
func (d *Device) HoldNextOpen() (entered <-chan struct{}, release func()) {
	enter := make(chan struct{})
	gate := make(chan struct{})
	d.mu.Lock()
	d.openEnter = enter
	d.openGate = gate
	d.mu.Unlock()
	return enter, func() { close(gate) }
}

// FailNextClose makes the next Close complete with err.
func (d *Device) FailNextClose(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeErr = err
}

func (d *Device) Open(done func(error)) {
	go func() {
		d.mu.Lock()
		enter, gate := d.openEnter, d.openGate
		d.openEnter, d.openGate = nil, nil
		d.mu.Unlock()
		if enter != nil {
			close(enter)
			<-gate
		}
		d.mu.Lock()
		err := d.openErr
		d.openErr = nil
		if err == nil {
			d.open = true
			d.opens++
		}
		d.mu.Unlock()
		done(err)
	}()
}

func (d *Device) Close(done func(error)) {
	go func() {
		d.mu.Lock()
		err := d.closeErr
		d.closeErr = nil
		d.open = false
		d.closes++
		d.mu.Unlock()
		done(err)
	}()
}

// IsOpen reports whether the device is currently open.
func (d *Device) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

// Opens and Closes count completed open/close calls.
func (d *Device) Opens() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens
}

func (d *Device) Closes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closes
}

// QueueVerifyResult scripts the outcome of the next verify attempt.
// Each retry resubmission consumes one queued result.
func (d *Device) QueueVerifyResult(res hardware.Result) {
	d.verifyCh <- res
}

// QueueIdentifyResult scripts the outcome of the next identify attempt.
func (d *Device) QueueIdentifyResult(match *hardware.Print, res hardware.Result) {
	d.identifyCh <- identifyOutcome{match: match, res: res}
}

// QueueEnrollEvents scripts the callbacks of an enroll operation.
func (d *Device) QueueEnrollEvents(events ...EnrollEvent) {
	for _, ev := range events {
		d.enrollCh <- ev
	}
}

func (d *Device) Verify(print *hardware.Print, cancel *hardware.Cancellable, done func(hardware.Result)) {
	go func() {
		if d.opts.Auto {
			done(hardware.ResultMatch)
			return
		}
		select {
		case res := <-d.verifyCh:
			done(res)
		case <-cancel.Done():
			done(hardware.ResultCancelled)
		}
	}()
}

func (d *Device) Identify(gallery []*hardware.Print, cancel *hardware.Cancellable, done func(*hardware.Print, hardware.Result)) {
	go func() {
		if d.opts.Auto {
			if len(gallery) == 0 {
				done(nil, hardware.ResultNoMatch)
				return
			}
			done(gallery[0], hardware.ResultMatch)
			return
		}
		select {
		case out := <-d.identifyCh:
			done(out.match, out.res)
		case <-cancel.Done():
			done(nil, hardware.ResultCancelled)
		}
	}()
}

func (d *Device) Enroll(template *hardware.Print, cancel *hardware.Cancellable, progress func(int, hardware.Result), done func(*hardware.Print, hardware.Result)) {
	go func() {
		if d.opts.Auto {
			for stage := 1; stage < d.opts.EnrollStages; stage++ {
				progress(stage, hardware.ResultStagePassed)
			}
			enrolled := d.enrolledFrom(template, []byte(fmt.Sprintf("%s/%s", template.Username, template.Finger)))
			done(enrolled, hardware.ResultCompleted)
			return
		}
		for {
			select {
			case ev := <-d.enrollCh:
				if ev.Progress {
					progress(ev.Stage, ev.Res)
					continue
				}
				var enrolled *hardware.Print
				if ev.Res == hardware.ResultCompleted {
					enrolled = d.enrolledFrom(template, ev.Data)
				}
				done(enrolled, ev.Res)
				return
			case <-cancel.Done():
				done(nil, hardware.ResultCancelled)
				return
			}
		}
	}()
}

func (d *Device) enrolledFrom(template *hardware.Print, data []byte) *hardware.Print {
	enrolled := *template
	enrolled.Data = data
	if d.opts.HasStorage {
		onDevice := enrolled
		d.mu.Lock()
		d.stored = append(d.stored, &onDevice)
		d.mu.Unlock()
	}
	return &enrolled
}

// SeedStoredPrint places a print into on-device storage, as if left
// behind by an earlier installation.
func (d *Device) SeedStoredPrint(print *hardware.Print) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stored = append(d.stored, print)
}

// FailNextList makes the next ListPrints call fail.
func (d *Device) FailNextList(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listErr = err
}

func (d *Device) ListPrints() ([]*hardware.Print, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listErr != nil {
		err := d.listErr
		d.listErr = nil
		return nil, err
	}
	out := make([]*hardware.Print, len(d.stored))
	copy(out, d.stored)
	return out, nil
}

func (d *Device) DeletePrint(print *hardware.Print) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, p := range d.stored {
		if p.Equal(print) {
			d.stored = append(d.stored[:i], d.stored[i+1:]...)
			return nil
		}
	}
	return errors.New("print not resident on device")
}

// StoredPrints returns a snapshot of on-device storage.
func (d *Device) StoredPrints() []*hardware.Print {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*hardware.Print, len(d.stored))
	copy(out, d.stored)
	return out
}

// Context is a hotplug source for virtual devices.
type Context struct {
	events chan hardware.Event
}

var _ hardware.Context = (*Context)(nil)

// NewContext creates a context with the given devices already plugged
// in; they are replayed as DeviceAdded events.
func NewContext(devices ...*Device) *Context {
	ctx := &Context{events: make(chan hardware.Event, 16)}
	for _, dev := range devices {
		ctx.events <- hardware.Event{Kind: hardware.DeviceAdded, Device: dev}
	}
	return ctx
}

func (c *Context) Events() <-chan hardware.Event {
	return c.events
}

// AddDevice hotplugs a device.
func (c *Context) AddDevice(dev *Device) {
	c.events <- hardware.Event{Kind: hardware.DeviceAdded, Device: dev}
}

// RemoveDevice unplugs a device.
func (c *Context) RemoveDevice(dev *Device) {
	c.events <- hardware.Event{Kind: hardware.DeviceRemoved, Device: dev}
}
