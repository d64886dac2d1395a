// Package hardware abstracts fingerprint scanner hardware. Every
// operation that touches the scanner is asynchronous: the call returns
// immediately and the outcome arrives on a completion callback, so the
// caller's loop is never blocked on the reader. Implementations must
// allow at most one outstanding call per device.
package hardware

import (
	"bytes"
	"sync"
	"time"

	"printd/finger"
)

type ScanType string

const (
	ScanTypePress ScanType = "press"
	ScanTypeSwipe ScanType = "swipe"
)

// Result classifies the outcome of a scan operation. Retry results are
// transient and user-correctable; the controller resubmits the same
// operation. Everything else is terminal.
type Result int

const (
	ResultMatch Result = iota
	ResultNoMatch
	ResultCompleted
	ResultFailed
	ResultStagePassed
	ResultRetryTooShort
	ResultRetryCenterFinger
	ResultRetryRemoveFinger
	ResultRetryScan
	ResultDisconnected
	ResultStorageFull
	ResultCancelled
	ResultUnknownError
)

// IsRetry reports whether the result is transient and the operation
// should be resubmitted with the same input.
func (r Result) IsRetry() bool {
	switch r {
	case ResultRetryTooShort, ResultRetryCenterFinger, ResultRetryRemoveFinger, ResultRetryScan:
		return true
	}
	return false
}

// Print is one stored biometric reference: one finger of one user on
// one device identity. Data is opaque to everything above the scanner.
// Prints are never mutated after creation; replacement is delete and
// re-enroll.
type Print struct {
	Driver     string
	DeviceID   string
	Username   string
	Finger     finger.Finger
	EnrollDate time.Time
	Data       []byte
}

// Equal compares prints by biometric content, not identity. Used by
// on-device storage garbage collection to recognize prints we already
// have on file.
func (p *Print) Equal(other *Print) bool {
	if p == nil || other == nil {
		return p == other
	}
	return bytes.Equal(p.Data, other.Data)
}

// Compatible reports whether the print was made by the same kind of
// device.
func (p *Print) Compatible(dev Device) bool {
	return p.Driver == dev.Driver() && p.DeviceID == dev.DeviceID()
}

// Cancellable is a cooperative cancellation token shared between the
// controller and an in-flight operation. Cancelling does not terminate
// the hardware call; the implementation observes it and eventually
// completes with ResultCancelled.
type Cancellable struct {
	mu        sync.Mutex
	cancelled bool
	done      chan struct{}
}

func NewCancellable() *Cancellable {
	return &Cancellable{done: make(chan struct{})}
}

func (c *Cancellable) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelled {
		return
	}
	c.cancelled = true
	close(c.done)
}

func (c *Cancellable) Cancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

// Done returns a channel closed once cancellation was requested.
func (c *Cancellable) Done() <-chan struct{} {
	return c.done
}

// Device is one physical scanner.
type Device interface {
	Name() string
	Driver() string
	DeviceID() string
	ScanType() ScanType
	// NumEnrollStages returns the number of enrollment stages, or -1
	// if the device cannot tell before it is opened.
	NumEnrollStages() int
	SupportsIdentify() bool
	HasStorage() bool

	Open(done func(err error))
	Close(done func(err error))

	// Verify matches a live scan against a single print.
	Verify(print *Print, cancel *Cancellable, done func(res Result))

	// Identify matches a live scan against a gallery of prints.
	Identify(gallery []*Print, cancel *Cancellable, done func(match *Print, res Result))

	// Enroll captures a new print from template. progress fires once
	// per completed stage (or per transient scan problem); done fires
	// with the enrolled print on ResultCompleted, nil otherwise.
	Enroll(template *Print, cancel *Cancellable, progress func(completedStages int, res Result), done func(enrolled *Print, res Result))

	// ListPrints enumerates prints resident in on-device storage.
	ListPrints() ([]*Print, error)

	// DeletePrint removes a print from on-device storage.
	DeletePrint(print *Print) error
}

type EventKind int

const (
	DeviceAdded EventKind = iota
	DeviceRemoved
)

// Event is a hotplug notification.
type Event struct {
	Kind   EventKind
	Device Device
}

// Context enumerates scanners and reports hotplug. Already-present
// devices are replayed as DeviceAdded events to the first consumer.
type Context interface {
	Events() <-chan Event
}
