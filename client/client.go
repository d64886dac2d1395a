// Package client implements the consumer side of the fingerprint
// service: device discovery, the verification retry loop, and the
// password/fingerprint race used for authentication.
package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"
	log "github.com/sirupsen/logrus"

	"printd/device"
	"printd/fperr"
	"printd/manager"
)

// Outcome is the fingerprint path's verdict for one authentication
// attempt.
type Outcome int

const (
	// OutcomeSuccess is a confirmed fingerprint match.
	OutcomeSuccess Outcome = iota
	// OutcomeNoMatch is a confirmed non-match after the try budget ran
	// out. The only outcome that denies authentication.
	OutcomeNoMatch
	// OutcomeUnavailable means the fingerprint path could not decide:
	// no usable device, claim failure, disconnect, timeout, or the
	// attempt was cancelled from outside.
	OutcomeUnavailable
	// OutcomeUnknownUser means the target user has nothing enrolled.
	OutcomeUnknownUser
)

// Conversation is how the authentication flow talks to the human.
type Conversation interface {
	Info(msg string)
	Error(msg string)
	// PromptPassword blocks until the user answered or CancelPrompt
	// was called from another goroutine.
	PromptPassword(prompt string) (string, error)
	// CancelPrompt unblocks a pending PromptPassword.
	CancelPrompt()
}

// Verifier drives the fingerprint side of an authentication attempt
// against the daemon.
type Verifier struct {
	conn     *dbus.Conn
	conv     Conversation
	username string

	// MaxTries bounds how many no-match scans are tolerated before the
	// attempt is reported as a denial.
	MaxTries int
	// AttemptTimeout bounds a single VerifyStart round.
	AttemptTimeout time.Duration
}

// NewVerifier connects to the system bus. username may be empty for
// the calling user, resolved daemon-side.
func NewVerifier(conv Conversation, username string) (*Verifier, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("connecting to system bus: %w", err)
	}
	return &Verifier{
		conn:           conn,
		conv:           conv,
		username:       username,
		MaxTries:       3,
		AttemptTimeout: 30 * time.Second,
	}, nil
}

// pickDevice chooses the published device with the most fingers
// enrolled for the target user.
func (v *Verifier) pickDevice() (dbus.ObjectPath, int, error) {
	var paths []dbus.ObjectPath
	mgr := v.conn.Object(manager.BusName, manager.Path)
	if err := mgr.Call(manager.Interface+".GetDevices", 0).Store(&paths); err != nil {
		return "", 0, fmt.Errorf("listing devices: %w", err)
	}
	if len(paths) == 0 {
		return "", 0, errors.New("no fingerprint devices available")
	}

	var (
		best      dbus.ObjectPath
		bestCount int
	)
	for _, path := range paths {
		var fingers []string
		err := v.conn.Object(manager.BusName, path).
			Call(device.Interface+".ListEnrolledFingers", 0, v.username).
			Store(&fingers)
		if err != nil {
			log.WithError(err).WithField("path", path).Debug("no enrolled fingers on device")
			continue
		}
		if len(fingers) > bestCount {
			best = path
			bestCount = len(fingers)
		}
	}
	return best, bestCount, nil
}

// scanPrompt maps the device's scan type to the instruction shown to
// the user.
func (v *Verifier) scanPrompt(dev dbus.BusObject) string {
	scanType, err := dev.GetProperty(device.Interface + ".scan-type")
	if err == nil {
		if s, ok := scanType.Value().(string); ok && s == "swipe" {
			return "Swipe your finger across the fingerprint reader"
		}
	}
	return "Place your finger on the fingerprint reader"
}

// Run executes the full fingerprint path: pick a device, claim it,
// scan up to MaxTries times, release. It never reports a denial for a
// merely unavailable reader.
func (v *Verifier) Run(ctx context.Context) Outcome {
	path, enrolled, err := v.pickDevice()
	if err != nil {
		log.WithError(err).Debug("fingerprint device discovery failed")
		return OutcomeUnavailable
	}
	if enrolled == 0 {
		return OutcomeUnknownUser
	}

	dev := v.conn.Object(manager.BusName, path)

	signals := make(chan *dbus.Signal, 16)
	v.conn.Signal(signals)
	defer v.conn.RemoveSignal(signals)

	err = v.conn.AddMatchSignal(
		dbus.WithMatchObjectPath(path),
		dbus.WithMatchInterface(device.Interface),
	)
	if err != nil {
		log.WithError(err).Warn("failed to subscribe to device signals")
		return OutcomeUnavailable
	}
	defer v.conn.RemoveMatchSignal(
		dbus.WithMatchObjectPath(path),
		dbus.WithMatchInterface(device.Interface),
	)

	if call := dev.Call(device.Interface+".Claim", 0, v.username); call.Err != nil {
		log.WithError(call.Err).Debug("failed to claim fingerprint device")
		return OutcomeUnavailable
	}
	defer func() {
		if call := dev.Call(device.Interface+".Release", 0); call.Err != nil {
			log.WithError(call.Err).Warn("failed to release fingerprint device")
		}
	}()

	prompt := v.scanPrompt(dev)

	for try := 0; try < v.MaxTries; try++ {
		outcome, retry := v.attempt(ctx, dev, signals, prompt)
		if !retry {
			return outcome
		}
		if try < v.MaxTries-1 {
			v.conv.Error("Fingerprint not recognized, try again")
		}
	}
	return OutcomeNoMatch
}

// attempt runs one VerifyStart round. retry is true only for a
// confirmed no-match with budget semantics left to the caller.
func (v *Verifier) attempt(ctx context.Context, dev dbus.BusObject, signals chan *dbus.Signal, prompt string) (outcome Outcome, retry bool) {
	if call := dev.Call(device.Interface+".VerifyStart", 0, "any"); call.Err != nil {
		if fperr.Is(call.Err, fperr.NameNoEnrolledPrints) {
			return OutcomeUnknownUser, false
		}
		log.WithError(call.Err).Debug("verification start failed")
		return OutcomeUnavailable, false
	}

	// Stop the scan no matter how the round ends, so the device is
	// never released mid-operation.
	defer func() {
		if call := dev.Call(device.Interface+".VerifyStop", 0); call.Err != nil {
			if !fperr.Is(call.Err, fperr.NameNoActionInProgress) {
				log.WithError(call.Err).Debug("verification stop failed")
			}
		}
	}()

	v.conv.Info(prompt)

	deadline := time.After(v.AttemptTimeout)
	for {
		select {
		case sig := <-signals:
			result, done, ok := verifyStatusSignal(sig)
			if !ok {
				continue
			}
			log.WithFields(log.Fields{"result": result, "done": done}).Debug("verify status")
			if !done {
				continue
			}
			out, retry := classify(result)
			return out, retry
		case <-deadline:
			log.Debug("verification attempt timed out")
			return OutcomeUnavailable, false
		case <-ctx.Done():
			return OutcomeUnavailable, false
		}
	}
}

// verifyStatusSignal extracts a VerifyStatus payload.
func verifyStatusSignal(sig *dbus.Signal) (result string, done bool, ok bool) {
	if sig == nil || sig.Name != device.Interface+".VerifyStatus" || len(sig.Body) < 2 {
		return "", false, false
	}
	result, rok := sig.Body[0].(string)
	done, dok := sig.Body[1].(bool)
	return result, done, rok && dok
}

// classify maps a terminal verify status to an outcome. A non-match
// asks for another try; everything unexpected is treated as the reader
// being unavailable rather than as a denial.
func classify(result string) (outcome Outcome, retry bool) {
	switch result {
	case "verify-match":
		return OutcomeSuccess, false
	case "verify-no-match":
		return OutcomeNoMatch, true
	case "verify-disconnected":
		return OutcomeUnavailable, false
	default:
		return OutcomeUnavailable, false
	}
}
