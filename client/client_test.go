package client_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"printd/client"
	"printd/device"
)

type fakeConv struct {
	passwords chan string

	cancelOnce sync.Once
	cancelled  chan struct{}
}

func newFakeConv() *fakeConv {
	return &fakeConv{
		passwords: make(chan string, 1),
		cancelled: make(chan struct{}),
	}
}

func (c *fakeConv) Info(string)  {}
func (c *fakeConv) Error(string) {}

func (c *fakeConv) PromptPassword(string) (string, error) {
	select {
	case pw := <-c.passwords:
		return pw, nil
	case <-c.cancelled:
		return "", errors.New("prompt cancelled")
	}
}

func (c *fakeConv) CancelPrompt() {
	c.cancelOnce.Do(func() { close(c.cancelled) })
}

func (c *fakeConv) wasCancelled() bool {
	select {
	case <-c.cancelled:
		return true
	default:
		return false
	}
}

func TestFingerprintWinsRace(t *testing.T) {
	conv := newFakeConv()
	auth := &client.Authenticator{
		Conv: conv,
		Verify: func(ctx context.Context) client.Outcome {
			return client.OutcomeSuccess
		},
	}

	decision := auth.Authenticate(context.Background())
	assert.Equal(t, client.MethodFingerprint, decision.Method)
	assert.True(t, decision.Authenticated)
	assert.True(t, conv.wasCancelled())
}

func TestFingerprintDenies(t *testing.T) {
	conv := newFakeConv()
	auth := &client.Authenticator{
		Conv: conv,
		Verify: func(ctx context.Context) client.Outcome {
			return client.OutcomeNoMatch
		},
	}

	decision := auth.Authenticate(context.Background())
	assert.Equal(t, client.MethodFingerprint, decision.Method)
	assert.False(t, decision.Authenticated)
}

func TestPasswordWinsRace(t *testing.T) {
	conv := newFakeConv()
	sawCancel := make(chan struct{})
	auth := &client.Authenticator{
		Conv: conv,
		Verify: func(ctx context.Context) client.Outcome {
			// A scan that never finishes on its own.
			<-ctx.Done()
			close(sawCancel)
			return client.OutcomeUnavailable
		},
	}

	conv.passwords <- "hunter2"

	decision := auth.Authenticate(context.Background())
	assert.Equal(t, client.MethodPassword, decision.Method)
	assert.Equal(t, "hunter2", decision.Password)

	select {
	case <-sawCancel:
	case <-time.After(5 * time.Second):
		t.Fatal("fingerprint path was never cancelled")
	}
}

func TestUnavailableReaderFallsBackToPassword(t *testing.T) {
	conv := newFakeConv()
	auth := &client.Authenticator{
		Conv: conv,
		Verify: func(ctx context.Context) client.Outcome {
			return client.OutcomeUnavailable
		},
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		conv.passwords <- "hunter2"
	}()

	decision := auth.Authenticate(context.Background())
	assert.Equal(t, client.MethodPassword, decision.Method)
	assert.Equal(t, "hunter2", decision.Password)
}

func TestEmptyPasswordIsNotDecisive(t *testing.T) {
	conv := newFakeConv()
	auth := &client.Authenticator{
		Conv: conv,
		Verify: func(ctx context.Context) client.Outcome {
			time.Sleep(50 * time.Millisecond)
			return client.OutcomeSuccess
		},
	}

	conv.passwords <- ""

	decision := auth.Authenticate(context.Background())
	assert.Equal(t, client.MethodFingerprint, decision.Method)
	assert.True(t, decision.Authenticated)
}

func TestNothingDecisive(t *testing.T) {
	conv := newFakeConv()
	auth := &client.Authenticator{
		Conv: conv,
		Verify: func(ctx context.Context) client.Outcome {
			return client.OutcomeUnknownUser
		},
	}

	conv.passwords <- ""

	decision := auth.Authenticate(context.Background())
	assert.Equal(t, client.MethodNone, decision.Method)
}

func TestCallerAbandonsAttempt(t *testing.T) {
	conv := newFakeConv()
	auth := &client.Authenticator{
		Conv: conv,
		Verify: func(ctx context.Context) client.Outcome {
			<-ctx.Done()
			return client.OutcomeUnavailable
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	decision := auth.Authenticate(ctx)
	assert.Equal(t, client.MethodNone, decision.Method)
}

func TestClassify(t *testing.T) {
	for _, tc := range []struct {
		result  string
		outcome client.Outcome
		retry   bool
	}{
		{"verify-match", client.OutcomeSuccess, false},
		{"verify-no-match", client.OutcomeNoMatch, true},
		{"verify-disconnected", client.OutcomeUnavailable, false},
		{"verify-unknown-error", client.OutcomeUnavailable, false},
		{"something-new", client.OutcomeUnavailable, false},
	} {
		outcome, retry := client.Classify(tc.result)
		assert.Equal(t, tc.outcome, outcome, tc.result)
		assert.Equal(t, tc.retry, retry, tc.result)
	}
}

func TestVerifyStatusSignalParsing(t *testing.T) {
	sig := &dbus.Signal{
		Name: device.Interface + ".VerifyStatus",
		Body: []interface{}{"verify-match", true},
	}
	result, done, ok := client.VerifyStatusSignal(sig)
	require.True(t, ok)
	assert.Equal(t, "verify-match", result)
	assert.True(t, done)

	_, _, ok = client.VerifyStatusSignal(&dbus.Signal{
		Name: device.Interface + ".VerifyFingerSelected",
		Body: []interface{}{"any"},
	})
	assert.False(t, ok)

	_, _, ok = client.VerifyStatusSignal(&dbus.Signal{
		Name: device.Interface + ".VerifyStatus",
		Body: []interface{}{"verify-match"},
	})
	assert.False(t, ok)
}
