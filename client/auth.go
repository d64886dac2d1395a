package client

import (
	"context"
	"sync"
)

// Method says which channel produced the authentication decision.
type Method int

const (
	// MethodNone means neither channel was decisive: the fingerprint
	// path was unavailable and no usable password was entered.
	MethodNone Method = iota
	MethodFingerprint
	MethodPassword
)

// Decision is the reconciled result of one authentication attempt.
type Decision struct {
	Method Method
	// Authenticated is meaningful for MethodFingerprint only.
	Authenticated bool
	// Password is the collected credential for MethodPassword.
	// Checking it against the account is the caller's business.
	Password string
}

// Authenticator races a fingerprint scan against a password prompt.
// Whichever produces a decisive result first wins; the loser is
// cancelled. It never reports two conflicting decisions and never
// returns while the fingerprint path still holds a device claim.
type Authenticator struct {
	Conv Conversation
	// Verify runs the fingerprint path. It must honor ctx
	// cancellation and must have released any claim before returning.
	Verify func(ctx context.Context) Outcome
	// PasswordPrompt is the text shown for the credential request.
	PasswordPrompt string
}

func (a *Authenticator) prompt() string {
	if a.PasswordPrompt != "" {
		return a.PasswordPrompt
	}
	return "Password: "
}

// Authenticate runs both channels and reconciles them. The password
// prompt is a blocking call by nature, so it runs on its own
// goroutine; the decision flags are shared under a mutex.
func (a *Authenticator) Authenticate(ctx context.Context) Decision {
	fpCtx, cancelFingerprint := context.WithCancel(ctx)
	defer cancelFingerprint()

	var (
		mu       sync.Mutex
		decided  bool
		decision Decision
	)
	// decide publishes d unless the other channel won already.
	decide := func(d Decision) bool {
		mu.Lock()
		defer mu.Unlock()
		if decided {
			return false
		}
		decided = true
		decision = d
		return true
	}

	// Unblock the prompt if the caller gives up on the whole attempt.
	stopWatch := context.AfterFunc(ctx, a.Conv.CancelPrompt)
	defer stopWatch()

	fpDone := make(chan struct{})
	go func() {
		defer close(fpDone)
		outcome := a.Verify(fpCtx)
		switch outcome {
		case OutcomeSuccess, OutcomeNoMatch:
			if decide(Decision{Method: MethodFingerprint, Authenticated: outcome == OutcomeSuccess}) {
				a.Conv.CancelPrompt()
			}
		default:
			// Unavailable or unknown user: the password channel is now
			// the only one left, let it run to completion.
		}
	}()

	pwDone := make(chan struct{})
	go func() {
		defer close(pwDone)
		password, err := a.Conv.PromptPassword(a.prompt())
		if err != nil || password == "" {
			return
		}
		if decide(Decision{Method: MethodPassword, Password: password}) {
			cancelFingerprint()
		}
	}()

	// The fingerprint path always terminates: decisively, by running
	// out of tries, or by cancellation from the password win. Waiting
	// on it here is what guarantees no claim outlives this call.
	<-fpDone
	// A fingerprint win cancelled the prompt; wait for the goroutine
	// to actually unblock so no stray read lingers on the terminal.
	<-pwDone

	mu.Lock()
	defer mu.Unlock()
	return decision
}
