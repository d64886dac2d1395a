// printd-auth authenticates the calling user by racing a fingerprint
// scan against a password prompt.
//
// Exit codes: 0 the fingerprint matched, 1 the fingerprint was
// recognizably someone else's, 2 the fingerprint path was unavailable
// or the password channel won — the caller decides what to do with
// the collected credential.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"printd/client"
	"printd/config"
)

const (
	exitSuccess     = 0
	exitDenied      = 1
	exitUnavailable = 2
)

var (
	username    = flag.String("user", "", "authenticate this user instead of the caller")
	maxTries    = flag.Int("max-tries", 0, "number of scan attempts before giving up")
	timeout     = flag.Int("timeout", 0, "per-attempt scan deadline in seconds")
	usePinentry = flag.Bool("pinentry", false, "prompt through a pinentry program instead of the terminal")
	debug       = flag.Bool("debug", false, "enable debug logging")
)

func main() {
	flag.Parse()

	if *debug {
		log.SetLevel(log.DebugLevel)
	}
	cfg := config.Get()

	var conv client.Conversation
	if *usePinentry {
		conv = &client.PinentryPrompter{Description: "Authentication required"}
	} else {
		conv = &client.TerminalPrompter{}
	}

	verifier, err := client.NewVerifier(conv, *username)
	if err != nil {
		log.WithError(err).Error("fingerprint service unreachable")
		os.Exit(exitUnavailable)
	}
	verifier.MaxTries = firstPositive(*maxTries, cfg.MaxTries)
	verifier.AttemptTimeout = time.Duration(firstPositive(*timeout, cfg.VerifyTimeoutSeconds)) * time.Second

	decision := authenticate(conv, verifier, cfg.InterruptOnInput)
	switch decision.Method {
	case client.MethodFingerprint:
		if decision.Authenticated {
			fmt.Fprintln(os.Stderr, "Fingerprint verified")
			os.Exit(exitSuccess)
		}
		fmt.Fprintln(os.Stderr, "Fingerprint not recognized")
		os.Exit(exitDenied)
	case client.MethodPassword:
		fmt.Fprintln(os.Stderr, "Falling back to password authentication")
		os.Exit(exitUnavailable)
	default:
		fmt.Fprintln(os.Stderr, "Authentication unavailable")
		os.Exit(exitUnavailable)
	}
}

// authenticate runs the two channels. With interruptOnInput the
// password prompt races the scan and typing abandons the fingerprint;
// otherwise the prompt is only offered once the scan gave up.
func authenticate(conv client.Conversation, verifier *client.Verifier, interruptOnInput bool) client.Decision {
	ctx := context.Background()

	if interruptOnInput {
		auth := &client.Authenticator{
			Conv:   conv,
			Verify: verifier.Run,
		}
		return auth.Authenticate(ctx)
	}

	switch verifier.Run(ctx) {
	case client.OutcomeSuccess:
		return client.Decision{Method: client.MethodFingerprint, Authenticated: true}
	case client.OutcomeNoMatch:
		return client.Decision{Method: client.MethodFingerprint}
	default:
	}

	password, err := conv.PromptPassword("Password: ")
	if err != nil || password == "" {
		return client.Decision{}
	}
	return client.Decision{Method: client.MethodPassword, Password: password}
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 1
}
