package client

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"

	assuan "github.com/foxcpp/go-assuan/client"
	"github.com/foxcpp/go-assuan/pinentry"
	log "github.com/sirupsen/logrus"
	"golang.org/x/term"
)

// TerminalPrompter talks to the controlling terminal: messages go to
// the tty, passwords are read with echo disabled. CancelPrompt closes
// the tty out from under the blocked read.
type TerminalPrompter struct {
	mu        sync.Mutex
	tty       *os.File
	cancelled bool
}

var _ Conversation = (*TerminalPrompter)(nil)

func (p *TerminalPrompter) Info(msg string) {
	fmt.Fprintln(os.Stderr, msg)
}

func (p *TerminalPrompter) Error(msg string) {
	fmt.Fprintln(os.Stderr, msg)
}

func (p *TerminalPrompter) PromptPassword(prompt string) (string, error) {
	tty, err := os.OpenFile("/dev/tty", os.O_RDWR, 0)
	if err != nil {
		return "", fmt.Errorf("opening terminal: %w", err)
	}

	p.mu.Lock()
	if p.cancelled {
		p.mu.Unlock()
		tty.Close()
		return "", errors.New("prompt cancelled")
	}
	p.tty = tty
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.tty = nil
		p.mu.Unlock()
		tty.Close()
	}()

	fmt.Fprint(tty, prompt)
	password, err := term.ReadPassword(int(tty.Fd()))
	fmt.Fprintln(tty)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(password), nil
}

func (p *TerminalPrompter) CancelPrompt() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelled = true
	if p.tty != nil {
		// Unblocks the pending ReadPassword with a read error.
		p.tty.Close()
		p.tty = nil
	}
}

// PinentryPrompter asks for the password through a pinentry program,
// for sessions without a usable controlling terminal.
type PinentryPrompter struct {
	// Description shown in the pinentry dialog.
	Description string

	mu     sync.Mutex
	cancel context.CancelFunc
}

var _ Conversation = (*PinentryPrompter)(nil)

func (p *PinentryPrompter) Info(msg string)  { log.Info(msg) }
func (p *PinentryPrompter) Error(msg string) { log.Warn(msg) }

// findPinentry prefers a graphical pinentry, falling back to the
// plain one.
func findPinentry() string {
	candidates := []string{
		"pinentry-gnome3",
		"pinentry-qt5",
		"pinentry-qt",
		"pinentry-gtk-2",
		"pinentry-x11",
		"pinentry-curses",
	}
	for _, candidate := range candidates {
		if path, _ := exec.LookPath(candidate); path != "" {
			return path
		}
	}
	return "pinentry"
}

func (p *PinentryPrompter) PromptPassword(prompt string) (string, error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.cancel = nil
		p.mu.Unlock()
	}()

	cmd := exec.CommandContext(ctx, findPinentry())
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", err
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return "", err
	}
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("launching pinentry: %w", err)
	}
	defer cmd.Wait()

	var c pinentry.Client
	c.Session, err = assuan.Init(assuan.ReadWriteCloser{
		ReadCloser:  stdout,
		WriteCloser: stdin,
	})
	if err != nil {
		return "", fmt.Errorf("initializing pinentry session: %w", err)
	}
	defer c.Session.Close()

	if p.Description != "" {
		c.SetDesc(p.Description)
	}
	c.SetPrompt(prompt)

	pin, err := c.GetPIN()
	if err != nil {
		return "", fmt.Errorf("reading password from pinentry: %w", err)
	}
	return pin, nil
}

func (p *PinentryPrompter) CancelPrompt() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		// Kills the pinentry process; GetPIN fails over to an error.
		p.cancel()
		p.cancel = nil
	}
}
