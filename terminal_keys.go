//go:build !windows

// terminal_keys.go - Raw-mode stdin reader for interactive playback keys.

package main

import (
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"golang.org/x/term"
)

// KeyReader puts stdin in raw mode and delivers single keystrokes to a
// callback. Only instantiated in main for interactive playback, never in
// tests.
type KeyReader struct {
	onKey        func(byte)
	stopCh       chan struct{}
	done         chan struct{}
	stopped      sync.Once
	fd           int
	nonblockSet  bool
	oldTermState *term.State
}

func NewKeyReader(onKey func(byte)) *KeyReader {
	return &KeyReader{
		onKey:  onKey,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start switches stdin to raw non-blocking mode and begins reading in a
// goroutine. Call Stop() to restore the terminal.
func (k *KeyReader) Start() {
	k.fd = int(os.Stdin.Fd())

	oldState, err := term.MakeRaw(k.fd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "terminal_keys: failed to set raw mode: %v\n", err)
		close(k.done)
		return
	}
	k.oldTermState = oldState

	if err := syscall.SetNonblock(k.fd, true); err != nil {
		fmt.Fprintf(os.Stderr, "terminal_keys: failed to set nonblocking stdin: %v\n", err)
		_ = term.Restore(k.fd, k.oldTermState)
		k.oldTermState = nil
		close(k.done)
		return
	}
	k.nonblockSet = true

	go func() {
		defer close(k.done)
		buf := make([]byte, 1)

		for {
			select {
			case <-k.stopCh:
				return
			default:
			}

			n, err := syscall.Read(k.fd, buf)
			if n > 0 {
				k.onKey(buf[0])
			}
			if err == syscall.EAGAIN || err == syscall.EWOULDBLOCK {
				time.Sleep(5 * time.Millisecond)
				continue
			}
			if err != nil {
				return
			}
			if n == 0 {
				time.Sleep(5 * time.Millisecond)
			}
		}
	}()
}

// Stop terminates the reading goroutine and restores the terminal.
func (k *KeyReader) Stop() {
	k.stopped.Do(func() {
		close(k.stopCh)
		<-k.done
		if k.nonblockSet {
			_ = syscall.SetNonblock(k.fd, false)
		}
		if k.oldTermState != nil {
			_ = term.Restore(k.fd, k.oldTermState)
		}
	})
}
