// Copyright (c) 2024 homuler
//
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file or at
// https://opensource.org/licenses/MIT.

package mitm

import (
	"net"
	"sync"
	"time"
)

// idleListener closes itself when no connection is accepted for timeout.
//
// The watchdog is armed when the listener is created. Every accepted
// connection clears the running timer and arms a new one, so the listener
// lives as long as connections keep arriving within each window.
type idleListener struct {
	net.Listener

	timeout time.Duration
	onIdle  func()

	activity chan struct{}
	done     chan struct{} // closed when Close is called

	closeOnce sync.Once
	closeErr  error
}

var _ net.Listener = (*idleListener)(nil)

// newIdleListener wraps l. If timeout is not positive, the listener never expires.
// onIdle is called from the watchdog goroutine before the listener is closed, so that
// the owner can stop handing the listener out first.
func newIdleListener(l net.Listener, timeout time.Duration, onIdle func()) *idleListener {
	il := &idleListener{
		Listener: l,
		timeout:  timeout,
		onIdle:   onIdle,
		activity: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	if timeout > 0 {
		go il.watch()
	}
	return il
}

func (l *idleListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	select {
	case l.activity <- struct{}{}:
	default: // a re-arm is already pending
	}
	return conn, nil
}

func (l *idleListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
		l.closeErr = l.Listener.Close()
	})
	return l.closeErr
}

// Done returns a channel that is closed when the listener is closed.
func (l *idleListener) Done() <-chan struct{} {
	return l.done
}

func (l *idleListener) watch() {
	timer := time.NewTimer(l.timeout)
	defer timer.Stop()

	for {
		select {
		case <-l.activity:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(l.timeout)
		case <-timer.C:
			if l.onIdle != nil {
				l.onIdle()
			}
			_ = l.Close()
			return
		case <-l.done:
			return
		}
	}
}
