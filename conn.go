package mitm

import (
	"bufio"
	"net"
	"sync"
	"time"
)

// TamperedConn is a net.Conn whose methods can be replaced one by one.
type TamperedConn struct {
	read             func(b []byte) (int, error)
	write            func(b []byte) (int, error)
	close            func() error
	closeWrite       func() error
	localAddr        func() net.Addr
	remoteAddr       func() net.Addr
	setDeadline      func(t time.Time) error
	setReadDeadline  func(t time.Time) error
	setWriteDeadline func(t time.Time) error

	closeOnce sync.Once
	closeErr  error
}

var _ net.Conn = (*TamperedConn)(nil)

type TamperedConnOption func(*TamperedConn)

func TamperConnRead(f func(b []byte) (int, error)) TamperedConnOption {
	return func(c *TamperedConn) {
		c.read = f
	}
}

func TamperConnWrite(f func(b []byte) (int, error)) TamperedConnOption {
	return func(c *TamperedConn) {
		c.write = f
	}
}

func TamperConnClose(f func() error) TamperedConnOption {
	return func(c *TamperedConn) {
		c.close = f
	}
}

func TamperConnCloseWrite(f func() error) TamperedConnOption {
	return func(c *TamperedConn) {
		c.closeWrite = f
	}
}

func TamperConnSetReadDeadline(f func(t time.Time) error) TamperedConnOption {
	return func(c *TamperedConn) {
		c.setReadDeadline = f
	}
}

type closeWriter interface {
	CloseWrite() error
}

// NewTamperedConn wraps conn. Methods not replaced by opts are delegated to conn.
func NewTamperedConn(conn net.Conn, opts ...TamperedConnOption) *TamperedConn {
	c := &TamperedConn{
		read:             conn.Read,
		write:            conn.Write,
		close:            conn.Close,
		localAddr:        conn.LocalAddr,
		remoteAddr:       conn.RemoteAddr,
		setDeadline:      conn.SetDeadline,
		setReadDeadline:  conn.SetReadDeadline,
		setWriteDeadline: conn.SetWriteDeadline,
	}
	if cw, ok := conn.(closeWriter); ok {
		c.closeWrite = cw.CloseWrite
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// newHijackedConn returns a connection that yields the bytes already buffered in r before reading from conn.
func newHijackedConn(conn net.Conn, r *bufio.Reader) *TamperedConn {
	if r == nil || r.Buffered() == 0 {
		return NewTamperedConn(conn)
	}
	return NewTamperedConn(conn, TamperConnRead(r.Read))
}

func (c *TamperedConn) Read(b []byte) (int, error)  { return c.read(b) }
func (c *TamperedConn) Write(b []byte) (int, error) { return c.write(b) }

// Close closes the connection once; later calls return the first result.
func (c *TamperedConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.close()
	})
	return c.closeErr
}

// CloseWrite shuts down the writing side if the underlying connection supports it, and closes it otherwise.
func (c *TamperedConn) CloseWrite() error {
	if c.closeWrite == nil {
		return c.Close()
	}
	return c.closeWrite()
}

func (c *TamperedConn) LocalAddr() net.Addr                { return c.localAddr() }
func (c *TamperedConn) RemoteAddr() net.Addr               { return c.remoteAddr() }
func (c *TamperedConn) SetDeadline(t time.Time) error      { return c.setDeadline(t) }
func (c *TamperedConn) SetReadDeadline(t time.Time) error  { return c.setReadDeadline(t) }
func (c *TamperedConn) SetWriteDeadline(t time.Time) error { return c.setWriteDeadline(t) }
