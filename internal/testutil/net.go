// Copyright (c) 2024 homuler
//
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file or at
// https://opensource.org/licenses/MIT.

package testutil

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func NewTCPListener(t *testing.T) net.Listener {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		if l, err = net.Listen("tcp6", "[::1]:0"); err != nil {
			t.Fatalf("failed to listen on a port: %v", err)
		}
	}
	t.Cleanup(func() { l.Close() })
	return l
}

// Connect dials the proxy at addr and sends CONNECT target.
// It returns the connection and the response status line, which is empty if the proxy dropped the connection.
func Connect(t *testing.T, addr net.Addr, target string) (net.Conn, string) {
	t.Helper()

	conn, err := net.DialTimeout("tcp", addr.String(), 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(10*time.Second)))

	_, err = fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", target, target)
	require.NoError(t, err)

	status, err := readLine(conn)
	if err != nil {
		return conn, ""
	}
	if status != "" {
		// the empty line terminating the response
		blank, err := readLine(conn)
		require.NoError(t, err)
		require.Empty(t, blank)
	}
	return conn, status
}

// readLine reads one CRLF terminated line without buffering past it.
func readLine(r io.Reader) (string, error) {
	var line []byte
	b := make([]byte, 1)
	for {
		if _, err := r.Read(b); err != nil {
			return string(line), err
		}
		if b[0] == '\n' {
			if n := len(line); n > 0 && line[n-1] == '\r' {
				line = line[:n-1]
			}
			return string(line), nil
		}
		line = append(line, b[0])
	}
}

// ReadResponse reads an HTTP response for req from conn.
func ReadResponse(t *testing.T, conn net.Conn, req *http.Request) *http.Response {
	t.Helper()

	res, err := http.ReadResponse(bufio.NewReader(conn), req)
	require.NoError(t, err)
	return res
}
