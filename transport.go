// Copyright 2018 Marco Pfatschbacher. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sshmux

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"os"

	"github.com/ftrvxmtrx/fd"
)

// dialControlSocket opens a connected Unix-domain stream socket to path,
// watching ctx for cancellation during the dial.
func dialControlSocket(ctx context.Context, path string) (*net.UnixConn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, newIoError("connecting to control socket", err)
	}
	uconn, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, newIoError("control socket is not a unix connection", nil)
	}
	return uconn, nil
}

// watchCancellation closes conn and every file in extra as soon as ctx is
// done, fulfilling the cancellation requirement in spec §4.4: dropping
// the connection/pipes makes every in-flight activity fail with IoError.
// It returns a stop function that must be called once the protected
// resources are no longer needed, to release the watcher goroutine.
func watchCancellation(ctx context.Context, conn *net.UnixConn, extra ...*os.File) (stop func()) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
			for _, f := range extra {
				if f != nil {
					f.Close()
				}
			}
		case <-done:
		}
	}()
	return func() { close(done) }
}

// writeFrame emits a 4-byte big-endian length prefix followed by body.
func writeFrame(conn *net.UnixConn, body []byte) error {
	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[4:], body)
	if _, err := conn.Write(frame); err != nil {
		return newIoError("writing frame", err)
	}
	return nil
}

// readFrame reads exactly 4 bytes for the length prefix, then exactly
// that many body bytes, retrying short reads via io.ReadFull.
func readFrame(conn *net.UnixConn) ([]byte, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(conn, lenBuf); err != nil {
		return nil, newIoError("reading frame length", err)
	}
	length := binary.BigEndian.Uint32(lenBuf)

	body := make([]byte, length)
	if _, err := io.ReadFull(conn, body); err != nil {
		return nil, newIoError("reading frame body", err)
	}
	return body, nil
}

// sendFD sends a single descriptor as SCM_RIGHTS ancillary data, with
// the one-byte filler payload mux's SCM_RIGHTS framing requires (Linux
// rejects ancillary-only messages on stream sockets).
func sendFD(conn *net.UnixConn, f *os.File) error {
	if err := fd.Put(conn, f); err != nil {
		return newIoError("passing file descriptor", err)
	}
	return nil
}

// recvFD receives a single descriptor sent by sendFD. The client side of
// this library never receives descriptors in production use (only the
// mux server does); this exists to exercise sendFD directly in tests
// without needing a real sshd.
func recvFD(conn *net.UnixConn) (*os.File, error) {
	files, err := fd.Get(conn, 1, nil)
	if err != nil {
		return nil, newIoError("receiving file descriptor", err)
	}
	if len(files) != 1 {
		return nil, newIoError("expected exactly one file descriptor", nil)
	}
	return files[0], nil
}
