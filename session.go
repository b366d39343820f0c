// Copyright 2018 Marco Pfatschbacher. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sshmux

import (
	"context"
	"net"
	"os"

	"go.uber.org/zap"
)

// ShellResult is the structural triple returned by a completed remote
// command: standard output, standard error, and exit status.
type ShellResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode uint32
}

// Run executes command on the remote host reachable through the
// ControlMaster socket at controlPath, with an empty standard input.
func Run(ctx context.Context, controlPath, command string, opts ...Option) (ShellResult, error) {
	return RunStdin(ctx, controlPath, command, nil, opts...)
}

// RunStdin executes command on the remote host reachable through the
// ControlMaster socket at controlPath, streaming stdin to the remote
// process's standard input before closing it.
//
// RunStdin opens a new logical session for this call only; it does not
// pool or reuse connections across calls.
func RunStdin(ctx context.Context, controlPath, command string, stdin []byte, opts ...Option) (ShellResult, error) {
	cfg, err := buildConfig(opts...)
	if err != nil {
		return ShellResult{}, err
	}
	log := cfg.Logger

	dialCtx := ctx
	var cancelDial context.CancelFunc
	if cfg.DialTimeout > 0 {
		dialCtx, cancelDial = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancelDial()
	}

	log.Debug("dialing control socket", zap.String("path", controlPath))
	conn, err := dialControlSocket(dialCtx, controlPath)
	if err != nil {
		return ShellResult{}, err
	}

	stop := watchCancellation(ctx, conn)
	defer stop()
	defer conn.Close()

	sess, err := openMuxSession(conn, command, log)
	if err != nil {
		return ShellResult{}, err
	}
	defer sess.localStdout.Close()
	defer sess.localStderr.Close()

	return joinSession(ctx, conn, sess, stdin, cfg)
}

// muxSession holds the local halves of the three pipes passed to the
// mux server, and the session id it assigned.
type muxSession struct {
	sessionID uint32

	localStdin  *os.File // near end, write side
	localStdout *os.File // near end, read side
	localStderr *os.File // near end, read side

	remoteStdin  *os.File // far end, sent to server
	remoteStdout *os.File
	remoteStderr *os.File
}

// closeRemoteHalves releases this process's copies of the descriptors
// handed to the mux server. It is idempotent.
func (s *muxSession) closeRemoteHalves() {
	for _, f := range []*os.File{s.remoteStdin, s.remoteStdout, s.remoteStderr} {
		if f != nil {
			f.Close()
		}
	}
}

// openMuxSession performs steps 2 through 4 of the session protocol
// driver: hello exchange, liveness check, and session open with
// descriptor passing. Step 1 (connect) and step 5 (stream and join) are
// the caller's responsibility.
func openMuxSession(conn *net.UnixConn, command string, log *zap.Logger) (*muxSession, error) {
	if err := muxHello(conn); err != nil {
		return nil, err
	}
	log.Debug("hello exchange complete")

	if err := muxCheckAlive(conn, 0); err != nil {
		return nil, err
	}
	log.Debug("liveness check complete")

	const newSessionRequestID = 1
	sess, err := muxNewSession(conn, newSessionRequestID, command)
	if err != nil {
		return nil, err
	}
	log.Debug("session opened", zap.Uint32("session_id", sess.sessionID))
	return sess, nil
}

// muxHello performs the ordered Hello exchange: read the server's Hello
// first, then write the client's.
func muxHello(conn *net.UnixConn) error {
	body, err := readFrame(conn)
	if err != nil {
		return err
	}
	reply, err := decodeHello(body)
	if err != nil {
		return err
	}
	if !reply.valid() {
		return newProtocolError("incompatible hello message received", nil)
	}
	return writeFrame(conn, marshalHello())
}

// muxCheckAlive writes a CheckAlive request with the given request id
// and validates the IsAlive reply.
func muxCheckAlive(conn *net.UnixConn, requestID uint32) error {
	if err := writeFrame(conn, marshalCheckAlive(requestID)); err != nil {
		return err
	}
	body, err := readFrame(conn)
	if err != nil {
		return err
	}
	reply, err := decodeIsAlive(body)
	if err != nil {
		return err
	}
	if !reply.valid(requestID) {
		return newProtocolError("unexpected or out-of-sequence IsAlive reply", nil)
	}
	return nil
}

// muxNewSession writes a NewSession request, creates the three local
// pipes, passes their far ends to the server in order stdin/stdout/
// stderr, and validates the SessionOpened reply.
func muxNewSession(conn *net.UnixConn, requestID uint32, command string) (*muxSession, error) {
	if err := writeFrame(conn, marshalNewSession(requestID, command)); err != nil {
		return nil, err
	}

	remoteStdin, localStdin, err := os.Pipe()
	if err != nil {
		return nil, newIoError("creating stdin pipe", err)
	}
	localStdout, remoteStdout, err := os.Pipe()
	if err != nil {
		return nil, newIoError("creating stdout pipe", err)
	}
	localStderr, remoteStderr, err := os.Pipe()
	if err != nil {
		return nil, newIoError("creating stderr pipe", err)
	}

	sess := &muxSession{
		localStdin:   localStdin,
		localStdout:  localStdout,
		localStderr:  localStderr,
		remoteStdin:  remoteStdin,
		remoteStdout: remoteStdout,
		remoteStderr: remoteStderr,
	}

	for _, f := range []*os.File{remoteStdin, remoteStdout, remoteStderr} {
		if err := sendFD(conn, f); err != nil {
			sess.closeAll()
			return nil, err
		}
	}

	// The far ends now live in the mux server's process; holding our own
	// copies open would keep their write ends alive and the local reader
	// pipes would never see EOF.
	sess.closeRemoteHalves()

	body, err := readFrame(conn)
	if err != nil {
		sess.closeAll()
		return nil, err
	}
	reply, err := decodeSessionOpened(body)
	if err != nil {
		sess.closeAll()
		return nil, err
	}
	if !reply.valid(requestID) {
		sess.closeAll()
		return nil, newProtocolError("unexpected or out-of-sequence SessionOpened reply", nil)
	}
	sess.sessionID = reply.sessionID
	return sess, nil
}

// closeAll releases every pipe descriptor this session owns. Used to
// avoid leaking descriptors when session setup fails partway through.
func (s *muxSession) closeAll() {
	s.closeRemoteHalves()
	for _, f := range []*os.File{s.localStdin, s.localStdout, s.localStderr} {
		if f != nil {
			f.Close()
		}
	}
}
