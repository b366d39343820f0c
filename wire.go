// Copyright 2018 Marco Pfatschbacher. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sshmux drives OpenSSH's ControlMaster multiplexing protocol to
// run a single remote shell command over an already-established control
// socket.
package sshmux

import (
	"encoding/binary"

	"golang.org/x/crypto/ssh"
)

// mux protocol message types, cf:
// https://github.com/openbsd/src/blob/master/usr.bin/ssh/mux.c
const (
	muxMsgHello      = 0x00000001
	muxNewSession    = 0x10000002
	muxAliveCheck    = 0x10000004
	muxExitMessage   = 0x80000004
	muxIsAlive       = 0x80000005
	muxSessionOpened = 0x80000006
)

// muxVersion is the only mux protocol version this client speaks.
const muxVersion = 4

// noEscapeChar disables ssh's escape-character processing, which this
// client never uses.
const noEscapeChar = 0xffffffff

// helloMsg is sent in both directions; ssh.Marshal lays it out as two
// big-endian uint32s, matching the wire format exactly.
type helloMsg struct {
	Request uint32
	Version uint32
}

// checkAliveMsg is the client's liveness-check request.
type checkAliveMsg struct {
	Request   uint32
	RequestID uint32
}

// newSessionMsg is the client's session-open request. Field order is
// significant: ssh.Marshal encodes struct fields in declaration order.
type newSessionMsg struct {
	Request       uint32
	RequestID     uint32
	Reserved      string
	TTYFlags      uint32
	ForwardX11    uint32
	ForwardAgent  uint32
	SubsystemFlag uint32
	EscapeChar    uint32
	Term          string
	Command       string
}

func marshalHello() []byte {
	return ssh.Marshal(&helloMsg{Request: muxMsgHello, Version: muxVersion})
}

func marshalCheckAlive(requestID uint32) []byte {
	return ssh.Marshal(&checkAliveMsg{Request: muxAliveCheck, RequestID: requestID})
}

func marshalNewSession(requestID uint32, command string) []byte {
	return ssh.Marshal(&newSessionMsg{
		Request:       muxNewSession,
		RequestID:     requestID,
		Reserved:      "",
		TTYFlags:      0,
		ForwardX11:    0,
		ForwardAgent:  0,
		SubsystemFlag: 0,
		EscapeChar:    noEscapeChar,
		Term:          "",
		Command:       command,
	})
}

// wireReader is a small cursor over a decoded frame body, mirroring the
// bytes::Buf get_u32()/get_string() accessors the reference Rust source
// used for its reply decoders.
type wireReader struct {
	buf []byte
}

func newWireReader(buf []byte) *wireReader {
	return &wireReader{buf: buf}
}

func (r *wireReader) uint32() (uint32, error) {
	if len(r.buf) < 4 {
		return 0, newCodecError("truncated buffer: expected 4 more bytes", nil)
	}
	v := binary.BigEndian.Uint32(r.buf[:4])
	r.buf = r.buf[4:]
	return v, nil
}

func (r *wireReader) string() (string, error) {
	n, err := r.uint32()
	if err != nil {
		return "", err
	}
	if uint32(len(r.buf)) < n {
		return "", newCodecError("truncated buffer: expected string of declared length", nil)
	}
	s := string(r.buf[:n])
	r.buf = r.buf[n:]
	return s, nil
}

// residual reports a CodecError if any bytes remain unconsumed.
func (r *wireReader) residual() error {
	if len(r.buf) != 0 {
		return newCodecError("residual bytes after decoding message", nil)
	}
	return nil
}

// helloReply is the server's Hello response.
type helloReply struct {
	command uint32
	version uint32
}

func decodeHello(body []byte) (helloReply, error) {
	r := newWireReader(body)
	cmd, err := r.uint32()
	if err != nil {
		return helloReply{}, err
	}
	ver, err := r.uint32()
	if err != nil {
		return helloReply{}, err
	}
	if err := r.residual(); err != nil {
		return helloReply{}, err
	}
	return helloReply{command: cmd, version: ver}, nil
}

func (h helloReply) valid() bool {
	return h.command == muxMsgHello && h.version == muxVersion
}

// isAliveReply is the server's CheckAlive response.
type isAliveReply struct {
	command   uint32
	requestID uint32
	serverPID uint32
}

func decodeIsAlive(body []byte) (isAliveReply, error) {
	r := newWireReader(body)
	cmd, err := r.uint32()
	if err != nil {
		return isAliveReply{}, err
	}
	reqID, err := r.uint32()
	if err != nil {
		return isAliveReply{}, err
	}
	pid, err := r.uint32()
	if err != nil {
		return isAliveReply{}, err
	}
	if err := r.residual(); err != nil {
		return isAliveReply{}, err
	}
	return isAliveReply{command: cmd, requestID: reqID, serverPID: pid}, nil
}

func (a isAliveReply) valid(requestID uint32) bool {
	return a.command == muxIsAlive && a.requestID == requestID
}

// sessionOpenedReply is the server's NewSession response.
type sessionOpenedReply struct {
	command   uint32
	requestID uint32
	sessionID uint32
}

func decodeSessionOpened(body []byte) (sessionOpenedReply, error) {
	r := newWireReader(body)
	cmd, err := r.uint32()
	if err != nil {
		return sessionOpenedReply{}, err
	}
	reqID, err := r.uint32()
	if err != nil {
		return sessionOpenedReply{}, err
	}
	sid, err := r.uint32()
	if err != nil {
		return sessionOpenedReply{}, err
	}
	if err := r.residual(); err != nil {
		return sessionOpenedReply{}, err
	}
	return sessionOpenedReply{command: cmd, requestID: reqID, sessionID: sid}, nil
}

func (s sessionOpenedReply) valid(requestID uint32) bool {
	return s.command == muxSessionOpened && s.requestID == requestID
}

// exitReply is the server's final ExitMessage.
type exitReply struct {
	command   uint32
	sessionID uint32
	exitCode  uint32
}

func decodeExit(body []byte) (exitReply, error) {
	r := newWireReader(body)
	cmd, err := r.uint32()
	if err != nil {
		return exitReply{}, err
	}
	sid, err := r.uint32()
	if err != nil {
		return exitReply{}, err
	}
	code, err := r.uint32()
	if err != nil {
		return exitReply{}, err
	}
	if err := r.residual(); err != nil {
		return exitReply{}, err
	}
	return exitReply{command: cmd, sessionID: sid, exitCode: code}, nil
}

func (e exitReply) valid(sessionID uint32) bool {
	return e.command == muxExitMessage && e.sessionID == sessionID
}
