// Copyright 2018 Marco Pfatschbacher. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sshmux

import "github.com/pkg/errors"

// CodecError reports a malformed mux message: a wrong body length, seen
// as a truncated buffer or as residual bytes after a complete decode.
// The reply decoders do not
// check the command tag; a tag other than the expected one is reported
// as a ProtocolError.
type CodecError struct {
	msg   string
	cause error
}

func newCodecError(msg string, cause error) *CodecError {
	if cause != nil {
		return &CodecError{msg: msg, cause: errors.WithStack(cause)}
	}
	return &CodecError{msg: msg}
}

func (e *CodecError) Error() string {
	if e.cause != nil {
		return "sshmux: codec error: " + e.msg + ": " + e.cause.Error()
	}
	return "sshmux: codec error: " + e.msg
}

func (e *CodecError) Unwrap() error { return e.cause }

// ProtocolError reports a well-formed message that violates an expected
// invariant: wrong tag for the current step, an echoed request_id or
// session_id mismatch, or an invalid hello version.
type ProtocolError struct {
	msg   string
	cause error
}

func newProtocolError(msg string, cause error) *ProtocolError {
	if cause != nil {
		return &ProtocolError{msg: msg, cause: errors.WithStack(cause)}
	}
	return &ProtocolError{msg: msg}
}

func (e *ProtocolError) Error() string {
	if e.cause != nil {
		return "sshmux: protocol error: " + e.msg + ": " + e.cause.Error()
	}
	return "sshmux: protocol error: " + e.msg
}

func (e *ProtocolError) Unwrap() error { return e.cause }

// IoError reports a socket or pipe operation failure, including EOF
// where more bytes were required and SCM_RIGHTS send failures.
type IoError struct {
	msg   string
	cause error
}

func newIoError(msg string, cause error) *IoError {
	if cause != nil {
		return &IoError{msg: msg, cause: errors.WithStack(cause)}
	}
	return &IoError{msg: msg}
}

func (e *IoError) Error() string {
	if e.cause != nil {
		return "sshmux: io error: " + e.msg + ": " + e.cause.Error()
	}
	return "sshmux: io error: " + e.msg
}

func (e *IoError) Unwrap() error { return e.cause }
