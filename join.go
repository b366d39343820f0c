// Copyright 2018 Marco Pfatschbacher. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sshmux

import (
	"bytes"
	"context"
	"io"
	"net"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ioChunkSize matches the reference implementation's 1 KiB read chunks.
const ioChunkSize = 1024

// joinSession drives the four concurrent activities of spec §4.4 to
// completion and assembles a ShellResult. It is the only place the
// control socket is read from after the session is opened.
func joinSession(ctx context.Context, conn *net.UnixConn, sess *muxSession, stdin []byte, cfg Config) (ShellResult, error) {
	log := cfg.Logger
	group, gctx := errgroup.WithContext(ctx)

	var exitCode uint32
	var stdout, stderr []byte

	group.Go(func() error {
		body, err := readFrame(conn)
		if err != nil {
			return err
		}
		reply, err := decodeExit(body)
		if err != nil {
			return err
		}
		if !reply.valid(sess.sessionID) {
			return newProtocolError("exit message carries unexpected session id", nil)
		}
		exitCode = reply.exitCode
		log.Debug("exit message received", zap.Uint32("exit_code", exitCode))
		return nil
	})

	group.Go(func() error {
		defer sess.localStdin.Close()
		if _, err := sess.localStdin.Write(stdin); err != nil {
			return newIoError("writing stdin", err)
		}
		return nil
	})

	group.Go(func() error {
		out, err := readPipeUntilEOF(sess.localStdout, cfg.MaxOutputBytes)
		if err != nil {
			return err
		}
		stdout = out
		return nil
	})

	group.Go(func() error {
		out, err := readPipeUntilEOF(sess.localStderr, cfg.MaxOutputBytes)
		if err != nil {
			return err
		}
		stderr = out
		return nil
	})

	// gctx is cancelled as soon as any of the four activities fails;
	// honor that alongside the caller's own ctx so a dropped connection
	// unblocks every activity promptly.
	stop := watchCancellation(gctx, conn, sess.localStdin, sess.localStdout, sess.localStderr)
	defer stop()

	if err := group.Wait(); err != nil {
		return ShellResult{}, err
	}

	return ShellResult{Stdout: stdout, Stderr: stderr, ExitCode: exitCode}, nil
}

// readPipeUntilEOF reads a pipe in fixed-size chunks until EOF,
// returning the accumulated bytes. If maxBytes is positive and the
// total would exceed it, reading stops with an *IoError instead of
// silently truncating into a successful result.
func readPipeUntilEOF(r io.ReadCloser, maxBytes int64) ([]byte, error) {
	var buf bytes.Buffer
	chunk := make([]byte, ioChunkSize)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			if maxBytes > 0 && int64(buf.Len()) > maxBytes {
				return nil, newIoError("output exceeded configured maximum", nil)
			}
		}
		if err == io.EOF {
			return buf.Bytes(), nil
		}
		if err != nil {
			return nil, newIoError("reading pipe", err)
		}
	}
}
