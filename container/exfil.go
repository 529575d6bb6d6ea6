// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package container

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// ReadyLine is written to the ready pipe once post-handshake setup is
// done.
const ReadyLine = "ready\n"

// Exfiltrator owns the pipes of the PID handshake. The process inside
// the container writes its host PID as a "Key:\tPID" line to the PID
// pipe, then (if a ready pipe exists) blocks until the parent writes
// ReadyLine to it.
//
// Forwarded returns the container-side ends. Their destination
// descriptors are PIDFD and ReadyFD, given the number of files forwarded
// ahead of them.
type Exfiltrator struct {
	pidRead    *os.File
	pidWrite   *os.File
	readyRead  *os.File
	readyWrite *os.File
	offset     int
}

// NewExfiltrator creates the PID pipe and, when withReady is set, the
// ready pipe. offset is the number of descriptors forwarded ahead of
// these, so the PID pipe lands at 3+offset and the ready pipe at
// 4+offset.
func NewExfiltrator(offset int, withReady bool) (*Exfiltrator, error) {
	pidRead, pidWrite, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating pid pipe: %w", err)
	}
	e := &Exfiltrator{pidRead: pidRead, pidWrite: pidWrite, offset: offset}
	if withReady {
		e.readyRead, e.readyWrite, err = os.Pipe()
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("creating ready pipe: %w", err)
		}
	}
	return e, nil
}

// PIDFD is the descriptor number of the PID pipe's write end inside the
// launched process.
func (e *Exfiltrator) PIDFD() int { return 3 + e.offset }

// ReadyFD is the descriptor number of the ready pipe's read end inside
// the launched process.
func (e *Exfiltrator) ReadyFD() int { return 4 + e.offset }

// Forwarded returns the ends to hand to the launched process, in
// descriptor order.
func (e *Exfiltrator) Forwarded() []*os.File {
	files := []*os.File{e.pidWrite}
	if e.readyRead != nil {
		files = append(files, e.readyRead)
	}
	return files
}

// CloseForwarded closes the parent's copies of the forwarded ends. It
// must be called once the launched process holds them, so that the
// parent sees EOF if that process dies.
func (e *Exfiltrator) CloseForwarded() {
	closeFile(&e.pidWrite)
	closeFile(&e.readyRead)
}

// ReadPID blocks until the launched process writes its PID line. The
// read is abandoned when ctx is done. A short read or malformed line is
// a *HandshakeError.
func (e *Exfiltrator) ReadPID(ctx context.Context) (int, error) {
	pidRead := e.pidRead
	if pidRead == nil {
		return 0, errors.New("pid pipe already consumed")
	}
	stop := context.AfterFunc(ctx, func() {
		_ = pidRead.SetReadDeadline(time.Unix(1, 0))
	})

	line, err := bufio.NewReader(pidRead).ReadString('\n')
	stop()
	closeFile(&e.pidRead)
	if err != nil {
		if ctx.Err() != nil {
			return 0, &HandshakeError{Err: ctx.Err()}
		}
		if errors.Is(err, io.EOF) {
			return 0, &HandshakeError{Line: line, Err: io.ErrUnexpectedEOF}
		}
		return 0, &HandshakeError{Line: line, Err: err}
	}
	return ParsePIDLine(line)
}

// SendReady writes ReadyLine and closes the ready pipe.
func (e *Exfiltrator) SendReady() error {
	if e.readyWrite == nil {
		return errors.New("no ready pipe")
	}
	_, err := io.WriteString(e.readyWrite, ReadyLine)
	closeFile(&e.readyWrite)
	if err != nil {
		return fmt.Errorf("sending ready: %w", err)
	}
	return nil
}

// Close releases every pipe end still open. Closing the ready pipe
// without SendReady makes the waiting process fail instead of proceed.
func (e *Exfiltrator) Close() error {
	closeFile(&e.pidRead)
	closeFile(&e.pidWrite)
	closeFile(&e.readyRead)
	closeFile(&e.readyWrite)
	return nil
}

// ParsePIDLine parses a "Key:\tPID\n" status line: the text after the
// first ':' with surrounding whitespace removed must be a positive
// integer.
func ParsePIDLine(line string) (int, error) {
	parts := strings.Split(line, ":")
	if len(parts) != 2 {
		return 0, &HandshakeError{Line: line, Err: errors.New("expected exactly one ':'")}
	}
	pid, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, &HandshakeError{Line: line, Err: err}
	}
	if pid <= 0 {
		return 0, &HandshakeError{Line: line, Err: fmt.Errorf("pid %d out of range", pid)}
	}
	return pid, nil
}

func closeFile(file **os.File) {
	if *file != nil {
		(*file).Close()
		*file = nil
	}
}
