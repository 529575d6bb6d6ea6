// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package unixsocket sends and receives file descriptors over Unix
// domain sockets as SCM_RIGHTS control messages.
//
// Descriptors are duplicated by the kernel on send: the sender keeps its
// originals open and remains responsible for closing them. Received
// descriptors are close-on-exec (the net package receives with
// MSG_CMSG_CLOEXEC), so a receiver that wants them to survive exec must
// dup them explicitly.
package unixsocket

import (
	"errors"
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// oobSize bounds the control buffer: room for 1000+ descriptors.
const oobSize = 4 << 10

// ErrTruncated is returned when the control message did not fit.
var ErrTruncated = errors.New("unixsocket: control message truncated")

// Conn wraps a connected Unix socket.
type Conn struct {
	*net.UnixConn
}

// Dial connects to the stream socket at path.
func Dial(path string) (*Conn, error) {
	conn, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, err
	}
	return &Conn{conn}, nil
}

// FromFD adopts an already-connected socket descriptor. The descriptor
// is consumed: on success it belongs to the returned Conn.
func FromFD(fd int) (*Conn, error) {
	file := os.NewFile(uintptr(fd), "unix-socket")
	if file == nil {
		return nil, fmt.Errorf("unixsocket: fd %d is not valid", fd)
	}
	defer file.Close()

	conn, err := net.FileConn(file)
	if err != nil {
		return nil, err
	}
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("unixsocket: fd %d is not a unix socket", fd)
	}
	return &Conn{unixConn}, nil
}

// SendFDs writes payload with fds attached. payload must be non-empty:
// a zero-length stream write carries no control data.
func (c *Conn) SendFDs(payload []byte, fds []int) error {
	if len(payload) == 0 {
		return errors.New("unixsocket: empty payload")
	}
	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}
	n, oobn, err := c.WriteMsgUnix(payload, oob, nil)
	if err != nil {
		return err
	}
	if n != len(payload) || oobn != len(oob) {
		return fmt.Errorf("unixsocket: short write (%d/%d bytes, %d/%d oob)", n, len(payload), oobn, len(oob))
	}
	return nil
}

// SendFiles is SendFDs for *os.File values.
func (c *Conn) SendFiles(payload []byte, files []*os.File) error {
	fds := make([]int, len(files))
	for i, file := range files {
		fds[i] = int(file.Fd())
	}
	return c.SendFDs(payload, fds)
}

// ReceiveFDs reads one message into buf and returns the payload length
// and any descriptors attached to it.
func (c *Conn) ReceiveFDs(buf []byte) (int, []int, error) {
	oob := make([]byte, oobSize)
	n, oobn, flags, _, err := c.ReadMsgUnix(buf, oob)
	if err != nil {
		return 0, nil, err
	}
	messages, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return n, nil, fmt.Errorf("unixsocket: parsing control message: %w", err)
	}
	var fds []int
	for i := range messages {
		if messages[i].Header.Level != unix.SOL_SOCKET || messages[i].Header.Type != unix.SCM_RIGHTS {
			continue
		}
		rights, err := unix.ParseUnixRights(&messages[i])
		if err != nil {
			closeAll(fds)
			return n, nil, fmt.Errorf("unixsocket: parsing rights: %w", err)
		}
		fds = append(fds, rights...)
	}
	if flags&unix.MSG_CTRUNC != 0 {
		closeAll(fds)
		return n, nil, ErrTruncated
	}
	return n, fds, nil
}

func closeAll(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}
