// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fdforward

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/bureau-foundation/layerrun/lib/codec"
	"github.com/bureau-foundation/layerrun/lib/unixsocket"
)

// Collect is the reverse of Start: it runs the command built by
// command, which must connect to socketPath and [Send] exactly n
// descriptors, and returns them once the command has exited
// successfully. The caller owns the returned descriptors.
func Collect(ctx context.Context, n int, timeout time.Duration, command func(socketPath string) *exec.Cmd) ([]int, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	rendezvous, err := listen()
	if err != nil {
		return nil, err
	}
	defer rendezvous.Close()
	if err := rendezvous.listener.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}

	cmd := command(rendezvous.path)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", cmd.Path, err)
	}
	exited := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		// A sender that dies without connecting must not leave the
		// accept waiting for the full timeout.
		rendezvous.listener.SetDeadline(time.Now())
		exited <- err
	}()
	stop := context.AfterFunc(ctx, func() {
		rendezvous.listener.SetDeadline(time.Now())
	})
	defer stop()

	fds, receiveErr := rendezvous.accept(n)
	waitErr := <-exited
	if receiveErr != nil {
		if ctx.Err() != nil {
			receiveErr = ctx.Err()
		}
		return nil, errors.Join(receiveErr, waitErr)
	}
	if waitErr != nil {
		closeFDs(fds)
		return nil, fmt.Errorf("%s: %w", cmd.Path, waitErr)
	}
	return fds, nil
}

func (r *rendezvous) accept(n int) ([]int, error) {
	conn, err := r.listener.AcceptUnix()
	if err != nil {
		return nil, fmt.Errorf("waiting for sender: %w", err)
	}
	socket := &unixsocket.Conn{UnixConn: conn}
	defer socket.Close()
	return receiveOn(socket, n)
}

// Send connects to the collector at path and sends fds with a Header.
func Send(path string, fds []int) error {
	conn, err := unixsocket.Dial(path)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", path, err)
	}
	defer conn.Close()
	payload, err := codec.Marshal(Header{Count: len(fds)})
	if err != nil {
		return err
	}
	return conn.SendFDs(payload, fds)
}
