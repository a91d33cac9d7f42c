//go:build linux || darwin

// Package netpoll provides the small OS-socket helper the CONNECTING state
// needs: checking SO_ERROR on a non-blocking connect once it becomes
// writable, per spec.md's ConnectionFSM transition table.
package netpoll

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// SocketError returns the pending SO_ERROR on conn's underlying file
// descriptor, or nil if the connect succeeded.
func SocketError(conn net.Conn) error {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return nil
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		errno, getErr := unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_ERROR)
		if getErr != nil {
			sockErr = getErr
			return
		}
		if errno != 0 {
			sockErr = syscall.Errno(errno)
		}
	})
	if ctrlErr != nil {
		return ctrlErr
	}
	return sockErr
}
