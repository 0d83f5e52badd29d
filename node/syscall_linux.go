//go:build linux
// +build linux

package node

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

func isFDValid(fd int) bool {
	// Try to get the flags of the file descriptor
	_, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	return err == nil
}

// IsTemporaryError checks if the error is temporary, e.g., EAGAIN or EWOULDBLOCK.
func IsTemporaryError(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR)
}

func CloseFd(fd int) error {
	if fd < 0 || !isFDValid(fd) {
		return nil
	}
	return os.NewSyscallError("close", unix.Close(fd))
}

// readFd reads once. It returns n == -1 with a nil error when the fd has
// nothing to offer right now, and n == 0 at end of stream.
func readFd(fd int, p []byte) (int, error) {
	for {
		n, err := unix.Read(fd, p)
		if err == nil {
			return n, nil
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if IsTemporaryError(err) {
			return -1, nil
		}
		return 0, os.NewSyscallError("read", err)
	}
}

// writeFd writes as much of p as the socket takes without blocking.
func writeFd(fd int, p []byte) (int, error) {
	for {
		n, err := unix.Write(fd, p)
		if err == nil {
			return n, nil
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if IsTemporaryError(err) {
			return 0, nil
		}
		return 0, os.NewSyscallError("write", err)
	}
}
