package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"
)

// lockFileName is the instance lock under the state dir.
const lockFileName = "memloopd.lock"

var errAlreadyRunning = errors.New("another memloopd instance is running")

type instanceLock struct {
	file *os.File
}

// acquireInstanceLock takes a non-blocking exclusive flock on the lock file.
// A second daemon instance fails immediately instead of queueing.
func acquireInstanceLock(stateDir string) (*instanceLock, error) {
	path := filepath.Join(stateDir, lockFileName)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	err = unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err != nil {
		_ = file.Close()

		return nil, fmt.Errorf("%w (lock: %s)", errAlreadyRunning, path)
	}

	_ = file.Truncate(0)
	_, _ = file.WriteString(strconv.Itoa(os.Getpid()) + "\n")

	return &instanceLock{file: file}, nil
}

func (l *instanceLock) release() {
	if l.file == nil {
		return
	}

	_ = unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	_ = l.file.Close()
	l.file = nil
}
