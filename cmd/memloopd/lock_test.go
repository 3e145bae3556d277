package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_AcquireInstanceLock_Fails_When_AlreadyHeld(t *testing.T) {
	t.Parallel()

	stateDir := t.TempDir()

	first, err := acquireInstanceLock(stateDir)
	require.NoError(t, err)

	_, err = acquireInstanceLock(stateDir)
	require.ErrorIs(t, err, errAlreadyRunning)

	first.release()

	second, err := acquireInstanceLock(stateDir)
	require.NoError(t, err)
	second.release()
}
