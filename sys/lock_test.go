package sys

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/nexuskv/core"
)

func TestFileLock_AcquireAndRelease(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), core.LockFileName)

	release, err := AcquireFileLock(lockPath, time.Minute)
	require.NoError(t, err)
	_, err = os.Stat(lockPath)
	require.NoError(t, err)

	require.NoError(t, release())
	_, err = os.Stat(lockPath)
	assert.True(t, os.IsNotExist(err))
}

func TestFileLock_SecondAcquireFails(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), core.LockFileName)

	release, err := AcquireFileLock(lockPath, time.Minute)
	require.NoError(t, err)
	defer release()

	_, err = AcquireFileLock(lockPath, time.Minute)
	require.ErrorIs(t, err, core.ErrAlreadyLocked)
}

func TestFileLock_ReacquireAfterRelease(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), core.LockFileName)

	release, err := AcquireFileLock(lockPath, time.Minute)
	require.NoError(t, err)
	require.NoError(t, release())

	release2, err := AcquireFileLock(lockPath, time.Minute)
	require.NoError(t, err)
	require.NoError(t, release2())
}

func TestFileLock_StaleLockBroken(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), core.LockFileName)

	// Fabricate a lock left by a dead process an hour ago.
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf[0:4], 999999)
	binary.LittleEndian.PutUint64(buf[4:12], uint64(time.Now().UTC().Add(-time.Hour).UnixNano()))
	require.NoError(t, os.WriteFile(lockPath, buf, 0644))

	release, err := AcquireFileLock(lockPath, time.Minute)
	require.NoError(t, err)
	require.NoError(t, release())
}

func TestFileLock_FreshForeignLockRespected(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), core.LockFileName)

	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf[0:4], 999999)
	binary.LittleEndian.PutUint64(buf[4:12], uint64(time.Now().UTC().UnixNano()))
	require.NoError(t, os.WriteFile(lockPath, buf, 0644))

	_, err := AcquireFileLock(lockPath, time.Hour)
	require.ErrorIs(t, err, core.ErrAlreadyLocked)
}

func TestFileLock_ReleaseLeavesForeignLock(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), core.LockFileName)

	release, err := AcquireFileLock(lockPath, time.Minute)
	require.NoError(t, err)

	// Another process broke and re-took the lock; our release must not
	// remove it.
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf[0:4], 123456)
	binary.LittleEndian.PutUint64(buf[4:12], uint64(time.Now().UTC().UnixNano()))
	require.NoError(t, os.WriteFile(lockPath, buf, 0644))

	require.NoError(t, release())
	_, err = os.Stat(lockPath)
	require.NoError(t, err, "foreign lock file must survive our release")
}
