package sys

import (
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"github.com/INLOpen/nexuskv/core"
)

// AcquireFileLock marks exclusive ownership of a data directory by atomically
// creating a lock file (O_EXCL). The file records our pid and a creation
// timestamp. If the file already exists and staleTTL > 0, a lock older than
// staleTTL is treated as left behind by a dead process, removed, and
// acquisition retried once. On success it returns a release function that
// removes the lock file only if it still records our pid and timestamp.
func AcquireFileLock(lockPath string, staleTTL time.Duration) (func() error, error) {
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			ourPid := uint32(os.Getpid())
			ourTimestamp := uint64(time.Now().UTC().UnixNano())
			buf := make([]byte, 12)
			binary.LittleEndian.PutUint32(buf[0:4], ourPid)
			binary.LittleEndian.PutUint64(buf[4:12], ourTimestamp)
			if _, werr := f.Write(buf); werr != nil {
				f.Close()
				os.Remove(lockPath)
				return nil, fmt.Errorf("failed to write lock file %s: %w", lockPath, werr)
			}
			if err := f.Close(); err != nil {
				return nil, fmt.Errorf("failed to close lock file %s: %w", lockPath, err)
			}

			release := func() error {
				b, err := os.ReadFile(lockPath)
				if err != nil {
					if os.IsNotExist(err) {
						return nil
					}
					return err
				}
				if len(b) >= 12 &&
					binary.LittleEndian.Uint32(b[0:4]) == ourPid &&
					binary.LittleEndian.Uint64(b[4:12]) == ourTimestamp {
					return os.Remove(lockPath)
				}
				// The lock no longer belongs to us; leave it alone.
				return nil
			}
			return release, nil
		}

		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to create lock file %s: %w", lockPath, err)
		}

		if staleTTL > 0 && lockFileAge(lockPath) > staleTTL {
			// Stale lock from a dead process; break it and retry the create.
			_ = os.Remove(lockPath)
			continue
		}
		return nil, fmt.Errorf("%w: %s", core.ErrAlreadyLocked, lockPath)
	}
	return nil, fmt.Errorf("%w: %s", core.ErrAlreadyLocked, lockPath)
}

// lockFileAge reads the timestamp recorded inside the lock file, falling back
// to the file modtime when the content is unreadable.
func lockFileAge(lockPath string) time.Duration {
	now := time.Now().UTC()
	if b, err := os.ReadFile(lockPath); err == nil && len(b) >= 12 {
		ts := int64(binary.LittleEndian.Uint64(b[4:12]))
		if ts > 0 {
			return now.Sub(time.Unix(0, ts))
		}
	}
	if info, err := os.Stat(lockPath); err == nil {
		return now.Sub(info.ModTime())
	}
	return 0
}

// DefaultLockStaleTTL is the default TTL after which an orphaned lock file is
// considered stale and may be broken.
var DefaultLockStaleTTL = 30 * time.Second
