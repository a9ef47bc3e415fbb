package rootfs

import (
	"fmt"
	"os"
	"path/filepath"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	nullMajor = 1
	nullMinor = 3
	nullMode  = 0666
)

type mknodFunc func(path string, mode uint32, dev int) error

// EnsureNullDevice creates rootDir/dev/null as a character device (1:3, 0666)
// unless an entry already exists there.
func EnsureNullDevice(rootDir string) error {
	return ensureNullDevice(rootDir, unix.Mknod, logrus.WithField("component", "rootfs"))
}

func ensureNullDevice(rootDir string, mknod mknodFunc, logger *logrus.Entry) error {
	devDir, err := securejoin.SecureJoin(rootDir, "dev")
	if err != nil {
		return fmt.Errorf("failed to resolve dev directory: %w", err)
	}
	path := filepath.Join(devDir, "null")

	if _, err := os.Lstat(path); err == nil {
		logger.WithField("path", path).Debug("Null device already present")
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}

	if err := os.MkdirAll(devDir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", devDir, err)
	}

	dev := int(unix.Mkdev(nullMajor, nullMinor))
	if err := mknod(path, unix.S_IFCHR|nullMode, dev); err != nil {
		return fmt.Errorf("failed to create null device %s: %w", path, err)
	}
	// mknod(2) applies the umask.
	if err := os.Chmod(path, nullMode); err != nil {
		return fmt.Errorf("failed to chmod %s: %w", path, err)
	}

	logger.WithField("path", path).Debug("Created null device")
	return nil
}
