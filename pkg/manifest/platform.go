package manifest

import (
	"fmt"
	"runtime"
)

// PlatformKey is the registry's name for a host OS/architecture pair.
type PlatformKey struct {
	OS           string
	Architecture string
}

func (k PlatformKey) String() string {
	return k.OS + "/" + k.Architecture
}

// Maps GOARCH values to the architecture names used in manifest lists.
var architectures = map[string]string{
	"amd64":   "amd64",
	"arm64":   "arm64",
	"arm":     "arm",
	"386":     "386",
	"ppc64le": "ppc64le",
	"riscv64": "riscv64",
	"s390x":   "s390x",
}

// PlatformFor returns the platform key for a GOARCH value. Lookup is exact.
func PlatformFor(goarch string) (PlatformKey, error) {
	arch, ok := architectures[goarch]
	if !ok {
		return PlatformKey{}, fmt.Errorf("%w: %s", ErrUnsupportedArchitecture, goarch)
	}
	return PlatformKey{OS: "linux", Architecture: arch}, nil
}

// HostPlatform returns the platform key of the running process.
func HostPlatform() (PlatformKey, error) {
	return PlatformFor(runtime.GOARCH)
}
