package metadata

import (
	"fmt"
	"runtime"
)

// Version specifies cmc-responder version, set at build time with -ldflags
var Version string

// GetVersion returns the version of the cmc-responder
func GetVersion() string {
	if Version == "" {
		return "development build"
	}
	return Version
}

// GetVersionInfo returns version information for the cmc-responder
func GetVersionInfo(prgName string) string {
	return fmt.Sprintf("%s:\n Version: %s\n Go version: %s\n OS/Arch: %s\n",
		prgName,
		GetVersion(),
		runtime.Version(),
		fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH))
}
