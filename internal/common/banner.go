package common

import (
	"github.com/ternarybob/banner"
)

// PrintBanner prints the startup banner with the build version. Both the
// manager and the worker agent call this before any log output so a crash
// report always starts with the version that produced it.
func PrintBanner(name string) {
	banner.PrintSimple(name, GetVersion())
}
