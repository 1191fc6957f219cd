package wheelforge

import (
	"errors"
	"runtime"
	"sync/atomic"

	"github.com/gookit/color"
)

// GLOBAL STATE
// We use a value of 1 for critical and 0 for non-critical/default.
var isCriticalAtomic atomic.Int32

// Global variables
var (
	Debug   bool
	Verbose bool

	ConfigFile = "/data/data/com.termux/files/usr/etc/wheelforge.conf"

	version   = "dev" // overridden at build time
	arch      = runtime.GOARCH
	buildDate = "unknown" // overridden at build time
)

// Error taxonomy. Per-package errors are caught at the orchestrator loop;
// only errPreconditionFailed aborts the whole run.
var (
	errPreconditionFailed     = errors.New("precondition failed")
	errSourceUnavailable      = errors.New("source unavailable")
	errSourceCorrupt          = errors.New("source corrupt")
	errBuildFailed            = errors.New("build failed")
	errPostPatchTargetMissing = errors.New("post-patch target missing")
	errVersionMismatch        = errors.New("version constraint mismatch")
	errDependencyFailed       = errors.New("dependency failed")
	errPackageNotFound        = errors.New("package not found")
)

// color helpers
var (
	colInfo    = color.Info // style provided by gookit/color
	colWarn    = color.Warn
	colError   = color.Error
	colSuccess = color.HEX("#1976D2")
	colArrow   = color.HEX("#FFEB3B")
	colNote    = color.Tag("notice")
)
