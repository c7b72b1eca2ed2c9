//go:build unix

package lifecycle

import (
	"os"
	"syscall"
)

// SIGUSR1/SIGUSR2 let a supervising shell report visibility changes.
var visibilitySignals = map[os.Signal]Signal{
	syscall.SIGUSR1: Backgrounded,
	syscall.SIGUSR2: Foregrounded,
}
