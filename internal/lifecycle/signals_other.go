//go:build !unix

package lifecycle

import "os"

var visibilitySignals = map[os.Signal]Signal{}
