//go:build windows

package main

import "os"

// terminationSignals on windows only includes os.Interrupt; SIGTERM is not
// delivered to processes.
var terminationSignals = []os.Signal{os.Interrupt}
