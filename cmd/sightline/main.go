package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/xkilldash9x/sightline/cmd"
	"github.com/xkilldash9x/sightline/internal/observability"
)

const panicLogFile = "panic.log"

// Swappable in tests.
var (
	osWriteFile           = os.WriteFile
	osExit                = os.Exit
	stderr      io.Writer = os.Stderr
)

func main() {
	defer handlePanic()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := cmd.Execute(ctx)
	observability.Sync()
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		stop()
		osExit(130)
	default:
		stop()
		osExit(1)
	}
}

// handlePanic writes the panic and its stack to panic.log and exits non-zero.
// A device session left open by the crash is reclaimed by the Appium server's
// new-command timeout.
func handlePanic() {
	r := recover()
	if r == nil {
		return
	}
	observability.Sync()

	msg := fmt.Sprintf("panic: %v\n\n%s", r, debug.Stack())
	if err := osWriteFile(panicLogFile, []byte(msg), 0o644); err != nil {
		fmt.Fprintf(stderr, "CRITICAL: failed to write panic log: %v\n%s\n", err, msg)
		osExit(2)
		return
	}
	fmt.Fprintf(stderr, "sightline crashed: %v\nDetails written to %s\n", r, panicLogFile)
	osExit(2)
}
