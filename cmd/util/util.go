package util

import (
	"fmt"
	"os"
	"runtime/debug"

	log "github.com/sirupsen/logrus"

	"github.com/minicpan/minicpan/pkg/errors"
)

// HandleFatalError prints the user-facing message for err and exits.
func HandleFatalError(err error) {
	fmt.Fprintln(os.Stderr, errors.GetPrintableMessage(err))
	os.Exit(1)
}

// HandlePanic recovers from a panic, reports it, and exits with a
// failure status. It's meant to be deferred from main.
func HandlePanic() {
	r := recover()
	if r == nil {
		return
	}

	log.WithField("panic", r).Error("minicpan crashed")
	fmt.Fprintf(os.Stderr, "%s", debug.Stack())
	os.Exit(1)
}
