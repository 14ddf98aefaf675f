package util

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/sidkik/assetsync/pkg/errors"
)

// Variables mocked for unit testing.
var (
	stdin io.Reader = os.Stdin
	exit            = os.Exit
)

// HandleFatalError prints the user facing message for err and exits.
func HandleFatalError(err error) {
	log.WithError(err).Debug("Fatal error")
	fmt.Fprintln(os.Stderr, errors.GetPrintableMessage(err))
	exit(1)
}

// HandlePanic logs the stack trace of a panic before exiting. It must be
// deferred at the start of every goroutine.
func HandlePanic() {
	if r := recover(); r != nil {
		log.WithField("stack", string(debug.Stack())).Errorf("Panic: %v", r)
		exit(1)
	}
}

// PromptYesOrNo asks the user a yes or no question on stdin. Anything other
// than an explicit yes is treated as no.
func PromptYesOrNo(prompt string) (bool, error) {
	fmt.Printf("%s (y/N) ", prompt)
	resp, err := bufio.NewReader(stdin).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, errors.WithContext(err, "read response")
	}

	switch strings.ToLower(strings.TrimSpace(resp)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

// ClearProgress clears the line the progress printer writes to.
const ClearProgress = "\033[2K\r"

// ProgressPrinter prints a message followed by dots until it's stopped.
type ProgressPrinter struct {
	out     io.Writer
	msg     string
	stop    chan string
	stopped chan struct{}
}

// NewProgressPrinter returns a printer that writes msg to out.
func NewProgressPrinter(out io.Writer, msg string) *ProgressPrinter {
	return &ProgressPrinter{
		out:     out,
		msg:     msg,
		stop:    make(chan string),
		stopped: make(chan struct{}),
	}
}

// Run prints until Stop is called. It should be run in a goroutine.
func (pp *ProgressPrinter) Run() {
	defer close(pp.stopped)

	fmt.Fprint(pp.out, pp.msg)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case final := <-pp.stop:
			fmt.Fprint(pp.out, final)
			return
		case <-ticker.C:
			fmt.Fprint(pp.out, ".")
		}
	}
}

// Stop stops the printer and moves to the next line.
func (pp *ProgressPrinter) Stop() {
	pp.StopWithPrint("\n")
}

// StopWithPrint stops the printer and prints the given string.
func (pp *ProgressPrinter) StopWithPrint(final string) {
	pp.stop <- final
	<-pp.stopped
}
