package sync

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

// Stage is a step of a sync run.
type Stage int

const (
	// Idle means no run is in progress.
	Idle Stage = iota
	// FetchingAvailability downloads the list of files each mirror serves.
	FetchingAvailability
	// ParsingCatalogs downloads and decodes the catalogs.
	ParsingCatalogs
	// Downloading downloads and installs the assets listed in the catalogs.
	Downloading
	// Completing reports the result of the run.
	Completing
)

func (s Stage) String() string {
	switch s {
	case Idle:
		return "Idle"
	case FetchingAvailability:
		return "FetchingAvailability"
	case ParsingCatalogs:
		return "ParsingCatalogs"
	case Downloading:
		return "Downloading"
	case Completing:
		return "Completing"
	default:
		return fmt.Sprintf("Stage(%d)", int(s))
	}
}

// Observer receives the events of a run. The methods may be called
// concurrently.
type Observer interface {
	OnProgress(filesDone, filesTotal, bytesDoneMB, bytesTotalMB int64)
	OnLog(msg string)
	OnError(msg string, err error)
	OnStage(stage Stage)
}

// NopObserver ignores all events.
type NopObserver struct{}

// OnProgress implements Observer.
func (NopObserver) OnProgress(int64, int64, int64, int64) {}

// OnLog implements Observer.
func (NopObserver) OnLog(string) {}

// OnError implements Observer.
func (NopObserver) OnError(string, error) {}

// OnStage implements Observer.
func (NopObserver) OnStage(Stage) {}

// observerHook forwards log entries to an Observer, so that the observer sees
// the same messages as the log.
type observerHook struct {
	observer Observer
}

func (h observerHook) Levels() []logrus.Level {
	return []logrus.Level{
		logrus.PanicLevel,
		logrus.FatalLevel,
		logrus.ErrorLevel,
		logrus.WarnLevel,
		logrus.InfoLevel,
	}
}

func (h observerHook) Fire(entry *logrus.Entry) error {
	msg := formatEntry(entry)
	if entry.Level > logrus.ErrorLevel {
		h.observer.OnLog(msg)
		return nil
	}

	err, _ := entry.Data[logrus.ErrorKey].(error)
	h.observer.OnError(msg, err)
	return nil
}

// formatEntry renders the message and its fields, except for the error and
// the run ID.
func formatEntry(entry *logrus.Entry) string {
	var fields []string
	for key, val := range entry.Data {
		if key == logrus.ErrorKey || key == runField {
			continue
		}
		fields = append(fields, fmt.Sprintf("%s=%v", key, val))
	}
	if len(fields) == 0 {
		return entry.Message
	}

	sort.Strings(fields)
	return entry.Message + " (" + strings.Join(fields, ", ") + ")"
}

// newRunLogger returns a logger that writes like base, and additionally
// forwards entries to observer.
func newRunLogger(base *logrus.Logger, observer Observer) *logrus.Logger {
	logger := logrus.New()
	logger.Out = base.Out
	logger.Formatter = base.Formatter
	logger.Level = base.GetLevel()
	logger.ReportCaller = base.ReportCaller
	for level, hooks := range base.Hooks {
		logger.Hooks[level] = append([]logrus.Hook(nil), hooks...)
	}
	logger.AddHook(observerHook{observer})
	return logger
}
