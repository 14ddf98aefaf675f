package channel

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/sidkik/assetsync/pkg/errors"
)

// Candidate is a channel that may be usable on this device.
type Candidate struct {
	Kind Kind

	// Connect returns the channel if it's usable, or an error describing why
	// it isn't.
	Connect func(ctx context.Context) (Channel, error)
}

// Selector picks the first usable channel out of a list of candidates, in
// priority order.
type Selector struct {
	Candidates []Candidate
	Log        logrus.FieldLogger
}

// Select returns the highest priority usable channel. If none can be used,
// it returns a PrivilegedChannelUnavailableError.
func (s Selector) Select(ctx context.Context) (Channel, error) {
	rejected := map[string]string{}
	for _, candidate := range s.Candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		ch, err := candidate.Connect(ctx)
		if err == nil {
			s.logger().WithField("channel", candidate.Kind).Info("Selected file access channel")
			return ch, nil
		}

		s.logger().WithError(err).WithField("channel", candidate.Kind).Debug(
			"File access channel is unavailable")
		rejected[string(candidate.Kind)] = err.Error()
	}
	return nil, &errors.PrivilegedChannelUnavailableError{Rejected: rejected}
}

func (s Selector) logger() logrus.FieldLogger {
	if s.Log == nil {
		return logrus.StandardLogger()
	}
	return s.Log
}

// Session holds the channel selected for the process. It's selected on first
// use and kept until it's reset, or until Get finds that its connection was
// lost, such as when the broker exits.
type Session struct {
	selector Selector

	lock    sync.Mutex
	current Channel
}

// NewSession returns a session that selects its channel with selector.
func NewSession(selector Selector) *Session {
	return &Session{selector: selector}
}

// Get returns the session's channel, selecting one if there is none or if
// the current one reports ErrDisconnected.
func (s *Session) Get(ctx context.Context) (Channel, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.current != nil {
		_, err := s.current.Exists(".")
		if !errors.Is(err, errors.ErrDisconnected) {
			return s.current, nil
		}

		s.selector.logger().WithError(err).WithField("channel", s.current.Kind()).
			Warn("Lost the file access channel. Selecting a new one")
		if err := s.current.Close(); err != nil {
			s.selector.logger().WithError(err).Debug("Failed to close channel")
		}
		s.current = nil
	}

	ch, err := s.selector.Select(ctx)
	if err != nil {
		return nil, err
	}
	s.current = ch
	return ch, nil
}

// Reset closes the current channel so that the next Get selects again.
func (s *Session) Reset() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.current == nil {
		return nil
	}

	err := s.current.Close()
	s.current = nil
	return err
}

// Close releases the session's channel.
func (s *Session) Close() error {
	return s.Reset()
}
