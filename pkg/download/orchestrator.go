package download

import (
	"context"
	"io"
	"path"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/sidkik/assetsync/cmd/util"
	"github.com/sidkik/assetsync/pkg/catalog"
	"github.com/sidkik/assetsync/pkg/channel"
	"github.com/sidkik/assetsync/pkg/errors"
	"github.com/sidkik/assetsync/pkg/install"
)

const (
	maxAttempts = 5
	retryDelay  = 5 * time.Second
)

// Task is a single file to fetch.
type Task struct {
	// Path is the content path, which is both the URL path on the mirrors
	// and the path in the staging store.
	Path string

	Desc catalog.Descriptor

	// Force downloads the file even if a valid copy is already staged.
	Force bool
}

// Placer installs downloaded files into the destination.
type Placer interface {
	Place(staged, contentPath string) (install.Placement, error)
	DeleteOldVersions(placed string)
}

// Options configures an Orchestrator.
type Options struct {
	// Mirrors are tried in order for every file they list in Availability.
	Mirrors      []string
	Availability Availability

	// Fallback is tried after the mirrors, regardless of availability. It
	// may be empty.
	Fallback string

	Client   *HTTPClient
	Staging  channel.Channel
	Placer   Placer
	Counters *Counters

	// Concurrency is the number of files installed at once, across all
	// concurrent calls to DownloadAll.
	Concurrency int

	// Force redownloads files that are already staged.
	Force bool

	Clock clockwork.Clock
	Log   logrus.FieldLogger
}

// Orchestrator downloads files from the mirrors into the staging store,
// verifying them against their descriptors.
type Orchestrator struct {
	Options

	slots chan struct{}
}

// NewOrchestrator returns an orchestrator. A nil clock or logger are replaced
// with the real clock and the standard logger.
func NewOrchestrator(opts Options) *Orchestrator {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	if opts.Counters == nil {
		opts.Counters = &Counters{}
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	return &Orchestrator{Options: opts, slots: make(chan struct{}, opts.Concurrency)}
}

// Download makes sure that a verified copy of the task's file is staged, and
// returns its path in the staging store. It returns false if no mirror
// served a valid copy within the attempt limit.
func (o *Orchestrator) Download(ctx context.Context, task Task) (string, bool) {
	log := o.Log.WithField("path", task.Path)
	tracked := !task.Desc.IsEmpty()

	if !task.Force && !tracked {
		// Files without a descriptor can't be verified, so they're always
		// fetched.
		task.Force = true
	}
	if !task.Force {
		if ok, err := o.verifyStaged(task.Path, task.Desc); err != nil {
			log.WithError(err).Debug("Failed to verify staged file")
		} else if ok {
			o.Counters.BytesDone.Add(task.Desc.Size)
			log.Debug("Already staged")
			return task.Path, true
		}
	}

	if err := o.Staging.MkdirAll(path.Dir(task.Path)); err != nil {
		log.WithError(err).Error("Failed to create staging directory")
		return "", false
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if o.attempt(ctx, task, log) {
			return task.Path, true
		}

		o.deleteArtifact(task.Path, log)
		if ctx.Err() != nil {
			log.WithError(ctx.Err()).Warn("Download aborted")
			return "", false
		}

		log.WithField("attempt", attempt).Warn("No mirror served a valid copy")
		if attempt == maxAttempts {
			break
		}

		select {
		case <-o.Clock.After(retryDelay):
		case <-ctx.Done():
			log.WithError(ctx.Err()).Warn("Download aborted")
			return "", false
		}
	}

	log.WithField("attempts", maxAttempts).Error("Failed to download file")
	return "", false
}

// attempt tries every mirror that lists the path, then the fallback.
func (o *Orchestrator) attempt(ctx context.Context, task Task, log logrus.FieldLogger) bool {
	var urls []string
	for _, mirror := range o.Mirrors {
		if o.Availability.Has(mirror, task.Path) {
			urls = append(urls, mirror)
		}
	}
	if o.Fallback != "" {
		urls = append(urls, o.Fallback)
	}

	for _, mirror := range urls {
		if ctx.Err() != nil {
			return false
		}

		url := mirror + "/" + task.Path
		err := o.fetch(ctx, url, task)
		if err == nil {
			log.WithField("url", url).Debug("Downloaded file")
			return true
		}

		log.WithError(err).WithField("url", url).Warn("Failed to download from mirror")
		o.deleteArtifact(task.Path, log)
	}
	return false
}

// fetch streams url into the staging store and verifies the result.
func (o *Orchestrator) fetch(ctx context.Context, url string, task Task) error {
	tracked := !task.Desc.IsEmpty()

	body, err := o.Client.Get(ctx, url)
	if err != nil {
		return err
	}
	defer body.Close()

	out, err := o.Staging.OpenWrite(task.Path)
	if err != nil {
		return errors.WithContext(err, "open staging file")
	}

	var streamed int64
	var src io.Reader = body
	if tracked {
		src = &countingReader{r: body, counter: &o.Counters.BytesDone, total: &streamed}
	}

	crc, size, err := catalog.Checksum(io.TeeReader(src, out))
	closeErr := out.Close()
	if err == nil && closeErr != nil {
		err = errors.WithContext(closeErr, "close staging file")
	}
	if err == nil && !task.Desc.Matches(crc, size) {
		err = &errors.IntegrityMismatchError{
			Path:       task.Path,
			URL:        url,
			ExpCRC:     task.Desc.CRC,
			ActualCRC:  int64(crc),
			ExpSize:    task.Desc.Size,
			ActualSize: size,
		}
	}

	if err != nil {
		o.Counters.BytesDone.Add(-streamed)
		return err
	}
	return nil
}

func (o *Orchestrator) verifyStaged(p string, desc catalog.Descriptor) (bool, error) {
	exists, err := o.Staging.Exists(p)
	if err != nil || !exists {
		return false, err
	}

	// Skip reading the file if the size is already wrong.
	size, err := o.Staging.Size(p)
	if err != nil || size != desc.Size {
		return false, err
	}

	f, err := o.Staging.Open(p)
	if err != nil {
		return false, err
	}
	defer f.Close()

	crc, n, err := catalog.Checksum(f)
	if err != nil {
		return false, err
	}
	return desc.Matches(crc, n), nil
}

func (o *Orchestrator) deleteArtifact(p string, log logrus.FieldLogger) {
	if err := o.Staging.Delete(p); err != nil {
		log.WithError(err).Warn("Failed to delete invalid download")
	}
}

// DownloadAll downloads and installs every entry in c, largest first. It
// returns true if every entry succeeded. A failure doesn't stop the other
// entries from being processed. It's safe to call concurrently for different
// catalogs, in which case the calls share the worker slots.
func (o *Orchestrator) DownloadAll(ctx context.Context, c catalog.Catalog) bool {
	entries := c.Sorted()
	jobs := make(chan catalog.Entry, len(entries))
	for _, entry := range entries {
		jobs <- entry
	}
	close(jobs)

	var failures atomic.Int64
	done := make(chan struct{})
	for i := 0; i < o.Concurrency; i++ {
		go func() {
			defer util.HandlePanic()
			defer func() { done <- struct{}{} }()
			for entry := range jobs {
				o.slots <- struct{}{}
				ok := o.install(ctx, entry)
				<-o.slots

				if !ok {
					failures.Add(1)
				}
				o.Counters.FilesDone.Add(1)
			}
		}()
	}
	for i := 0; i < o.Concurrency; i++ {
		<-done
	}

	if n := failures.Load(); n > 0 {
		o.Log.WithField("failed", n).WithField("total", len(entries)).
			Error("Some files failed to sync")
		return false
	}
	return true
}

// install runs the full pipeline for a single entry: download, place, then
// prune older versions.
func (o *Orchestrator) install(ctx context.Context, entry catalog.Entry) bool {
	log := o.Log.WithField("path", entry.Path)
	staged, ok := o.Download(ctx, Task{Path: entry.Path, Desc: entry.Descriptor, Force: o.Force})
	if !ok {
		return false
	}

	placement, err := o.Placer.Place(staged, entry.Path)
	if err != nil {
		log.WithError(err).Error("Failed to install file")
		return false
	}

	if placement.ContentAddressed {
		o.Placer.DeleteOldVersions(placement.Path)
	}
	return true
}

// countingReader adds the bytes read to a shared counter and a local total.
type countingReader struct {
	r       io.Reader
	counter *atomic.Int64
	total   *int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.counter.Add(int64(n))
	*cr.total += int64(n)
	return n, err
}
