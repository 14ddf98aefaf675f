package sync

import (
	"context"
	"hash/crc32"
	"sort"
	"strings"
	goSync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/sidkik/assetsync/cmd/util"
	"github.com/sidkik/assetsync/pkg/cache"
	"github.com/sidkik/assetsync/pkg/catalog"
	"github.com/sidkik/assetsync/pkg/channel"
	"github.com/sidkik/assetsync/pkg/download"
	"github.com/sidkik/assetsync/pkg/errors"
	"github.com/sidkik/assetsync/pkg/install"
)

const (
	runField         = "run"
	progressInterval = 500 * time.Millisecond
)

// Options configures a Coordinator.
type Options struct {
	Mirrors        []string
	FallbackURL    string
	FallbackEnvURL string
	Concurrency    int

	// Force redownloads every file, even if a valid copy is staged.
	Force bool

	// CustomOnly skips the assets that no mirror lists.
	CustomOnly bool

	// SkipUnchanged skips the assets of catalogs whose checksum matches the
	// one recorded in Cache by the last successful run.
	SkipUnchanged bool

	Client *download.HTTPClient

	// Destination provides the channel to the destination tree. It's
	// selected when a run starts.
	Destination *channel.Session

	// Staging is where files are downloaded before they're installed. If
	// it's nil, files are downloaded straight into the destination.
	Staging channel.Channel

	// Cache is optional.
	Cache *cache.Store

	Observer Observer
	Clock    clockwork.Clock
	Logger   *logrus.Logger
}

// Result is the outcome of a run.
type Result struct {
	RunID string

	// OK is true if every catalog and every asset synced.
	OK bool

	// Failed names the catalogs and hash files that failed, either entirely
	// or because some of their assets failed.
	Failed []string

	Progress download.Progress
	Duration time.Duration

	// Err is set if the run couldn't start.
	Err error
}

// Coordinator runs syncs. At most one run is in progress at a time.
type Coordinator struct {
	opts Options

	lock      goSync.Mutex
	running   bool
	stage     Stage
	listeners []func(Result)
}

// NewCoordinator returns a coordinator. Unset optional fields are given
// defaults.
func NewCoordinator(opts Options) *Coordinator {
	if opts.Observer == nil {
		opts.Observer = NopObserver{}
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Client == nil {
		opts.Client = download.NewHTTPClient(download.DefaultHTTPConfig())
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}

	// Paths are appended to mirrors after a slash.
	mirrors := make([]string, len(opts.Mirrors))
	for i, mirror := range opts.Mirrors {
		mirrors[i] = strings.TrimRight(mirror, "/")
	}
	opts.Mirrors = mirrors
	return &Coordinator{opts: opts}
}

// Stage returns the stage of the current run.
func (c *Coordinator) Stage() Stage {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.stage
}

// OnComplete registers fn to be called once, when the next run completes.
// Listeners are called in the order they were registered.
func (c *Coordinator) OnComplete(fn func(Result)) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Start runs a sync in the background. It returns false, without doing
// anything, if a run is already in progress.
func (c *Coordinator) Start(ctx context.Context) bool {
	if !c.acquire() {
		return false
	}

	go func() {
		defer util.HandlePanic()
		c.run(ctx)
	}()
	return true
}

// Run runs a sync and waits for it to finish. If a run is already in
// progress, it returns immediately with ErrRunInProgress.
func (c *Coordinator) Run(ctx context.Context) Result {
	if !c.acquire() {
		return Result{Err: errors.ErrRunInProgress}
	}
	return c.run(ctx)
}

func (c *Coordinator) acquire() bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.running {
		c.opts.Logger.Warn("A sync is already in progress. Ignoring the request")
		return false
	}
	c.running = true
	return true
}

func (c *Coordinator) release() {
	c.lock.Lock()
	c.running = false
	c.stage = Idle
	c.lock.Unlock()
	c.opts.Observer.OnStage(Idle)
}

func (c *Coordinator) setStage(stage Stage) {
	c.lock.Lock()
	c.stage = stage
	c.lock.Unlock()
	c.opts.Observer.OnStage(stage)
}

// run is the body of a run. The caller must have acquired the run.
func (c *Coordinator) run(ctx context.Context) Result {
	defer c.release()

	r := &runState{
		opts:     c.opts,
		id:       uuid.NewString(),
		counters: &download.Counters{},
	}
	r.log = newRunLogger(c.opts.Logger, c.opts.Observer).WithField(runField, r.id)
	start := c.opts.Clock.Now()

	dest, err := c.opts.Destination.Get(ctx)
	if err != nil {
		r.log.WithError(err).Error("No way to access the destination. Not syncing")
		return Result{RunID: r.id, Err: err}
	}
	r.dest = dest
	r.staging = c.opts.Staging
	if r.staging == nil {
		r.staging = dest
	}
	r.installer = install.New(r.staging, r.dest, r.log)

	r.log.WithField("channel", dest.Kind()).Info("Starting sync")

	c.setStage(FetchingAvailability)
	r.fetchAvailability(ctx)

	c.setStage(ParsingCatalogs)
	plans := r.parseCatalogs(ctx)

	c.setStage(Downloading)
	stopProgress := r.reportProgress()
	r.download(ctx, plans)
	stopProgress()

	c.setStage(Completing)
	sort.Strings(r.failed)
	result := Result{
		RunID:    r.id,
		OK:       len(r.failed) == 0,
		Failed:   r.failed,
		Progress: r.counters.Snapshot(),
		Duration: c.opts.Clock.Since(start),
	}
	r.emitProgress()
	if result.OK {
		r.log.WithField("duration", result.Duration).Info("Sync finished")
	} else {
		r.log.WithField("failed", result.Failed).Error("Sync finished with failures")
	}

	for _, listener := range c.takeListeners() {
		listener(result)
	}
	return result
}

func (c *Coordinator) takeListeners() []func(Result) {
	c.lock.Lock()
	defer c.lock.Unlock()
	listeners := c.listeners
	c.listeners = nil
	return listeners
}

// runState is the state owned by a single run.
type runState struct {
	opts Options
	id   string
	log  logrus.FieldLogger

	dest, staging channel.Channel
	installer     *install.Installer
	counters      *download.Counters

	availability download.Availability
	fallback     string

	failedLock goSync.Mutex
	failed     []string
}

// catalogPlan is a catalog that's ready to be downloaded.
type catalogPlan struct {
	source  catalog.Source
	staged  string
	catalog catalog.Catalog
	crc     uint32

	// unchanged is true if the catalog matches the last successful run, so
	// only the catalog file itself needs to be installed.
	unchanged bool
}

func (r *runState) fail(name string) {
	r.failedLock.Lock()
	defer r.failedLock.Unlock()
	r.failed = append(r.failed, name)
}

func (r *runState) orchestrator() *download.Orchestrator {
	return download.NewOrchestrator(download.Options{
		Mirrors:      r.opts.Mirrors,
		Availability: r.availability,
		Fallback:     r.fallback,
		Client:       r.opts.Client,
		Staging:      r.staging,
		Placer:       r.installer,
		Counters:     r.counters,
		Concurrency:  r.opts.Concurrency,
		Force:        r.opts.Force,
		Clock:        r.opts.Clock,
		Log:          r.log,
	})
}

func (r *runState) fetchAvailability(ctx context.Context) {
	r.availability = download.FetchAvailability(ctx, r.opts.Client, r.opts.Mirrors,
		r.opts.Concurrency, r.log)

	fallback, err := download.ResolveFallbackURL(ctx, r.opts.Client,
		r.opts.FallbackURL, r.opts.FallbackEnvURL)
	if err != nil {
		r.log.WithError(err).Warn("Failed to find the fallback mirror. " +
			"Only the configured mirrors will be used")
		return
	}
	r.fallback = fallback
	r.log.WithField("fallback", fallback).Debug("Resolved fallback mirror")
}

// parseCatalogs downloads and decodes the catalogs concurrently. Catalogs
// that fail are recorded as failures, and left out of the returned plans.
func (r *runState) parseCatalogs(ctx context.Context) []*catalogPlan {
	orch := r.orchestrator()
	sources := catalog.Sources()
	plans := make([]*catalogPlan, len(sources))

	var group errgroup.Group
	for i, source := range sources {
		i, source := i, source
		group.Go(func() error {
			plan, err := r.parseCatalog(ctx, orch, source)
			if err != nil {
				r.log.WithError(err).WithField("catalog", source.Path).
					Error("Failed to process catalog")
				r.fail(source.Name)
				return nil
			}
			plans[i] = plan
			return nil
		})
	}
	group.Wait()

	var ready []*catalogPlan
	for _, plan := range plans {
		if plan != nil {
			ready = append(ready, plan)
		}
	}
	return ready
}

func (r *runState) parseCatalog(ctx context.Context, orch *download.Orchestrator,
	source catalog.Source) (*catalogPlan, error) {

	staged, ok := orch.Download(ctx, download.Task{
		Path:  source.Path,
		Desc:  catalog.Empty,
		Force: true,
	})
	if !ok {
		return nil, errors.New("no mirror served %s", source.Path)
	}

	data, err := channel.ReadFile(r.staging, staged)
	if err != nil {
		return nil, errors.WithContext(err, "read")
	}

	parsed, err := source.Parse(data)
	if err != nil {
		return nil, errors.WithContext(err, "parse")
	}

	plan := &catalogPlan{
		source:  source,
		staged:  staged,
		catalog: parsed,
		crc:     crc32.ChecksumIEEE(data),
	}

	if r.opts.CustomOnly {
		servable := r.availability.Union()
		removed := parsed.Filter(func(path string) bool {
			_, ok := servable[path]
			return ok
		})
		r.log.WithField("catalog", source.Path).WithField("removed", removed).
			Debug("Removed assets that no mirror serves")
	}

	if r.opts.SkipUnchanged && !r.opts.Force && r.opts.Cache != nil {
		prev, ok, err := r.opts.Cache.CatalogCRC(source.Name)
		if err != nil {
			r.log.WithError(err).WithField("catalog", source.Name).
				Warn("Failed to read cached catalog checksum")
		}
		plan.unchanged = ok && prev == plan.crc
	}

	r.log.WithField("catalog", source.Path).WithField("files", len(parsed)).
		WithField("unchanged", plan.unchanged).
		Info("Processed catalog")
	return plan, nil
}

// download installs the catalogs and their assets, along with the catalogs'
// hash files. All of them are processed concurrently.
func (r *runState) download(ctx context.Context, plans []*catalogPlan) {
	r.counters.Reset()
	for _, plan := range plans {
		if plan.unchanged {
			continue
		}
		r.counters.FilesTotal.Add(int64(len(plan.catalog)))
		r.counters.BytesTotal.Add(plan.catalog.TotalSize())
	}

	orch := r.orchestrator()
	var group errgroup.Group
	for _, plan := range plans {
		plan := plan
		group.Go(func() error {
			if !r.installCatalog(ctx, orch, plan) {
				r.fail(plan.source.Name)
			}
			return nil
		})
	}

	for _, source := range catalog.Sources() {
		source := source
		group.Go(func() error {
			if !r.copyHashFile(ctx, orch, source.HashPath) {
				r.fail(source.Name + " hash")
			}
			return nil
		})
	}
	group.Wait()
}

func (r *runState) installCatalog(ctx context.Context, orch *download.Orchestrator,
	plan *catalogPlan) bool {

	log := r.log.WithField("catalog", plan.source.Path)
	if _, err := r.installer.Place(plan.staged, plan.source.Path); err != nil {
		log.WithError(err).Error("Failed to install catalog")
		r.forgetCatalog(plan.source.Name)
		return false
	}

	if plan.unchanged {
		log.Info("Catalog is unchanged since the last sync. Skipping its assets")
		return true
	}

	log.WithField("files", len(plan.catalog)).Info("Downloading assets")
	if !orch.DownloadAll(ctx, plan.catalog) {
		r.forgetCatalog(plan.source.Name)
		return false
	}

	if r.opts.Cache != nil {
		if err := r.opts.Cache.SetCatalogCRC(plan.source.Name, plan.crc); err != nil {
			log.WithError(err).Warn("Failed to cache catalog checksum")
		}
	}
	return true
}

func (r *runState) forgetCatalog(name string) {
	if r.opts.Cache == nil {
		return
	}
	if err := r.opts.Cache.ForgetCatalog(name); err != nil {
		r.log.WithError(err).WithField("catalog", name).
			Warn("Failed to clear cached catalog checksum")
	}
}

func (r *runState) copyHashFile(ctx context.Context, orch *download.Orchestrator, path string) bool {
	log := r.log.WithField("path", path)
	staged, ok := orch.Download(ctx, download.Task{Path: path, Desc: catalog.Empty, Force: true})
	if !ok {
		log.Error("Failed to download hash file")
		return false
	}

	if _, err := r.installer.Place(staged, path); err != nil {
		log.WithError(err).Error("Failed to install hash file")
		return false
	}
	return true
}

// reportProgress emits progress events periodically until the returned
// function is called.
func (r *runState) reportProgress() (stop func()) {
	ticker := r.opts.Clock.NewTicker(progressInterval)
	done := make(chan struct{})
	exited := make(chan struct{})

	go func() {
		defer util.HandlePanic()
		defer close(exited)
		for {
			select {
			case <-ticker.Chan():
				r.emitProgress()
			case <-done:
				return
			}
		}
	}()

	return func() {
		ticker.Stop()
		close(done)
		<-exited
	}
}

func (r *runState) emitProgress() {
	progress := r.counters.Snapshot()
	r.opts.Observer.OnProgress(progress.FilesDone, progress.FilesTotal,
		progress.BytesDoneMB(), progress.BytesTotalMB())
}
