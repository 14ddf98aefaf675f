package sync

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	goSync "sync"
	"syscall"
	"time"

	"github.com/buger/goterm"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/sidkik/assetsync/cmd/util"
	"github.com/sidkik/assetsync/pkg/cache"
	"github.com/sidkik/assetsync/pkg/channel"
	"github.com/sidkik/assetsync/pkg/config"
	"github.com/sidkik/assetsync/pkg/download"
	"github.com/sidkik/assetsync/pkg/errors"
	syncer "github.com/sidkik/assetsync/pkg/sync"
)

// Mocked for unit testing.
var (
	stdout          io.Writer = os.Stdout
	parseUserConfig           = config.ParseUser
	fs                        = afero.NewOsFs()
	runThen                   = runThenImpl
)

// flags are the command line overrides of the config.
type flags struct {
	mirrors       []string
	fallbackURL   string
	destination   string
	staging       string
	concurrency   int
	force         bool
	all           bool
	straight      bool
	skipUnchanged bool
	then          string
}

// New creates a new `sync` command.
func New() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Download the latest assets and install them into the game",
		Long: "Download the catalogs and the assets they list from the configured\n" +
			"mirrors, verify them, and install them into the game's data directory.",
		Run: func(cmd *cobra.Command, _ []string) {
			cfg, err := parseUserConfig()
			if err != nil {
				util.HandleFatalError(errors.WithContext(err, "parse config"))
			}
			f.apply(cmd, &cfg)

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			if err := run(ctx, cfg, f.then); err != nil {
				util.HandleFatalError(err)
			}
		},
	}

	cmd.Flags().StringSliceVar(&f.mirrors, "mirror", nil,
		"A mirror to download from. Can be repeated. Replaces the configured mirrors.")
	cmd.Flags().StringVar(&f.fallbackURL, "fallback-url", "",
		"The mirror of last resort.")
	cmd.Flags().StringVar(&f.destination, "destination", "",
		"The game's data directory.")
	cmd.Flags().StringVar(&f.staging, "staging", "",
		"The directory files are downloaded into before they're installed.")
	cmd.Flags().IntVar(&f.concurrency, "concurrency", 0,
		"The number of files downloaded at once.")
	cmd.Flags().BoolVar(&f.force, "force", false,
		"Download every file, even if a verified copy is already staged.")
	cmd.Flags().BoolVar(&f.all, "all", false,
		"Download every asset in the catalogs, not just the ones the mirrors serve.")
	cmd.Flags().BoolVar(&f.straight, "straight", false,
		"Download straight into the game's data directory.")
	cmd.Flags().BoolVar(&f.skipUnchanged, "skip-unchanged", false,
		"Skip the assets of catalogs that haven't changed since the last successful sync.")
	cmd.Flags().StringVar(&f.then, "then", "",
		"A shell command to run after a successful sync, such as one that launches the game.")
	return cmd
}

// apply overrides the config with the flags that were explicitly set.
func (f flags) apply(cmd *cobra.Command, cfg *config.User) {
	changed := cmd.Flags().Changed
	if changed("mirror") {
		cfg.Mirrors = f.mirrors
	}
	if changed("fallback-url") {
		cfg.FallbackURL = f.fallbackURL
	}
	if changed("destination") {
		cfg.Destination = f.destination
	}
	if changed("staging") {
		cfg.Staging = f.staging
	}
	if changed("concurrency") {
		cfg.Concurrency = f.concurrency
	}
	if changed("force") {
		cfg.ForceRedownload = f.force
	}
	if changed("all") {
		cfg.CustomOnly = !f.all
	}
	if changed("straight") {
		cfg.StraightToDestination = f.straight
	}
	if changed("skip-unchanged") {
		cfg.SkipUnchangedCatalogs = f.skipUnchanged
	}
}

func run(ctx context.Context, cfg config.User, then string) error {
	if err := cfg.ExpandPaths(); err != nil {
		return errors.WithContext(err, "expand paths")
	}
	if err := cfg.Validate(); err != nil {
		return errors.NewFriendlyError("The config is incomplete: %s.\n"+
			"Run `assetsync config` to set it up.", err)
	}

	session := channel.NewSession(channel.Selector{
		Candidates: syncer.Candidates(cfg, fs),
		Log:        log.StandardLogger(),
	})
	defer session.Close()

	opts, err := coordinatorOptions(cfg, session)
	if err != nil {
		return err
	}

	printer := newProgressPrinter(stdout)
	opts.Observer = printer
	coordinator := syncer.NewCoordinator(opts)

	var thenErr error
	if then != "" {
		coordinator.OnComplete(func(result syncer.Result) {
			if result.OK {
				thenErr = runThen(ctx, then)
			}
		})
	}

	result := coordinator.Run(ctx)
	printer.finish(result)
	if result.Err != nil {
		return result.Err
	}
	if !result.OK {
		return errors.NewFriendlyError("Sync failed for: %s", strings.Join(result.Failed, ", "))
	}
	if thenErr != nil {
		return errors.WithContext(thenErr, "run follow-up command")
	}
	return nil
}

func coordinatorOptions(cfg config.User, session *channel.Session) (syncer.Options, error) {
	httpConfig := download.DefaultHTTPConfig()
	if cfg.UserAgent != "" {
		httpConfig.UserAgent = cfg.UserAgent
	}

	opts := syncer.Options{
		Mirrors:        cfg.Mirrors,
		FallbackURL:    cfg.FallbackURL,
		FallbackEnvURL: cfg.FallbackEnvURL,
		Concurrency:    cfg.Concurrency,
		Force:          cfg.ForceRedownload,
		CustomOnly:     cfg.CustomOnly,
		SkipUnchanged:  cfg.SkipUnchangedCatalogs,
		Client:         download.NewHTTPClient(httpConfig),
		Destination:    session,
		Logger:         log.StandardLogger(),
	}

	if !cfg.StraightToDestination {
		opts.Staging = channel.NewDirect(fs, cfg.Staging)
	}

	if cfg.CacheDir != "" {
		if err := fs.MkdirAll(cfg.CacheDir, 0755); err != nil {
			return syncer.Options{}, errors.WithContext(err, "make cache directory")
		}
		opts.Cache = cache.New(cfg.CacheDir)
	}
	return opts, nil
}

func runThenImpl(ctx context.Context, command string) error {
	log.WithField("command", command).Info("Running follow-up command")
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// progressPrinter renders the run's progress as a single line that's
// rewritten in place. Log lines are printed by logrus.
type progressPrinter struct {
	out io.Writer

	lock  goSync.Mutex
	stage syncer.Stage
}

func newProgressPrinter(out io.Writer) *progressPrinter {
	return &progressPrinter{out: out}
}

func (p *progressPrinter) OnProgress(filesDone, filesTotal, bytesDoneMB, bytesTotalMB int64) {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.stage != syncer.Downloading {
		return
	}

	color := goterm.YELLOW
	if filesTotal > 0 && filesDone == filesTotal {
		color = goterm.GREEN
	}
	line := fmt.Sprintf("%d/%d files, %d/%d MB", filesDone, filesTotal, bytesDoneMB, bytesTotalMB)
	fmt.Fprint(p.out, util.ClearProgress+goterm.Color(line, color))
}

func (p *progressPrinter) OnLog(string) {}

func (p *progressPrinter) OnError(string, error) {}

func (p *progressPrinter) OnStage(stage syncer.Stage) {
	p.lock.Lock()
	defer p.lock.Unlock()

	// Move off the progress line before the summary is printed.
	if p.stage == syncer.Downloading && stage == syncer.Completing {
		fmt.Fprintln(p.out)
	}
	p.stage = stage
}

func (p *progressPrinter) finish(result syncer.Result) {
	p.lock.Lock()
	defer p.lock.Unlock()

	if result.Err != nil {
		return
	}

	if result.OK {
		fmt.Fprintln(p.out, goterm.Color(fmt.Sprintf("Synced %d files in %s",
			result.Progress.FilesDone, result.Duration.Round(time.Millisecond)), goterm.GREEN))
		return
	}
	fmt.Fprintln(p.out, goterm.Color(fmt.Sprintf("Sync failed for: %s",
		strings.Join(result.Failed, ", ")), goterm.RED))
}
