package install

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/sidkik/assetsync/cmd/util"
	"github.com/sidkik/assetsync/pkg/channel"
	"github.com/sidkik/assetsync/pkg/config"
	"github.com/sidkik/assetsync/pkg/errors"
	"github.com/sidkik/assetsync/pkg/install"
	syncer "github.com/sidkik/assetsync/pkg/sync"
)

// Mocked for unit testing.
var (
	stdout          io.Writer = os.Stdout
	parseUserConfig           = config.ParseUser
	fs                        = afero.NewOsFs()
)

// New creates a new `install` command.
func New() *cobra.Command {
	var concurrency int
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install the staged files into the game without downloading anything",
		Long: "Copy every file in the staging directory into the game's data directory,\n" +
			"renaming and replacing files the same way a sync does.",
		Run: func(cmd *cobra.Command, _ []string) {
			cfg, err := parseUserConfig()
			if err != nil {
				util.HandleFatalError(errors.WithContext(err, "parse config"))
			}
			if cmd.Flags().Changed("concurrency") {
				cfg.Concurrency = concurrency
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			if err := run(ctx, cfg); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", 0,
		"The number of files installed at once.")
	return cmd
}

func run(ctx context.Context, cfg config.User) error {
	if err := cfg.ExpandPaths(); err != nil {
		return errors.WithContext(err, "expand paths")
	}
	if err := cfg.Validate(); err != nil {
		return errors.NewFriendlyError("The config is incomplete: %s.\n"+
			"Run `assetsync config` to set it up.", err)
	}
	if cfg.StraightToDestination {
		return errors.NewFriendlyError("There's nothing to install: files are " +
			"downloaded straight into the game's data directory.")
	}

	session := channel.NewSession(channel.Selector{
		Candidates: syncer.Candidates(cfg, fs),
		Log:        log.StandardLogger(),
	})
	defer session.Close()

	dest, err := session.Get(ctx)
	if err != nil {
		return errors.WithContext(err, "access game data directory")
	}

	installer := install.New(channel.NewDirect(fs, cfg.Staging), dest, log.StandardLogger())
	result, err := installer.ReplaceAll(ctx, cfg.Concurrency)
	if err != nil {
		return errors.WithContext(err, "install")
	}

	fmt.Fprintf(stdout, "Installed %d files\n", result.Placed)
	if result.Failed > 0 {
		return errors.NewFriendlyError("Failed to install %d files. "+
			"See the log for details.", result.Failed)
	}
	return nil
}
