package broker

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	goSync "sync"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/sidkik/assetsync/cmd/util"
	"github.com/sidkik/assetsync/pkg/broker"
	"github.com/sidkik/assetsync/pkg/channel"
	"github.com/sidkik/assetsync/pkg/config"
	"github.com/sidkik/assetsync/pkg/errors"
)

// Mocked for unit testing.
var (
	parseUserConfig = config.ParseUser
	promptYesOrNo   = util.PromptYesOrNo
	runBroker       = broker.Run
	fs              = afero.NewOsFs()
)

// New creates a new `broker` command.
func New() *cobra.Command {
	var address, root string
	var ask bool
	cmd := &cobra.Command{
		Use:   "broker",
		Short: "Serve the game's data directory to assetsync running as another user",
		Long: "Run the broker daemon. It must be started by a user that can write to\n" +
			"the game's data directory, and serves that directory to sync clients\n" +
			"that can't write to it themselves.",
		Run: func(_ *cobra.Command, _ []string) {
			cfg, err := parseUserConfig()
			if err != nil {
				util.HandleFatalError(errors.WithContext(err, "parse config"))
			}
			if address == "" {
				address = cfg.Channel.Broker.Address
			}
			if root == "" {
				root = cfg.Destination
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			if err := run(ctx, address, root, ask); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVar(&address, "address", "",
		"The address to listen on. Defaults to the configured broker address.")
	cmd.Flags().StringVar(&root, "root", "",
		"The directory to serve. Defaults to the configured destination.")
	cmd.Flags().BoolVar(&ask, "ask", false,
		"Ask before granting each new client access.")
	return cmd
}

func run(ctx context.Context, address, root string, ask bool) error {
	if address == "" {
		return errors.MissingFieldError{Field: "channel.broker.address"}
	}
	if root == "" {
		return errors.MissingFieldError{Field: "destination"}
	}

	policy := broker.AllowAll
	if ask {
		policy = promptPolicy()
	}

	files := channel.NewDirect(fs, root)
	if err := files.Probe(); err != nil {
		return errors.NewFriendlyError("Can't write to %s: %s", root, err)
	}
	return runBroker(ctx, address, broker.NewServer(files, policy))
}

// promptPolicy asks the user whether to grant each client. Prompts are
// serialized so that concurrent requests don't interleave on the terminal.
func promptPolicy() broker.PermissionPolicy {
	var lock goSync.Mutex
	return func(client string) bool {
		lock.Lock()
		defer lock.Unlock()

		granted, err := promptYesOrNo(fmt.Sprintf("Allow client %s to access the game's files?", client))
		if err != nil {
			log.WithError(err).Warn("Failed to read response. Denying access")
			return false
		}
		return granted
	}
}
