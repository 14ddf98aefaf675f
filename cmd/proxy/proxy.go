package proxy

import (
	"context"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/sidkik/assetsync/cmd/util"
	"github.com/sidkik/assetsync/pkg/channel"
	"github.com/sidkik/assetsync/pkg/config"
	"github.com/sidkik/assetsync/pkg/errors"
	"github.com/sidkik/assetsync/pkg/proxy"
)

// defaultAddress is used if neither the flag nor the config sets one.
const defaultAddress = "127.0.0.1:8765"

// Mocked for unit testing.
var (
	parseUserConfig = config.ParseUser
	runProxy        = proxy.Run
	fs              = afero.NewOsFs()
)

// New creates a new `proxy` command.
func New() *cobra.Command {
	var address, root string
	cmd := &cobra.Command{
		Use:   "proxy",
		Short: "Serve the game's data directory over HTTP to local sync clients",
		Run: func(_ *cobra.Command, _ []string) {
			cfg, err := parseUserConfig()
			if err != nil {
				util.HandleFatalError(errors.WithContext(err, "parse config"))
			}
			if address == "" {
				address = listenAddress(cfg.Channel.Proxy.Address)
			}
			if root == "" {
				root = cfg.Destination
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			if err := run(ctx, address, root); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVar(&address, "address", "",
		"The address to listen on. Defaults to the host and port of the configured proxy address.")
	cmd.Flags().StringVar(&root, "root", "",
		"The directory to serve. Defaults to the configured destination.")
	return cmd
}

// listenAddress converts the URL clients use to reach the proxy into the
// address it listens on.
func listenAddress(clientAddress string) string {
	if clientAddress == "" {
		return defaultAddress
	}
	if !strings.Contains(clientAddress, "://") {
		return clientAddress
	}
	if u, err := url.Parse(clientAddress); err == nil && u.Host != "" {
		return u.Host
	}
	return defaultAddress
}

func run(ctx context.Context, address, root string) error {
	if root == "" {
		return errors.MissingFieldError{Field: "destination"}
	}

	files := channel.NewDirect(fs, root)
	if err := files.Probe(); err != nil {
		return errors.NewFriendlyError("Can't write to %s: %s", root, err)
	}
	return runProxy(ctx, address, proxy.NewServer(files))
}
