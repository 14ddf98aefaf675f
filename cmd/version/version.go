package version

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sidkik/assetsync/cmd/util"
	"github.com/sidkik/assetsync/pkg/broker"
	"github.com/sidkik/assetsync/pkg/config"
	"github.com/sidkik/assetsync/pkg/errors"
	"github.com/sidkik/assetsync/pkg/version"
)

const brokerTimeout = 5 * time.Second

// Mocked for unit testing.
var (
	stdout           io.Writer = os.Stdout
	parseUserConfig            = config.ParseUser
	getBrokerVersion           = getBrokerVersionImpl
)

// New creates a new `version` command.
func New() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version of assetsync and of the broker protocol.",
		Long: "Print the local version of assetsync and, if a broker is configured\n" +
			"and reachable, the protocol version it speaks.",
		Run: func(_ *cobra.Command, _ []string) {
			if err := run(); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
}

func run() error {
	fmt.Fprintf(stdout, "local version:   %s\n", version.Version)
	fmt.Fprintf(stdout, "broker protocol: %s\n", broker.ProtocolVersion)

	cfg, err := parseUserConfig()
	if err != nil {
		return errors.WithContext(err, "parse config")
	}

	addr := cfg.Channel.Broker.Address
	if addr == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), brokerTimeout)
	defer cancel()
	remoteVersion, err := getBrokerVersion(ctx, addr)
	if err != nil {
		log.WithError(err).WithField("address", addr).Debug("Failed to get broker version")
		fmt.Fprintf(stdout, "broker version:  unreachable (%s)\n", addr)
		return nil
	}

	fmt.Fprintf(stdout, "broker version:  %s (%s)\n", remoteVersion, addr)
	return nil
}

func getBrokerVersionImpl(ctx context.Context, addr string) (string, error) {
	c, err := broker.Dial(addr)
	if err != nil {
		return "", err
	}
	defer c.Close()
	return c.Version(ctx)
}
