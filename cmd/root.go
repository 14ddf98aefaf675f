package cmd

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	brokerCmd "github.com/sidkik/assetsync/cmd/broker"
	"github.com/sidkik/assetsync/cmd/bugtool"
	configCmd "github.com/sidkik/assetsync/cmd/config"
	installCmd "github.com/sidkik/assetsync/cmd/install"
	proxyCmd "github.com/sidkik/assetsync/cmd/proxy"
	syncCmd "github.com/sidkik/assetsync/cmd/sync"
	"github.com/sidkik/assetsync/cmd/util"
	"github.com/sidkik/assetsync/cmd/version"
)

// verboseLogKey is the environment variable used to enable verbose logging.
// When it's set to `true`, Debug events are logged, rather than just Info and
// above.
const verboseLogKey = "ASSETSYNC_LOG_VERBOSE"

// Execute runs the main CLI process.
func Execute() {
	if os.Getenv(verboseLogKey) == "true" {
		log.SetLevel(log.DebugLevel)
	}

	rootCmd := &cobra.Command{
		Use:          "assetsync",
		Short:        "Keep the game's assets in sync with the CDN mirrors",
		SilenceUsage: true,

		// The call to rootCmd.Execute prints the error, so we silence errors
		// here to avoid double printing.
		SilenceErrors: true,
	}
	rootCmd.AddCommand(
		brokerCmd.New(),
		bugtool.New(),
		configCmd.New(),
		installCmd.New(),
		proxyCmd.New(),
		syncCmd.New(),
		version.New(),
	)

	if err := rootCmd.Execute(); err != nil {
		util.HandleFatalError(err)
	}
}
