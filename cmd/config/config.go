package config

import (
	"bufio"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sidkik/assetsync/cmd/util"
	"github.com/sidkik/assetsync/pkg/config"
	"github.com/sidkik/assetsync/pkg/errors"
)

// Mocked for unit testing.
var (
	stdout          io.Writer = os.Stdout
	stdin           io.Reader = os.Stdin
	parseUserConfig           = config.ParseUser
	writeUserConfig           = config.WriteUser
	stat                      = os.Stat
)

// knownDestinations are the places the game keeps its files, in the order
// they're guessed.
var knownDestinations = []string{
	"/storage/emulated/0/Android/data/com.YostarJP.BlueArchive/files",
	"/sdcard/Android/data/com.YostarJP.BlueArchive/files",
}

// New creates a new `config` command.
func New() *cobra.Command {
	var cliOpts config.User
	var yes bool
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Setup the assetsync configuration",
		Run: func(_ *cobra.Command, _ []string) {
			if err := SetupConfig(cliOpts, yes); err != nil {
				err = errors.NewFriendlyError("Failed to setup configuration:\n%s", err)
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringSliceVar(&cliOpts.Mirrors, "mirror", nil,
		"Set the mirrors in the config. Can be repeated. "+
			"Optional: If not set, `assetsync config` will interactively prompt.")
	cmd.Flags().StringVar(&cliOpts.Destination, "destination", "",
		"Set the game's data directory in the config. "+
			"Optional: If not set, `assetsync config` will interactively prompt.")
	cmd.Flags().StringVar(&cliOpts.Staging, "staging", "",
		"Set the directory that files are downloaded into before they're installed. "+
			"Optional: If not set, `assetsync config` will interactively prompt.")
	cmd.Flags().IntVar(&cliOpts.Concurrency, "concurrency", 0,
		"Set the number of files downloaded at once.")
	cmd.Flags().BoolVar(&cliOpts.Channel.Proxy.Enabled, "enable-proxy", false,
		"Access the game's data directory through the file proxy when it isn't directly writable.")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false,
		"Don't prompt. Use the recommended value for every field that isn't set by a flag.")

	// Setup the commands for querying the contents of the config.
	type getterSpec struct {
		use, short string
		fn         func(config.User) string
	}

	getters := []getterSpec{
		{
			use:   "get-destination",
			short: "Get the configured game data directory",
			fn:    func(cfg config.User) string { return cfg.Destination },
		},
		{
			use:   "get-staging",
			short: "Get the configured staging directory",
			fn:    func(cfg config.User) string { return cfg.Staging },
		},
		{
			use:   "get-mirrors",
			short: "Get the configured mirrors, one per line",
			fn:    func(cfg config.User) string { return strings.Join(cfg.Mirrors, "\n") },
		},
		{
			use:   "get-concurrency",
			short: "Get the number of files downloaded at once",
			fn:    func(cfg config.User) string { return strconv.Itoa(cfg.Concurrency) },
		},
	}
	for _, getter := range getters {
		getter := getter
		cmd.AddCommand(&cobra.Command{
			Use:   getter.use,
			Short: getter.short,
			Run: func(_ *cobra.Command, _ []string) {
				cfg, err := parseUserConfig()
				if err != nil {
					err = errors.WithContext(err, "read config")
					util.HandleFatalError(err)
				}

				fmt.Fprintln(stdout, getter.fn(cfg))
			},
		})
	}

	return cmd
}

// SetupConfig writes the config, prompting for the fields that cliOpts
// doesn't set. If yes is true, the recommended values are used instead of
// prompting.
func SetupConfig(cliOpts config.User, yes bool) error {
	cfg, err := generateConfig(cliOpts, yes)
	if err != nil {
		return errors.WithContext(err, "generate config")
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := writeUserConfig(cfg); err != nil {
		return errors.WithContext(err, "write config")
	}

	path, err := config.GetUserConfigPath()
	if err != nil {
		return errors.WithContext(err, "get user config path")
	}

	fmt.Fprintf(stdout, "Wrote config to %s\n", path)
	return nil
}

func mirrorsValidationFn(resp string) (string, bool) {
	mirrors := splitMirrors(resp)
	if len(mirrors) == 0 {
		return "At least one mirror is required.", false
	}

	for _, mirror := range mirrors {
		parsed, err := url.Parse(mirror)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			return fmt.Sprintf("%q isn't an http or https URL.", mirror), false
		}
	}
	return "", true
}

func pathValidationFn(resp string) (string, bool) {
	if resp == "" {
		return "The path can't be empty.", false
	}
	return "", true
}

func splitMirrors(s string) (mirrors []string) {
	for _, mirror := range strings.Split(s, ",") {
		if mirror = strings.TrimSpace(mirror); mirror != "" {
			mirrors = append(mirrors, strings.TrimSuffix(mirror, "/"))
		}
	}
	return mirrors
}

type prompt struct {
	helpString, prompt, defaultAnswer, currAnswer string
	field                                         *string
	validationFn                                  func(string) (string, bool)
}

// generateConfig decides what the user's desired configuration is. Fields
// set in cliOpts are used as is. The rest are prompted for, with the current
// config and best guesses offered as choices.
func generateConfig(cliOpts config.User, yes bool) (config.User, error) {
	currConfig, err := parseUserConfig()
	if err != nil {
		currConfig = config.Default()
		log.WithError(err).Debug("Failed to read current config")
	}

	cfg := currConfig
	if cliOpts.Concurrency != 0 {
		cfg.Concurrency = cliOpts.Concurrency
	}
	if cliOpts.Channel.Proxy.Enabled {
		cfg.Channel.Proxy.Enabled = true
	}

	mirrors := strings.Join(cliOpts.Mirrors, ",")
	cfg.Destination = cliOpts.Destination
	cfg.Staging = cliOpts.Staging

	var prompts []prompt
	if mirrors == "" {
		prompts = append(prompts, prompt{
			helpString: "Enter the URLs of the mirrors to download from, separated by commas.\n" +
				"Mirrors are tried in order for every file they serve.",
			prompt:        "Mirrors",
			defaultAnswer: strings.Join(config.DefaultMirrors, ","),
			currAnswer:    strings.Join(currConfig.Mirrors, ","),
			field:         &mirrors,
			validationFn:  mirrorsValidationFn,
		})
	}

	if cfg.Destination == "" {
		prompts = append(prompts, prompt{
			helpString: "Enter the game's data directory.\n" +
				"Downloaded files are installed here.",
			prompt:        "Game data directory",
			defaultAnswer: guessDestination(),
			currAnswer:    currConfig.Destination,
			field:         &cfg.Destination,
			validationFn:  pathValidationFn,
		})
	}

	if cfg.Staging == "" {
		prompts = append(prompts, prompt{
			helpString: "Enter the directory to download files into before they're installed.\n" +
				"Keeping it between syncs avoids downloading unchanged files again.",
			prompt:        "Staging directory",
			defaultAnswer: config.Default().Staging,
			currAnswer:    currConfig.Staging,
			field:         &cfg.Staging,
			validationFn:  pathValidationFn,
		})
	}

	stdinReader := bufio.NewReader(stdin)
	for _, prompt := range prompts {
		if yes {
			*prompt.field = prompt.defaultAnswer
			continue
		}

		var resp string
		for {
			resp, err = promptUser(stdinReader, prompt.helpString, prompt.prompt,
				prompt.defaultAnswer, prompt.currAnswer)
			if err != nil {
				return config.User{}, errors.WithContext(err, "read response")
			}

			if prompt.validationFn == nil {
				break
			}

			validationErr, ok := prompt.validationFn(resp)
			if ok {
				break
			}

			fmt.Fprintln(stdout, validationErr)
		}

		*prompt.field = resp
	}

	cfg.Mirrors = splitMirrors(mirrors)
	return cfg, nil
}

// guessDestination returns the first known game directory that exists.
func guessDestination() string {
	for _, dir := range knownDestinations {
		if _, err := stat(dir); err == nil {
			return dir
		}
	}
	return config.Default().Destination
}

func promptUser(stdinReader *bufio.Reader, helpString, prompt, defaultAnswer, currAnswer string) (string, error) {
	// Separate the fields with a blank line.
	defer fmt.Fprintln(stdout)

	options := []string{}
	if defaultAnswer != "" {
		options = append(options, defaultAnswer)
	}
	if currAnswer != "" && currAnswer != defaultAnswer {
		options = append(options, currAnswer)
	}
	options = append(options, "(Enter manually)")

	fmt.Fprintln(stdout, helpString+"\n"+prompt+":")

	if nOptions := len(options); nOptions > 1 {
		fmt.Fprintln(stdout)
		for i, option := range options {
			if i == 0 {
				option = fmt.Sprintf("%s (recommended)", option)
			}
			fmt.Fprintf(stdout, "\t%d. %s\n", i+1, option)
		}
		fmt.Fprintln(stdout)

		for {
			fmt.Fprintf(stdout, "Please choose one [1-%d]: ", nOptions)
			choiceStr, err := stdinReader.ReadString('\n')
			if err != nil {
				return "", err
			}

			var choice int
			choiceStr = strings.TrimRight(choiceStr, "\n")

			// An empty response picks the recommended option.
			if choiceStr == "" {
				choice = 1
			} else {
				choice, err = strconv.Atoi(choiceStr)
				if err != nil || choice < 1 || choice > nOptions {
					continue
				}
			}

			if choice == nOptions {
				break
			}

			return options[choice-1], nil
		}
	}

	fmt.Fprint(stdout, "Please enter manually: ")
	resp, err := stdinReader.ReadString('\n')
	if err != nil {
		return "", err
	}

	return strings.TrimRight(resp, "\n"), nil
}
