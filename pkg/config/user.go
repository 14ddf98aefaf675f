package config

import (
	"path/filepath"
	"strings"

	"github.com/ghodss/yaml"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/afero"

	"github.com/sidkik/assetsync/pkg/download"
	"github.com/sidkik/assetsync/pkg/errors"
)

const (
	// UserConfigPath is the default path to the assetsync config.
	UserConfigPath = "~/.assetsync.yaml"

	// InitialUserConfigVersion is the first version of the config. Config
	// files that don't specify a version default to this version.
	InitialUserConfigVersion = "v1alpha1"

	// SupportedUserConfigVersion is the config version understood by this
	// binary.
	SupportedUserConfigVersion = "v1alpha1"

	// DefaultConcurrency is the number of files downloaded at once when the
	// config doesn't say otherwise.
	DefaultConcurrency = 8
)

// DefaultMirrors are the mirrors used when no config file exists.
var DefaultMirrors = []string{
	"https://cdn.bluearchive.me/beicheng/latest",
	"https://cdn.bluearchive.me/new/latest",
}

// User is the configuration for syncing.
type User struct {
	Version string `json:"version,omitempty"`

	// Mirrors are tried in order for every asset they serve.
	Mirrors []string `json:"mirrors"`

	// FallbackURL is the mirror of last resort. If it's empty, it's read
	// from the env file at FallbackEnvURL.
	FallbackURL    string `json:"fallbackURL,omitempty"`
	FallbackEnvURL string `json:"fallbackEnvURL,omitempty"`

	Concurrency int `json:"concurrency,omitempty"`

	// ForceRedownload downloads assets even if a valid copy is staged.
	ForceRedownload bool `json:"forceRedownload,omitempty"`

	// CustomOnly limits a sync to the assets that at least one mirror serves.
	CustomOnly bool `json:"customOnly"`

	// StraightToDestination downloads directly into the destination tree
	// rather than into the staging directory.
	StraightToDestination bool `json:"straightToDestination,omitempty"`

	// SkipUnchangedCatalogs skips the assets of catalogs that haven't
	// changed since the last successful sync.
	SkipUnchangedCatalogs bool `json:"skipUnchangedCatalogs,omitempty"`

	Destination string `json:"destination"`
	Staging     string `json:"staging,omitempty"`
	CacheDir    string `json:"cacheDir,omitempty"`
	UserAgent   string `json:"userAgent,omitempty"`

	Channel Channel `json:"channel"`
}

// Channel configures how the destination tree is accessed when it isn't
// directly writable.
type Channel struct {
	Proxy     Proxy     `json:"proxy"`
	Broker    Broker    `json:"broker"`
	RootShell RootShell `json:"rootShell"`
}

// Proxy configures the companion file proxy.
type Proxy struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address,omitempty"`
}

// Broker configures the broker daemon.
type Broker struct {
	// Address is the daemon's address. The broker isn't tried if it's empty.
	Address string `json:"address,omitempty"`
}

// RootShell configures the superuser shell.
type RootShell struct {
	// Command is the prefix that runs a shell command as the superuser. The
	// command is appended as a single argument.
	Command []string `json:"command,omitempty"`
}

func (u User) getVersion() string {
	return u.Version
}

// Default returns the config used when no config file exists.
func Default() User {
	return User{
		Version:        SupportedUserConfigVersion,
		Mirrors:        append([]string(nil), DefaultMirrors...),
		FallbackEnvURL: download.DefaultFallbackEnvURL,
		Concurrency:    DefaultConcurrency,
		CustomOnly:     true,
		Destination:    "/storage/emulated/0/Android/data/com.YostarJP.BlueArchive/files",
		Staging:        "~/.cache/assetsync/staging",
		CacheDir:       "~/.cache/assetsync/state",
		Channel: Channel{
			Proxy:     Proxy{Address: "http://127.0.0.1:8765"},
			Broker:    Broker{Address: "127.0.0.1:9002"},
			RootShell: RootShell{Command: []string{"su", "-c"}},
		},
	}
}

// homedirExpand is overridden in the tests.
var homedirExpand = homedir.Expand

// ParseUser parses the config at the default path. The defaults are returned
// if the file doesn't exist. Fields omitted from the file keep their default
// values.
func ParseUser() (User, error) {
	path, err := GetUserConfigPath()
	if err != nil {
		return User{}, errors.WithContext(err, "expand config path")
	}

	config := Default()
	config.Version = InitialUserConfigVersion
	if err := parseConfig(path, &config, SupportedUserConfigVersion); err != nil {
		if _, ok := err.(errors.FileNotFound); ok {
			return Default(), nil
		}
		return User{}, errors.WithContext(err, "parse")
	}
	return config, nil
}

// ExpandPaths resolves the `~` prefix in the path fields. Relative paths are
// evaluated relative to the config file's directory.
func (u *User) ExpandPaths() error {
	configPath, err := GetUserConfigPath()
	if err != nil {
		return errors.WithContext(err, "expand config path")
	}

	for _, field := range []*string{&u.Staging, &u.CacheDir} {
		if *field == "" {
			continue
		}

		expanded, err := homedirExpand(*field)
		if err != nil {
			return errors.WithContext(err, "expand path")
		}
		if !filepath.IsAbs(expanded) {
			expanded = filepath.Join(filepath.Dir(configPath), expanded)
		}
		*field = expanded
	}
	return nil
}

// Validate checks that the fields required for a sync are set. It raises
// the concurrency to at least one, and strips trailing slashes from the
// mirrors.
func (u *User) Validate() error {
	if len(u.Mirrors) == 0 {
		return errors.MissingFieldError{Field: "mirrors"}
	}
	for i, mirror := range u.Mirrors {
		u.Mirrors[i] = strings.TrimRight(mirror, "/")
	}
	if u.Destination == "" {
		return errors.MissingFieldError{Field: "destination"}
	}
	if !u.StraightToDestination && u.Staging == "" {
		return errors.MissingFieldError{Field: "staging"}
	}
	if u.Concurrency < 1 {
		u.Concurrency = 1
	}
	return nil
}

// WriteUser writes the given config to disk.
func WriteUser(cfg User) error {
	cfg.Version = SupportedUserConfigVersion
	path, err := GetUserConfigPath()
	if err != nil {
		return errors.WithContext(err, "expand config path")
	}

	yamlBytes, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.WithContext(err, "marshal")
	}

	if err := afero.WriteFile(fs, path, yamlBytes, 0644); err != nil {
		return errors.WithContext(err, "write")
	}
	return nil
}

// GetUserConfigPath returns the expanded path to the config file, so that it
// can be directly passed to file operations.
func GetUserConfigPath() (string, error) {
	return homedirExpand(UserConfigPath)
}
