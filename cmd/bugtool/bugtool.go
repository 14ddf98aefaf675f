package bugtool

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ghodss/yaml"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/sidkik/assetsync/cmd/util"
	"github.com/sidkik/assetsync/pkg/broker"
	"github.com/sidkik/assetsync/pkg/config"
	"github.com/sidkik/assetsync/pkg/errors"
	syncer "github.com/sidkik/assetsync/pkg/sync"
	"github.com/sidkik/assetsync/pkg/version"
)

const probeTimeout = 10 * time.Second

// Mocked for unit testing.
var (
	fs               = afero.NewOsFs()
	parseUserConfig  = config.ParseUser
	getBrokerVersion = func(ctx context.Context, addr string) (string, error) {
		c, err := broker.Dial(addr)
		if err != nil {
			return "", err
		}
		defer c.Close()
		return c.Version(ctx)
	}
)

// New creates a new `bug-tool` command.
func New() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "bug-tool",
		Short: "Generate an archive for debugging assetsync",
		Run:   func(_ *cobra.Command, _ []string) { main(out) },
	}
	cmd.Flags().StringVar(&out, "out", "", "path for archive")
	return cmd
}

func main(out string) {
	tmpdir, err := afero.TempDir(fs, "", "assetsync-bug-tool")
	if err != nil {
		err = errors.NewFriendlyError("Failed to create out directory:\n%s", err)
		util.HandleFatalError(err)
	}

	defer func() {
		if err := fs.RemoveAll(tmpdir); err != nil {
			util.HandleFatalError(err)
		}
	}()

	setupInfo(tmpdir)

	if out == "" {
		out = fmt.Sprintf("assetsync-bug-info-%s.tar.gz",
			time.Now().Format("Jan_02_2006-15-04-05"))
	}
	if err := tarDirectory(tmpdir, out); err != nil {
		err = errors.NewFriendlyError("Failed to tar:\n%s", err)
		util.HandleFatalError(err)
	}

	msg := `Created bug information archive at '%s'.
You may want to edit the archive before sharing it, since it contains your config.
The archive contains:
 * The assetsync config.
 * The version of assetsync and of the broker.
 * Whether each way of accessing the game's data directory is usable.
 * The files in the staging directory, and their sizes.
 * The catalog checksums cached by the last sync.
`
	fmt.Printf(msg, out)
}

func setupInfo(root string) {
	userConfig, err := parseUserConfig()
	if err != nil {
		log.WithError(err).Error("Failed to parse user config")
		return
	}

	if err := userConfig.ExpandPaths(); err != nil {
		log.WithError(err).Warn("Failed to expand paths in the user config")
	}

	if err := setupConfig(root, userConfig); err != nil {
		log.WithError(err).Warn("Failed to setup config")
	}

	if err := setupVersion(root, userConfig); err != nil {
		log.WithError(err).Warn("Failed to setup version info")
	}

	if err := setupChannels(root, userConfig); err != nil {
		log.WithError(err).Warn("Failed to setup channel status")
	}

	if err := setupStaging(root, userConfig); err != nil {
		log.WithError(err).Warn("Failed to setup staging listing")
	}

	if err := setupCache(root, userConfig); err != nil {
		log.WithError(err).Warn("Failed to setup cache")
	}
}

func setupConfig(root string, userConfig config.User) error {
	configBytes, err := yaml.Marshal(userConfig)
	if err != nil {
		return errors.WithContext(err, "marshal")
	}

	if err := afero.WriteFile(fs, filepath.Join(root, "config.yaml"), configBytes, 0644); err != nil {
		return errors.WithContext(err, "write")
	}
	return nil
}

func setupVersion(root string, userConfig config.User) error {
	outdir := filepath.Join(root, "version")
	if err := fs.Mkdir(outdir, 0755); err != nil {
		return errors.WithContext(err, "mkdir")
	}

	local := fmt.Sprintf("local version:   %s\nbroker protocol: %s\n",
		version.Version, broker.ProtocolVersion)
	if err := afero.WriteFile(fs, filepath.Join(outdir, "local"), []byte(local), 0644); err != nil {
		return errors.WithContext(err, "write local version")
	}

	addr := userConfig.Channel.Broker.Address
	if addr == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	remoteVersion, err := getBrokerVersion(ctx, addr)
	if err != nil {
		return errors.WithContext(err, "get broker version")
	}

	remote := fmt.Sprintf("broker version: %s\n", remoteVersion)
	if err := afero.WriteFile(fs, filepath.Join(outdir, "broker"), []byte(remote), 0644); err != nil {
		return errors.WithContext(err, "write broker version")
	}
	return nil
}

// setupChannels records whether each channel to the destination can be
// connected to. Unlike a sync, every candidate is tried.
func setupChannels(root string, userConfig config.User) error {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	var report strings.Builder
	for _, candidate := range syncer.Candidates(userConfig, fs) {
		ch, err := candidate.Connect(ctx)
		if err != nil {
			fmt.Fprintf(&report, "%s: unavailable: %s\n", candidate.Kind, err)
			continue
		}

		fmt.Fprintf(&report, "%s: ok (root %s)\n", candidate.Kind, ch.Root())
		if err := ch.Close(); err != nil {
			log.WithError(err).WithField("channel", candidate.Kind).Debug("Failed to close channel")
		}
	}

	if err := afero.WriteFile(fs, filepath.Join(root, "channels"), []byte(report.String()), 0644); err != nil {
		return errors.WithContext(err, "write")
	}
	return nil
}

func setupStaging(root string, userConfig config.User) error {
	if userConfig.Staging == "" {
		return errors.New("no staging directory defined in user config")
	}

	var listing strings.Builder
	err := afero.Walk(fs, userConfig.Staging, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !fi.Mode().IsRegular() {
			return nil
		}

		relPath, err := filepath.Rel(userConfig.Staging, path)
		if err != nil {
			return err
		}
		fmt.Fprintf(&listing, "%s\t%d\n", filepath.ToSlash(relPath), fi.Size())
		return nil
	})
	if err != nil {
		return errors.WithContext(err, "walk staging")
	}

	if err := afero.WriteFile(fs, filepath.Join(root, "staging"), []byte(listing.String()), 0644); err != nil {
		return errors.WithContext(err, "write")
	}
	return nil
}

// setupCache copies the checksum cache. Its files are small, and named after
// the catalogs.
func setupCache(root string, userConfig config.User) error {
	if userConfig.CacheDir == "" {
		return nil
	}

	outdir := filepath.Join(root, "cache")
	if err := fs.Mkdir(outdir, 0755); err != nil {
		return errors.WithContext(err, "mkdir")
	}

	entries, err := afero.ReadDir(fs, userConfig.CacheDir)
	if err != nil {
		return errors.WithContext(err, "read cache")
	}

	for _, entry := range entries {
		if !entry.Mode().IsRegular() {
			continue
		}

		contents, err := afero.ReadFile(fs, filepath.Join(userConfig.CacheDir, entry.Name()))
		if err != nil {
			return errors.WithContext(err, fmt.Sprintf("read %s", entry.Name()))
		}
		if err := afero.WriteFile(fs, filepath.Join(outdir, entry.Name()), contents, 0644); err != nil {
			return errors.WithContext(err, fmt.Sprintf("write %s", entry.Name()))
		}
	}
	return nil
}

func tarDirectory(src, outPath string) error {
	out, err := fs.Create(outPath)
	if err != nil {
		return errors.WithContext(err, "open destination")
	}
	defer out.Close()

	gzw := gzip.NewWriter(out)
	defer gzw.Close()

	tw := tar.NewWriter(gzw)
	defer tw.Close()

	return afero.Walk(fs, src, func(file string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		header, err := tar.FileInfoHeader(fi, fi.Name())
		if err != nil {
			return errors.WithContext(err, fmt.Sprintf("make header %s", file))
		}

		relPath, err := filepath.Rel(src, file)
		if err != nil {
			return errors.WithContext(err, fmt.Sprintf("get relative path of %s to %s", file, src))
		}

		header.Name = filepath.ToSlash(filepath.Join("assetsync-bug-info", relPath))
		if err := tw.WriteHeader(header); err != nil {
			return errors.WithContext(err, fmt.Sprintf("write %s header", file))
		}

		// Directories only have a header.
		if !fi.Mode().IsRegular() {
			return nil
		}

		f, err := fs.Open(file)
		if err != nil {
			return errors.WithContext(err, fmt.Sprintf("open %s", file))
		}
		defer f.Close()

		if _, err := io.Copy(tw, f); err != nil {
			return errors.WithContext(err, fmt.Sprintf("copy %s", file))
		}
		return nil
	})
}
