package bugtool

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"io"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/assetsync/pkg/config"
	"github.com/sidkik/assetsync/pkg/errors"
)

type file struct {
	path, contents string
}

func testConfig() config.User {
	cfg := config.Default()
	cfg.Destination = "/dest"
	cfg.Staging = "/staging"
	cfg.CacheDir = "/cache"
	cfg.Channel.Broker.Address = ""
	cfg.Channel.RootShell.Command = []string{"false"}
	return cfg
}

func TestSetupConfig(t *testing.T) {
	fs = afero.NewMemMapFs()

	require.NoError(t, setupConfig("root", testConfig()))
	contents, err := afero.ReadFile(fs, "root/config.yaml")
	require.NoError(t, err)
	assert.Contains(t, string(contents), "destination: /dest\n")
	assert.Contains(t, string(contents), "staging: /staging\n")
}

func TestSetupVersion(t *testing.T) {
	tests := []struct {
		name          string
		brokerAddress string
		brokerErr     error
		expFiles      []file
		expMissing    []string
		expError      string
	}{
		{
			name: "No broker",
			expFiles: []file{
				{"root/version/local", "local version:   set-by-make\nbroker protocol: 2.0.0\n"},
			},
			expMissing: []string{"root/version/broker"},
		},
		{
			name:          "Broker reachable",
			brokerAddress: "127.0.0.1:9002",
			expFiles: []file{
				{"root/version/local", "local version:   set-by-make\nbroker protocol: 2.0.0\n"},
				{"root/version/broker", "broker version: 1.0.0\n"},
			},
		},
		{
			name:          "Broker unreachable",
			brokerAddress: "127.0.0.1:9002",
			brokerErr:     errors.New("connection refused"),
			expFiles: []file{
				{"root/version/local", "local version:   set-by-make\nbroker protocol: 2.0.0\n"},
			},
			expMissing: []string{"root/version/broker"},
			expError:   "get broker version: connection refused",
		},
	}

	for _, test := range tests {
		fs = afero.NewMemMapFs()
		getBrokerVersion = func(context.Context, string) (string, error) {
			return "1.0.0", test.brokerErr
		}

		cfg := testConfig()
		cfg.Channel.Broker.Address = test.brokerAddress
		err := setupVersion("root", cfg)
		if test.expError == "" {
			assert.NoError(t, err, test.name)
		} else {
			assert.EqualError(t, err, test.expError, test.name)
		}
		assertFiles(t, test.expFiles, test.name)

		for _, path := range test.expMissing {
			exists, err := afero.Exists(fs, path)
			assert.NoError(t, err, test.name)
			assert.False(t, exists, test.name)
		}
	}
}

func TestSetupChannels(t *testing.T) {
	fs = afero.NewMemMapFs()

	require.NoError(t, setupChannels("root", testConfig()))
	contents, err := afero.ReadFile(fs, "root/channels")
	require.NoError(t, err)

	report := string(contents)
	assert.Contains(t, report, "direct: ok (root /dest)\n")
	assert.Contains(t, report, "proxy: unavailable: disabled\n")
	assert.Contains(t, report, "broker: unavailable: no address configured\n")
	assert.Contains(t, report, "root: unavailable: ")
}

func TestSetupStaging(t *testing.T) {
	fs = afero.NewMemMapFs()
	require.NoError(t, setupFiles([]file{
		{"/staging/Android/a.bundle", "aaaa"},
		{"/staging/TableBundles/TableCatalog.bytes", "t"},
	}))

	require.NoError(t, setupStaging("root", testConfig()))
	assertFiles(t, []file{{"root/staging",
		"Android/a.bundle\t4\nTableBundles/TableCatalog.bytes\t1\n"}}, "")

	cfg := testConfig()
	cfg.Staging = ""
	assert.EqualError(t, setupStaging("root", cfg), "no staging directory defined in user config")
}

func TestSetupCache(t *testing.T) {
	fs = afero.NewMemMapFs()
	require.NoError(t, setupFiles([]file{
		{"/cache/table", "12345"},
		{"/cache/media", "678"},
	}))

	require.NoError(t, setupCache("root", testConfig()))
	assertFiles(t, []file{
		{"root/cache/table", "12345"},
		{"root/cache/media", "678"},
	}, "")
}

func TestTarDirectory(t *testing.T) {
	fs = afero.NewMemMapFs()
	require.NoError(t, setupFiles([]file{
		{"/tmp/info/config.yaml", "config"},
		{"/tmp/info/version/local", "version"},
	}))

	require.NoError(t, tarDirectory("/tmp/info", "/out.tar.gz"))

	f, err := fs.Open("/out.tar.gz")
	require.NoError(t, err)
	defer f.Close()

	gzr, err := gzip.NewReader(f)
	require.NoError(t, err)
	tr := tar.NewReader(gzr)

	files := map[string]string{}
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)

		contents, err := io.ReadAll(tr)
		require.NoError(t, err)
		files[header.Name] = string(contents)
	}

	assert.Equal(t, map[string]string{
		"assetsync-bug-info":               "",
		"assetsync-bug-info/config.yaml":   "config",
		"assetsync-bug-info/version":       "",
		"assetsync-bug-info/version/local": "version",
	}, files)
}

func setupFiles(files []file) error {
	for _, f := range files {
		if err := afero.WriteFile(fs, f.path, []byte(f.contents), 0644); err != nil {
			return err
		}
	}
	return nil
}

func assertFiles(t *testing.T, files []file, msg string) {
	for _, f := range files {
		contents, err := afero.ReadFile(fs, f.path)
		assert.NoError(t, err, msg)
		assert.Equal(t, f.contents, string(contents), msg)
	}
}
