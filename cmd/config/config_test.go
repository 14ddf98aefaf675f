package config

import (
	"bufio"
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/assetsync/pkg/config"
	"github.com/sidkik/assetsync/pkg/errors"
)

func TestPromptUser(t *testing.T) {
	tests := []struct {
		name                                                 string
		helpString, prompt, defaultAnswer, currAnswer, stdin string
		expPrompt, expResult                                 string
	}{
		{
			name:       "No default or current answer",
			helpString: "explanation",
			prompt:     "prompt",
			stdin:      "user input\n",
			expPrompt: "explanation\n" +
				"prompt:\n" +
				"Please enter manually: \n",
			expResult: "user input",
		},
		{
			name:          "Chose current answer",
			helpString:    "explanation",
			prompt:        "prompt",
			defaultAnswer: "default answer",
			currAnswer:    "current answer",
			stdin:         "2\n",
			expPrompt: "explanation\n" +
				"prompt:\n" +
				"\n" +
				"\t1. default answer (recommended)\n" +
				"\t2. current answer\n" +
				"\t3. (Enter manually)\n" +
				"\n" +
				"Please choose one [1-3]: \n",
			expResult: "current answer",
		},
		{
			name:          "Empty response picks the default",
			helpString:    "explanation",
			prompt:        "prompt",
			defaultAnswer: "default answer",
			currAnswer:    "default answer",
			stdin:         "\n",
			expPrompt: "explanation\n" +
				"prompt:\n" +
				"\n" +
				"\t1. default answer (recommended)\n" +
				"\t2. (Enter manually)\n" +
				"\n" +
				"Please choose one [1-2]: \n",
			expResult: "default answer",
		},
		{
			name:          "Invalid choice, then enter manually",
			helpString:    "explanation",
			prompt:        "prompt",
			defaultAnswer: "default answer",
			stdin:         "5\n2\nuser input\n",
			expPrompt: "explanation\n" +
				"prompt:\n" +
				"\n" +
				"\t1. default answer (recommended)\n" +
				"\t2. (Enter manually)\n" +
				"\n" +
				"Please choose one [1-2]: " +
				"Please choose one [1-2]: " +
				"Please enter manually: \n",
			expResult: "user input",
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			var out bytes.Buffer
			stdout = &out

			result, err := promptUser(bufio.NewReader(strings.NewReader(test.stdin)),
				test.helpString, test.prompt, test.defaultAnswer, test.currAnswer)
			assert.NoError(t, err)
			assert.Equal(t, test.expResult, result)
			assert.Equal(t, test.expPrompt, out.String())
		})
	}
}

func TestGenerateConfig(t *testing.T) {
	stdout = &bytes.Buffer{}
	stat = func(string) (os.FileInfo, error) { return nil, os.ErrNotExist }
	parseUserConfig = func() (config.User, error) {
		cfg := config.Default()
		cfg.Concurrency = 3
		return cfg, nil
	}

	// Pick the recommended mirrors, enter the destination manually, and
	// take the default staging directory.
	stdin = strings.NewReader("1\n2\n/data/game\n\n")

	cfg, err := generateConfig(config.User{}, false)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultMirrors, cfg.Mirrors)
	assert.Equal(t, "/data/game", cfg.Destination)
	assert.Equal(t, config.Default().Staging, cfg.Staging)
	assert.Equal(t, 3, cfg.Concurrency)
}

func TestGenerateConfigFlags(t *testing.T) {
	stdout = &bytes.Buffer{}
	stdin = strings.NewReader("")
	parseUserConfig = func() (config.User, error) {
		return config.User{}, errors.New("no config")
	}

	cfg, err := generateConfig(config.User{
		Mirrors:     []string{"https://a.example.com/", "https://b.example.com"},
		Destination: "/dest",
		Staging:     "/staging",
		Concurrency: 2,
	}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.Mirrors)
	assert.Equal(t, "/dest", cfg.Destination)
	assert.Equal(t, "/staging", cfg.Staging)
	assert.Equal(t, 2, cfg.Concurrency)
	assert.Equal(t, config.Default().Channel, cfg.Channel)
}

func TestGenerateConfigYes(t *testing.T) {
	stdout = &bytes.Buffer{}
	stdin = strings.NewReader("")
	parseUserConfig = func() (config.User, error) { return config.Default(), nil }
	stat = func(path string) (os.FileInfo, error) {
		if path == knownDestinations[1] {
			return nil, nil
		}
		return nil, os.ErrNotExist
	}

	cfg, err := generateConfig(config.User{}, true)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultMirrors, cfg.Mirrors)
	assert.Equal(t, knownDestinations[1], cfg.Destination)
}

func TestSetupConfig(t *testing.T) {
	stdout = &bytes.Buffer{}
	stdin = strings.NewReader("")
	parseUserConfig = func() (config.User, error) { return config.Default(), nil }

	var written []config.User
	writeUserConfig = func(cfg config.User) error {
		written = append(written, cfg)
		return nil
	}
	defer func() { writeUserConfig = config.WriteUser }()

	err := SetupConfig(config.User{
		Mirrors:     []string{"https://mirror.example.com"},
		Destination: "/dest",
		Staging:     "/staging",
		Concurrency: -1,
	}, false)
	require.NoError(t, err)
	require.Len(t, written, 1)
	assert.Equal(t, 1, written[0].Concurrency)
}

func TestMirrorsValidation(t *testing.T) {
	_, ok := mirrorsValidationFn("https://a.example.com, http://b.example.com/x")
	assert.True(t, ok)

	msg, ok := mirrorsValidationFn("  , ")
	assert.False(t, ok)
	assert.Equal(t, "At least one mirror is required.", msg)

	msg, ok = mirrorsValidationFn("https://a.example.com,ftp://b.example.com")
	assert.False(t, ok)
	assert.Equal(t, `"ftp://b.example.com" isn't an http or https URL.`, msg)
}

func TestGetters(t *testing.T) {
	parseUserConfig = func() (config.User, error) {
		cfg := config.Default()
		cfg.Mirrors = []string{"https://a.example.com", "https://b.example.com"}
		cfg.Destination = "/dest"
		return cfg, nil
	}

	tests := []struct {
		args []string
		exp  string
	}{
		{args: []string{"get-destination"}, exp: "/dest\n"},
		{args: []string{"get-mirrors"}, exp: "https://a.example.com\nhttps://b.example.com\n"},
		{args: []string{"get-concurrency"}, exp: "8\n"},
	}

	for _, test := range tests {
		test := test
		t.Run(test.args[0], func(t *testing.T) {
			var out bytes.Buffer
			stdout = &out

			cmd := New()
			cmd.SetArgs(test.args)
			assert.NoError(t, cmd.Execute())
			assert.Equal(t, test.exp, out.String())
		})
	}
}
