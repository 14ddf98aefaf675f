package version

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/assetsync/pkg/config"
	"github.com/sidkik/assetsync/pkg/errors"
)

func TestRun(t *testing.T) {
	tests := []struct {
		name          string
		brokerAddress string
		brokerVersion string
		brokerErr     error
		expOutput     string
	}{
		{
			name:      "NoBroker",
			expOutput: "local version:   set-by-make\nbroker protocol: 2.0.0\n",
		},
		{
			name:          "Reachable",
			brokerAddress: "127.0.0.1:9002",
			brokerVersion: "1.0.3",
			expOutput: "local version:   set-by-make\nbroker protocol: 2.0.0\n" +
				"broker version:  1.0.3 (127.0.0.1:9002)\n",
		},
		{
			name:          "Unreachable",
			brokerAddress: "127.0.0.1:9002",
			brokerErr:     errors.New("connection refused"),
			expOutput: "local version:   set-by-make\nbroker protocol: 2.0.0\n" +
				"broker version:  unreachable (127.0.0.1:9002)\n",
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			var out bytes.Buffer
			stdout = &out
			parseUserConfig = func() (config.User, error) {
				cfg := config.Default()
				cfg.Channel.Broker.Address = test.brokerAddress
				return cfg, nil
			}
			getBrokerVersion = func(_ context.Context, addr string) (string, error) {
				assert.Equal(t, test.brokerAddress, addr)
				return test.brokerVersion, test.brokerErr
			}

			require.NoError(t, run())
			assert.Equal(t, test.expOutput, out.String())
		})
	}
}
