package proxy

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/assetsync/pkg/errors"
	"github.com/sidkik/assetsync/pkg/proxy"
)

func TestListenAddress(t *testing.T) {
	tests := []struct {
		input, exp string
	}{
		{input: "", exp: defaultAddress},
		{input: "http://127.0.0.1:9000", exp: "127.0.0.1:9000"},
		{input: "http://localhost:9000/", exp: "localhost:9000"},
		{input: "127.0.0.1:9001", exp: "127.0.0.1:9001"},
	}

	for _, test := range tests {
		test := test
		t.Run(test.input, func(t *testing.T) {
			assert.Equal(t, test.exp, listenAddress(test.input))
		})
	}
}

func TestRun(t *testing.T) {
	fs = afero.NewMemMapFs()

	var servedAddress string
	runProxy = func(_ context.Context, address string, s *proxy.Server) error {
		servedAddress = address
		return nil
	}
	defer func() { runProxy = proxy.Run }()

	require.NoError(t, run(context.Background(), "127.0.0.1:8765", "/dest"))
	assert.Equal(t, "127.0.0.1:8765", servedAddress)

	err := run(context.Background(), "127.0.0.1:8765", "")
	assert.Equal(t, errors.MissingFieldError{Field: "destination"}, err)
}
