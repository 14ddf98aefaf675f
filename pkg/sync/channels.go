package sync

import (
	"context"

	"github.com/spf13/afero"

	"github.com/sidkik/assetsync/pkg/broker"
	"github.com/sidkik/assetsync/pkg/channel"
	"github.com/sidkik/assetsync/pkg/config"
	"github.com/sidkik/assetsync/pkg/errors"
	"github.com/sidkik/assetsync/pkg/proxy"
)

// Candidates returns the ways of accessing the configured destination, in
// the order they should be tried. fs is used for direct access.
func Candidates(cfg config.User, fs afero.Fs) []channel.Candidate {
	candidates := []channel.Candidate{{
		Kind: channel.KindDirect,
		Connect: func(context.Context) (channel.Channel, error) {
			direct := channel.NewDirect(fs, cfg.Destination)
			if err := direct.Probe(); err != nil {
				return nil, err
			}
			return direct, nil
		},
	}}

	proxyCfg := cfg.Channel.Proxy
	candidates = append(candidates, channel.Candidate{
		Kind: channel.KindProxy,
		Connect: func(ctx context.Context) (channel.Channel, error) {
			if !proxyCfg.Enabled {
				return nil, errors.New("disabled")
			}
			if proxyCfg.Address == "" {
				return nil, errors.MissingFieldError{Field: "channel.proxy.address"}
			}

			client, err := proxy.Connect(ctx, proxyCfg.Address)
			if err != nil {
				return nil, err
			}
			return client, nil
		},
	})

	brokerAddr := cfg.Channel.Broker.Address
	candidates = append(candidates, channel.Candidate{
		Kind: channel.KindBroker,
		Connect: func(ctx context.Context) (channel.Channel, error) {
			if brokerAddr == "" {
				return nil, errors.New("no address configured")
			}

			client, err := broker.Connect(ctx, brokerAddr)
			if err != nil {
				return nil, err
			}
			return client, nil
		},
	})

	shell := cfg.Channel.RootShell.Command
	candidates = append(candidates, channel.Candidate{
		Kind: channel.KindRoot,
		Connect: func(context.Context) (channel.Channel, error) {
			root := channel.NewRootShell(cfg.Destination, shell)
			if err := root.Probe(); err != nil {
				return nil, err
			}
			return root, nil
		},
	})
	return candidates
}
