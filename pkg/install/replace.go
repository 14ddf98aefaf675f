package install

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/sidkik/assetsync/pkg/errors"
)

// ReplaceResult summarizes an install-only run.
type ReplaceResult struct {
	Placed int64
	Failed int64
}

// ReplaceAll installs every file already in the staging store without
// downloading anything. Files are placed concurrently, at most concurrency
// at a time. Per-file failures are logged and counted.
func (in *Installer) ReplaceAll(ctx context.Context, concurrency int) (ReplaceResult, error) {
	staged, err := in.staging.List(".")
	if err != nil {
		return ReplaceResult{}, errors.WithContext(err, "list staging")
	}

	var placed, failed atomic.Int64
	var group errgroup.Group
	group.SetLimit(concurrency)
	for _, path := range staged {
		path := path
		if ctx.Err() != nil {
			failed.Add(1)
			continue
		}

		group.Go(func() error {
			placement, err := in.Place(path, path)
			if err != nil {
				in.log.WithError(err).WithField("path", path).Error("Failed to install file")
				failed.Add(1)
				return nil
			}

			if placement.ContentAddressed {
				in.DeleteOldVersions(placement.Path)
			}
			in.log.WithField("path", path).WithField("dest", placement.Path).
				Info("Installed file")
			placed.Add(1)
			return nil
		})
	}
	group.Wait()

	return ReplaceResult{Placed: placed.Load(), Failed: failed.Load()}, ctx.Err()
}
