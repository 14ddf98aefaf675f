package download

import (
	"context"
	"encoding/json"
	"io"
	goSync "sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/sidkik/assetsync/pkg/errors"
)

const availabilityFile = "catalog.json"

// Availability records which content paths each mirror can serve. A mirror
// missing from the map, or a path missing from a mirror's set, means the
// mirror isn't tried for that path.
type Availability map[string]map[string]struct{}

// Has returns whether mirror lists path.
func (a Availability) Has(mirror, path string) bool {
	_, ok := a[mirror][path]
	return ok
}

// Union returns every path that at least one mirror can serve.
func (a Availability) Union() map[string]struct{} {
	union := map[string]struct{}{}
	for _, paths := range a {
		for path := range paths {
			union[path] = struct{}{}
		}
	}
	return union
}

// FetchAvailability downloads the list of servable paths from every mirror,
// at most concurrency at a time. A mirror whose list can't be fetched is
// logged and treated as serving nothing.
func FetchAvailability(ctx context.Context, client *HTTPClient, mirrors []string,
	concurrency int, log logrus.FieldLogger) Availability {

	var lock goSync.Mutex
	availability := Availability{}

	var group errgroup.Group
	group.SetLimit(concurrency)
	for _, mirror := range mirrors {
		mirror := mirror
		group.Go(func() error {
			paths, err := fetchMirrorPaths(ctx, client, mirror)
			if err != nil {
				log.WithError(err).WithField("mirror", mirror).
					Warn("Failed to fetch mirror availability. It won't be used")
				paths = map[string]struct{}{}
			} else {
				log.WithField("mirror", mirror).WithField("paths", len(paths)).
					Debug("Fetched mirror availability")
			}

			lock.Lock()
			availability[mirror] = paths
			lock.Unlock()
			return nil
		})
	}
	group.Wait()
	return availability
}

func fetchMirrorPaths(ctx context.Context, client *HTTPClient, mirror string) (map[string]struct{}, error) {
	body, err := client.Get(ctx, mirror+"/"+availabilityFile)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, errors.WithContext(err, "read")
	}

	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, errors.WithContext(err, "parse")
	}

	paths := make(map[string]struct{}, len(list))
	for _, path := range list {
		paths[path] = struct{}{}
	}
	return paths, nil
}
