package download

import (
	"context"
	"strings"

	"github.com/subosito/gotenv"

	"github.com/sidkik/assetsync/pkg/errors"
)

// DefaultFallbackEnvURL is the env file the fallback mirror is discovered
// from when none is configured.
const DefaultFallbackEnvURL = "https://raw.githubusercontent.com/asfu222/" +
	"BACNLocalizationResources/refs/heads/main/ba.env"

const fallbackEnvKey = "ADDRESSABLE_CATALOG_URL"

// ResolveFallbackURL returns the fallback mirror. A configured URL is used
// as is. Otherwise, the env file at envURL is fetched and its
// ADDRESSABLE_CATALOG_URL entry is used.
func ResolveFallbackURL(ctx context.Context, client *HTTPClient, configured, envURL string) (string, error) {
	if configured != "" {
		return strings.TrimSuffix(configured, "/"), nil
	}
	if envURL == "" {
		return "", errors.New("no fallback mirror or env file configured")
	}

	body, err := client.Get(ctx, envURL)
	if err != nil {
		return "", errors.WithContext(err, "fetch env file")
	}
	defer body.Close()

	env, err := gotenv.StrictParse(body)
	if err != nil {
		return "", errors.WithContext(err, "parse env file")
	}

	fallback := strings.TrimSpace(env[fallbackEnvKey])
	if fallback == "" {
		return "", errors.New("env file at %s has no %s", envURL, fallbackEnvKey)
	}
	return strings.TrimSuffix(fallback, "/"), nil
}
