package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// WatchlistGroup names a set of instrument keys that belong together, for
// example one option chain or one index basket.
type WatchlistGroup struct {
	Name        string   `yaml:"name"`
	Instruments []string `yaml:"instruments"`
}

// Watchlist is the set of instruments subscribed automatically at startup.
type Watchlist struct {
	Groups []WatchlistGroup `yaml:"groups"`
}

// Instruments flattens all groups into a single ordered key list.
func (w *Watchlist) Instruments() []string {
	var keys []string
	for _, g := range w.Groups {
		keys = append(keys, g.Instruments...)
	}
	return keys
}

const defaultWatchlistPath = "watchlist.yml"

var watchlistEnvPaths = map[string]string{
	environmentProduction: "watchlist.production.yml",
	environmentStaging:    "watchlist.staging.yml",
}

// LoadWatchlist loads the startup watchlist from the given path, preferring an
// environment specific file when APP_ENV selects one.
func LoadWatchlist(path string) (*Watchlist, error) {
	path = resolveEnvSpecificPath(path, defaultWatchlistPath, watchlistEnvPaths)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read watchlist file: %w", err)
	}
	var wl Watchlist
	if err := yaml.Unmarshal(data, &wl); err != nil {
		return nil, fmt.Errorf("failed to parse watchlist file: %w", err)
	}
	for _, g := range wl.Groups {
		if g.Name == "" {
			return nil, fmt.Errorf("watchlist group without a name")
		}
	}
	return &wl, nil
}
