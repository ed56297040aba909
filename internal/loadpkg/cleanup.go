package loadpkg

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
)

// CleanupTemp removes temp packages left behind by a crash or an aborted run.
// Only packages whose modification time is older than minAge are removed, so
// a writer that is still running is not disturbed. It returns the load ids
// that were removed.
func (s *Store) CleanupTemp(minAge time.Duration) ([]string, error) {
	start := time.Now()
	dir := filepath.Join(s.root, tempDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("loadpkg: failed to list temp packages: %w", err)
	}

	var removed []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if minAge > 0 && start.Sub(info.ModTime()) < minAge {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			log.Warn().Err(err).Str("load_id", e.Name()).Msg("loadpkg: failed to remove temp package")
			continue
		}
		removed = append(removed, e.Name())
	}
	sort.Strings(removed)

	if len(removed) > 0 {
		log.Info().
			Int("removed", len(removed)).
			Dur("elapsed", time.Since(start)).
			Msg("loadpkg: removed abandoned temp packages")
	}
	return removed, nil
}
