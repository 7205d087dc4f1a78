// Copyright 2025 The chi-pins Authors
// SPDX-License-Identifier: Apache-2.0

package tilecache

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"
)

// Fetcher retrieves one tile's bytes from the tile server.
type Fetcher interface {
	Fetch(ctx context.Context, c Coord) ([]byte, error)
}

// OSMFetcher fetches tiles from OpenStreetMap, rotating across the a/b/c
// subdomains as the tile usage policy suggests.
type OSMFetcher struct {
	Client *http.Client
}

func NewOSMFetcher() *OSMFetcher {
	return &OSMFetcher{Client: &http.Client{Timeout: 30 * time.Second}}
}

func (f *OSMFetcher) Fetch(ctx context.Context, c Coord) ([]byte, error) {
	subdomain := []string{"a", "b", "c"}[rand.Intn(3)]
	url := fmt.Sprintf("https://%s.tile.openstreetmap.org/%d/%d/%d.png", subdomain, c.Z, c.X, c.Y)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch tile %s: %w", c.Key(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tile %s returned status %d", c.Key(), resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// PrefetchStats summarizes one prefetch run.
type PrefetchStats struct {
	Total   int `json:"total"`
	Cached  int `json:"cached"`  // newly downloaded and stored
	Skipped int `json:"skipped"` // already present
	Failed  int `json:"failed"`  // fetch or store errors, counted and skipped
}

// Completeness is the live-derived coverage of a region.
type Completeness struct {
	Completed     int     `json:"completed"`
	Total         int     `json:"total"`
	PercentCached float64 `json:"percent_cached"`
}

// Stats reports the backend identity and approximate cached-tile count.
type Stats struct {
	Backend   string `json:"backend"`
	TileCount int    `json:"tile_count"`
}

// Cache ties a tile store to a fetcher and adds bulk prefetch with
// completion tracking.
type Cache struct {
	store  Store
	fetch  Fetcher
	logger *slog.Logger

	// BatchDelay is an optional pause between prefetch waves so a long
	// download does not monopolize the host.
	BatchDelay time.Duration
}

// New creates a tile cache. A nil fetcher gets the OSM default.
func New(store Store, fetch Fetcher, logger *slog.Logger) *Cache {
	if fetch == nil {
		fetch = NewOSMFetcher()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{store: store, fetch: fetch, logger: logger}
}

// PrefetchRegion fetches and stores every tile of the region not already
// cached, maxConcurrent at a time in batch-parallel waves. onProgress is
// invoked after each tile regardless of outcome. A tile failure is
// counted and skipped; it never aborts the batch or the region.
func (c *Cache) PrefetchRegion(ctx context.Context, region Region, maxConcurrent int, onProgress func(completed, total int)) (*PrefetchStats, error) {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}

	tiles := region.Tiles()
	stats := &PrefetchStats{Total: len(tiles)}
	c.logger.Info("prefetching region", "region", region.Name, "tiles", len(tiles), "concurrency", maxConcurrent)

	var mu sync.Mutex
	completed := 0
	progress := func(update func()) {
		mu.Lock()
		update()
		completed++
		done := completed
		mu.Unlock()
		if onProgress != nil {
			onProgress(done, len(tiles))
		}
	}

	for start := 0; start < len(tiles); start += maxConcurrent {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		end := start + maxConcurrent
		if end > len(tiles) {
			end = len(tiles)
		}

		var wg sync.WaitGroup
		for _, tile := range tiles[start:end] {
			wg.Add(1)
			go func(tile Coord) {
				defer wg.Done()

				if c.store.HasTile(tile) {
					progress(func() { stats.Skipped++ })
					return
				}

				data, err := c.fetch.Fetch(ctx, tile)
				if err != nil {
					c.logger.Warn("tile fetch failed", "tile", tile.Key(), "error", err)
					progress(func() { stats.Failed++ })
					return
				}
				if err := c.store.SaveTile(tile, data); err != nil {
					c.logger.Warn("tile store failed", "tile", tile.Key(), "error", err)
					progress(func() { stats.Failed++ })
					return
				}
				progress(func() { stats.Cached++ })
			}(tile)
		}
		wg.Wait()

		if c.BatchDelay > 0 {
			select {
			case <-ctx.Done():
				return stats, ctx.Err()
			case <-time.After(c.BatchDelay):
			}
		}
	}

	c.logger.Info("prefetch complete",
		"region", region.Name,
		"cached", stats.Cached,
		"skipped", stats.Skipped,
		"failed", stats.Failed)
	return stats, nil
}

// IsRegionComplete recomputes the expected tile set and checks every
// member against cache membership. The result is always derived live;
// there is no stored completeness flag to invalidate.
func (c *Cache) IsRegionComplete(region Region) (bool, Completeness) {
	tiles := region.Tiles()
	completeness := Completeness{Total: len(tiles)}

	for _, tile := range tiles {
		if c.store.HasTile(tile) {
			completeness.Completed++
		}
	}
	if completeness.Total > 0 {
		completeness.PercentCached = float64(completeness.Completed) / float64(completeness.Total) * 100
	}
	return completeness.Completed == completeness.Total && completeness.Total > 0, completeness
}

// ClearAll deletes the entire tile cache namespace.
func (c *Cache) ClearAll() error {
	return c.store.ClearAll()
}

// Stats reports the backend identity and cached-tile count.
func (c *Cache) Stats() Stats {
	return Stats{Backend: c.store.Backend(), TileCount: c.store.Count()}
}
