// Copyright 2025 The chi-pins Authors
// SPDX-License-Identifier: Apache-2.0

// Package tilecache caches map tile images for offline use. It is an
// independent namespace from the record mirror but follows the same
// pattern: a local cache of an external resource with completeness
// tracked against a derivable expected set.
package tilecache

import (
	"fmt"
	"math"
)

// Coord identifies one slippy-map tile.
type Coord struct {
	Z int
	X int
	Y int
}

// Key is the canonical cache key for a tile, z/x/y.
func (c Coord) Key() string {
	return fmt.Sprintf("%d/%d/%d", c.Z, c.X, c.Y)
}

// Bounds is a lat/lng bounding box.
type Bounds struct {
	North float64
	South float64
	East  float64
	West  float64
}

// Region names a prefetchable area with its zoom range.
type Region struct {
	Name       string
	Bounds     Bounds
	ZoomLevels []int
}

// Chicago covers the kiosk's home map at street-level zooms.
var Chicago = Region{
	Name: "Chicago",
	Bounds: Bounds{
		North: 42.0231,
		South: 41.6445,
		East:  -87.5237,
		West:  -87.9401,
	},
	ZoomLevels: []int{10, 11, 12, 13, 14, 15, 16, 17},
}

// Global covers the world overview zooms used when a visitor pans away.
var Global = Region{
	Name: "Global",
	Bounds: Bounds{
		North: 85,
		South: -85,
		East:  180,
		West:  -180,
	},
	ZoomLevels: []int{3, 4, 5},
}

// LatLngToTile converts a coordinate to tile numbers at the given zoom.
func LatLngToTile(lat, lng float64, zoom int) (x, y int) {
	n := math.Pow(2, float64(zoom))
	x = int(math.Floor((lng + 180) / 360 * n))
	latRad := lat * math.Pi / 180
	y = int(math.Floor((1 - math.Log(math.Tan(latRad)+1/math.Cos(latRad))/math.Pi) / 2 * n))
	return x, y
}

// Tiles enumerates the full expected tile set for the region across its
// zoom levels. Completeness checks recompute this set every time so they
// can never go stale relative to the cache contents.
func (r Region) Tiles() []Coord {
	var tiles []Coord
	for _, zoom := range r.ZoomLevels {
		nwX, nwY := LatLngToTile(r.Bounds.North, r.Bounds.West, zoom)
		seX, seY := LatLngToTile(r.Bounds.South, r.Bounds.East, zoom)
		for x := nwX; x <= seX; x++ {
			for y := nwY; y <= seY; y++ {
				tiles = append(tiles, Coord{Z: zoom, X: x, Y: y})
			}
		}
	}
	return tiles
}
