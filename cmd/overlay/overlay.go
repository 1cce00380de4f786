package main

// Fetches one satellite tile and draws the tracked locations (and any stored
// detections that came from that exact tile) on top of it. Useful for
// checking the pipeline's output against the imagery by eye.

import (
	"context"
	"fmt"
	"os"

	"github.com/akamensky/argparse"
	"github.com/cyclopcam/logs"
	"github.com/infraroo/infraroo/pkg/detect"
	"github.com/infraroo/infraroo/pkg/geo"
	"github.com/infraroo/infraroo/server/config"
	"github.com/infraroo/infraroo/server/imagery"
	"github.com/infraroo/infraroo/server/render"
	"github.com/infraroo/infraroo/server/trackdb"
)

func check(err error) {
	if err != nil {
		fmt.Printf("%v\n", err)
		os.Exit(1)
	}
}

func main() {
	parser := argparse.NewParser("overlay", "Draw tracked locations onto a satellite tile")
	configFile := parser.String("c", "config", &argparse.Options{Help: "Config file path", Default: "infraroo.json"})
	locationID := parser.Int("l", "location", &argparse.Options{Help: "Center the tile on this location ID (otherwise use --lat/--lon)", Default: 0})
	lat := parser.Float("", "lat", &argparse.Options{Help: "Tile center latitude", Default: 0.0})
	lon := parser.Float("", "lon", &argparse.Options{Help: "Tile center longitude", Default: 0.0})
	output := parser.String("o", "out", &argparse.Options{Help: "Output PNG filename", Default: "overlay.png"})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	check(err)

	cfg, err := config.Load(*configFile)
	check(err)

	db, err := trackdb.Open(logger, cfg.DB)
	check(err)

	ctx := context.Background()

	center := geo.Point{Lat: *lat, Lon: *lon}
	if *locationID != 0 {
		loc, err := db.GetLocation(ctx, int64(*locationID))
		check(err)
		center = loc.Center()
	}
	check(center.Validate())

	var cache imagery.Storage
	if cfg.TileCache.Filesystem != nil {
		cache, err = imagery.NewStorageFS(logger, cfg.TileCache.Filesystem.Root)
		check(err)
	}
	client, err := imagery.NewClient(logger, cfg.MapsAPIKey, cache)
	check(err)

	tile, err := client.Fetch(ctx, center, cfg.Zoom, cfg.TileSize)
	check(err)
	img, err := imagery.Decode(tile)
	check(err)

	ov, err := render.NewOverlay(img, center, cfg.Zoom)
	check(err)

	locations, err := db.AllLocations(ctx)
	check(err)
	for i := range locations {
		check(ov.DrawLocation(&locations[i]))
		dets, err := db.DetectionsForLocation(ctx, locations[i].ID)
		check(err)
		for _, det := range dets {
			if det.SourceImageID == tile.ID {
				ov.DrawDetection(&detect.Detection{
					Class:      det.Class,
					Confidence: float32(det.Confidence),
					Box:        detect.MakeRect(det.XMin, det.YMin, det.XMax, det.YMax),
				})
			}
		}
	}

	check(ov.SavePNG(*output))
	fmt.Printf("Wrote %v (%v locations)\n", *output, len(locations))
}
