package imagery

// Package imagery fetches satellite tiles from the Google Static Maps API,
// caching them in a blob store so that repeat passes over the same region are
// free, and decodes them into the pixel format the detector consumes.

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/logs"
	"github.com/infraroo/infraroo/pkg/detect"
	"github.com/infraroo/infraroo/pkg/geo"
)

const DefaultTileSize = 640

const staticMapsURL = "https://maps.googleapis.com/maps/api/staticmap"

// ErrNoAPIKey is returned by NewClient when no API key is available.
var ErrNoAPIKey = errors.New("no Static Maps API key. Set GOOGLE_MAPS_API_KEY, or provide apiKey in the config file")

// Tile is one fetched satellite image.
type Tile struct {
	ID        string // Cache key; doubles as the source image ID of detections
	Center    geo.Point
	Zoom      int
	Size      int
	JPEG      []byte
	FromCache bool
	FetchedAt time.Time
}

type Client struct {
	// Number of download attempts before giving up. The delay between
	// attempts starts at RetryDelay and doubles.
	MaxAttempts int
	RetryDelay  time.Duration

	log    logs.Log
	apiKey string
	cache  Storage
	client *http.Client
	apiURL string
}

// NewClient creates a Static Maps client. If apiKey is empty, the
// GOOGLE_MAPS_API_KEY environment variable is used. cache may be nil, in
// which case every Fetch goes to the network.
func NewClient(log logs.Log, apiKey string, cache Storage) (*Client, error) {
	if apiKey == "" {
		apiKey = os.Getenv("GOOGLE_MAPS_API_KEY")
	}
	if apiKey == "" {
		return nil, ErrNoAPIKey
	}
	return &Client{
		MaxAttempts: 3,
		RetryDelay:  time.Second,
		log:         log,
		apiKey:      apiKey,
		cache:       cache,
		client:      &http.Client{Timeout: 30 * time.Second},
		apiURL:      staticMapsURL,
	}, nil
}

// CacheKey returns the blob name of a tile. Tiles at different zooms live in
// different directories, so a cache can be pruned per zoom level.
func CacheKey(center geo.Point, zoom, size int) string {
	return fmt.Sprintf("z%v/%.6f_%.6f_%v.jpg", zoom, center.Lat, center.Lon, size)
}

// Fetch returns the satellite tile centered at 'center', from cache if
// possible, downloading and caching it if not.
func (c *Client) Fetch(ctx context.Context, center geo.Point, zoom, size int) (*Tile, error) {
	key := CacheKey(center, zoom, size)
	tile := &Tile{
		ID:     key,
		Center: center,
		Zoom:   zoom,
		Size:   size,
	}
	if c.cache != nil {
		if f, err := c.cache.ReadFile(key); err == nil {
			jpg, err := io.ReadAll(f.Reader)
			f.Reader.Close()
			if err == nil {
				tile.JPEG = jpg
				tile.FromCache = true
				tile.FetchedAt = f.ModifiedAt
				return tile, nil
			}
			c.log.Warnf("Failed to read cached tile %v: %v", key, err)
		}
	}

	jpg, err := c.download(ctx, center, zoom, size)
	if err != nil {
		return nil, err
	}
	tile.JPEG = jpg
	tile.FetchedAt = time.Now()
	if c.cache != nil {
		if err := WriteFile(c.cache, key, bytes.NewReader(jpg)); err != nil {
			// A failed cache write costs money on the next pass, but the tile
			// itself is fine.
			c.log.Warnf("Failed to cache tile %v: %v", key, err)
		}
	}
	return tile, nil
}

// download fetches one tile with retries and exponential backoff.
func (c *Client) download(ctx context.Context, center geo.Point, zoom, size int) ([]byte, error) {
	var lastErr error
	delay := c.RetryDelay
	for attempt := 0; attempt < c.MaxAttempts; attempt++ {
		if attempt > 0 {
			c.log.Warnf("Retrying tile download (%.6f,%.6f): %v", center.Lat, center.Lon, lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		jpg, err := c.downloadOnce(ctx, center, zoom, size)
		if err == nil {
			return jpg, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("failed after %v attempts: %w", c.MaxAttempts, lastErr)
}

func (c *Client) downloadOnce(ctx context.Context, center geo.Point, zoom, size int) ([]byte, error) {
	params := url.Values{}
	params.Set("center", fmt.Sprintf("%.6f,%.6f", center.Lat, center.Lon))
	params.Set("zoom", fmt.Sprintf("%v", zoom))
	params.Set("size", fmt.Sprintf("%vx%v", size, size))
	params.Set("maptype", "satellite")
	params.Set("key", c.apiKey)

	req, err := http.NewRequestWithContext(ctx, "GET", c.apiURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("Static Maps returned status %v", resp.StatusCode)
	}
	// The API reports quota and key errors as HTML/JSON bodies with a 200, so
	// the content type is the real success signal.
	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "image") {
		return nil, fmt.Errorf("Static Maps returned non-image response (status %v, content-type %v)", resp.StatusCode, contentType)
	}
	return io.ReadAll(resp.Body)
}

// Decode turns a tile's JPEG into the RGB pixel buffer the detector consumes.
func Decode(tile *Tile) (detect.Image, error) {
	img, err := cimg.Decompress(tile.JPEG)
	if err != nil {
		return detect.Image{}, fmt.Errorf("failed to decode tile %v: %w", tile.ID, err)
	}
	if img.NChan() != 3 {
		img = img.ToRGB()
	}
	return detect.WholeImage(img.NChan(), img.Pixels, img.Width, img.Height), nil
}
