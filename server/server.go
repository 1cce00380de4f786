package server

// The infraroo server owns the location registry and the scan pipeline:
// fetch satellite tiles, run the detector, merge, deduplicate, track, notify.

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/gorilla/websocket"
	"github.com/infraroo/infraroo/pkg/detect"
	"github.com/infraroo/infraroo/server/config"
	"github.com/infraroo/infraroo/server/imagery"
	"github.com/infraroo/infraroo/server/notifications"
	"github.com/infraroo/infraroo/server/trackdb"
	"github.com/infraroo/infraroo/server/tracker"
	"github.com/julienschmidt/httprouter"
)

// ErrScanBusy is returned when a scan pass is requested while one is running.
var ErrScanBusy = errors.New("a scan pass is already running")

// ErrNoDetector is returned when an imagery scan is requested but no vision
// model has been attached.
var ErrNoDetector = errors.New("no object detector attached")

type Server struct {
	Log     logs.Log
	Config  *config.Config
	DB      *trackdb.TrackDB
	Tracker *tracker.Tracker
	Hub     *notifications.Hub
	Imagery *imagery.Client // nil when no Static Maps API key is available

	detector   detect.ObjectDetector
	httpServer *http.Server
	httpRouter *httprouter.Router
	wsUpgrader websocket.Upgrader
	signalIn   chan os.Signal

	scanBusy   atomic.Bool
	scanCancel atomic.Pointer[context.CancelFunc]
}

func NewServer(logger logs.Log, cfg *config.Config) (*Server, error) {
	db, err := trackdb.Open(logger, cfg.DB)
	if err != nil {
		return nil, err
	}

	hub := notifications.NewHub(logger, cfg.Webhooks)

	track := tracker.NewTracker(logger, db, tracker.Options{
		MergeRadiusM:         cfg.MergeRadiusM,
		DefaultBufferRadiusM: cfg.BufferRadiusM,
		BufferRadiusByClass:  cfg.BufferRadiusByClass,
		ConfirmPasses:        cfg.ConfirmPasses,
		StablePasses:         cfg.StablePasses,
		DisappearPasses:      cfg.DisappearPasses,
	})
	track.SetNotifier(hub)

	// Tile cache
	var cache imagery.Storage
	if cfg.TileCache.GCS != nil {
		cache, err = imagery.NewStorageGCS(logger, cfg.TileCache.GCS.Bucket)
		if err != nil {
			return nil, err
		}
	} else if cfg.TileCache.Filesystem != nil {
		cache, err = imagery.NewStorageFS(logger, cfg.TileCache.Filesystem.Root)
		if err != nil {
			return nil, err
		}
	}

	imageryClient, err := imagery.NewClient(logger, cfg.MapsAPIKey, cache)
	if err != nil {
		if !errors.Is(err, imagery.ErrNoAPIKey) {
			return nil, err
		}
		// The registry API still works without imagery; only scanning needs it.
		logger.Warnf("%v. Imagery scanning is disabled.", err)
		imageryClient = nil
	}

	s := &Server{
		Log:     logger,
		Config:  cfg,
		DB:      db,
		Tracker: track,
		Hub:     hub,
		Imagery: imageryClient,
	}
	s.setupHttpRoutes()
	return s, nil
}

// SetDetector attaches the vision model. Must be called before the first
// imagery scan pass.
func (s *Server) SetDetector(d detect.ObjectDetector) {
	s.detector = d
}

func (s *Server) ListenHTTP() error {
	addr := fmt.Sprintf(":%v", s.Config.Port)
	s.Log.Infof("Listening on %v", addr)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.httpRouter,
	}
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) ListenForKillSignals() {
	s.signalIn = make(chan os.Signal, 1)
	signal.Notify(s.signalIn, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig, ok := <-s.signalIn
		if ok {
			s.Log.Infof("Received OS signal '%v'. Shutting down", sig.String())
			s.Shutdown()
		}
	}()
}

func (s *Server) Shutdown() {
	s.Log.Infof("Shutdown")
	if s.signalIn != nil {
		signal.Stop(s.signalIn)
		close(s.signalIn)
	}
	if cancel := s.scanCancel.Load(); cancel != nil {
		(*cancel)()
	}
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.Log.Warnf("HTTP shutdown: %v", err)
		}
	}
	s.Hub.Close()
	s.Log.Infof("Shutdown complete")
	s.Log.Close()
}
