package server

import (
	"net/http"
	"time"

	"github.com/cyclopcam/www"
	"github.com/go-chi/httprate"
	"github.com/gorilla/websocket"
	"github.com/infraroo/infraroo/pkg/detect"
	"github.com/infraroo/infraroo/pkg/pwdhash"
	"github.com/infraroo/infraroo/pkg/tiles"
	"github.com/infraroo/infraroo/server/trackdb"
	"github.com/infraroo/infraroo/server/tracker"
	"github.com/julienschmidt/httprouter"
)

func (s *Server) setupHttpRoutes() {
	router := httprouter.New()

	open := func(method, route string, handle httprouter.Handle) {
		www.Handle(s.Log, router, method, route, handle)
	}

	// admin wraps mutating endpoints in BASIC auth against the configured
	// scrypt hash, plus a per-IP rate limit.
	admin := func(method, route string, handle httprouter.Handle, requestLimit int, windowLength time.Duration) {
		limited := httprate.Limit(requestLimit, windowLength, httprate.WithKeyFuncs(httprate.KeyByIP))
		www.Handle(s.Log, router, method, route, func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
			limited(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				s.authenticateAdmin(r)
				handle(w, r, params)
			})).ServeHTTP(w, r)
		})
	}

	open("GET", "/api/ping", s.httpPing)
	open("GET", "/api/locations", s.httpListLocations)
	open("GET", "/api/locations/:id", s.httpGetLocation)
	open("GET", "/api/locations/:id/detections", s.httpGetLocationDetections)
	open("GET", "/api/passes/recent", s.httpRecentPasses)
	open("GET", "/api/ws/notifications", s.httpWatchNotifications)

	admin("POST", "/api/scan", s.httpStartScan, 2, time.Minute)
	admin("POST", "/api/scan/cancel", s.httpCancelScan, 10, time.Minute)
	admin("POST", "/api/ingest", s.httpIngest, 30, time.Minute)

	s.wsUpgrader = websocket.Upgrader{}
	s.httpRouter = router
}

func (s *Server) authenticateAdmin(r *http.Request) {
	if s.Config.AdminPasswordHash == "" {
		www.PanicForbiddenf("Admin API is disabled: no adminPasswordHash configured")
	}
	username, password, _ := r.BasicAuth()
	if username != "admin" || !pwdhash.VerifyHashBase64(password, s.Config.AdminPasswordHash) {
		www.PanicForbidden()
	}
}

func (s *Server) httpPing(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	www.CacheNever(w)
	www.SendJSON(w, map[string]any{
		"greeting": "infraroo",
		"time":     time.Now().Unix(),
	})
}

func (s *Server) httpListLocations(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	class := www.QueryValue(r, "class")
	status := www.QueryValue(r, "status")

	var locations []trackdb.Location
	var err error
	if class != "" {
		locations, err = s.DB.LocationsByClass(r.Context(), class)
	} else {
		locations, err = s.DB.AllLocations(r.Context())
	}
	www.Check(err)

	if status != "" {
		filtered := locations[:0]
		for _, loc := range locations {
			if loc.Status == trackdb.LocationStatus(status) {
				filtered = append(filtered, loc)
			}
		}
		locations = filtered
	}
	www.SendJSON(w, locations)
}

func (s *Server) httpGetLocation(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	id := www.ParseID(params.ByName("id"))
	location, err := s.DB.GetLocation(r.Context(), id)
	if err != nil {
		www.PanicNotFound()
	}
	www.SendJSON(w, location)
}

func (s *Server) httpGetLocationDetections(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	id := www.ParseID(params.ByName("id"))
	if _, err := s.DB.GetLocation(r.Context(), id); err != nil {
		www.PanicNotFound()
	}
	detections, err := s.DB.DetectionsForLocation(r.Context(), id)
	www.Check(err)
	www.SendJSON(w, detections)
}

func (s *Server) httpRecentPasses(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	n := www.QueryInt(r, "n")
	if n <= 0 {
		n = 10
	}
	passes, err := s.DB.RecentPasses(r.Context(), n)
	www.Check(err)
	www.SendJSON(w, passes)
}

// httpStartScan runs a full imagery scan pass synchronously and returns its
// summary. Scans are long; the client is expected to hold the connection or
// watch the websocket stream.
func (s *Server) httpStartScan(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	summary, err := s.RunScanPass(r.Context())
	www.Check(err)
	www.SendJSON(w, summary)
}

func (s *Server) httpCancelScan(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	if cancel := s.scanCancel.Load(); cancel != nil {
		(*cancel)()
	}
	www.SendOK(w)
}

// ingestJSON is the payload of POST /api/ingest: detections produced by an
// external vision model, to be reconciled as one scan pass.
type ingestJSON struct {
	PassID     string             `json:"passID"`
	Zoom       int                `json:"zoom"`
	Detections []detect.Detection `json:"detections"`

	// If true, the pass claims to have covered the entire configured region,
	// which arms the disappearance sweep.
	FullCoverage bool `json:"fullCoverage"`
}

func (s *Server) httpIngest(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	payload := ingestJSON{}
	www.ReadJSON(w, r, &payload, 32*1024*1024)
	if len(payload.Detections) == 0 {
		www.PanicBadRequestf("No detections in payload")
	}
	zoom := payload.Zoom
	if zoom == 0 {
		zoom = s.Config.Zoom
	}

	input := &tracker.PassInput{
		PassID:     payload.PassID,
		StartedAt:  time.Now(),
		Zoom:       zoom,
		Classes:    s.Config.Classes,
		Detections: payload.Detections,
	}
	if payload.FullCoverage {
		grid, err := tiles.NewGrid(s.Config.Region, zoom, s.Config.TileSize, s.Config.TileOverlapFraction)
		www.Check(err)
		input.Grid = grid
	}

	summary, err := s.Tracker.RunPass(r.Context(), input)
	www.Check(err)
	www.SendJSON(w, summary)
}

// httpWatchNotifications streams lifecycle events over a websocket until the
// client goes away.
func (s *Server) httpWatchNotifications(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Log.Errorf("Notification websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	events := s.Hub.AddWatcher()
	defer s.Hub.RemoveWatcher(events)

	// Detect client disconnect by consuming (and discarding) reads.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev := <-events:
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}
