package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/cyclopcam/camnode/server/calibration"
	"github.com/cyclopcam/camnode/server/capture"
	"github.com/cyclopcam/camnode/server/device"
	"github.com/cyclopcam/camnode/server/session"
	"github.com/cyclopcam/www"
	"github.com/go-chi/httprate"
	"github.com/julienschmidt/httprouter"
)

type cameraJSON struct {
	Record         device.CameraRecord   `json:"record"`
	MAC            string                `json:"mac"`
	SubnetMask     string                `json:"subnetMask"`
	Capture        session.CaptureConfig `json:"capture"`
	Calibrated     bool                  `json:"calibrated"`
	CalibrationURL string                `json:"calibrationURL"`
}

func (s *Server) setupHttpRoutes() error {
	router := httprouter.New()

	handle := func(method, route string, h httprouter.Handle) {
		www.Handle(s.Log, router, method, route, h)
	}

	// Each rate limited endpoint gets its own limiter, keyed by client IP
	ratelimited := func(method, route string, h httprouter.Handle, requestLimit int, windowLength time.Duration) {
		limited := httprate.Limit(requestLimit, windowLength, httprate.WithKeyFuncs(httprate.KeyByIP))
		www.Handle(s.Log, router, method, route, func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
			limited(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				h(w, r, params)
			})).ServeHTTP(w, r)
		})
	}

	handle("GET", "/api/ping", s.httpPing)
	handle("GET", "/api/camera", s.httpCamera)
	handle("GET", "/api/camera_info", s.httpGetCameraInfo)
	ratelimited("PUT", "/api/camera_info", s.httpSetCameraInfo, 5, time.Minute)
	handle("GET", "/api/stats", s.httpStats)
	ratelimited("GET", "/api/latest.jpg", s.hub.HttpLatestJPEG, 10, time.Second)
	handle("GET", "/api/stream", s.hub.HttpStream)

	s.httpRouter = router
	return nil
}

func (s *Server) httpPing(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	www.SendOK(w)
}

func (s *Server) httpCamera(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	www.CacheNever(w)
	rec := s.selection.Record
	www.SendJSON(w, &cameraJSON{
		Record:         rec,
		MAC:            rec.MACString(),
		SubnetMask:     rec.SubnetString(),
		Capture:        s.captureConfig,
		Calibrated:     s.calibration.IsCalibrated(),
		CalibrationURL: s.calibration.Location().URL,
	})
}

func (s *Server) httpGetCameraInfo(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	www.CacheNever(w)
	www.SendJSON(w, s.calibration.Info())
}

// Replace the calibration, and save it
func (s *Server) httpSetCameraInfo(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	info := calibration.Info{}
	www.ReadJSON(w, r, &info, 1024*1024)
	if info.Width != s.cfg.ImageWidth || info.Height != s.cfg.ImageHeight {
		www.PanicBadRequestf("Calibration is for %v x %v, but we are capturing %v x %v", info.Width, info.Height, s.cfg.ImageWidth, s.cfg.ImageHeight)
	}
	www.Check(s.calibration.SetInfo(info))
	err := s.calibration.Save(r.Context())
	if errors.Is(err, calibration.ErrReadOnly) {
		www.PanicBadRequestf("Calibration was updated, but cannot be saved to %v", s.calibration.Location().URL)
	}
	www.Check(err)
	www.SendOK(w)
}

func (s *Server) httpStats(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	www.CacheNever(w)
	type statsJSON struct {
		Capture       capture.Stats `json:"capture"`
		StreamClients int           `json:"streamClients"`
		HubPublished  int64         `json:"hubPublished"`
	}
	www.SendJSON(w, &statsJSON{
		Capture:       s.loop.Stats(),
		StreamClients: s.hub.NumClients(),
		HubPublished:  s.hub.NumPublished(),
	})
}
