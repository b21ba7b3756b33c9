package server

import (
	"cmp"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cyclopcam/teachable/pkg/classify"
	"github.com/cyclopcam/teachable/pkg/ingest"
	"github.com/cyclopcam/teachable/pkg/labelset"
	"github.com/cyclopcam/teachable/pkg/perfstats"
	"github.com/cyclopcam/teachable/pkg/tensor"
	"github.com/cyclopcam/teachable/server/librarydb"
	"github.com/cyclopcam/teachable/server/train"
	"github.com/cyclopcam/www"
	"github.com/go-chi/httprate"
	"github.com/julienschmidt/httprouter"
)

func (s *Server) setupHttpRoutes() error {
	logEveryRequest := false
	router := httprouter.New()

	handle := func(method, route string, handle httprouter.Handle) {
		www.Handle(s.Log, router, method, route, func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
			if logEveryRequest {
				s.Log.Infof("HTTP %v %v", method, r.URL.Path)
			}
			handle(w, r, params)
		})
	}

	// We create a unique rate limiter for each endpoint, so we don't need httprate.KeyByEndpoint
	ratelimited := func(method, route string, handle httprouter.Handle, requestLimit int, windowLength time.Duration) {
		limited := httprate.Limit(requestLimit, windowLength, httprate.WithKeyFuncs(httprate.KeyByIP))
		www.Handle(s.Log, router, method, route, func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
			limited(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				handle(w, r, params)
			})).ServeHTTP(w, r)
		})
	}

	handle("GET", "/api/ping", s.httpPing)
	handle("GET", "/api/status", s.httpStatus)

	handle("GET", "/api/set", s.httpSetGet)
	handle("POST", "/api/set/capture", s.httpSetCapture)
	handle("DELETE", "/api/set/group/:label", s.httpSetDeleteGroup)
	handle("DELETE", "/api/set/image/:uid", s.httpSetDeleteImage)
	handle("GET", "/api/set/image/:uid/thumbnail", s.httpSetThumbnail)
	handle("GET", "/api/set/download", s.httpSetDownload)
	ratelimited("PUT", "/api/set/upload", s.httpSetUpload, max(1, s.Config.UploadRate), time.Minute)

	handle("POST", "/api/train", s.httpTrain)
	handle("POST", "/api/train/mode", s.httpTrainMode)
	handle("GET", "/api/train/dataset", s.httpTrainDataset)
	ratelimited("POST", "/api/predict", s.httpPredict, max(1, s.Config.PredictRate), time.Second)
	handle("GET", "/api/predict/live", s.httpPredictLive)
	handle("POST", "/api/reset", s.httpReset)

	handle("GET", "/api/library", s.httpLibraryList)
	handle("POST", "/api/library/save", s.httpLibrarySave)
	handle("POST", "/api/library/load/:id", s.httpLibraryLoad)
	handle("DELETE", "/api/library/:id", s.httpLibraryDelete)

	s.httpRouter = router
	return nil
}

// errorStatus maps our typed errors to an HTTP status code, or returns 0
func errorStatus(err error) int {
	var busy *train.BusyError
	var loadErr *train.ExtractorLoadError
	var batchErr *classify.InvalidBatchSizeError
	var dupErr *labelset.DuplicateLabelError
	var schemaErr *labelset.SchemaError
	var encodingErr *tensor.MalformedEncodingError
	var frameErr *badFrameError
	switch {
	case errors.As(err, &busy):
		return http.StatusConflict
	case errors.As(err, &loadErr):
		return http.StatusServiceUnavailable
	case errors.As(err, &batchErr), errors.As(err, &dupErr), errors.As(err, &schemaErr), errors.As(err, &encodingErr), errors.As(err, &frameErr):
		return http.StatusBadRequest
	case errors.Is(err, train.ErrNotTrained), errors.Is(err, train.ErrNotLoaded):
		return http.StatusConflict
	case errors.Is(err, librarydb.ErrNotFound):
		return http.StatusNotFound
	}
	return 0
}

// checkTyped panics with the HTTP status that matches err
func checkTyped(err error) {
	if err == nil {
		return
	}
	if code := errorStatus(err); code != 0 {
		www.Panic(code, err.Error())
	}
	www.Check(err)
}

func (s *Server) httpPing(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	www.SendOK(w)
}

type statusJSON struct {
	Train  train.StatusReport              `json:"train"`
	Ingest string                          `json:"ingest"`
	Set    SetSummary                      `json:"set"`
	Arena  tensor.ArenaStats               `json:"arena"`
	Perf   map[string]perfstats.PhaseStats `json:"perf"`
}

func (s *Server) httpStatus(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	www.SendJSON(w, &statusJSON{
		Train:  s.Session.Orchestrator.Report(),
		Ingest: s.Session.Ingest.State().String(),
		Set:    s.Session.Summary(),
		Arena:  s.Session.Arena.Stats(),
		Perf:   perfstats.Stats.Snapshot(),
	})
}

// waitForTicket blocks until an upload has been ingested, and reports the outcome
func (s *Server) waitForTicket(r *http.Request, ticket *ingest.Ticket) {
	state, err := ticket.Wait(r.Context())
	switch state {
	case ingest.Decoded:
		return
	case ingest.Superseded:
		www.Panic(http.StatusConflict, "Upload was superseded by a newer one")
	case ingest.Failed:
		www.Panic(cmp.Or(errorStatus(err), http.StatusBadRequest), fmt.Sprintf("Upload failed: %v", err))
	}
	// The request was cancelled before the upload finished
	checkTyped(err)
	www.PanicServerErrorf("Upload ended in state %v", state)
}
