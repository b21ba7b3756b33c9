package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/cyclopcam/teachable/pkg/classify"
	"github.com/cyclopcam/teachable/pkg/features"
	"github.com/cyclopcam/teachable/pkg/labelset"
	"github.com/cyclopcam/teachable/server/train"
	"github.com/cyclopcam/www"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

// example: curl -X POST "localhost:8080/api/train?mode=finetune&epochs=20"
func (s *Server) httpTrain(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	p := train.TrainParams{
		BatchSizeFraction: s.Config.Classifier.BatchSizeFraction,
		Epochs:            s.Config.Classifier.Epochs,
	}
	if m := www.QueryValue(r, "mode"); m != "" {
		mode, err := classify.ParseMode(m)
		if err != nil {
			www.PanicBadRequestf("%v", err)
		}
		p.Mode = mode
	}
	if v := www.QueryValue(r, "batchSizeFraction"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			www.PanicBadRequestf("Invalid batchSizeFraction '%v'", v)
		}
		p.BatchSizeFraction = f
	}
	if v := www.QueryValue(r, "epochs"); v != "" {
		p.Epochs = www.QueryInt(r, "epochs")
		if p.Epochs <= 0 {
			www.PanicBadRequestf("Invalid epochs '%v'", v)
		}
	}

	checkTyped(s.Session.Orchestrator.Load(r.Context()))

	// Train on a snapshot, so that edits and uploads are not held up for the whole run
	set := s.Session.SnapshotSet()
	defer set.Release()
	result, err := s.Session.Orchestrator.Train(r.Context(), set, p)
	checkTyped(err)
	www.SendJSON(w, result)
}

func (s *Server) httpTrainMode(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	mode, err := classify.ParseMode(www.RequiredQueryValue(r, "mode"))
	if err != nil {
		www.PanicBadRequestf("%v", err)
	}
	checkTyped(s.Session.Orchestrator.SetMode(mode))
	www.SendOK(w)
}

// Download the set as a zip of JPEGs, for training elsewhere
func (s *Server) httpTrainDataset(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	tmp, err := os.CreateTemp("", "dataset-*.zip")
	www.Check(err)
	defer os.Remove(tmp.Name())

	err = s.Session.WriteSet(func(set *labelset.Set) error {
		return train.ExportDataset(tmp, set, s.Session.Policy)
	})
	tmp.Close()
	checkTyped(err)

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", "attachment; filename=dataset.zip")
	http.ServeFile(w, r, tmp.Name())
}

// Classify one image. The body is a JPEG or PNG.
func (s *Server) httpPredict(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	body := www.ReadLimited(w, r, maxFrameBytes)
	result, err := s.predictFrame(r.Context(), body)
	checkTyped(err)
	www.SendJSON(w, result)
}

func (s *Server) predictFrame(ctx context.Context, frame []byte) (*train.PredictResult, error) {
	img, err := features.CaptureFrame(s.Session.Arena, frame, s.Config.CaptureWidth, s.Config.CaptureHeight)
	if err != nil {
		return nil, &badFrameError{err}
	}
	defer img.Release()
	return s.Session.Orchestrator.Predict(ctx, img)
}

type badFrameError struct {
	err error
}

func (e *badFrameError) Error() string {
	return "Invalid image: " + e.err.Error()
}

func (e *badFrameError) Unwrap() error {
	return e.err
}

// Sent to the client after every frame received on the live websocket
type liveMessage struct {
	Frame  int64                `json:"frame"`
	Result *train.PredictResult `json:"result,omitempty"`
	Error  string               `json:"error,omitempty"`
	Busy   bool                 `json:"busy,omitempty"` // Frame was dropped because another prediction was running
}

// The client sends binary messages, each one a JPEG frame from a camera.
// We reply to each one with a JSON liveMessage.
func (s *Server) httpPredictLive(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	c, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Log.Errorf("httpPredictLive websocket upgrade failed: %v", err)
		return
	}
	defer c.Close()
	c.SetReadLimit(maxFrameBytes)

	s.Log.Infof("Live prediction stream started from %v", r.RemoteAddr)
	frame := int64(0)
	start := time.Now()
	for {
		msgType, msg, err := c.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.Log.Warnf("Live prediction stream read error: %v", err)
			}
			break
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		frame++
		reply := liveMessage{Frame: frame}
		result, err := s.predictFrame(r.Context(), msg)
		var busy *train.BusyError
		if errors.As(err, &busy) {
			reply.Busy = true
		} else if err != nil {
			reply.Error = err.Error()
		} else {
			reply.Result = result
		}
		if err := c.WriteJSON(&reply); err != nil {
			s.Log.Warnf("Live prediction stream write error: %v", err)
			break
		}
	}
	s.Log.Infof("Live prediction stream ended after %v frames (%.1f seconds)", frame, time.Since(start).Seconds())
}

func (s *Server) httpReset(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	checkTyped(s.Session.Reset())
	www.SendOK(w)
}
