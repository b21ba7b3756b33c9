package server

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/cyclopcam/teachable/pkg/features"
	"github.com/cyclopcam/teachable/pkg/ingest"
	"github.com/cyclopcam/teachable/pkg/labelset"
	"github.com/cyclopcam/www"
	"github.com/julienschmidt/httprouter"
)

const maxFrameBytes = 32 * 1024 * 1024
const thumbnailQuality = 85

func (s *Server) httpSetGet(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	www.SendJSON(w, s.Session.Summary())
}

type captureJSON struct {
	UID   string `json:"uid"`
	Label string `json:"label"`
	Shape []int  `json:"shape"`
}

// Add one camera frame to a group. The body is a JPEG or PNG.
// example: curl --data-binary @cat.jpg "localhost:8080/api/set/capture?label=cat"
func (s *Server) httpSetCapture(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	label := strings.TrimSpace(www.RequiredQueryValue(r, "label"))
	name := www.QueryValue(r, "name")
	body := www.ReadLimited(w, r, maxFrameBytes)
	frame, err := features.CaptureFrame(s.Session.Arena, body, s.Config.CaptureWidth, s.Config.CaptureHeight)
	if err != nil {
		www.PanicBadRequestf("%v", err)
	}
	shape := frame.Shape()
	var img *labelset.Image
	err = s.Session.WriteSet(func(set *labelset.Set) error {
		var err error
		img, err = set.AddImage(label, name, frame)
		return err
	})
	if err != nil {
		frame.Release()
		www.PanicBadRequestf("%v", err)
	}
	www.SendJSON(w, &captureJSON{
		UID:   img.UID,
		Label: label,
		Shape: shape,
	})
}

func (s *Server) httpSetDeleteGroup(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	label := params.ByName("label")
	n := 0
	s.Session.WriteSet(func(set *labelset.Set) error {
		n = set.RemoveGroup(label)
		return nil
	})
	if n == 0 {
		www.PanicNotFound()
	}
	www.SendOK(w)
}

func (s *Server) httpSetDeleteImage(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	uid := params.ByName("uid")
	found := false
	s.Session.WriteSet(func(set *labelset.Set) error {
		found = set.RemoveImage(uid)
		return nil
	})
	if !found {
		www.PanicNotFound()
	}
	www.SendOK(w)
}

func (s *Server) httpSetThumbnail(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	uid := params.ByName("uid")
	var jpg []byte
	err := s.Session.ReadSet(func(set *labelset.Set) error {
		_, img := set.FindImage(uid)
		if img == nil || img.Tensor() == nil {
			return nil
		}
		var err error
		jpg, err = features.EncodeJPEG(img.Tensor(), thumbnailQuality)
		return err
	})
	www.Check(err)
	if jpg == nil {
		www.PanicNotFound()
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Write(jpg)
}

// Download the set as a labeledImages.json file
func (s *Server) httpSetDownload(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var raw []byte
	// Encoding memoizes into the set, so this needs the write lock
	err := s.Session.WriteSet(func(set *labelset.Set) error {
		var err error
		raw, err = labelset.Marshal(set)
		return err
	})
	www.Check(err)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%v", labelset.DefaultFilename))
	w.Write(raw)
}

// Replace the active set with an uploaded labeledImages.json.
// The body is streamed into the ingestion machine, which polls it until the upload is complete.
// example: curl -T labeledImages.json localhost:8080/api/set/upload
func (s *Server) httpSetUpload(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	maxBytes := int64(s.Config.MaxUploadMB) * 1024 * 1024
	if r.ContentLength > maxBytes {
		www.PanicBadRequestf("Request body is too large: %v. Maximum size: %v MB", r.ContentLength, s.Config.MaxUploadMB)
	}
	name := www.QueryValue(r, "name")
	if name == "" {
		name = "upload"
	}
	buf := ingest.NewBuffer(name)
	ticket := s.Session.Ingest.Select(buf)

	n, err := io.Copy(buf, io.LimitReader(r.Body, maxBytes+1))
	if err != nil {
		buf.Fail(fmt.Errorf("Upload interrupted after %v bytes: %w", n, err))
	} else if n > maxBytes {
		buf.Fail(fmt.Errorf("Upload exceeds %v MB", s.Config.MaxUploadMB))
	} else {
		buf.Finish()
	}

	s.waitForTicket(r, ticket)
	www.SendJSON(w, s.Session.Summary())
}
