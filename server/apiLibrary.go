package server

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/cyclopcam/teachable/pkg/ingest"
	"github.com/cyclopcam/teachable/pkg/labelset"
	"github.com/cyclopcam/teachable/server/librarydb"
	"github.com/cyclopcam/teachable/server/storage"
	"github.com/cyclopcam/www"
	"github.com/julienschmidt/httprouter"
)

func (s *Server) httpLibraryList(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	sets, err := s.Library.List()
	www.Check(err)
	www.SendJSON(w, sets)
}

// Save the active set to blob storage, and index it
// example: curl -X POST "localhost:8080/api/library/save?name=pets"
func (s *Server) httpLibrarySave(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	name := strings.TrimSpace(www.RequiredQueryValue(r, "name"))
	if len(name) > 200 {
		name = name[:200]
	}
	var raw []byte
	var labels []string
	nImages := 0
	err := s.Session.WriteSet(func(set *labelset.Set) error {
		var err error
		raw, err = labelset.Marshal(set)
		for _, g := range set.Groups {
			labels = append(labels, g.Label)
		}
		nImages = set.NumImages()
		return err
	})
	www.Check(err)

	ts := librarydb.NewTrainingSet(name, labels, nImages, int64(len(raw)))
	www.Check(s.Library.Add(ts))
	if err := storage.WriteFile(s.Storage, ts.BlobName, bytes.NewReader(raw)); err != nil {
		if errDel := s.Library.Delete(ts.ID); errDel != nil {
			s.Log.Errorf("Failed to remove library record %v after blob write failure: %v", ts.ID, errDel)
		}
		www.PanicServerErrorf("Failed to save set: %v", err)
	}
	s.Log.Infof("Saved set '%v' (%v images) as library entry %v", name, nImages, ts.ID)
	www.SendJSON(w, ts)
}

// Load a saved set through the ingestion machine, making it the active set
func (s *Server) httpLibraryLoad(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	id := www.ParseID(params.ByName("id"))
	ts, err := s.Library.Get(id)
	checkTyped(err)
	raw, err := storage.ReadFile(s.Storage, ts.BlobName)
	if err != nil {
		www.PanicServerErrorf("Failed to read saved set %v: %v", id, err)
	}
	ticket := s.Session.Ingest.Select(ingest.NewBytes(ts.Name, raw))
	s.waitForTicket(r, ticket)
	www.SendJSON(w, s.Session.Summary())
}

func (s *Server) httpLibraryDelete(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	id := www.ParseID(params.ByName("id"))
	ts, err := s.Library.Get(id)
	checkTyped(err)
	if err := s.Storage.DeleteFile(ts.BlobName); err != nil {
		s.Log.Warnf("Failed to delete blob %v: %v", ts.BlobName, err)
	}
	checkTyped(s.Library.Delete(id))
	www.SendOK(w)
}
