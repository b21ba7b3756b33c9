package server

import (
	"sync"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/teachable/pkg/ingest"
	"github.com/cyclopcam/teachable/pkg/labelset"
	"github.com/cyclopcam/teachable/pkg/tensor"
	"github.com/cyclopcam/teachable/server/train"
)

// Session is the one training session that this process serves.
// It owns the active label set, the ingestion machine that replaces it,
// and the orchestrator that trains on it.
type Session struct {
	Log          logs.Log
	Arena        *tensor.Arena
	Orchestrator *train.Orchestrator
	Ingest       *ingest.Machine
	Policy       labelset.DuplicatePolicy

	// Held only for short edits and reads. Long-running readers such as
	// training work on a Snapshot, which keeps its own tensor references.
	setLock     sync.RWMutex
	set         *labelset.Set
	setSource   string
	setLoadedAt time.Time
}

type SetSummary struct {
	Source   string        `json:"source"` // Name of the upload or library entry that produced the set, or "" if built by capture
	LoadedAt time.Time     `json:"loadedAt"`
	Info     labelset.Info `json:"info"`
}

func NewSession(log logs.Log, arena *tensor.Arena, orchestrator *train.Orchestrator, ingestConfig ingest.Config, policy labelset.DuplicatePolicy) *Session {
	s := &Session{
		Log:          log,
		Arena:        arena,
		Orchestrator: orchestrator,
		Ingest:       ingest.NewMachine(log, arena, ingestConfig),
		Policy:       policy,
		set:          labelset.NewSet(),
		setLoadedAt:  time.Now(),
	}
	s.Ingest.Loaded.AddListener(s)
	return s
}

// OnEvent receives sets decoded by the ingestion machine, and makes them active
// if no newer upload has been selected in the meantime
func (s *Session) OnEvent(ev *ingest.Loaded) {
	var old *labelset.Set
	var images, groups int
	name := ev.Ticket.Source.Name()
	s.setLock.Lock()
	installed := ev.Install(func(set *labelset.Set) {
		images, groups = set.NumImages(), len(set.Groups)
		old = s.set
		s.set = set
		s.setSource = name
		s.setLoadedAt = time.Now()
	})
	s.setLock.Unlock()
	if !installed {
		s.Log.Infof("Discarding label set '%v', because a newer upload was selected", name)
		return
	}
	s.Log.Infof("Loaded label set '%v' with %v images in %v groups", name, images, groups)
	if old != nil {
		old.Release()
	}
}

// SnapshotSet returns a snapshot of the active set. The caller must release it.
func (s *Session) SnapshotSet() *labelset.Set {
	s.setLock.RLock()
	defer s.setLock.RUnlock()
	return s.set.Snapshot()
}

// ReadSet runs fn while holding the set for reading.
// fn must not modify the set, nor encode it (encoding memoizes into the set).
func (s *Session) ReadSet(fn func(set *labelset.Set) error) error {
	s.setLock.RLock()
	defer s.setLock.RUnlock()
	return fn(s.set)
}

// WriteSet runs fn while holding the set exclusively
func (s *Session) WriteSet(fn func(set *labelset.Set) error) error {
	s.setLock.Lock()
	defer s.setLock.Unlock()
	return fn(s.set)
}

// ReplaceSet makes set active, and releases the previous one
func (s *Session) ReplaceSet(set *labelset.Set, source string) {
	s.setLock.Lock()
	old := s.set
	s.set = set
	s.setSource = source
	s.setLoadedAt = time.Now()
	s.setLock.Unlock()
	if old != nil {
		old.Release()
	}
}

func (s *Session) Summary() SetSummary {
	s.setLock.RLock()
	defer s.setLock.RUnlock()
	return SetSummary{
		Source:   s.setSource,
		LoadedAt: s.setLoadedAt,
		Info:     s.set.Info(),
	}
}

// Reset forgets all training and empties the set
func (s *Session) Reset() error {
	if err := s.Orchestrator.Reset(); err != nil {
		return err
	}
	s.ReplaceSet(labelset.NewSet(), "")
	return nil
}

// Close cancels any training, stops ingestion, and releases the model and the set
func (s *Session) Close() {
	s.Orchestrator.Close()
	s.Ingest.Close()
	s.setLock.Lock()
	if s.set != nil {
		s.set.Release()
		s.set = nil
	}
	s.setLock.Unlock()
}
