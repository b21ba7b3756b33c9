package server

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/teachable/pkg/classify"
	"github.com/cyclopcam/teachable/pkg/ingest"
	"github.com/cyclopcam/teachable/pkg/labelset"
	"github.com/cyclopcam/teachable/pkg/nn"
	"github.com/cyclopcam/teachable/pkg/nnload"
	"github.com/cyclopcam/teachable/pkg/tensor"
	"github.com/cyclopcam/teachable/server/config"
	"github.com/cyclopcam/teachable/server/librarydb"
	"github.com/cyclopcam/teachable/server/log"
	"github.com/cyclopcam/teachable/server/storage"
	"github.com/cyclopcam/teachable/server/train"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

type Server struct {
	Log     logs.Log
	Config  *config.Config
	Session *Session
	Library *librarydb.LibraryDB
	Storage storage.Storage

	signalIn     chan os.Signal
	httpServer   *http.Server
	httpRouter   *httprouter.Router
	wsUpgrader   websocket.Upgrader
	shutdownOnce sync.Once
}

// NewServer opens the library and blob store, and prepares the session.
// The feature extractor is not loaded until LoadModel, or the first training request.
func NewServer(logger logs.Log, cfg *config.Config) (*Server, error) {
	mode, err := classify.ParseMode(cfg.Classifier.Mode)
	if err != nil {
		return nil, err
	}
	policy, err := labelset.ParseDuplicatePolicy(cfg.Classifier.DuplicateLabels)
	if err != nil {
		return nil, err
	}

	library, err := librarydb.NewLibraryDB(log.NewPrefixLogger(logger, "LibraryDB:"), cfg.LibraryDBPath())
	if err != nil {
		return nil, err
	}

	// Open blob store
	var blobs storage.Storage
	if cfg.Storage.GCS != nil && cfg.Storage.GCS.Bucket != "" {
		// Google Cloud Storage
		blobs, err = storage.NewStorageGCS(context.Background(), logger, cfg.Storage.GCS.Bucket, cfg.Storage.GCS.CredentialsFile)
	} else {
		// Filesystem
		blobs, err = storage.NewStorageFS(logger, cfg.BlobRoot())
	}
	if err != nil {
		library.Close()
		return nil, err
	}
	logger.Infof("Saved sets are stored in %v", blobs.Describe())

	arena := tensor.NewArena()
	loadOptions := nnload.Options{
		ModelDir:      cfg.Model.Dir,
		ModelName:     cfg.Model.Name,
		BaseURL:       cfg.Model.BaseURL,
		OnnxLibrary:   cfg.Model.OnnxLibrary,
		ThreadingMode: nn.ThreadingModeSingle,
		AllowFallback: cfg.Model.AllowFallback,
	}
	if cfg.Model.Parallel {
		loadOptions.ThreadingMode = nn.ThreadingModeParallel
	}
	orchestratorLog := log.NewPrefixLogger(logger, "Train:")
	loadLog := orchestratorLog.Sub("Load:")
	load := func() (nn.FeatureExtractor, error) {
		return nnload.LoadExtractor(loadLog, arena, loadOptions)
	}
	trainOptions := train.DefaultOptions()
	trainOptions.Mode = mode
	trainOptions.TopK = cfg.Classifier.TopK
	trainOptions.DuplicatePolicy = policy
	if cfg.Classifier.Units > 0 {
		trainOptions.FineTune.Units = cfg.Classifier.Units
	}
	if cfg.Classifier.LearningRate > 0 {
		trainOptions.FineTune.LearningRate = cfg.Classifier.LearningRate
	}
	orchestrator := train.NewOrchestrator(orchestratorLog, arena, load, trainOptions)

	ingestConfig := ingest.Config{
		PollInterval: cfg.PollIntervalDuration(),
		Timeout:      cfg.UploadTimeoutDuration(),
	}
	session := NewSession(log.NewPrefixLogger(logger, "Session:"), arena, orchestrator, ingestConfig, policy)

	s := &Server{
		Log:     logger,
		Config:  cfg,
		Session: session,
		Library: library,
		Storage: blobs,
		wsUpgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 4096,
		},
	}
	if err := s.setupHttpRoutes(); err != nil {
		session.Close()
		library.Close()
		return nil, err
	}
	return s, nil
}

// LoadModel loads the feature extractor. A failure is not fatal, because
// the next training request will try again.
func (s *Server) LoadModel(ctx context.Context) error {
	return s.Session.Orchestrator.Load(ctx)
}

// Handler is the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.httpRouter
}

// port example: ":8080"
func (s *Server) ListenHTTP(port string) error {
	s.Log.Infof("Listening on %v", port)
	s.httpServer = &http.Server{
		Addr:    port,
		Handler: s.httpRouter,
	}
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) ListenForKillSignals() {
	s.Log.Infof("ListenForKillSignals starting")
	s.signalIn = make(chan os.Signal, 1)
	signal.Notify(s.signalIn, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig, ok := <-s.signalIn
		if ok {
			s.Log.Infof("Received OS signal '%v'. ListenForKillSignals will exit after shutdown", sig.String())
			s.Shutdown()
		} else {
			// This path gets hit when Shutdown() is called by something other than ourselves, and Shutdown() closes the signalIn channel.
			s.Log.Infof("signalIn closed. ListenForKillSignals will exit now")
		}
	}()
}

func (s *Server) Shutdown() {
	s.shutdownOnce.Do(s.shutdown)
}

func (s *Server) shutdown() {
	s.Log.Infof("Shutdown")
	if s.signalIn != nil {
		signal.Stop(s.signalIn)
		close(s.signalIn)
	}
	if s.httpServer != nil {
		s.Log.Infof("Closing HTTP server")
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.Log.Warnf("HTTP server shutdown error: %v", err)
		}
	}
	s.Session.Close()
	s.Library.Close()
	if closer, ok := s.Storage.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			s.Log.Warnf("Blob store close error: %v", err)
		}
	}
	if live := s.Session.Arena.Live(); live != 0 {
		s.Log.Warnf("%v tensors still live at shutdown", live)
		for _, d := range s.Session.Arena.Describe() {
			s.Log.Warnf("  %v", d)
		}
	}
	s.Log.Infof("Shutdown complete")
}
