package nnload

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/teachable/pkg/nn"
	"github.com/cyclopcam/teachable/pkg/tensor"
	"github.com/stretchr/testify/require"
)

func TestBuiltin(t *testing.T) {
	arena := tensor.NewArena()
	e, err := LoadExtractor(logs.NewTestingLog(t), arena, Options{})
	require.NoError(t, err)
	require.Equal(t, nn.PoolingArchitecture, e.Config().Architecture)
	require.NoError(t, Warmup(e, arena))
	require.Equal(t, 1, arena.Live()) // only the weights
	e.Close()
	require.Equal(t, 0, arena.Live())
}

func TestFallback(t *testing.T) {
	arena := tensor.NewArena()
	log := logs.NewTestingLog(t)
	opt := Options{ModelDir: t.TempDir(), ModelName: "mobilenet_v2_224"}
	_, err := LoadExtractor(log, arena, opt)
	require.Error(t, err)
	require.Equal(t, 0, arena.Live())

	opt.AllowFallback = true
	e, err := LoadExtractor(log, arena, opt)
	require.NoError(t, err)
	require.Equal(t, nn.PoolingArchitecture, e.Config().Architecture)
	e.Close()
}

func TestDownloadModel(t *testing.T) {
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		switch r.URL.Path {
		case "/tiny.json":
			w.Write([]byte(`{"architecture":"tiny","width":8,"height":8,"features":4}`))
		case "/tiny.onnx":
			w.Write([]byte("weights"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	dir := t.TempDir()
	log := logs.NewTestingLog(t)
	require.NoError(t, DownloadModel(log, srv.URL, dir, "tiny"))
	require.Equal(t, 2, requests)
	b, err := os.ReadFile(filepath.Join(dir, "tiny.onnx"))
	require.NoError(t, err)
	require.Equal(t, "weights", string(b))

	// Already present, so nothing more is fetched
	require.NoError(t, DownloadModel(log, srv.URL, dir, "tiny"))
	require.Equal(t, 2, requests)

	require.Error(t, DownloadModel(log, srv.URL, dir, "missing"))
	_, err = os.Stat(filepath.Join(dir, "missing.json"))
	require.True(t, os.IsNotExist(err))
}
