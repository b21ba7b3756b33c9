package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.Listen)
	require.Equal(t, 10*time.Millisecond, cfg.PollIntervalDuration())
	require.Equal(t, "knn", cfg.Classifier.Mode)
	require.Equal(t, 0.4, cfg.Classifier.BatchSizeFraction)
	require.Nil(t, cfg.Storage.GCS)
}

func TestFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	fn := filepath.Join(dir, "teachable.json")
	require.NoError(t, os.WriteFile(fn, []byte(`{"listen":":9000","classifier":{"mode":"finetune","epochs":3}}`), 0644))
	envFn := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFn, []byte("TEACHABLE_MODEL_DIR=/models\nTEACHABLE_GCS_BUCKET=sets-bucket\n"), 0644))
	t.Setenv("TEACHABLE_TOPK", "5")
	// godotenv does not override variables that are already set
	t.Setenv("TEACHABLE_MODEL_DIR", "/preset")
	t.Setenv("TEACHABLE_GCS_BUCKET", "")
	os.Unsetenv("TEACHABLE_GCS_BUCKET")

	cfg, err := LoadConfig(fn, envFn, filepath.Join(dir, "missing.env"))
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.Listen)
	require.Equal(t, "finetune", cfg.Classifier.Mode)
	require.Equal(t, 3, cfg.Classifier.Epochs)
	require.Equal(t, 10, DefaultConfig().Classifier.Epochs)
	require.Equal(t, 5, cfg.Classifier.TopK)
	require.Equal(t, "/preset", cfg.Model.Dir)
	require.NotNil(t, cfg.Storage.GCS)
	require.Equal(t, "sets-bucket", cfg.Storage.GCS.Bucket)
	require.Equal(t, filepath.Join("teachable-data", "library.sqlite"), cfg.LibraryDBPath())
}

func TestBadConfig(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(fn, []byte(`{"listen":`), 0644))
	_, err := LoadConfig(fn)
	require.Error(t, err)
	_, err = LoadConfig(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
}
