package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// One of the storage options may be configured (i.e. either 'filesystem' or 'gcs').
// If neither is set, the library is stored on the filesystem under DataPath.
type StorageConfig struct {
	Filesystem *StorageConfigFS  `json:"filesystem"`
	GCS        *StorageConfigGCS `json:"gcs"`
}

type StorageConfigFS struct {
	Root string `json:"root"` // Path to the root of the filesystem
}

type StorageConfigGCS struct {
	Bucket          string `json:"bucket"`          // Name of the GCS bucket
	CredentialsFile string `json:"credentialsFile"` // Service account JSON. Empty means application default credentials.
}

type ModelConfig struct {
	Dir           string `json:"dir"`           // Directory holding <name>.json and <name>.onnx
	Name          string `json:"name"`          // eg "mobilenet_v2_224". Empty or "pooling" selects the built-in extractor.
	BaseURL       string `json:"baseURL"`       // If not empty, missing model files are downloaded from here
	OnnxLibrary   string `json:"onnxLibrary"`   // Path to libonnxruntime.so
	Parallel      bool   `json:"parallel"`      // Allow onnxruntime to use multiple threads
	AllowFallback bool   `json:"allowFallback"` // Use the built-in extractor if the model fails to load
}

type ClassifierConfig struct {
	Mode              string  `json:"mode"`              // "knn" or "finetune"
	TopK              int     `json:"topK"`              // KNN neighbors
	DuplicateLabels   string  `json:"duplicateLabels"`   // "merge" or "reject"
	Units             int     `json:"units"`             // Fine-tune hidden layer width
	LearningRate      float64 `json:"learningRate"`      // Fine-tune step size
	BatchSizeFraction float64 `json:"batchSizeFraction"` // Default fine-tune batch size fraction
	Epochs            int     `json:"epochs"`            // Default fine-tune epochs
}

type Config struct {
	Listen        string           `json:"listen"`        // eg ":8080"
	DataPath      string           `json:"dataPath"`      // Library DB and default blob store live here
	CaptureWidth  int              `json:"captureWidth"`  // Captured frames are resized to this before being stored
	CaptureHeight int              `json:"captureHeight"` // Captured frames are resized to this before being stored
	MaxUploadMB   int              `json:"maxUploadMB"`   // Largest accepted set upload
	PollInterval  int              `json:"pollInterval"`  // Milliseconds between upload completion checks
	UploadTimeout int              `json:"uploadTimeout"` // Seconds before an incomplete upload fails. 0 = never.
	PredictRate   int              `json:"predictRate"`   // Max predictions per second, per client IP
	UploadRate    int              `json:"uploadRate"`    // Max uploads per minute, per client IP
	Storage       StorageConfig    `json:"storage"`
	Model         ModelConfig      `json:"model"`
	Classifier    ClassifierConfig `json:"classifier"`
}

func DefaultConfig() *Config {
	return &Config{
		Listen:        ":8080",
		DataPath:      "teachable-data",
		CaptureWidth:  224,
		CaptureHeight: 224,
		MaxUploadMB:   256,
		PollInterval:  10,
		UploadTimeout: 60,
		PredictRate:   20,
		UploadRate:    10,
		Model: ModelConfig{
			AllowFallback: true,
		},
		Classifier: ClassifierConfig{
			Mode:              "knn",
			TopK:              10,
			DuplicateLabels:   "merge",
			Units:             100,
			LearningRate:      1e-4,
			BatchSizeFraction: 0.4,
			Epochs:            10,
		},
	}
}

// LoadConfig reads a JSON config file over the defaults, and then applies
// environment overrides. An empty filename means defaults plus environment.
// Variables from envFiles (typically ".env") are loaded into the environment first.
// Missing env files are ignored.
func LoadConfig(filename string, envFiles ...string) (*Config, error) {
	cfg := DefaultConfig()
	if filename != "" {
		raw, err := os.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("Error loading %v: %w", filename, err)
		}
		if err := json.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("Error loading as JSON %v: %w", filename, err)
		}
	}
	for _, envFile := range envFiles {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return nil, fmt.Errorf("Error loading %v: %w", envFile, err)
			}
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	str("TEACHABLE_LISTEN", &c.Listen)
	str("TEACHABLE_DATA_PATH", &c.DataPath)
	str("TEACHABLE_MODEL_DIR", &c.Model.Dir)
	str("TEACHABLE_MODEL_NAME", &c.Model.Name)
	str("TEACHABLE_MODEL_URL", &c.Model.BaseURL)
	str("TEACHABLE_ONNX_LIBRARY", &c.Model.OnnxLibrary)
	str("TEACHABLE_MODE", &c.Classifier.Mode)
	if v, ok := os.LookupEnv("TEACHABLE_GCS_BUCKET"); ok && v != "" {
		if c.Storage.GCS == nil {
			c.Storage.GCS = &StorageConfigGCS{}
		}
		c.Storage.GCS.Bucket = v
		str("TEACHABLE_GCS_CREDENTIALS", &c.Storage.GCS.CredentialsFile)
	}
	if v, ok := os.LookupEnv("TEACHABLE_TOPK"); ok {
		k, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("Invalid TEACHABLE_TOPK '%v': %w", v, err)
		}
		c.Classifier.TopK = k
	}
	return nil
}

// LibraryDBPath is the sqlite file that indexes saved sets
func (c *Config) LibraryDBPath() string {
	return filepath.Join(c.DataPath, "library.sqlite")
}

// BlobRoot is the filesystem blob store root, when GCS is not configured
func (c *Config) BlobRoot() string {
	if c.Storage.Filesystem != nil && c.Storage.Filesystem.Root != "" {
		return c.Storage.Filesystem.Root
	}
	return filepath.Join(c.DataPath, "blobs")
}

func (c *Config) PollIntervalDuration() time.Duration {
	return time.Duration(c.PollInterval) * time.Millisecond
}

func (c *Config) UploadTimeoutDuration() time.Duration {
	return time.Duration(c.UploadTimeout) * time.Second
}
