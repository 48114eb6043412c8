package config

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
)

// ServerConfig defines HTTP server configurations
type ServerConfig struct {
	Port  int `koanf:"port"`
	HTTPS struct {
		Cert string `koanf:"cert"`
		Key  string `koanf:"key"`
	}
	Environment string `koanf:"environment"`
	Debug       bool   `koanf:"debug"`
	LogLevel    string `koanf:"loglevel"`
	// MaxDataSize is the upper bound of a prediction payload in MB
	MaxDataSize int      `koanf:"maxdatasize"`
	CORSOrigins []string `koanf:"corsorigins"`
}

// ONNXConfig is used when the artifact carries no MLmodel signature
type ONNXConfig struct {
	SharedLibraryPath string  `koanf:"sharedlibrarypath"`
	InputName         string  `koanf:"inputname"`
	OutputName        string  `koanf:"outputname"`
	InputShape        []int64 `koanf:"inputshape"`
	OutputShape       []int64 `koanf:"outputshape"`
}

// ModelConfig drives artifact resolution
type ModelConfig struct {
	BakedPath           string  `koanf:"bakedpath"`
	RegistryName        string  `koanf:"registryname"`
	RegistryStage       string  `koanf:"registrystage"`
	FallbackExperiment  string  `koanf:"fallbackexperiment"`
	AllowFallbackSearch bool    `koanf:"allowfallbacksearch"`
	PerSourceTimeout    float64 `koanf:"persourcetimeout"` // in seconds, fractions allowed
	Metric              string  `koanf:"metric"`
	ArtifactPath        string  `koanf:"artifactpath"`
	InvertInput         bool    `koanf:"invertinput"`
	// RetryInterval and MaxRetries bound the scheduled retry out of the failed
	// state. MaxRetries 0 disables it.
	RetryInterval time.Duration `koanf:"retryinterval"`
	MaxRetries    int           `koanf:"maxretries"`
	// DrainGrace bounds the wait of a replaced model for its in-flight calls.
	// Zero waits until they all returned.
	DrainGrace time.Duration `koanf:"draingrace"`
	ONNX       ONNXConfig    `koanf:"onnx"`
}

// MLflowConfig related to the tracking server
type MLflowConfig struct {
	TrackingURI string        `koanf:"trackinguri"`
	Timeout     time.Duration `koanf:"timeout"`
	RetryCount  int           `koanf:"retrycount"`
}

// CacheConfig related to cache
type CacheConfig struct {
	Redis struct {
		Addr     string `koanf:"addr"`
		Password string `koanf:"password"`
		DB       int    `koanf:"db"`
	}
	Model struct {
		Enabled  bool   `koanf:"enabled"`
		CacheDir string `koanf:"cache_dir"`
	}
}

// MinioConfig related to the s3 compatible artifact store
type MinioConfig struct {
	Host     string `koanf:"host"`
	Port     string `koanf:"port"`
	RootUser string `koanf:"rootuser"`
	RootPwd  string `koanf:"rootpwd"`
	Secure   bool   `koanf:"secure"`
}

// ReloadConfig related to the redis reload channel
type ReloadConfig struct {
	Enabled bool   `koanf:"enabled"`
	Channel string `koanf:"channel"`
}

// OTELCollectorConfig related to OpenTelemetry collector
type OTELCollectorConfig struct {
	Enable bool   `koanf:"enable"`
	Host   string `koanf:"host"`
	Port   int    `koanf:"port"`
}

// AppConfig defines
type AppConfig struct {
	Server        ServerConfig        `koanf:"server"`
	Model         ModelConfig         `koanf:"model"`
	MLflow        MLflowConfig        `koanf:"mlflow"`
	Cache         CacheConfig         `koanf:"cache"`
	Minio         MinioConfig         `koanf:"minio"`
	Reload        ReloadConfig        `koanf:"reload"`
	OTELCollector OTELCollectorConfig `koanf:"otelcollector"`
}

// Config - Global variable to export
var Config AppConfig

// Defaults are loaded before the config file and the environment.
var Defaults = map[string]any{
	"server.port":               8000,
	"server.environment":        "development",
	"server.loglevel":           "info",
	"server.maxdatasize":        4,
	"server.corsorigins":        []string{"*"},
	"model.registryname":        "Mnist_Best_Model",
	"model.registrystage":       "Production",
	"model.fallbackexperiment":  "MNIST_Classification_Experiments",
	"model.allowfallbacksearch": true,
	"model.persourcetimeout":    30,
	"model.metric":              "test_accuracy",
	"model.artifactpath":        "model",
	"model.retryinterval":       "30s",
	"model.maxretries":          0,
	"model.draingrace":          "30s",
	"model.onnx.inputname":      "input",
	"model.onnx.outputname":     "output",
	"model.onnx.inputshape":     []int64{1, 28, 28, 1},
	"model.onnx.outputshape":    []int64{1, 10},
	"mlflow.trackinguri":        "http://localhost:5000",
	"mlflow.timeout":            "30s",
	"mlflow.retrycount":         3,
	"cache.model.enabled":       true,
	"cache.model.cache_dir":     "/tmp/mnist-backend/models",
	"reload.channel":            "mnist:model:reload",
}

// Init - Assign global config to decoded config struct
func Init(filePath string) error {
	k := koanf.New(".")
	parser := yaml.Parser()

	if err := k.Load(confmap.Provider(Defaults, "."), nil); err != nil {
		log.Fatal(err.Error())
	}

	if filePath != "" {
		if err := k.Load(file.Provider(filePath), parser); err != nil {
			log.Fatal(err.Error())
		}
	}

	if err := k.Load(env.ProviderWithValue("CFG_", ".", func(s string, v string) (string, any) {
		key := strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "CFG_")), "_", ".")
		if strings.Contains(v, ",") {
			return key, strings.Split(strings.TrimSpace(v), ",")
		}
		return key, v
	}), nil); err != nil {
		return err
	}

	if err := k.Unmarshal("", &Config); err != nil {
		return err
	}

	return ValidateConfig(&Config)
}

// ValidateConfig is for custom validation rules for the configuration
func ValidateConfig(cfg *AppConfig) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}
	if cfg.Model.BakedPath == "" && cfg.Model.RegistryName == "" &&
		(!cfg.Model.AllowFallbackSearch || cfg.Model.FallbackExperiment == "") {
		return fmt.Errorf("no model source configured: set model.bakedpath, model.registryname or model.fallbackexperiment")
	}
	if cfg.Model.RegistryName != "" && cfg.Model.RegistryStage == "" {
		return fmt.Errorf("model.registrystage must be set together with model.registryname")
	}
	if cfg.Model.PerSourceTimeout <= 0 {
		return fmt.Errorf("invalid model.persourcetimeout: %v", cfg.Model.PerSourceTimeout)
	}
	if cfg.Model.DrainGrace < 0 {
		return fmt.Errorf("invalid model.draingrace: %v", cfg.Model.DrainGrace)
	}
	if cfg.Model.MaxRetries < 0 {
		return fmt.Errorf("invalid model.maxretries: %d", cfg.Model.MaxRetries)
	}
	if cfg.Reload.Enabled && cfg.Cache.Redis.Addr == "" {
		return fmt.Errorf("reload.enabled requires cache.redis.addr")
	}
	return nil
}

// SourceTimeout returns the per-source resolution timeout.
func (m ModelConfig) SourceTimeout() time.Duration {
	return time.Duration(m.PerSourceTimeout * float64(time.Second))
}

// IsProduction reports whether the server runs in the production environment.
func (s ServerConfig) IsProduction() bool {
	return strings.EqualFold(s.Environment, "production")
}

var defaultConfigPath = "config/config.yaml"

// ParseConfigFlag allows clients to specify the relative path to the file from
// which the configuration will be loaded.
func ParseConfigFlag() string {
	configPath := flag.String("file", defaultConfigPath, "configuration file")
	flag.Parse()

	return *configPath
}

// ConfigFileExists is used by commands that can run on defaults only.
func ConfigFileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
