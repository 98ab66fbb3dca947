package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type BaseEnv struct {
	Env      string `envconfig:"ENV" default:"local"`
	HTTPHost string `envconfig:"HTTP_HOST" default:""`
	HTTPPort string `envconfig:"HTTP_PORT" default:"3200"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"debug"`
}

type StorageEnv struct {
	Type    string `envconfig:"STORAGE_TYPE" default:"local"`
	BaseDir string `envconfig:"STORAGE_BASE_DIR" default:".pipeforge/data"`
	// SQLite settings (used when Type == "sqlite")
	SQLitePath string `envconfig:"SQLITE_PATH" default:".pipeforge/pipeforge.db"`
	// S3 settings (used when Type == "s3")
	S3Bucket string `envconfig:"S3_BUCKET"`
	S3Prefix string `envconfig:"S3_PREFIX" default:"pipeforge/"`
	S3Region string `envconfig:"S3_REGION" default:"ap-northeast-1"`
}

// OrchestratorEnv tunes the drive loop and the background processors.
type OrchestratorEnv struct {
	MaxParallelStories int           `envconfig:"MAX_PARALLEL_STORIES" default:"3"`
	MaxRetryAttempts   int           `envconfig:"MAX_RETRY_ATTEMPTS" default:"3"`
	RetryInterval      time.Duration `envconfig:"RETRY_INTERVAL" default:"1m"`
	HealthInterval     time.Duration `envconfig:"HEALTH_INTERVAL" default:"15s"`
	StaleThreshold     time.Duration `envconfig:"STALE_THRESHOLD" default:"10m"`
	MaxRecoveries      int           `envconfig:"MAX_RECOVERIES" default:"3"`
	AgentTimeout       time.Duration `envconfig:"AGENT_TIMEOUT" default:"20m"`
	// VerifyCommand runs in a sandbox workspace for every repository during
	// the verification phase. Empty disables sandbox verification.
	VerifyCommand string        `envconfig:"VERIFY_COMMAND" default:""`
	VerifyTimeout time.Duration `envconfig:"VERIFY_TIMEOUT" default:"5m"`
}

// VAPIDEnv holds web-push signing configuration. Empty keys disable push.
type VAPIDEnv struct {
	VAPIDPublicKey  string `envconfig:"VAPID_PUBLIC_KEY"`
	VAPIDPrivateKey string `envconfig:"VAPID_PRIVATE_KEY"`
	VAPIDContact    string `envconfig:"VAPID_CONTACT" default:"mailto:ops@pipeforge.dev"`
}

type AgentEnv struct {
	WorkDir        string `envconfig:"AGENT_WORK_DIR" default:"."`
	PermissionMode string `envconfig:"AGENT_PERMISSION_MODE" default:"bypassPermissions"`
	MaxTurns       int    `envconfig:"AGENT_MAX_TURNS" default:"0"`
}

type Env struct {
	BaseEnv
	StorageEnv
	OrchestratorEnv
	VAPIDEnv
	AgentEnv
}

const namespace = "PIPEFORGE"

func LoadEnv() (*Env, error) {
	var env Env
	if err := envconfig.Process(namespace, &env); err != nil {
		return nil, fmt.Errorf("failed to load env: %w", err)
	}
	return &env, nil
}

func (e *BaseEnv) SlogLevel() slog.Level {
	if e == nil {
		return slog.LevelDebug
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(e.LogLevel)); err != nil {
		return slog.LevelDebug
	}
	return level
}

func BaseEnvFromEnv(env *Env) *BaseEnv {
	return &env.BaseEnv
}

func StorageEnvFromEnv(env *Env) *StorageEnv {
	return &env.StorageEnv
}

func OrchestratorEnvFromEnv(env *Env) *OrchestratorEnv {
	return &env.OrchestratorEnv
}

func VAPIDEnvFromEnv(env *Env) *VAPIDEnv {
	return &env.VAPIDEnv
}

func AgentEnvFromEnv(env *Env) *AgentEnv {
	return &env.AgentEnv
}
