package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the FrameHunter server and worker.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	AWS       AWSConfig
	Store     StoreConfig
	Queue     QueueConfig
	Objects   ObjectConfig
	Detect    DetectConfig
	Media     MediaConfig
	Dispatch  DispatchConfig
	Worker    WorkerConfig
	Retrieval RetrievalConfig
	Chat      ChatConfig
	AI        AIConfig
}

type ServerConfig struct {
	Port            int
	Env             string
	WriteTimeout    time.Duration
	RateLimitPerMin int
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MigrationsDir   string
}

type RedisConfig struct {
	URL string
}

type AWSConfig struct {
	Region string
	// Endpoint overrides the service endpoint for local stacks. Empty uses AWS defaults.
	Endpoint string
}

type StoreConfig struct {
	Backend         string
	Timeout         time.Duration
	DynamoJobsTable string
	DynamoKeysTable string
}

type QueueConfig struct {
	Backend     string
	Name        string
	SQSURL      string
	AMQPURL     string
	MaxReceives int
}

type ObjectConfig struct {
	Backend        string
	MinIOEndpoint  string
	MinIOAccessKey string
	MinIOSecretKey string
	MinIOUseSSL    bool
}

type DetectConfig struct {
	Backend            string
	BaseURL            string
	APIKey             string
	Timeout            time.Duration
	MinTextConfidence  float64
	MinLabelConfidence float64
	MaxLabels          int
}

type MediaConfig struct {
	FFmpegPath  string
	FFprobePath string
	TempDir     string
}

type DispatchConfig struct {
	Attempts int
	Backoff  time.Duration
	// StaleAge is the default age after which a queued job is re-dispatched.
	StaleAge time.Duration
}

type WorkerConfig struct {
	ID                  string
	BatchSize           int
	Wait                time.Duration
	Lease               time.Duration
	Concurrency         int
	ToolTimeout         time.Duration
	StoreTimeout        time.Duration
	IdleBackoff         time.Duration
	BlackframeThreshold float64
}

type RetrievalConfig struct {
	CacheSize       int
	CandidateLimit  int
	DefaultLimit    int
	ContentWeight   float64
	TagWeight       float64
	SnippetWeight   float64
	ExactBonus      float64
	StructuralScore float64
	MinScore        float64
}

type ChatConfig struct {
	ResultLimit     int
	ContextJobs     int
	ContextLabels   int
	ContextTexts    int
	MaxSnippetBytes int
	MaxContextBytes int
	MaxTokens       int
	// AskTimeout bounds one whole chat answer, including retrieval.
	AskTimeout time.Duration
}

type AIConfig struct {
	Provider         string
	InferenceTimeout time.Duration
	Ollama           OllamaConfig
	VLLM             VLLMConfig
	OpenAI           OpenAIConfig
	Anthropic        AnthropicConfig
	Bedrock          BedrockConfig
}

type OllamaConfig struct {
	BaseURL string
	Model   string
}

type VLLMConfig struct {
	BaseURL string
	Model   string
}

type OpenAIConfig struct {
	BaseURL string
	APIKey  string
	Model   string
}

type AnthropicConfig struct {
	BaseURL string
	APIKey  string
	Model   string
}

type BedrockConfig struct {
	ModelID string
}

var validProviders = map[string]bool{
	"none":      true,
	"ollama":    true,
	"vllm":      true,
	"openai":    true,
	"anthropic": true,
	"bedrock":   true,
}

var validStores = map[string]bool{"postgres": true, "dynamodb": true, "memory": true}

var validQueues = map[string]bool{"redis": true, "sqs": true, "rabbitmq": true, "memory": true}

var validObjects = map[string]bool{"s3": true, "minio": true}

var validDetectors = map[string]bool{"rekognition": true, "http": true}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	hostname, _ := os.Hostname()

	cfg := &Config{
		Server: ServerConfig{
			Port:            envInt("FRAMEHUNTER_PORT", 8080),
			Env:             envString("FRAMEHUNTER_ENV", "development"),
			WriteTimeout:    envDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			RateLimitPerMin: envInt("RATE_LIMIT_PER_MIN", 60),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
			MigrationsDir:   envString("DATABASE_MIGRATIONS_DIR", "migrations"),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		AWS: AWSConfig{
			Region:   envString("AWS_REGION", "eu-central-1"),
			Endpoint: os.Getenv("AWS_ENDPOINT_URL"),
		},
		Store: StoreConfig{
			Backend:         envString("STORE_BACKEND", "postgres"),
			Timeout:         envDurationSecs("STORE_TIMEOUT_SECS", 10*time.Second),
			DynamoJobsTable: envString("DYNAMODB_JOBS_TABLE", "framehunter_jobs"),
			DynamoKeysTable: envString("DYNAMODB_KEYS_TABLE", "framehunter_api_keys"),
		},
		Queue: QueueConfig{
			Backend:     envString("QUEUE_BACKEND", "redis"),
			Name:        envString("QUEUE_NAME", "framehunter:jobs"),
			SQSURL:      os.Getenv("SQS_QUEUE_URL"),
			AMQPURL:     os.Getenv("AMQP_URL"),
			MaxReceives: envInt("QUEUE_MAX_RECEIVES", 5),
		},
		Objects: ObjectConfig{
			Backend:        envString("OBJECT_BACKEND", "s3"),
			MinIOEndpoint:  os.Getenv("MINIO_ENDPOINT"),
			MinIOAccessKey: os.Getenv("MINIO_ACCESS_KEY"),
			MinIOSecretKey: os.Getenv("MINIO_SECRET_KEY"),
			MinIOUseSSL:    envBool("MINIO_USE_SSL", false),
		},
		Detect: DetectConfig{
			Backend:            envString("DETECT_BACKEND", "rekognition"),
			BaseURL:            os.Getenv("DETECT_BASE_URL"),
			APIKey:             os.Getenv("DETECT_API_KEY"),
			Timeout:            envDuration("DETECT_TIMEOUT", 15*time.Second),
			MinTextConfidence:  envFloat("DETECT_MIN_TEXT_CONFIDENCE", 50),
			MinLabelConfidence: envFloat("DETECT_MIN_LABEL_CONFIDENCE", 70),
			MaxLabels:          envInt("DETECT_MAX_LABELS", 20),
		},
		Media: MediaConfig{
			FFmpegPath:  envString("FFMPEG_PATH", "ffmpeg"),
			FFprobePath: envString("FFPROBE_PATH", "ffprobe"),
			TempDir:     os.Getenv("MEDIA_TEMP_DIR"),
		},
		Dispatch: DispatchConfig{
			Attempts: envInt("DISPATCH_ATTEMPTS", 3),
			Backoff:  envDuration("DISPATCH_BACKOFF", 500*time.Millisecond),
			StaleAge: envDuration("STALE_JOB_AGE", 10*time.Minute),
		},
		Worker: WorkerConfig{
			ID:                  envString("WORKER_ID", hostname),
			BatchSize:           envInt("WORKER_BATCH_SIZE", 5),
			Wait:                envDuration("WORKER_WAIT", 10*time.Second),
			Lease:               envDuration("WORKER_LEASE", 5*time.Minute),
			Concurrency:         envInt("WORKER_CONCURRENCY", 1),
			ToolTimeout:         envDuration("WORKER_TOOL_TIMEOUT", 4*time.Minute),
			StoreTimeout:        envDurationSecs("STORE_TIMEOUT_SECS", 10*time.Second),
			IdleBackoff:         envDuration("WORKER_IDLE_BACKOFF", 2*time.Second),
			BlackframeThreshold: envFloat("BLACKFRAME_THRESHOLD", 20),
		},
		Retrieval: RetrievalConfig{
			CacheSize:       envInt("RETRIEVAL_CACHE_SIZE", 256),
			CandidateLimit:  envInt("RETRIEVAL_CANDIDATE_LIMIT", 500),
			DefaultLimit:    envInt("RETRIEVAL_DEFAULT_LIMIT", 10),
			ContentWeight:   envFloat("RETRIEVAL_CONTENT_WEIGHT", 1.0),
			TagWeight:       envFloat("RETRIEVAL_TAG_WEIGHT", 2.0),
			SnippetWeight:   envFloat("RETRIEVAL_SNIPPET_WEIGHT", 1.5),
			ExactBonus:      envFloat("RETRIEVAL_EXACT_BONUS", 0.5),
			StructuralScore: envFloat("RETRIEVAL_STRUCTURAL_SCORE", 1.0),
			MinScore:        envFloat("RETRIEVAL_MIN_SCORE", 0),
		},
		Chat: ChatConfig{
			ResultLimit:     envInt("CHAT_RESULT_LIMIT", 5),
			ContextJobs:     envInt("CHAT_CONTEXT_JOBS", 5),
			ContextLabels:   envInt("CHAT_CONTEXT_LABELS", 15),
			ContextTexts:    envInt("CHAT_CONTEXT_TEXTS", 10),
			MaxSnippetBytes: envInt("CHAT_MAX_SNIPPET_BYTES", 120),
			MaxContextBytes: envInt("CHAT_MAX_CONTEXT_BYTES", 4000),
			MaxTokens:       envInt("CHAT_MAX_TOKENS", 150),
			AskTimeout:      envDuration("CHAT_ASK_TIMEOUT", 25*time.Second),
		},
		AI: AIConfig{
			Provider:         envString("AI_PROVIDER", "none"),
			InferenceTimeout: envDurationSecs("AI_INFERENCE_TIMEOUT_SECS", 20*time.Second),
			Ollama: OllamaConfig{
				BaseURL: envString("OLLAMA_BASE_URL", "http://localhost:11434"),
				Model:   envString("OLLAMA_MODEL", "llama3"),
			},
			VLLM: VLLMConfig{
				BaseURL: envString("VLLM_BASE_URL", "http://localhost:8000"),
				Model:   envString("VLLM_MODEL", ""),
			},
			OpenAI: OpenAIConfig{
				BaseURL: envString("OPENAI_BASE_URL", "https://api.openai.com"),
				APIKey:  os.Getenv("OPENAI_API_KEY"),
				Model:   envString("OPENAI_MODEL", "gpt-4o-mini"),
			},
			Anthropic: AnthropicConfig{
				BaseURL: envString("ANTHROPIC_BASE_URL", "https://api.anthropic.com"),
				APIKey:  os.Getenv("ANTHROPIC_API_KEY"),
				Model:   envString("ANTHROPIC_MODEL", "claude-3-haiku-20240307"),
			},
			Bedrock: BedrockConfig{
				ModelID: envString("BEDROCK_MODEL_ID", "anthropic.claude-3-haiku-20240307-v1:0"),
			},
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if !validStores[c.Store.Backend] {
		return fmt.Errorf("STORE_BACKEND must be one of postgres, dynamodb, memory; got %q", c.Store.Backend)
	}
	if c.Store.Backend == "postgres" && c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND is postgres")
	}

	if !validQueues[c.Queue.Backend] {
		return fmt.Errorf("QUEUE_BACKEND must be one of redis, sqs, rabbitmq, memory; got %q", c.Queue.Backend)
	}
	if c.Queue.Backend == "redis" && c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required when QUEUE_BACKEND is redis")
	}
	if c.Queue.Backend == "sqs" && c.Queue.SQSURL == "" {
		return fmt.Errorf("SQS_QUEUE_URL is required when QUEUE_BACKEND is sqs")
	}
	if c.Queue.Backend == "rabbitmq" && c.Queue.AMQPURL == "" {
		return fmt.Errorf("AMQP_URL is required when QUEUE_BACKEND is rabbitmq")
	}

	if !validObjects[c.Objects.Backend] {
		return fmt.Errorf("OBJECT_BACKEND must be one of s3, minio; got %q", c.Objects.Backend)
	}
	if c.Objects.Backend == "minio" && c.Objects.MinIOEndpoint == "" {
		return fmt.Errorf("MINIO_ENDPOINT is required when OBJECT_BACKEND is minio")
	}

	if !validDetectors[c.Detect.Backend] {
		return fmt.Errorf("DETECT_BACKEND must be one of rekognition, http; got %q", c.Detect.Backend)
	}
	if c.Detect.Backend == "http" {
		if !strings.HasPrefix(c.Detect.BaseURL, "http://") && !strings.HasPrefix(c.Detect.BaseURL, "https://") {
			return fmt.Errorf("DETECT_BASE_URL must start with http:// or https://, got %q", c.Detect.BaseURL)
		}
	}

	if c.Dispatch.Attempts < 1 {
		return fmt.Errorf("DISPATCH_ATTEMPTS must be at least 1, got %d", c.Dispatch.Attempts)
	}

	if c.Worker.BatchSize < 1 || c.Worker.BatchSize > 10 {
		return fmt.Errorf("WORKER_BATCH_SIZE must be between 1 and 10, got %d", c.Worker.BatchSize)
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1, got %d", c.Worker.Concurrency)
	}
	if c.Worker.ToolTimeout >= c.Worker.Lease {
		return fmt.Errorf("WORKER_TOOL_TIMEOUT (%s) must be shorter than WORKER_LEASE (%s)",
			c.Worker.ToolTimeout, c.Worker.Lease)
	}

	if !validProviders[c.AI.Provider] {
		return fmt.Errorf("AI_PROVIDER must be one of none, ollama, vllm, openai, anthropic, bedrock; got %q", c.AI.Provider)
	}
	if c.AI.Provider == "openai" && c.AI.OpenAI.APIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required when AI_PROVIDER is openai")
	}
	if c.AI.Provider == "anthropic" && c.AI.Anthropic.APIKey == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY is required when AI_PROVIDER is anthropic")
	}
	if c.AI.Provider == "vllm" && c.AI.VLLM.Model == "" {
		return fmt.Errorf("VLLM_MODEL is required when AI_PROVIDER is vllm")
	}
	if c.AI.InferenceTimeout >= c.Server.WriteTimeout {
		return fmt.Errorf("AI_INFERENCE_TIMEOUT_SECS (%s) must be shorter than SERVER_WRITE_TIMEOUT (%s)",
			c.AI.InferenceTimeout, c.Server.WriteTimeout)
	}
	if c.Chat.AskTimeout < c.AI.InferenceTimeout || c.Chat.AskTimeout >= c.Server.WriteTimeout {
		return fmt.Errorf("CHAT_ASK_TIMEOUT (%s) must be at least AI_INFERENCE_TIMEOUT_SECS (%s) and shorter than SERVER_WRITE_TIMEOUT (%s)",
			c.Chat.AskTimeout, c.AI.InferenceTimeout, c.Server.WriteTimeout)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
