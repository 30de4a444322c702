// Package config loads the gateway's YAML/JSON5 configuration file,
// resolving $include directives and ${ENV} expansion before decoding into
// typed Config structs, mirroring the teacher's internal/config loader.
package config

import "time"

// Config is the root configuration object recognized by the gateway,
// matching spec.md §6's configuration table.
type Config struct {
	Gateway    GatewayConfig    `yaml:"gateway"`
	LLM        LLMConfig        `yaml:"llm"`
	Memory     MemoryConfig     `yaml:"memory"`
	Compaction CompactionConfig `yaml:"compaction"`
	Tasks      TasksConfig      `yaml:"tasks"`
	Policy     PolicyConfig     `yaml:"policy"`
	Auth       AuthConfig       `yaml:"auth"`
}

// GatewayConfig configures the duplex-connection frontend's listen address.
type GatewayConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// LLMConfig names the models used by each subsystem. The concrete wire
// format of each model is out of scope; these are opaque identifiers
// passed to the configured LLMProvider/Embedder.
type LLMConfig struct {
	ModelName              string `yaml:"model_name"`
	SummarizationModel     string `yaml:"summarization_model"`
	MemoryExtractionModel  string `yaml:"memory_extraction_model"`
	EmbeddingModel         string `yaml:"embedding_model"`
	EmbeddingDim           int    `yaml:"embedding_dim"`
	ContextWindow          int    `yaml:"context_window"`
}

// MemoryConfig configures long-term memory ingestion and retrieval.
type MemoryConfig struct {
	MinImportance     int                 `yaml:"min_importance"`
	Embeddings        MemoryEmbeddingsCfg `yaml:"embeddings"`
	VectorScanLimit   int                 `yaml:"vector_scan_limit"`
	VectorTopK        int                 `yaml:"vector_top_k"`
	Retrieval         RetrievalConfig     `yaml:"retrieval"`
}

// MemoryEmbeddingsCfg toggles embedding generation for stored memories.
type MemoryEmbeddingsCfg struct {
	Enabled bool `yaml:"enabled"`
}

// RetrievalConfig bounds hybrid-search candidate pool sizes.
type RetrievalConfig struct {
	RecentTurnsLimit int `yaml:"recent_turns_limit"`
	StructuredLimit  int `yaml:"structured_limit"`
}

// CompactionConfig configures the summarizer/compactor trigger and shape.
type CompactionConfig struct {
	Threshold        float64 `yaml:"threshold"`
	KeepRecentTurns  int     `yaml:"keep_recent_turns"`
	MinTurns         int     `yaml:"min_turns"`
}

// TasksConfig configures run/permission lifetime windows.
type TasksConfig struct {
	AttachWindowS    int `yaml:"attach_window_s"`
	AutoCloseAfterS  int `yaml:"auto_close_after_s"`
}

// PolicyConfig lists glob patterns over capability strings for the
// tool-calling policy gate.
type PolicyConfig struct {
	Allow []string `yaml:"allow"`
	Ask   []string `yaml:"ask"`
	Deny  []string `yaml:"deny"`
}

// AuthConfig configures the connect-time bearer-token hook spec.md's
// Non-goals carve out an exception for ("end-user identity/
// authentication beyond a static allow-list hook"). Leaving both
// JWTSecret empty and AllowedTokens nil disables the hook entirely:
// every client connects unauthenticated, which is this gateway's
// default.
type AuthConfig struct {
	JWTSecret     string        `yaml:"jwt_secret"`
	TokenExpiry   time.Duration `yaml:"token_expiry"`
	AllowedTokens []string      `yaml:"allowed_tokens"`
}

// Default returns the configuration defaults named in spec.md §6.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{Host: "127.0.0.1", Port: 3336},
		LLM: LLMConfig{
			EmbeddingDim:  1536,
			ContextWindow: 200000,
		},
		Memory: MemoryConfig{
			MinImportance:   6,
			Embeddings:      MemoryEmbeddingsCfg{Enabled: true},
			VectorScanLimit: 2000,
			VectorTopK:      50,
			Retrieval: RetrievalConfig{
				RecentTurnsLimit: 8,
				StructuredLimit:  5,
			},
		},
		Compaction: CompactionConfig{
			Threshold:       0.6,
			KeepRecentTurns: 30,
			MinTurns:        40,
		},
		Tasks: TasksConfig{
			AttachWindowS:   1800,
			AutoCloseAfterS: 21600,
		},
	}
}

// PermissionTimeout is the default deadline for an unanswered permission ask.
const PermissionTimeout = 5 * time.Minute

// ShellToolTimeout is the default bound for a shell tool executor.
const ShellToolTimeout = 60 * time.Second
