package config

// Config is the root configuration structure for skillscan.
// Serialised to ~/.skillscan/config.json.
type Config struct {
	GitHub    GitHubConfig    `mapstructure:"github"    json:"github"`
	Clone     CloneConfig     `mapstructure:"clone"     json:"clone"`
	Knowledge KnowledgeConfig `mapstructure:"knowledge" json:"knowledge"`
	Store     StoreConfig     `mapstructure:"store"     json:"store"`
	Database  DatabaseConfig  `mapstructure:"database"  json:"database"`
	Server    ServerConfig    `mapstructure:"server"    json:"server"`
	Parsers   ParsersConfig   `mapstructure:"parsers"   json:"parsers"`
	Agent     AgentConfig     `mapstructure:"agent"     json:"agent"`
}

// GitHubConfig holds upstream API access and pacing policy.
type GitHubConfig struct {
	Token string `mapstructure:"token" json:"token"`
	// MinDelayMillis is the minimum spacing between successive API requests.
	MinDelayMillis int `mapstructure:"min_delay_millis" json:"min_delay_millis"`
	// MaxRetries bounds consecutive transient failures before giving up.
	MaxRetries int `mapstructure:"max_retries" json:"max_retries"`
}

// CloneConfig controls where working copies land.
type CloneConfig struct {
	// TmpfsDir receives clones of repos at or under TmpfsCutoffBytes.
	TmpfsDir string `mapstructure:"tmpfs_dir" json:"tmpfs_dir"`
	// FsDir receives larger repos and tmpfs fallbacks.
	FsDir string `mapstructure:"fs_dir" json:"fs_dir"`
	// TmpfsCutoffBytes is the repo-size threshold for the tmpfs tier.
	TmpfsCutoffBytes int64 `mapstructure:"tmpfs_cutoff_bytes" json:"tmpfs_cutoff_bytes"`
}

// KnowledgeConfig parameterizes the knowledge model.
type KnowledgeConfig struct {
	// RepetitionPenalty is the K constant of breadth regularization.
	// Overridable via the REPETITION_PENALTY environment variable.
	RepetitionPenalty float64 `mapstructure:"repetition_penalty" json:"repetition_penalty"`
	// Depth is the dotted-name truncation depth published to the population.
	Depth int `mapstructure:"depth" json:"depth"`
}

// StoreConfig points at the blob store holding user knowledge and
// leaderboard markers.
type StoreConfig struct {
	RedisAddr     string `mapstructure:"redis_addr"     json:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password" json:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"       json:"redis_db"`
}

// DatabaseConfig controls the relational backend.
type DatabaseConfig struct {
	// Driver is "sqlite" (default) or "mysql".
	Driver string `mapstructure:"driver" json:"driver"`
	// Path is the SQLite file path (expanded at runtime).
	Path string `mapstructure:"path" json:"path"`
	// DSN is the MySQL data source name (used when Driver == "mysql").
	DSN string `mapstructure:"dsn" json:"dsn"`
}

// ServerConfig controls the callback TCP server started by `skillscan serve`.
type ServerConfig struct {
	Address string `mapstructure:"address" json:"address"`
	Port    int    `mapstructure:"port"    json:"port"`
	// Parallel offloads handling to a pool of worker subprocesses.
	Parallel bool `mapstructure:"parallel" json:"parallel"`
	// Workers is the subprocess pool size; 0 means one per CPU.
	Workers int `mapstructure:"workers" json:"workers"`
	// WorkerIdleTimeoutSecs tears down an idle worker subprocess.
	WorkerIdleTimeoutSecs int `mapstructure:"worker_idle_timeout_secs" json:"worker_idle_timeout_secs"`
	// Memoized caches responses keyed by the decoded request.
	Memoized bool `mapstructure:"memoized" json:"memoized"`
	// MemoCacheSize caps the memoization cache; 0 means unbounded.
	MemoCacheSize int `mapstructure:"memo_cache_size" json:"memo_cache_size"`
}

// BackendConfig addresses one external parser or relevance service.
type BackendConfig struct {
	Host        string `mapstructure:"host"         json:"host"`
	Port        int    `mapstructure:"port"         json:"port"`
	TimeoutSecs int    `mapstructure:"timeout_secs" json:"timeout_secs"`
}

// ParsersConfig wires the language parsers to their backend services.
type ParsersConfig struct {
	// Python lists parser backends in preference order, e.g. python3 then
	// python2 for dialect coverage.
	Python       []BackendConfig `mapstructure:"python"        json:"python"`
	PythonImpact BackendConfig   `mapstructure:"python_impact" json:"python_impact"`

	Javascript       []BackendConfig `mapstructure:"javascript"        json:"javascript"`
	JavascriptImpact BackendConfig   `mapstructure:"javascript_impact" json:"javascript_impact"`
}

// AgentConfig controls the long-running rescan daemon.
type AgentConfig struct {
	// Users to rescan on schedule.
	Users []string `mapstructure:"users" json:"users"`
	// CronSpec is a robfig/cron expression; empty disables scheduling.
	CronSpec string `mapstructure:"cron_spec" json:"cron_spec"`
	// MetricsPort exposes prometheus metrics; 0 disables the endpoint.
	MetricsPort int `mapstructure:"metrics_port" json:"metrics_port"`
	// WatchdogSecs kills a scan that makes no progress for this long.
	WatchdogSecs int `mapstructure:"watchdog_secs" json:"watchdog_secs"`
}
