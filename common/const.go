package common

import "time"

const (
	// DefaultPort is the public port the supervisor listens on when neither
	// the config file nor the PORT environment variable set one.
	DefaultPort = 3000

	// DefaultEnvironment is the environment name used when WAVES_ENV is unset.
	DefaultEnvironment = "development"

	// ProductionEnvironment lowers the log level to info.
	ProductionEnvironment = "production"

	// DefaultVersionFile is the artifact whose "version" field is polled.
	DefaultVersionFile = "package.json"

	// DefaultServerConfigPath is read when no -C flag is given and the file
	// exists.
	DefaultServerConfigPath = "/etc/wavesd/config.toml"

	// DefaultSuggestURL is the upstream autocomplete endpoint. The query is
	// appended URL-escaped.
	DefaultSuggestURL = "https://duckduckgo.com/ac/?format=json&q="
)

const (
	// VersionPollInterval is how often the version artifact is re-read.
	VersionPollInterval = 5 * time.Second

	// KeepAliveTimeout bounds idle keep-alive connections inside a worker.
	KeepAliveTimeout = 5 * time.Second

	// HeadersTimeout bounds reading request headers inside a worker.
	HeadersTimeout = 10 * time.Second

	// DefaultDrainTimeout bounds a disconnected worker's graceful shutdown.
	DefaultDrainTimeout = 30 * time.Second
)

// Environment variable names.
const (
	EnvPort          = "PORT"
	EnvWorkers       = "WORKERS"
	EnvEnvironment   = "WAVES_ENV"
	EnvVersionFile   = "VERSION_FILE"
	EnvWorkerChannel = "WAVES_WORKER_CHANNEL"
)

// WorkerChannelFD is the descriptor number of the supervisor channel inside a
// worker. os/exec places ExtraFiles[0] at 3.
const WorkerChannelFD = 3
