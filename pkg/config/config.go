package config

import "time"

// Config is the root configuration of a spankv node.
// yaml and validate tags are used for parsing and validation.

type Config struct {
	Logger  LoggerConfig  `yaml:"logger" validate:"required"`
	Server  ServerConfig  `yaml:"http-server" validate:"required"`
	Storage StorageConfig `yaml:"storage" validate:"required"`
	Clock   ClockConfig   `yaml:"clock" validate:"required"`
	Txn     TxnConfig     `yaml:"txn" validate:"required"`
	Raft    RaftConfig    `yaml:"raft" validate:"required"`
}

type ServerConfig struct {
	Port int `yaml:"port" validate:"required,min=1,max=65535"`
}

type StorageConfig struct {
	WALDir string `yaml:"wal_dir" validate:"required"`
	// GCInterval of zero disables background version garbage collection.
	GCInterval time.Duration `yaml:"gc_interval"`
}

// ClockConfig bounds the uncertainty of the TrueTime-style oracle.
type ClockConfig struct {
	// Epsilon is the half-width of every interval returned by the oracle:
	// true time is guaranteed to lie within [now-epsilon, now+epsilon].
	Epsilon time.Duration `yaml:"epsilon" validate:"required"`
	// DriftCeiling is the maximum tolerated divergence between the wall
	// clock and the monotonic clock before the node must halt.
	DriftCeiling time.Duration `yaml:"drift_ceiling"`
}

type TxnConfig struct {
	// LockWait bounds how long a transaction blocks on a held lock before
	// it gives up with a retryable conflict error.
	LockWait time.Duration `yaml:"lock_wait" validate:"required"`
	// CommitRetries is how many times Commit re-attempts lock acquisition
	// with backoff before surfacing the conflict to the caller.
	CommitRetries int           `yaml:"commit_retries"`
	RetryBackoff  time.Duration `yaml:"retry_backoff"`
}

type RaftConfig struct {
	ID                        uint64           `yaml:"id" validate:"required"`
	ElectionTick              int              `yaml:"election_tick" validate:"required,min=2"`
	HeartbeatTick             int              `yaml:"heartbeat_tick" validate:"required,min=1"`
	MaxSizePerMsg             uint64           `yaml:"max_size_per_msg"`
	MaxCommittedSizePerReady  uint64           `yaml:"max_committed_size_per_ready"`
	MaxUncommittedEntriesSize uint64           `yaml:"max_uncommitted_entries_size"`
	MaxInflightMsgs           int              `yaml:"max_inflight_msgs"`
	CheckQuorum               bool             `yaml:"check_quorum"`
	PreVote                   bool             `yaml:"pre_vote"`
	Peers                     []RaftPeerConfig `yaml:"peers" validate:"required,min=1"`
}

type RaftPeerConfig struct {
	ID      uint64 `yaml:"id" validate:"required"`
	Address string `yaml:"address" validate:"required"`
}

type LoggerConfig struct {
	Level string `yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	JSON  bool   `yaml:"json"`
}

// Default returns a baseline single-node development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "DEBUG",
			JSON:  false,
		},
		Server: ServerConfig{
			Port: 8080,
		},
		Storage: StorageConfig{
			WALDir:     "./data/wal",
			GCInterval: 0,
		},
		Clock: ClockConfig{
			Epsilon:      5 * time.Millisecond,
			DriftCeiling: time.Second,
		},
		Txn: TxnConfig{
			LockWait:      200 * time.Millisecond,
			CommitRetries: 3,
			RetryBackoff:  20 * time.Millisecond,
		},
		Raft: RaftConfig{
			ID:                        1,
			ElectionTick:              10,
			HeartbeatTick:             2,
			MaxSizePerMsg:             1024 * 1024,
			MaxCommittedSizePerReady:  4 * 1024 * 1024,
			MaxUncommittedEntriesSize: 8 * 1024 * 1024,
			MaxInflightMsgs:           256,
			CheckQuorum:               true,
			PreVote:                   true,
			Peers: []RaftPeerConfig{
				{ID: 1, Address: "http://localhost:8080"},
			},
		},
	}
}
