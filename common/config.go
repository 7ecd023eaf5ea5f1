// Copyright 2021-2022 The walktrack Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"time"

	"github.com/spf13/viper"
)

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for connecting to NATS server
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
	// SubjectPrefix is prepended to every subject the service subscribes or publishes to
	SubjectPrefix string `mapstructure:"subject_prefix" json:"subject_prefix" validate:"required"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	//
	// Long lived WebSocket connections are hijacked and are not bound by this.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
	// PathPrefix is the end-point path prefix for the APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// ===============================================================================
// Tracking Related Config

// TrackingConfig defines session, connection and fan-out parameters
type TrackingConfig struct {
	// Shards is the number of independently locked shards used by the session keyed maps
	Shards int `mapstructure:"shards" json:"shards" validate:"gte=1"`
	// IdleThreshold is how long (sec) an active session may go without an accepted sample
	// before the idle sweep aborts it
	IdleThreshold int `mapstructure:"idle_threshold_sec" json:"idle_threshold_sec" validate:"gte=1"`
	// IdleSweepInterval is the period (sec) of the idle session sweep
	IdleSweepInterval int `mapstructure:"idle_sweep_interval_sec" json:"idle_sweep_interval_sec" validate:"gte=1"`
	// TerminalRetention is how long (sec) a terminal session is kept in memory
	TerminalRetention int `mapstructure:"terminal_retention_sec" json:"terminal_retention_sec" validate:"gte=0"`
	// MaxUnauthorized is the number of consecutive unauthorized submissions tolerated
	// before a connection is closed
	MaxUnauthorized int `mapstructure:"max_unauthorized" json:"max_unauthorized" validate:"gte=1"`
	// AuthGracePeriod is how long (sec) a new connection has to complete the handshake
	AuthGracePeriod int `mapstructure:"auth_grace_period_sec" json:"auth_grace_period_sec" validate:"gte=1"`
	// HeartbeatInterval is the connection ping period (sec)
	HeartbeatInterval int `mapstructure:"heartbeat_interval_sec" json:"heartbeat_interval_sec" validate:"gte=1"`
	// MaxMissedPongs is the number of consecutive missed pongs before closing a connection
	MaxMissedPongs int `mapstructure:"max_missed_pongs" json:"max_missed_pongs" validate:"gte=1"`
	// SubscriberQueueLength is the bounded outbound queue length of each subscription
	SubscriberQueueLength int `mapstructure:"subscriber_queue_length" json:"subscriber_queue_length" validate:"gte=1"`
	// ControlQueueLength is the outbound queue length for acknowledgements and replies
	ControlQueueLength int `mapstructure:"control_queue_length" json:"control_queue_length" validate:"gte=1"`
	// MaxFrameSize is the max inbound frame size in bytes
	MaxFrameSize int64 `mapstructure:"max_frame_size" json:"max_frame_size" validate:"gte=128"`
}

// PersistenceConfig defines the batching route writer parameters
type PersistenceConfig struct {
	// BatchSize is the number of pending samples which triggers a flush
	BatchSize int `mapstructure:"batch_size" json:"batch_size" validate:"gte=1"`
	// FlushInterval is the max age (sec) of the oldest pending sample before a flush
	FlushInterval int `mapstructure:"flush_interval_sec" json:"flush_interval_sec" validate:"gte=1"`
	// MaxAttempts is the number of storage write attempts for one batch
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=1"`
	// InitialBackoff is the delay (ms) before the first retry; it doubles per retry
	InitialBackoff int `mapstructure:"initial_backoff_ms" json:"initial_backoff_ms" validate:"gte=1"`
	// Workers is the number of writer shards
	Workers int `mapstructure:"workers" json:"workers" validate:"gte=1"`
	// QueueLength is the task queue length of each writer shard
	QueueLength int `mapstructure:"queue_length" json:"queue_length" validate:"gte=1"`
	// StoreTimeout is the max duration (sec) of one storage call
	StoreTimeout int `mapstructure:"store_timeout_sec" json:"store_timeout_sec" validate:"gte=1"`
}

// StorageConfig defines the route store
type StorageConfig struct {
	// Driver selects the route store implementation
	Driver string `mapstructure:"driver" json:"driver" validate:"required,oneof=sqlite bolt"`
	// Path is the database file path
	Path string `mapstructure:"path" json:"path" validate:"required"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config
type SystemConfig struct {
	// NATS are the NATS related config parameters. Lifecycle events and observability
	// events are disabled when not set.
	NATS *NATSConfig `mapstructure:"nats,omitempty" json:"nats,omitempty" validate:"omitempty,dive"`
	// APIServer are the API server configs
	APIServer HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Tracking are the session / connection configs
	Tracking TrackingConfig `mapstructure:"tracking" json:"tracking" validate:"required,dive"`
	// Persistence are the route writer configs
	Persistence PersistenceConfig `mapstructure:"persistence" json:"persistence" validate:"required,dive"`
	// Storage are the route store configs
	Storage StorageConfig `mapstructure:"storage" json:"storage" validate:"required,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default API server settings
	viper.SetDefault("api_server.path_prefix", "/")
	viper.SetDefault("api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("api_server.server_config.listen_port", 3000)
	viper.SetDefault("api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"api_server.logging_config.request_id_header", "Walktrack-Request-ID",
	)
	viper.SetDefault(
		"api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)

	// Default tracking settings
	viper.SetDefault("tracking.shards", 32)
	viper.SetDefault("tracking.idle_threshold_sec", 300)
	viper.SetDefault("tracking.idle_sweep_interval_sec", 15)
	viper.SetDefault("tracking.terminal_retention_sec", 3600)
	viper.SetDefault("tracking.max_unauthorized", 5)
	viper.SetDefault("tracking.auth_grace_period_sec", 10)
	viper.SetDefault("tracking.heartbeat_interval_sec", 30)
	viper.SetDefault("tracking.max_missed_pongs", 2)
	viper.SetDefault("tracking.subscriber_queue_length", 50)
	viper.SetDefault("tracking.control_queue_length", 64)
	viper.SetDefault("tracking.max_frame_size", 4096)

	// Default persistence settings
	viper.SetDefault("persistence.batch_size", 20)
	viper.SetDefault("persistence.flush_interval_sec", 5)
	viper.SetDefault("persistence.max_attempts", 3)
	viper.SetDefault("persistence.initial_backoff_ms", 100)
	viper.SetDefault("persistence.workers", 4)
	viper.SetDefault("persistence.queue_length", 1024)
	viper.SetDefault("persistence.store_timeout_sec", 5)

	// Default storage settings
	viper.SetDefault("storage.driver", "sqlite")
	viper.SetDefault("storage.path", "walktrack.db")
}

// InstallDefaultNATSConfigValues installs default NATS parameters in viper. Only called
// when NATS integration is requested, as the NATS section is optional.
func InstallDefaultNATSConfigValues() {
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)
	viper.SetDefault("nats.subject_prefix", "walktrack")
}

// Seconds helper converting a config value in seconds into a time.Duration
func Seconds(value int) time.Duration {
	return time.Second * time.Duration(value)
}
