// Copyright 2022 The httprelay Authors
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

import "github.com/spf13/viper"

// ===============================================================================
// Store Related Config

// RedisConfig defines parameters for connecting to a Redis server
type RedisConfig struct {
	// Addr is the Redis server "host:port" address
	Addr string `mapstructure:"addr" json:"addr" validate:"required"`
	// Password is the Redis AUTH password. Empty means no AUTH.
	Password string `mapstructure:"password" json:"-"`
	// DB is the Redis logical database to operate against
	DB int `mapstructure:"db" json:"db" validate:"gte=0"`
	// KeyPrefix is prepended to every key this service writes
	KeyPrefix string `mapstructure:"key_prefix" json:"key_prefix"`
}

// StoreConfig defines the key-value document store parameters
type StoreConfig struct {
	// Backend selects the store implementation
	Backend string `mapstructure:"backend" json:"backend" validate:"required,oneof=memory redis"`
	// Redis are the Redis connection parameters. Required when Backend is "redis".
	Redis *RedisConfig `mapstructure:"redis,omitempty" json:"redis,omitempty" validate:"omitempty,dive"`
}

// ===============================================================================
// Channel Related Config

// ChannelConfig defines channel and message retention parameters
type ChannelConfig struct {
	// MessageRetention is the max number of messages retained per channel.
	//
	// Oldest messages are dropped once the limit is breached.
	MessageRetention int `mapstructure:"message_retention" json:"message_retention" validate:"required,gte=1"`
	// PollFetchLimit is the max number of messages returned by a single fetch
	// against one channel. A burst larger than this between polls is lossy for
	// the poller.
	PollFetchLimit int `mapstructure:"poll_fetch_limit" json:"poll_fetch_limit" validate:"required,gte=1"`
	// ActiveWindow is the look-back window in minutes when listing active channels
	ActiveWindow int `mapstructure:"active_window_min" json:"active_window_min" validate:"required,gte=1"`
}

// ===============================================================================
// Polling Session Related Config

// SessionConfig defines polling session lifecycle parameters
type SessionConfig struct {
	// IdleTimeout is the max inactivity duration in seconds before a session
	// is eligible for removal
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"required,gte=1"`
	// MaxDuration is the absolute session age limit in seconds. A session past
	// this age is removed regardless of activity.
	MaxDuration int `mapstructure:"max_duration_sec" json:"max_duration_sec" validate:"required,gte=1"`
	// MaxSessions caps the number of concurrent polling sessions
	MaxSessions int `mapstructure:"max_sessions" json:"max_sessions" validate:"required,gte=1"`
	// PollInterval is the polling interval in seconds suggested to clients
	PollInterval int `mapstructure:"poll_interval_sec" json:"poll_interval_sec" validate:"required,gte=2,lte=30"`
}

// ===============================================================================
// Auth Related Config

// AuthConfig defines caller identity and authorization parameters
type AuthConfig struct {
	// UserIDHeader is the trusted HTTP header carrying the caller's user ID.
	// Expected to be set by an upstream authenticating proxy.
	UserIDHeader string `mapstructure:"user_id_header" json:"user_id_header" validate:"required"`
	// AdminUsers is the list of user IDs holding elevated capability
	AdminUsers []string `mapstructure:"admin_users" json:"admin_users"`
	// TokenLifetime is the nominal bearer token lifetime in seconds.
	//
	// Expiry is informational only; resolution does not reject expired tokens.
	TokenLifetime int `mapstructure:"token_lifetime_sec" json:"token_lifetime_sec" validate:"required,gte=1"`
}

// ===============================================================================
// Maintenance Related Config

// CleanupConfig defines the periodic maintenance parameters
type CleanupConfig struct {
	// Interval is the duration between maintenance passes in seconds
	Interval int `mapstructure:"interval_sec" json:"interval_sec" validate:"required,gte=1"`
	// ChannelMaxAge is the channel inactivity age in seconds beyond which a
	// maintenance pass removes the channel and its state
	ChannelMaxAge int `mapstructure:"channel_max_age_sec" json:"channel_max_age_sec" validate:"required,gte=1"`
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
}

// ===============================================================================
// Relay Server Related Config

// RelayEndpointConfig defines relay API endpoint config
type RelayEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the relay APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// RelayServerConfig defines configuration for the relay API server
type RelayServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the relay API server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters for the relay API server
	Endpoints RelayEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config
type SystemConfig struct {
	// Store are the key-value document store config parameters
	Store StoreConfig `mapstructure:"store" json:"store" validate:"required,dive"`
	// Channels are the channel and message retention config parameters
	Channels ChannelConfig `mapstructure:"channels" json:"channels" validate:"required,dive"`
	// Sessions are the polling session config parameters
	Sessions SessionConfig `mapstructure:"sessions" json:"sessions" validate:"required,dive"`
	// Auth are the caller identity and authorization config parameters
	Auth AuthConfig `mapstructure:"auth" json:"auth" validate:"required,dive"`
	// Cleanup are the periodic maintenance config parameters
	Cleanup CleanupConfig `mapstructure:"cleanup" json:"cleanup" validate:"required,dive"`
	// Relay are the relay API server configs
	Relay *RelayServerConfig `mapstructure:"relay,omitempty" json:"relay,omitempty" validate:"omitempty,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default store settings
	viper.SetDefault("store.backend", "memory")
	viper.SetDefault("store.redis.addr", "127.0.0.1:6379")
	viper.SetDefault("store.redis.db", 0)
	viper.SetDefault("store.redis.key_prefix", "httprelay:")

	// Default channel settings
	viper.SetDefault("channels.message_retention", 100)
	viper.SetDefault("channels.poll_fetch_limit", 50)
	viper.SetDefault("channels.active_window_min", 60)

	// Default session settings
	viper.SetDefault("sessions.idle_timeout_sec", 300)
	viper.SetDefault("sessions.max_duration_sec", 3600)
	viper.SetDefault("sessions.max_sessions", 1000)
	viper.SetDefault("sessions.poll_interval_sec", 5)

	// Default auth settings
	viper.SetDefault("auth.user_id_header", "Httprelay-User-ID")
	viper.SetDefault("auth.admin_users", []string{})
	viper.SetDefault("auth.token_lifetime_sec", 3600)

	// Default maintenance settings
	viper.SetDefault("cleanup.interval_sec", 300)
	viper.SetDefault("cleanup.channel_max_age_sec", 3600)

	// Default relay server settings
	viper.SetDefault("relay.endpoint_config.path_prefix", "/")
	viper.SetDefault("relay.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("relay.api_server.server_config.listen_port", 3000)
	viper.SetDefault("relay.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("relay.api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("relay.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"relay.api_server.logging_config.request_id_header", "Httprelay-Request-ID",
	)
	viper.SetDefault(
		"relay.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
}
