package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. FLOWBUS_NATS_URL.
const EnvPrefix = "FLOWBUS"

// Load reads a Config from an optional file (YAML, JSON or TOML, chosen by
// extension) and FLOWBUS_* environment variables. Environment values win over
// the file. An empty path reads the environment only. The result is validated.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{
		NodeID:       v.GetString("node_id"),
		PubSubSystem: v.GetString("pubsub_system"),

		KafkaBrokers:       v.GetStringSlice("kafka_brokers"),
		KafkaClientID:      v.GetString("kafka_client_id"),
		KafkaConsumerGroup: v.GetString("kafka_consumer_group"),

		RabbitMQURL: v.GetString("rabbitmq_url"),

		NATSURL:           v.GetString("nats_url"),
		NATSMaxReconnects: v.GetInt("nats_max_reconnects"),
		NATSReconnectWait: v.GetDuration("nats_reconnect_wait"),

		AWSRegion:          v.GetString("aws_region"),
		AWSAccountID:       v.GetString("aws_account_id"),
		AWSAccessKeyID:     v.GetString("aws_access_key_id"),
		AWSSecretAccessKey: v.GetString("aws_secret_access_key"),
		AWSEndpoint:        v.GetString("aws_endpoint"),

		HTTPListenAddress: v.GetString("http_listen_address"),
		HTTPPeerURL:       v.GetString("http_peer_url"),

		DefaultMaxBufferedMessages: v.GetInt("default_max_buffered_messages"),
		WriteQueueMaxSize:          v.GetInt("write_queue_max_size"),
		ReplyTimeout:               v.GetDuration("reply_timeout"),

		TracingEnabled: v.GetBool("tracing_enabled"),

		MetricsEnabled: v.GetBool("metrics_enabled"),
		MetricsPort:    v.GetInt("metrics_port"),

		IntrospectionEnabled:            v.GetBool("introspection_enabled"),
		IntrospectionPort:               v.GetInt("introspection_port"),
		IntrospectionCORSAllowedOrigins: v.GetStringSlice("introspection_cors_allowed_origins"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// every key needs a default so AutomaticEnv can resolve it
func setDefaults(v *viper.Viper) {
	v.SetDefault("node_id", "")
	v.SetDefault("pubsub_system", "")
	v.SetDefault("kafka_brokers", []string{})
	v.SetDefault("kafka_client_id", "")
	v.SetDefault("kafka_consumer_group", "")
	v.SetDefault("rabbitmq_url", "")
	v.SetDefault("nats_url", "")
	v.SetDefault("nats_max_reconnects", 0)
	v.SetDefault("nats_reconnect_wait", "0s")
	v.SetDefault("aws_region", "")
	v.SetDefault("aws_account_id", "")
	v.SetDefault("aws_access_key_id", "")
	v.SetDefault("aws_secret_access_key", "")
	v.SetDefault("aws_endpoint", "")
	v.SetDefault("http_listen_address", "")
	v.SetDefault("http_peer_url", "")
	v.SetDefault("default_max_buffered_messages", DefaultMaxBufferedMessages)
	v.SetDefault("write_queue_max_size", DefaultWriteQueueMaxSize)
	v.SetDefault("reply_timeout", DefaultReplyTimeout.String())
	v.SetDefault("tracing_enabled", false)
	v.SetDefault("metrics_enabled", false)
	v.SetDefault("metrics_port", 0)
	v.SetDefault("introspection_enabled", false)
	v.SetDefault("introspection_port", DefaultIntrospectionPort)
	v.SetDefault("introspection_cors_allowed_origins", []string{})
}
