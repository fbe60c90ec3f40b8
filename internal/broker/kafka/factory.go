package kafka

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"eventlake/internal/broker"
)

// NewFactory returns a broker.Factory for Kafka brokers.
//
// Params: brokers (comma-separated, required), tls, sasl_mechanism,
// sasl_user, sasl_password, partitions, replication_factor.
func NewFactory() broker.Factory {
	return func(params map[string]string, logger *slog.Logger) (broker.Broker, error) {
		cfg, err := parseParams(params)
		if err != nil {
			return nil, err
		}
		cfg.Logger = logger
		return New(cfg)
	}
}

func parseParams(params map[string]string) (Config, error) {
	brokers := params["brokers"]
	if brokers == "" {
		return Config{}, fmt.Errorf("kafka broker: brokers param is required")
	}

	cfg := Config{
		TLS:               params["tls"] == "true",
		Partitions:        1,
		ReplicationFactor: 1,
	}
	for b := range strings.SplitSeq(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			cfg.Brokers = append(cfg.Brokers, b)
		}
	}

	if mech := params["sasl_mechanism"]; mech != "" {
		switch strings.ToLower(mech) {
		case "plain", "scram-sha-256", "scram-sha-512":
		default:
			return Config{}, fmt.Errorf("kafka broker: unsupported sasl_mechanism %q (supported: plain, scram-sha-256, scram-sha-512)", mech)
		}
		cfg.SASL = &SASLConfig{
			Mechanism: strings.ToLower(mech),
			User:      params["sasl_user"],
			Password:  params["sasl_password"],
		}
	}

	if v := params["partitions"]; v != "" {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil || n < 1 {
			return Config{}, fmt.Errorf("kafka broker: invalid partitions %q", v)
		}
		cfg.Partitions = int32(n)
	}
	if v := params["replication_factor"]; v != "" {
		n, err := strconv.ParseInt(v, 10, 16)
		if err != nil || n < 1 {
			return Config{}, fmt.Errorf("kafka broker: invalid replication_factor %q", v)
		}
		cfg.ReplicationFactor = int16(n)
	}
	return cfg, nil
}
