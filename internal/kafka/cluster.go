// Package kafka holds shared Kafka cluster configuration and connection
// management for Kafka sources, sinks and dead-letter publishing.
package kafka

import (
	"errors"
	"fmt"
)

// ClusterConfig defines a Kafka cluster with authentication and TLS settings.
type ClusterConfig struct {
	Name     string     `yaml:"name,omitempty"` // Populated from map key when loaded
	Brokers  []string   `yaml:"brokers"`
	ClientID string     `yaml:"clientId,omitempty"`
	Auth     AuthConfig `yaml:"auth,omitempty"`
	TLS      TLSConfig  `yaml:"tls,omitempty"`
	// Compression of produced batches: none, gzip, snappy, lz4 or zstd.
	Compression string `yaml:"compression,omitempty"`
}

// AuthConfig defines SASL authentication for Kafka.
type AuthConfig struct {
	Mechanism string       `yaml:"mechanism"` // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512, OAUTHBEARER
	Username  string       `yaml:"username,omitempty"`
	Password  string       `yaml:"password,omitempty"`
	OAuth     *OAuthConfig `yaml:"oauth,omitempty"`
}

// TLSConfig defines TLS settings for Kafka connections.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CAFile     string `yaml:"caFile,omitempty"`
	CertFile   string `yaml:"certFile,omitempty"`
	KeyFile    string `yaml:"keyFile,omitempty"`
	SkipVerify bool   `yaml:"skipVerify,omitempty"`
}

var validCompression = map[string]bool{"none": true, "gzip": true, "snappy": true, "lz4": true, "zstd": true}

// Validate checks the cluster configuration for errors.
func (c *ClusterConfig) Validate() error {
	var errs []error

	if len(c.Brokers) == 0 {
		errs = append(errs, errors.New("at least one broker is required"))
	}
	if c.Compression != "" && !validCompression[c.Compression] {
		errs = append(errs, fmt.Errorf("compression %q is not valid (must be none, gzip, snappy, lz4 or zstd)", c.Compression))
	}

	switch c.Auth.Mechanism {
	case "":
	case "PLAIN", "SCRAM-SHA-256", "SCRAM-SHA-512":
		if c.Auth.Username == "" {
			errs = append(errs, errors.New("auth.username is required when mechanism is set"))
		}
		if c.Auth.Password == "" {
			errs = append(errs, errors.New("auth.password is required when mechanism is set"))
		}
	case "OAUTHBEARER":
		if c.Auth.OAuth == nil {
			errs = append(errs, errors.New("auth.oauth config is required for OAUTHBEARER"))
		} else if err := c.Auth.OAuth.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("auth: %w", err))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported SASL mechanism %q (must be PLAIN, SCRAM-SHA-256, SCRAM-SHA-512, or OAUTHBEARER)", c.Auth.Mechanism))
	}

	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("tls: both certFile and keyFile must be specified together"))
	}

	return errors.Join(errs...)
}

// KafkaGlobalConfig holds the named clusters a flow may refer to.
type KafkaGlobalConfig struct {
	Clusters map[string]ClusterConfig `yaml:"clusters"`
}

// Validate checks all cluster configurations.
func (c *KafkaGlobalConfig) Validate() error {
	var errs []error
	for name, cluster := range c.Clusters {
		if err := cluster.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("cluster %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
