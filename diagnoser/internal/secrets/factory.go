// Package secrets resolves provider API key references.
//
// A reference is one of:
//
//	literal-value                 used as-is
//	env:NAME                      value of environment variable NAME
//	file:/path/to/key             trimmed contents of a file
//	op://vault/item/field         field of a 1Password item (Connect API)
//	op://item/field               same, in the configured default vault
package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// ErrNotFound is returned when a reference points at nothing.
var ErrNotFound = errors.New("secret not found")

// Resolver turns a secret reference into its value.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// Config holds configuration for the secrets backend.
type Config struct {
	// Backend specifies which backend to use: "1password", "env", or "auto"
	// "auto" (default) enables 1Password references if Connect is configured
	Backend string `yaml:"backend"`

	// 1Password Connect configuration
	// Set via environment: OP_CONNECT_HOST, OP_CONNECT_TOKEN, OP_VAULT_ID
	Host  string `yaml:"host"`
	Token string `yaml:"-"`
	Vault string `yaml:"vault"`
}

// ConfigFromEnv creates a Config from environment variables.
func ConfigFromEnv() Config {
	return Config{
		Backend: getEnv("NETDIAG_SECRETS_BACKEND", "auto"),
		Host:    os.Getenv("OP_CONNECT_HOST"),
		Token:   os.Getenv("OP_CONNECT_TOKEN"),
		Vault:   os.Getenv("OP_VAULT_ID"),
	}
}

// NewResolver creates a Resolver based on configuration.
func NewResolver(cfg Config, logger *slog.Logger) (Resolver, error) {
	backend := cfg.Backend
	if backend == "" {
		backend = "auto"
	}

	r := &refResolver{
		lookupEnv: os.LookupEnv,
		readFile:  os.ReadFile,
	}

	switch backend {
	case "1password":
		op, err := NewOnePasswordResolver(cfg, logger)
		if err != nil {
			return nil, err
		}
		r.onePassword = op

	case "env":
		logger.Info("1Password references disabled", "backend", backend)

	case "auto":
		if cfg.Host != "" && cfg.Token != "" {
			op, err := NewOnePasswordResolver(cfg, logger)
			if err != nil {
				logger.Warn("failed to initialize 1Password, op:// references will not resolve",
					"error", err)
			} else {
				r.onePassword = op
			}
		} else {
			logger.Debug("OP_CONNECT_HOST/OP_CONNECT_TOKEN not set, op:// references will not resolve")
		}

	default:
		return nil, fmt.Errorf("unknown secrets backend: %s", backend)
	}

	return r, nil
}

// refResolver dispatches on the reference scheme.
type refResolver struct {
	onePassword *OnePasswordResolver
	lookupEnv   func(string) (string, bool)
	readFile    func(string) ([]byte, error)
}

func (r *refResolver) Resolve(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)

	switch {
	case strings.HasPrefix(ref, "env:"):
		name := strings.TrimPrefix(ref, "env:")
		v, ok := r.lookupEnv(name)
		if !ok || v == "" {
			return "", fmt.Errorf("environment variable %s: %w", name, ErrNotFound)
		}
		return v, nil

	case strings.HasPrefix(ref, "file:"):
		path := strings.TrimPrefix(ref, "file:")
		data, err := r.readFile(path)
		if err != nil {
			return "", fmt.Errorf("reading %s: %w", path, err)
		}
		v := strings.TrimSpace(string(data))
		if v == "" {
			return "", fmt.Errorf("file %s is empty: %w", path, ErrNotFound)
		}
		return v, nil

	case strings.HasPrefix(ref, "op://"):
		if r.onePassword == nil {
			return "", errors.New("1Password reference but 1Password Connect is not configured")
		}
		return r.onePassword.Resolve(ctx, ref)

	default:
		return ref, nil
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
