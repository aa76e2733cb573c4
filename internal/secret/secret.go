// Package secret reads sink credentials from mounted files or environment
// variables and turns them into request headers.
package secret

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Credential types.
const (
	TypeBearer = "Bearer"
	TypeAPIKey = "APIKey"
	TypeBasic  = "Basic"
)

// Config selects where a credential is read from and how it is sent.
type Config struct {
	// Type is Bearer, APIKey or Basic. A Basic secret holds "user:password".
	Type string
	// File holds the secret, e.g. a mounted Kubernetes secret. It is
	// re-read whenever its modification time changes.
	File string
	// Env names the variable holding the secret when File is empty.
	Env string
	// Header carries an APIKey secret (default Authorization).
	Header string
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	var errs []error
	switch c.Type {
	case TypeBearer, TypeAPIKey, TypeBasic:
	default:
		errs = append(errs, fmt.Errorf("auth.type %q must be Bearer, APIKey or Basic", c.Type))
	}
	if c.File == "" && c.Env == "" {
		errs = append(errs, errors.New("auth needs either file or env"))
	}
	return errors.Join(errs...)
}

// Source produces auth headers from one credential.
type Source struct {
	cfg Config

	mu      sync.Mutex
	modTime time.Time
	value   string
}

// New validates cfg and returns a Source.
func New(cfg Config) (*Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Source{cfg: cfg}, nil
}

// Headers returns the headers carrying the current credential.
func (s *Source) Headers() (map[string]string, error) {
	value, err := s.read()
	if err != nil {
		return nil, err
	}

	switch s.cfg.Type {
	case TypeBearer:
		return map[string]string{"Authorization": "Bearer " + value}, nil
	case TypeBasic:
		return map[string]string{"Authorization": "Basic " + base64.StdEncoding.EncodeToString([]byte(value))}, nil
	default:
		header := s.cfg.Header
		if header == "" {
			header = "Authorization"
		}
		return map[string]string{header: value}, nil
	}
}

func (s *Source) read() (string, error) {
	if s.cfg.File == "" {
		val := os.Getenv(s.cfg.Env)
		if val == "" {
			return "", fmt.Errorf("env var %s is empty", s.cfg.Env)
		}
		return val, nil
	}

	path := filepath.Clean(s.cfg.File)
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("secret file: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.value != "" && info.ModTime().Equal(s.modTime) {
		return s.value, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read secret file %s: %w", s.cfg.File, err)
	}
	value := strings.TrimSpace(string(data))
	if value == "" {
		return "", fmt.Errorf("secret file %s is empty", s.cfg.File)
	}
	s.value = value
	s.modTime = info.ModTime()
	return value, nil
}
