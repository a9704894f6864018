// Package schema loads the entity model from a YAML register reference.
//
// Layout:
//
//	meters:
//	  electric:
//	    id: {slave_id: 1, ip_address: 10.0.0.5, tcp_socket: 502}
//	    register_types:
//	      float: {byteorder: big, wordorder: little, length: 2, read_type: input}
//	tables:
//	  phase:
//	    type: symbolic
//	    meter: electric
//	    symbol_field: phase
//	    fields:
//	      "1": {voltage: {register: 0, type: float}}
//	  electric_avg:
//	    type: simple
//	    meter: electric
//	    fields:
//	      current_demand: {register: 100, type: float}
package schema

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/milad/meterpoller/internal/domain"
)

const (
	// EnvPath overrides the schema location.
	EnvPath = "METERPOLL_SCHEMA"
	// DefaultPath is used when neither the environment nor the host config
	// names a schema file.
	DefaultPath = "config/modbus_registers.yaml"
)

var (
	ErrSchemaNotFound  = errors.New("schema not found")
	ErrSchemaMalformed = errors.New("schema malformed")
)

// LoadError reports a schema that cannot be used. It is fatal at startup.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	if e.Path == "" {
		return "schema: " + e.Err.Error()
	}
	return fmt.Sprintf("schema %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Source produces the entity model.
type Source interface {
	Load() (*domain.Model, error)
}

// Location resolves the schema path: the environment wins, then fallback,
// then DefaultPath.
func Location(fallback string) string {
	if v := os.Getenv(EnvPath); v != "" {
		return v
	}
	if fallback != "" {
		return fallback
	}
	return DefaultPath
}

// FileSource reads the schema from a YAML file.
type FileSource struct {
	Path   string
	Logger *slog.Logger
}

var _ Source = (*FileSource)(nil)

func NewFileSource(path string, logger *slog.Logger) *FileSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileSource{Path: path, Logger: logger}
}

func (s *FileSource) Load() (*domain.Model, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &LoadError{Path: s.Path, Err: fmt.Errorf("%w: %v", ErrSchemaNotFound, err)}
		}
		return nil, &LoadError{Path: s.Path, Err: fmt.Errorf("%w: %v", ErrSchemaMalformed, err)}
	}
	m, err := Parse(data, s.Logger)
	if err != nil {
		var le *LoadError
		if errors.As(err, &le) {
			le.Path = s.Path
		}
		return nil, err
	}
	return m, nil
}
