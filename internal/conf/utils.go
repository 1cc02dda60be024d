package conf

import (
	"os"
	"path/filepath"

	"github.com/rocdaq/readout/internal/errors"
)

// GetDefaultConfigPaths returns the directories searched for config.yaml. If
// one of them already holds a config file only that directory is returned.
func GetDefaultConfigPaths() ([]string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, errors.New(err).
			Component("conf").
			Category(errors.CategorySystem).
			Context("operation", "get-home-directory").
			Build()
	}

	configPaths := []string{
		filepath.Join(homeDir, ".config", "readout"),
		"/etc/readout",
	}

	for _, path := range configPaths {
		if _, err := os.Stat(filepath.Join(path, "config.yaml")); err == nil {
			return []string{path}, nil
		}
	}
	return configPaths, nil
}

// ReadoutBytes returns the total partition storage requested by settings.
func (s *Settings) ReadoutBytes() int64 {
	var total int64
	for _, ch := range s.Readout.Channels {
		total += ch.Bytes()
	}
	return total
}
