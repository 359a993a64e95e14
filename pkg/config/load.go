package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/goccy/go-yaml"
)

// Load reads options from a YAML file. A missing file yields Default().
// Fields absent from the file keep their default values.
func Load(path string) (*Options, error) {
	opts := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			slog.Info("config file not found, using default options", "path", path)
			return opts, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, opts); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	opts.FillDefaults()

	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

// Marshal renders the options as YAML.
func (o *Options) Marshal() ([]byte, error) {
	return yaml.Marshal(o)
}
