package config

import (
	"fmt"
	"io"

	"github.com/BurntSushi/toml"
)

// RenderEffective writes the resolved configuration as TOML to w. This
// powers "sccgate config show", giving visibility into the effective values
// after all override layers have been applied. The output is itself a
// valid config file.
func RenderEffective(cfg *Config, source string, w io.Writer) error {
	if source == "" {
		source = "built-in defaults"
	}

	if _, err := fmt.Fprintf(w, "# Effective configuration (source: %s)\n\n", source); err != nil {
		return err
	}

	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	return nil
}
