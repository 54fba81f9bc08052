package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/boxadmin/privd/internal/paths"
)

const fileHeader = "# privd configuration. Both the dispatcher and its clients read this file.\n\n"

// Save writes the config to the default config path atomically.
func Save(cfg *Config) error {
	return SaveTo(paths.ConfigFile(), cfg)
}

// SaveTo writes cfg to path atomically. The file is world-readable because
// unprivileged clients read the socket path and activation settings from it.
func SaveTo(path string, cfg *Config) error {
	if cfg == nil {
		cfg = Default()
	}

	payload := bytes.NewBufferString(fileHeader)
	if err := toml.NewEncoder(payload).Encode(cfg); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := writeFileAtomic(path, payload.Bytes(), 0o644); err != nil {
		return fmt.Errorf("saving config %s: %w", path, err)
	}
	return nil
}

// writeFileAtomic replaces path with data through a synced temp file in
// the same directory, so readers see either the old or the new content.
func writeFileAtomic(path string, data []byte, perm os.FileMode) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if err = tmp.Chmod(perm); err != nil {
		return err
	}
	if _, err = tmp.Write(data); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
