package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// EngineConfig is the subset of a per-engine config the node manager reads
type EngineConfig struct {
	Path                string
	ManagementPort      int
	DistDPServerEnabled bool
}

type engineFile struct {
	ServerConfig *struct {
		ManagementPort      *int  `json:"managementPort"`
		DistDPServerEnabled *bool `json:"distDPServerEnabled"`
	} `json:"ServerConfig"`
}

// EngineConfigPaths lists config-0.json, config-1.json, ... as long as they
// exist contiguously. Without any numbered file, config.json is the sole replica.
func EngineConfigPaths(confDir string) ([]string, error) {
	var paths []string
	for i := 0; ; i++ {
		p := filepath.Join(confDir, fmt.Sprintf("config-%d.json", i))
		if _, err := os.Stat(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				break
			}
			return nil, fmt.Errorf("stat %s: %w", p, err)
		}
		paths = append(paths, p)
	}
	if len(paths) > 0 {
		return paths, nil
	}

	single := filepath.Join(confDir, "config.json")
	if _, err := os.Stat(single); err != nil {
		return nil, fmt.Errorf("%w: no engine config found in %s", ErrInvalidEngineConfig, confDir)
	}
	return []string{single}, nil
}

// ReadEngineConfig reads one per-engine config file
func ReadEngineConfig(path string) (EngineConfig, error) {
	var f engineFile
	if err := readJSONFile(path, &f); err != nil {
		return EngineConfig{}, fmt.Errorf("%w: %v", ErrInvalidEngineConfig, err)
	}
	if f.ServerConfig == nil {
		return EngineConfig{}, fmt.Errorf("%w: %s: missing ServerConfig", ErrInvalidEngineConfig, path)
	}
	if f.ServerConfig.ManagementPort == nil {
		return EngineConfig{}, fmt.Errorf("%w: %s: missing ServerConfig.managementPort", ErrInvalidEngineConfig, path)
	}
	if f.ServerConfig.DistDPServerEnabled == nil {
		return EngineConfig{}, fmt.Errorf("%w: %s: missing ServerConfig.distDPServerEnabled", ErrInvalidEngineConfig, path)
	}
	port := *f.ServerConfig.ManagementPort
	if port < 1 || port > 65535 {
		return EngineConfig{}, fmt.Errorf("%w: %s: managementPort out of range: %d", ErrInvalidEngineConfig, path, port)
	}

	return EngineConfig{
		Path:                path,
		ManagementPort:      port,
		DistDPServerEnabled: *f.ServerConfig.DistDPServerEnabled,
	}, nil
}

func loadEngineConfigs(confDir string) ([]EngineConfig, error) {
	paths, err := EngineConfigPaths(confDir)
	if err != nil {
		return nil, err
	}

	engines := make([]EngineConfig, 0, len(paths))
	for _, p := range paths {
		e, err := ReadEngineConfig(p)
		if err != nil {
			return nil, err
		}
		engines = append(engines, e)
	}
	return engines, nil
}
