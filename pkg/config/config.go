package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/tidwall/jsonc"
)

const (
	// NodeManagerFile is the node manager's own config file under conf/
	NodeManagerFile = "node_manager.json"

	EnvPodIP         = "POD_IP"
	EnvInstallPath   = "MIES_INSTALL_PATH"
	EnvRankTableFile = "RANK_TABLE_FILE"

	HardwareFamilyEqual = "equal"
	HardwareFamilyNUMA  = "numa"

	defaultTopologyTool  = "npu-smi"
	defaultDecryptHelper = "bin/hse_decrypt"
)

var (
	// ErrInvalidEngineConfig is returned when a per-engine config lacks a required key
	ErrInvalidEngineConfig = errors.New("invalid engine config")

	// ErrMissingEnv is returned when a required environment variable is unset
	ErrMissingEnv = errors.New("missing environment variable")
)

// Config is the immutable process-wide configuration. Only Controller
// changes after Load, behind its own lock.
type Config struct {
	InstallPath string `yaml:"install_path"`
	ConfDir     string `yaml:"conf_dir"`

	EngineIP          string   `yaml:"engine_ip"`
	EnginePorts       []int    `yaml:"engine_ports"`
	EngineConfigFiles []string `yaml:"engine_config_files"`

	NodeManagerPort   int           `yaml:"node_manager_port"`
	ControllerPort    int           `yaml:"controller_port"`
	MetricsPort       int           `yaml:"metrics_port"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	HasEndpoint   bool `yaml:"has_endpoint"`
	IsMaster      bool `yaml:"is_master"`
	DistDPEnabled bool `yaml:"dist_dp_enabled"`

	ControllerIPPolicy ControllerPolicy `yaml:"controller_ip_policy"`

	EngineBinary   string   `yaml:"engine_binary"`
	EngineArgs     []string `yaml:"engine_args"`
	HardwareFamily string   `yaml:"hardware_family"`
	TopologyTool   string   `yaml:"topology_tool"`

	TLS TLSConfig `yaml:"tls"`

	Controller *ControllerAddress `yaml:"-"`
}

// TLSConfig holds the optional client and server TLS bundles
type TLSConfig struct {
	Enable        bool      `json:"enable" yaml:"enable"`
	DecryptHelper string    `json:"decrypt_helper" yaml:"decrypt_helper"`
	Client        TLSBundle `json:"client" yaml:"client"`
	Server        TLSBundle `json:"server" yaml:"server"`
}

// TLSBundle names the files making up one side of a TLS configuration
type TLSBundle struct {
	CAFile       string `json:"ca_file" yaml:"ca_file"`
	CertFile     string `json:"cert_file" yaml:"cert_file"`
	KeyFile      string `json:"key_file" yaml:"key_file"`
	CRLFile      string `json:"crl_file,omitempty" yaml:"crl_file,omitempty"`
	PasswordFile string `json:"password_file" yaml:"password_file"`
}

// fileConfig mirrors node_manager.json
type fileConfig struct {
	NodeManagerPort          int       `json:"node_manager_port"`
	ControllerPort           int       `json:"controller_port"`
	HeartbeatIntervalSeconds *int      `json:"heartbeat_interval_seconds"`
	MetricsPort              int       `json:"metrics_port"`
	ControllerIPPolicy       string    `json:"controller_ip_policy"`
	EngineBinary             string    `json:"engine_binary"`
	EngineArgs               []string  `json:"engine_args"`
	HardwareFamily           string    `json:"hardware_family"`
	TopologyTool             string    `json:"topology_tool"`
	TLS                      TLSConfig `json:"tls"`
}

// Options controls where Load looks for its inputs
type Options struct {
	// InstallPath overrides MIES_INSTALL_PATH when set
	InstallPath string

	// LookupEnv defaults to os.LookupEnv
	LookupEnv func(key string) (string, bool)
}

// Load reads node_manager.json and the per-engine configs, resolves the
// endpoint role and validates everything. Any error is fatal to startup.
func Load(opts Options) (*Config, error) {
	lookup := opts.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}

	podIP, ok := lookup(EnvPodIP)
	if !ok || podIP == "" {
		return nil, fmt.Errorf("%w: %s", ErrMissingEnv, EnvPodIP)
	}
	if net.ParseIP(podIP) == nil {
		return nil, fmt.Errorf("invalid %s %q", EnvPodIP, podIP)
	}

	installPath := opts.InstallPath
	if installPath == "" {
		installPath, _ = lookup(EnvInstallPath)
	}
	if installPath == "" {
		return nil, fmt.Errorf("%w: %s", ErrMissingEnv, EnvInstallPath)
	}

	confDir := filepath.Join(installPath, "conf")

	var fc fileConfig
	if err := readJSONFile(filepath.Join(confDir, NodeManagerFile), &fc); err != nil {
		return nil, err
	}

	cfg := &Config{
		InstallPath:     installPath,
		ConfDir:         confDir,
		EngineIP:        podIP,
		NodeManagerPort: fc.NodeManagerPort,
		ControllerPort:  fc.ControllerPort,
		MetricsPort:     fc.MetricsPort,
		EngineBinary:    fc.EngineBinary,
		EngineArgs:      fc.EngineArgs,
		HardwareFamily:  fc.HardwareFamily,
		TopologyTool:    fc.TopologyTool,
		TLS:             fc.TLS,
	}

	if err := cfg.applyFileDefaults(fc); err != nil {
		return nil, err
	}

	engines, err := loadEngineConfigs(confDir)
	if err != nil {
		return nil, err
	}
	for _, e := range engines {
		cfg.EnginePorts = append(cfg.EnginePorts, e.ManagementPort)
		cfg.EngineConfigFiles = append(cfg.EngineConfigFiles, e.Path)
		if e.DistDPServerEnabled {
			cfg.DistDPEnabled = true
		}
	}

	if cfg.DistDPEnabled {
		cfg.HasEndpoint = true
	} else {
		isMaster, err := detectMaster(lookup, podIP)
		if err != nil {
			return nil, err
		}
		cfg.IsMaster = isMaster
		cfg.HasEndpoint = isMaster
	}

	if cfg.TLS.Enable {
		if err := cfg.resolveTLS(); err != nil {
			return nil, err
		}
	}

	cfg.Controller = NewControllerAddress(podIP, cfg.ControllerPort, cfg.ControllerIPPolicy)
	return cfg, nil
}

func (c *Config) applyFileDefaults(fc fileConfig) error {
	if fc.HeartbeatIntervalSeconds == nil {
		return fmt.Errorf("%s: heartbeat_interval_seconds is required", NodeManagerFile)
	}
	if *fc.HeartbeatIntervalSeconds <= 0 {
		return fmt.Errorf("%s: heartbeat_interval_seconds must be positive, got %d", NodeManagerFile, *fc.HeartbeatIntervalSeconds)
	}
	c.HeartbeatInterval = time.Duration(*fc.HeartbeatIntervalSeconds) * time.Second

	if err := validPort("node_manager_port", c.NodeManagerPort); err != nil {
		return err
	}
	if err := validPort("controller_port", c.ControllerPort); err != nil {
		return err
	}
	if c.MetricsPort != 0 {
		if err := validPort("metrics_port", c.MetricsPort); err != nil {
			return err
		}
	}

	switch ControllerPolicy(fc.ControllerIPPolicy) {
	case "":
		c.ControllerIPPolicy = PolicyLastWriter
	case PolicyLastWriter, PolicySticky:
		c.ControllerIPPolicy = ControllerPolicy(fc.ControllerIPPolicy)
	default:
		return fmt.Errorf("%s: unknown controller_ip_policy %q", NodeManagerFile, fc.ControllerIPPolicy)
	}

	switch c.HardwareFamily {
	case "":
		c.HardwareFamily = HardwareFamilyEqual
	case HardwareFamilyEqual, HardwareFamilyNUMA:
	default:
		return fmt.Errorf("%s: unknown hardware_family %q", NodeManagerFile, c.HardwareFamily)
	}

	if c.TopologyTool == "" {
		c.TopologyTool = defaultTopologyTool
	}
	return nil
}

func (c *Config) resolveTLS() error {
	if c.TLS.DecryptHelper == "" {
		c.TLS.DecryptHelper = defaultDecryptHelper
	}
	c.TLS.DecryptHelper = c.resolvePath(c.TLS.DecryptHelper)

	sides := []struct {
		name   string
		bundle *TLSBundle
	}{
		{"client", &c.TLS.Client},
		{"server", &c.TLS.Server},
	}
	for _, side := range sides {
		b := side.bundle
		required := []struct {
			name string
			path *string
		}{
			{"ca_file", &b.CAFile},
			{"cert_file", &b.CertFile},
			{"key_file", &b.KeyFile},
			{"password_file", &b.PasswordFile},
		}
		for _, r := range required {
			if *r.path == "" {
				return fmt.Errorf("tls %s bundle: %s is required", side.name, r.name)
			}
			*r.path = c.resolvePath(*r.path)
			if _, err := os.Stat(*r.path); err != nil {
				return fmt.Errorf("tls %s bundle: %s: %w", side.name, r.name, err)
			}
		}
		if b.CRLFile != "" {
			b.CRLFile = c.resolvePath(b.CRLFile)
			if _, err := os.Stat(b.CRLFile); err != nil {
				return fmt.Errorf("tls %s bundle: crl_file: %w", side.name, err)
			}
		}
	}
	return nil
}

func (c *Config) resolvePath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.InstallPath, p)
}

// EngineCount returns the number of local engine replicas
func (c *Config) EngineCount() int {
	return len(c.EnginePorts)
}

// ListenAddr returns the control server address
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.EngineIP, strconv.Itoa(c.NodeManagerPort))
}

// MetricsAddr returns the operations endpoint address, or "" when disabled
func (c *Config) MetricsAddr() string {
	if c.MetricsPort == 0 {
		return ""
	}
	return net.JoinHostPort(c.EngineIP, strconv.Itoa(c.MetricsPort))
}

func validPort(name string, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s: %s out of range: %d", NodeManagerFile, name, port)
	}
	return nil
}

// readJSONFile reads a JSON file, tolerating comments and trailing commas
func readJSONFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if err := json.Unmarshal(jsonc.ToJSON(data), v); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}
