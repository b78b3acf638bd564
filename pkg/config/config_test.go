package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	t       *testing.T
	install string
	env     map[string]string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	install := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(install, "conf"), 0o755))
	return &fixture{
		t:       t,
		install: install,
		env:     map[string]string{EnvPodIP: "10.0.0.7"},
	}
}

func (f *fixture) write(name, body string) string {
	f.t.Helper()
	p := filepath.Join(f.install, "conf", name)
	require.NoError(f.t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func (f *fixture) nodeManager(body string) {
	f.write(NodeManagerFile, body)
}

func (f *fixture) engine(name string, port int, distDP bool) {
	f.write(name, fmt.Sprintf(`{"ServerConfig": {"managementPort": %d, "distDPServerEnabled": %t, "httpsEnabled": false}}`, port, distDP))
}

func (f *fixture) rankTable(masterIP string) {
	p := filepath.Join(f.install, "ranktable.json")
	body := fmt.Sprintf(`{"server_list": [{"server_id": "s0", "container_ip": %q}, {"server_id": "s1", "container_ip": "10.0.0.99"}]}`, masterIP)
	require.NoError(f.t, os.WriteFile(p, []byte(body), 0o644))
	f.env[EnvRankTableFile] = p
}

func (f *fixture) load() (*Config, error) {
	return Load(Options{
		InstallPath: f.install,
		LookupEnv: func(k string) (string, bool) {
			v, ok := f.env[k]
			return v, ok
		},
	})
}

const baseNodeManager = `{
	// control surface
	"node_manager_port": 1028,
	"controller_port": 1026,
	"heartbeat_interval_seconds": 5,
}`

func TestLoadNumberedEngines(t *testing.T) {
	f := newFixture(t)
	f.nodeManager(baseNodeManager)
	f.engine("config.json", 9000, false)
	f.engine("config-0.json", 1025, false)
	f.engine("config-1.json", 1035, true)
	f.engine("config-3.json", 1055, false) // gap: not discovered

	cfg, err := f.load()
	require.NoError(t, err)

	assert.Equal(t, []int{1025, 1035}, cfg.EnginePorts)
	assert.Equal(t, 2, cfg.EngineCount())
	assert.True(t, cfg.DistDPEnabled)
	assert.True(t, cfg.HasEndpoint)
	assert.False(t, cfg.IsMaster)
	assert.Equal(t, 5*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, PolicyLastWriter, cfg.ControllerIPPolicy)
	assert.Equal(t, HardwareFamilyEqual, cfg.HardwareFamily)
	assert.Equal(t, "npu-smi", cfg.TopologyTool)
	assert.Equal(t, "10.0.0.7:1028", cfg.ListenAddr())
	assert.Equal(t, "", cfg.MetricsAddr())
	assert.Equal(t, 1026, cfg.Controller.Port())
	assert.Equal(t, "", cfg.Controller.IP())
}

func TestLoadSingleEngineMaster(t *testing.T) {
	f := newFixture(t)
	f.nodeManager(baseNodeManager)
	f.engine("config.json", 1025, false)
	f.rankTable("10.0.0.7")

	cfg, err := f.load()
	require.NoError(t, err)

	assert.Equal(t, []int{1025}, cfg.EnginePorts)
	assert.True(t, cfg.IsMaster)
	assert.True(t, cfg.HasEndpoint)
}

func TestLoadNotMasterNoEndpoint(t *testing.T) {
	f := newFixture(t)
	f.nodeManager(baseNodeManager)
	f.engine("config.json", 1025, false)
	f.rankTable("10.0.0.1")

	cfg, err := f.load()
	require.NoError(t, err)
	assert.False(t, cfg.HasEndpoint)
}

func TestLoadIPv6(t *testing.T) {
	f := newFixture(t)
	f.env[EnvPodIP] = "fd00::7"
	f.nodeManager(baseNodeManager)
	f.engine("config.json", 1025, false)
	f.rankTable("fd00:0:0:0::7")

	cfg, err := f.load()
	require.NoError(t, err)
	assert.True(t, cfg.IsMaster)
	assert.Equal(t, "[fd00::7]:1028", cfg.ListenAddr())
}

func TestLoadFatalErrors(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(f *fixture)
		wantErr error
	}{
		{
			name: "missing pod ip",
			setup: func(f *fixture) {
				delete(f.env, EnvPodIP)
			},
			wantErr: ErrMissingEnv,
		},
		{
			name: "missing ranktable env",
			setup: func(f *fixture) {
				f.nodeManager(baseNodeManager)
				f.engine("config.json", 1025, false)
			},
			wantErr: ErrMissingEnv,
		},
		{
			name: "empty ranktable",
			setup: func(f *fixture) {
				f.nodeManager(baseNodeManager)
				f.engine("config.json", 1025, false)
				p := filepath.Join(f.install, "rt.json")
				require.NoError(f.t, os.WriteFile(p, []byte(`{"server_list": []}`), 0o644))
				f.env[EnvRankTableFile] = p
			},
			wantErr: ErrEmptyRankTable,
		},
		{
			name: "engine missing management port",
			setup: func(f *fixture) {
				f.nodeManager(baseNodeManager)
				f.write("config.json", `{"ServerConfig": {"distDPServerEnabled": true}}`)
			},
			wantErr: ErrInvalidEngineConfig,
		},
		{
			name: "engine missing distDP flag",
			setup: func(f *fixture) {
				f.nodeManager(baseNodeManager)
				f.write("config-0.json", `{"ServerConfig": {"managementPort": 1025}}`)
			},
			wantErr: ErrInvalidEngineConfig,
		},
		{
			name: "no engine config",
			setup: func(f *fixture) {
				f.nodeManager(baseNodeManager)
			},
			wantErr: ErrInvalidEngineConfig,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.setup(f)
			_, err := f.load()
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}

func TestLoadInvalidNodeManager(t *testing.T) {
	bodies := map[string]string{
		"malformed":         `{"node_manager_port": `,
		"missing interval":  `{"node_manager_port": 1028, "controller_port": 1026}`,
		"zero interval":     `{"node_manager_port": 1028, "controller_port": 1026, "heartbeat_interval_seconds": 0}`,
		"bad port":          `{"node_manager_port": 70000, "controller_port": 1026, "heartbeat_interval_seconds": 1}`,
		"bad policy":        `{"node_manager_port": 1028, "controller_port": 1026, "heartbeat_interval_seconds": 1, "controller_ip_policy": "random"}`,
		"bad family":        `{"node_manager_port": 1028, "controller_port": 1026, "heartbeat_interval_seconds": 1, "hardware_family": "gpu"}`,
		"tls missing files": `{"node_manager_port": 1028, "controller_port": 1026, "heartbeat_interval_seconds": 1, "tls": {"enable": true}}`,
	}

	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			f.nodeManager(body)
			f.engine("config.json", 1025, true)
			_, err := f.load()
			assert.Error(t, err)
		})
	}
}

func TestLoadTLSResolvesRelativePaths(t *testing.T) {
	f := newFixture(t)
	certDir := filepath.Join(f.install, "security")
	require.NoError(t, os.MkdirAll(certDir, 0o755))
	for _, name := range []string{"ca.pem", "cert.pem", "key.pem", "key.pwd", "crl.pem"} {
		require.NoError(t, os.WriteFile(filepath.Join(certDir, name), []byte("x"), 0o600))
	}
	bundle := `{"ca_file": "security/ca.pem", "cert_file": "security/cert.pem", "key_file": "security/key.pem", "password_file": "security/key.pwd", "crl_file": "security/crl.pem"}`
	f.nodeManager(fmt.Sprintf(`{"node_manager_port": 1028, "controller_port": 1026, "heartbeat_interval_seconds": 1,
		"tls": {"enable": true, "client": %s, "server": %s}}`, bundle, bundle))
	f.engine("config.json", 1025, true)

	cfg, err := f.load()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(certDir, "ca.pem"), cfg.TLS.Client.CAFile)
	assert.Equal(t, filepath.Join(certDir, "crl.pem"), cfg.TLS.Server.CRLFile)
	assert.Equal(t, filepath.Join(f.install, "bin", "hse_decrypt"), cfg.TLS.DecryptHelper)
}
