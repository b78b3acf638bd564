package daemon

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/cuemby/nodemanager/pkg/events"
)

// countingSignaler forwards to the real process group and records each signal
type countingSignaler struct {
	mu   sync.Mutex
	sent []syscall.Signal
}

func (s *countingSignaler) Killpg(pgid int, sig syscall.Signal) error {
	s.mu.Lock()
	s.sent = append(s.sent, sig)
	s.mu.Unlock()
	return unixSignaler{}.Killpg(pgid, sig)
}

func (s *countingSignaler) count(sig syscall.Signal) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, got := range s.sent {
		if got == sig {
			n++
		}
	}
	return n
}

func configFiles(t *testing.T, n int) []string {
	t.Helper()
	dir := t.TempDir()
	files := make([]string, n)
	for i := range files {
		files[i] = filepath.Join(dir, "config-"+string(rune('0'+i))+".json")
	}
	return files
}

func newTestManager(t *testing.T, script string, replicas int, sig Signaler) *Manager {
	t.Helper()
	m, err := NewManager(Config{
		Binary:       "/bin/sh",
		Args:         []string{"-c", script},
		Role:         RoleMixed,
		ConfigFiles:  configFiles(t, replicas),
		GracePeriod:  2 * time.Second,
		ReapInterval: 50 * time.Millisecond,
		Signaler:     sig,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		m.TerminateAll()
		m.Stop()
	})
	return m
}

func TestNewManagerValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "bad role", cfg: Config{Binary: "x", Role: "leader", ConfigFiles: []string{"a"}}},
		{name: "no binary", cfg: Config{Role: RoleDecode, ConfigFiles: []string{"a"}}},
		{name: "no configs", cfg: Config{Binary: "x", Role: RolePrefill}},
		{name: "cpu list mismatch", cfg: Config{Binary: "x", Role: RolePrefill, ConfigFiles: []string{"a", "b"}, CPULists: []string{"0"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewManager(tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestStartJoinsOneProcessGroup(t *testing.T) {
	m := newTestManager(t, "sleep 30", 3, nil)
	require.NoError(t, m.Start(context.Background()))

	children := m.Children()
	require.Len(t, children, 3)
	assert.Equal(t, children[0].PID, m.PGID())

	for i, c := range children {
		assert.True(t, c.IsAlive)
		assert.Equal(t, "mixed-"+string(rune('0'+i)), c.Name)
		pgid, err := unix.Getpgid(c.PID)
		require.NoError(t, err)
		assert.Equal(t, m.PGID(), pgid)
	}

	assert.ErrorIs(t, m.Start(context.Background()), ErrAlreadyStarted)
}

func TestChildEnvironment(t *testing.T) {
	m := newTestManager(t, `echo "$MIES_CONFIG_FILE $MIES_ENGINE_ROLE" > "$MIES_CONFIG_FILE.env"; sleep 30`, 2, nil)
	require.NoError(t, m.Start(context.Background()))

	for _, c := range m.Children() {
		path := c.ConfigFile + ".env"
		require.Eventually(t, func() bool {
			data, err := os.ReadFile(path)
			return err == nil && len(data) > 0
		}, 2*time.Second, 20*time.Millisecond)

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, c.ConfigFile+" mixed", strings.TrimSpace(string(data)))
	}
}

func TestTerminateAllIsIdempotent(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.SubscribeBuffered(64)

	sig := &countingSignaler{}
	m := newTestManager(t, "sleep 30", 2, sig)
	m.cfg.Events = broker
	require.NoError(t, m.Start(context.Background()))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.TerminateAll()
		}()
	}
	wg.Wait()
	m.TerminateAll()

	require.Eventually(t, func() bool {
		for _, c := range m.Children() {
			if !c.HasExited {
				return false
			}
		}
		return true
	}, 3*time.Second, 20*time.Millisecond)

	assert.Equal(t, 1, sig.count(syscall.SIGTERM))
	assert.Equal(t, 1, sig.count(syscall.SIGKILL))

	for _, c := range m.Children() {
		assert.Equal(t, "terminated", c.Signal)
	}

	// shutdown exits never report an abnormal exit code
	select {
	case code := <-m.Done():
		t.Fatalf("unexpected exit code %d", code)
	case <-time.After(100 * time.Millisecond):
	}

	stopping := 0
	timeout := time.After(time.Second)
	for stopping == 0 {
		select {
		case ev := <-sub:
			if ev.Type == events.EventDaemonsStopping {
				stopping++
			}
		case <-timeout:
			t.Fatal("expected a daemon.stopping event")
		}
	}
}

func TestTerminateAllBeforeStart(t *testing.T) {
	sig := &countingSignaler{}
	m := newTestManager(t, "sleep 30", 1, sig)
	m.TerminateAll()
	assert.Equal(t, 0, sig.count(syscall.SIGTERM))
}

func TestAbnormalExitTerminatesGroup(t *testing.T) {
	script := `case "$MIES_CONFIG_FILE" in *config-1.json) sleep 0.2; exit 3;; esac; sleep 30`
	sig := &countingSignaler{}
	m := newTestManager(t, script, 3, sig)
	require.NoError(t, m.Start(context.Background()))

	select {
	case code := <-m.Done():
		assert.Equal(t, ExitAbnormal, code)
	case <-time.After(5 * time.Second):
		t.Fatal("expected Done after an abnormal exit")
	}

	assert.Equal(t, 1, sig.count(syscall.SIGTERM))
	children := m.Children()
	require.Len(t, children, 3)
	assert.Equal(t, 3, children[1].ExitCode)
	for _, c := range children {
		assert.True(t, c.HasExited, c.Name)
		assert.False(t, c.IsAlive, c.Name)
	}
}

func TestNormalExitDoesNotTerminate(t *testing.T) {
	sig := &countingSignaler{}
	m := newTestManager(t, "exit 0", 1, sig)
	require.NoError(t, m.Start(context.Background()))

	require.Eventually(t, func() bool {
		return m.Children()[0].HasExited
	}, 3*time.Second, 20*time.Millisecond)

	assert.Equal(t, 0, m.Children()[0].ExitCode)
	assert.Equal(t, 0, sig.count(syscall.SIGTERM))
}

func TestStartPinsAffinity(t *testing.T) {
	var current unix.CPUSet
	require.NoError(t, unix.SchedGetaffinity(0, &current))
	cpu := -1
	for c := 0; c < 1024; c++ {
		if current.IsSet(c) {
			cpu = c
			break
		}
	}
	require.GreaterOrEqual(t, cpu, 0)

	m, err := NewManager(Config{
		Binary:      "sleep",
		Args:        []string{"30"},
		Role:        RoleDecode,
		ConfigFiles: configFiles(t, 1),
		CPULists:    []string{FormatCPUList([]int{cpu})},
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		m.TerminateAll()
		m.Stop()
	})
	require.NoError(t, m.Start(context.Background()))

	var set unix.CPUSet
	require.NoError(t, unix.SchedGetaffinity(m.Children()[0].PID, &set))
	assert.Equal(t, 1, set.Count())
	assert.True(t, set.IsSet(cpu))

	var after unix.CPUSet
	require.NoError(t, unix.SchedGetaffinity(0, &after))
	assert.Equal(t, current.Count(), after.Count())
}
