package daemon

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"

	"github.com/cuemby/nodemanager/pkg/config"
	"github.com/cuemby/nodemanager/pkg/log"
)

// reservedCores are left free at the end of every core range
const reservedCores = 2

const topologyTimeout = 10 * time.Second

// ErrNotEnoughCores is returned when the reserved cores leave nothing to split
var ErrNotEnoughCores = errors.New("not enough CPU cores")

// Topology resolves an NPU device to its PCIe bus id
type Topology interface {
	BusID(ctx context.Context, device int) (string, error)
}

// NPUSMI queries the platform's NPU management tool
type NPUSMI struct {
	Tool string
}

// BusID runs "<tool> info -t board -i <device>" and returns the PCIe Bus Info field
func (n NPUSMI) BusID(ctx context.Context, device int) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, topologyTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, n.Tool, "info", "-t", "board", "-i", strconv.Itoa(device)).Output()
	if err != nil {
		return "", fmt.Errorf("%s info for device %d: %w", n.Tool, device, err)
	}
	return parseBusID(out)
}

func parseBusID(out []byte) (string, error) {
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.Contains(line, "PCIe Bus Info") {
			continue
		}
		idx := strings.Index(line, ":")
		if idx < 0 {
			break
		}
		bus := strings.ToLower(strings.TrimSpace(line[idx+1:]))
		if bus == "" {
			break
		}
		return bus, nil
	}
	return "", fmt.Errorf("no PCIe Bus Info in topology output")
}

// Planner computes one cpulist per replica
type Planner struct {
	Family   string
	Replicas int
	Topology Topology

	// SysfsRoot prefixes the sysfs paths; "/" on a real host
	SysfsRoot string

	// CoreCount defaults to the logical core count from gopsutil
	CoreCount func() (int, error)
}

// Plan returns a cpulist string for each replica
func (p Planner) Plan(ctx context.Context) ([]string, error) {
	if p.Replicas < 1 {
		return nil, fmt.Errorf("replicas must be at least 1, got %d", p.Replicas)
	}

	var sets [][]int
	var err error
	switch p.Family {
	case config.HardwareFamilyNUMA:
		sets, err = p.planNUMA(ctx)
	case config.HardwareFamilyEqual, "":
		sets, err = p.planEqual()
	default:
		return nil, fmt.Errorf("unknown hardware family %q", p.Family)
	}
	if err != nil {
		return nil, err
	}

	lists := make([]string, len(sets))
	for i, s := range sets {
		lists[i] = FormatCPUList(s)
	}
	return lists, nil
}

func (p Planner) planEqual() ([][]int, error) {
	count := p.CoreCount
	if count == nil {
		count = logicalCores
	}
	total, err := count()
	if err != nil {
		return nil, fmt.Errorf("counting CPU cores: %w", err)
	}

	sets, err := EqualSlices(total, p.Replicas)
	if err != nil {
		return nil, err
	}
	return sets, nil
}

// EqualSlices splits [0, total-2) into replicas equal contiguous slices
func EqualSlices(total, replicas int) ([][]int, error) {
	usable := total - reservedCores
	if replicas < 1 || usable < replicas {
		return nil, fmt.Errorf("%w: %d cores for %d replicas", ErrNotEnoughCores, total, replicas)
	}

	slice := usable / replicas
	sets := make([][]int, replicas)
	for i := range sets {
		sets[i] = cpuRange(i*slice, (i+1)*slice)
	}
	return sets, nil
}

func (p Planner) planNUMA(ctx context.Context) ([][]int, error) {
	if p.Topology == nil {
		return nil, fmt.Errorf("numa family requires a topology tool")
	}
	root := p.SysfsRoot
	if root == "" {
		root = "/"
	}

	nodes := make([]int, p.Replicas)
	perNode := make(map[int]int)
	for i := range nodes {
		bus, err := p.Topology.BusID(ctx, i)
		if err != nil {
			return nil, err
		}
		node, err := readNUMANode(root, bus)
		if err != nil {
			return nil, err
		}
		nodes[i] = node
		perNode[node]++
	}

	seen := make(map[int]bool)
	sets := make([][]int, p.Replicas)
	for i, node := range nodes {
		cores, err := readNodeCPUs(root, node)
		if err != nil {
			return nil, err
		}
		oddNUMA := seen[node]
		seen[node] = true

		sets[i], err = NUMASlice(cores, perNode[node] > 1, oddNUMA)
		if err != nil {
			return nil, fmt.Errorf("replica %d on NUMA node %d: %w", i, node, err)
		}
		l := log.WithEngine("daemon", i)
		l.Debug().
			Int("numa_node", node).
			Bool("odd_numa", oddNUMA).
			Str("cpus", FormatCPUList(sets[i])).
			Msg("Planned CPU affinity")
	}
	return sets, nil
}

// NUMASlice picks cores from a NUMA node's CPU list after reserving the last
// two. A node shared by several replicas is split in half: the first replica
// takes the lower half and every later one (odd-NUMA) the upper half.
func NUMASlice(cores []int, shared, oddNUMA bool) ([]int, error) {
	if len(cores) <= reservedCores {
		return nil, fmt.Errorf("%w: node has %d cores", ErrNotEnoughCores, len(cores))
	}
	usable := cores[:len(cores)-reservedCores]
	if !shared {
		return usable, nil
	}

	half := len(usable) / 2
	if half == 0 {
		return nil, fmt.Errorf("%w: %d usable cores cannot be shared", ErrNotEnoughCores, len(usable))
	}
	if oddNUMA {
		return usable[half : 2*half], nil
	}
	return usable[:half], nil
}

func readNUMANode(root, bus string) (int, error) {
	path := filepath.Join(root, "sys/bus/pci/devices", bus, "numa_node")
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading NUMA node for %s: %w", bus, err)
	}
	node, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", path, err)
	}
	if node < 0 {
		// single-node hosts report -1
		node = 0
	}
	return node, nil
}

func readNodeCPUs(root string, node int) ([]int, error) {
	path := filepath.Join(root, "sys/devices/system/node", "node"+strconv.Itoa(node), "cpulist")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading CPUs of NUMA node %d: %w", node, err)
	}
	return ParseCPUList(string(data))
}

func logicalCores() (int, error) {
	return cpu.Counts(true)
}

func cpuRange(from, to int) []int {
	out := make([]int, 0, to-from)
	for c := from; c < to; c++ {
		out = append(out, c)
	}
	return out
}

// ParseCPUList parses the kernel cpulist format, e.g. "0-3,8,10-11"
func ParseCPUList(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	var cpus []int
	for _, part := range strings.Split(s, ",") {
		lo, hi, isRange := strings.Cut(strings.TrimSpace(part), "-")
		from, err := strconv.Atoi(lo)
		if err != nil {
			return nil, fmt.Errorf("invalid cpulist %q: %w", s, err)
		}
		to := from
		if isRange {
			if to, err = strconv.Atoi(hi); err != nil {
				return nil, fmt.Errorf("invalid cpulist %q: %w", s, err)
			}
		}
		if from < 0 || to < from {
			return nil, fmt.Errorf("invalid cpulist range %q", part)
		}
		cpus = append(cpus, cpuRange(from, to+1)...)
	}
	sort.Ints(cpus)
	return cpus, nil
}

// FormatCPUList renders cores in cpulist form, collapsing runs into ranges
func FormatCPUList(cpus []int) string {
	if len(cpus) == 0 {
		return ""
	}
	sorted := append([]int(nil), cpus...)
	sort.Ints(sorted)

	var b strings.Builder
	start, prev := sorted[0], sorted[0]
	flush := func() {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		if start == prev {
			b.WriteString(strconv.Itoa(start))
		} else {
			b.WriteString(strconv.Itoa(start) + "-" + strconv.Itoa(prev))
		}
	}
	for _, c := range sorted[1:] {
		if c == prev || c == prev+1 {
			prev = c
			continue
		}
		flush()
		start, prev = c, c
	}
	flush()
	return b.String()
}
