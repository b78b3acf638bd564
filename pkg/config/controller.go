package config

import (
	"net"
	"strconv"
	"sync"

	"github.com/cuemby/nodemanager/pkg/log"
)

// ControllerPolicy decides how a learned controller IP may change
type ControllerPolicy string

const (
	// PolicyLastWriter records every differing non-local caller IP
	PolicyLastWriter ControllerPolicy = "last_writer"

	// PolicySticky pins the first non-local caller IP for the life of the process
	PolicySticky ControllerPolicy = "sticky"
)

// ControllerAddress holds the controller endpoint. The port is static; the IP
// is learned from inbound running-status polls.
type ControllerAddress struct {
	mu      sync.Mutex
	ip      string
	port    int
	localIP string
	policy  ControllerPolicy
}

// NewControllerAddress creates an address with no learned IP
func NewControllerAddress(localIP string, port int, policy ControllerPolicy) *ControllerAddress {
	if policy == "" {
		policy = PolicyLastWriter
	}
	return &ControllerAddress{
		port:    port,
		localIP: localIP,
		policy:  policy,
	}
}

// Observe offers the source IP of a status poll. It returns true when the
// stored IP changed.
func (c *ControllerAddress) Observe(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	ip = parsed.String()
	if sameIP(ip, c.localIP) {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ip == ip {
		return false
	}

	logger := log.WithComponent("config")
	if c.ip != "" && c.policy == PolicySticky {
		logger.Warn().
			Str("controller_ip", c.ip).
			Str("caller_ip", ip).
			Msg("Ignoring status poll from a second controller address")
		return false
	}

	logger.Info().
		Str("previous", c.ip).
		Str("controller_ip", ip).
		Msg("Controller IP updated")
	c.ip = ip
	return true
}

// IP returns the learned controller IP, or "" if none yet
func (c *ControllerAddress) IP() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ip
}

// Port returns the controller port
func (c *ControllerAddress) Port() int {
	return c.port
}

// Addr returns host:port when both are known
func (c *ControllerAddress) Addr() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ip == "" || c.port == 0 {
		return "", false
	}
	return net.JoinHostPort(c.ip, strconv.Itoa(c.port)), true
}
