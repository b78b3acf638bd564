package config

import (
	"errors"
	"fmt"
	"net"
)

// ErrEmptyRankTable is returned when the ranktable lists no servers
var ErrEmptyRankTable = errors.New("ranktable server_list is empty")

// RankTable is the cluster topology file; server_list[0] is the master node
type RankTable struct {
	ServerList []RankTableServer `json:"server_list"`
}

// RankTableServer is one entry of the ranktable server list
type RankTableServer struct {
	ServerID    string `json:"server_id"`
	ContainerIP string `json:"container_ip"`
}

// ReadRankTable parses the ranktable at path
func ReadRankTable(path string) (*RankTable, error) {
	var rt RankTable
	if err := readJSONFile(path, &rt); err != nil {
		return nil, err
	}
	if len(rt.ServerList) == 0 {
		return nil, ErrEmptyRankTable
	}
	return &rt, nil
}

// IsMaster reports whether podIP is the master node's container IP
func (rt *RankTable) IsMaster(podIP string) bool {
	if len(rt.ServerList) == 0 {
		return false
	}
	return sameIP(rt.ServerList[0].ContainerIP, podIP)
}

func detectMaster(lookup func(string) (string, bool), podIP string) (bool, error) {
	path, ok := lookup(EnvRankTableFile)
	if !ok || path == "" {
		return false, fmt.Errorf("%w: %s", ErrMissingEnv, EnvRankTableFile)
	}
	rt, err := ReadRankTable(path)
	if err != nil {
		return false, fmt.Errorf("master detection: %w", err)
	}
	return rt.IsMaster(podIP), nil
}

func sameIP(a, b string) bool {
	ipA, ipB := net.ParseIP(a), net.ParseIP(b)
	if ipA == nil || ipB == nil {
		return a == b
	}
	return ipA.Equal(ipB)
}
