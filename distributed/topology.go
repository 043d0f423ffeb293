package distributed

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/atelierlabs/atelier/multienv"
)

// Topology is the on-disk description of a cluster: the coordinator's own
// listen address, the SSH credentials, and one entry per remote node.
type Topology struct {
	Coordinator struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
	} `yaml:"coordinator"`
	SSH   SSHOptions `yaml:"ssh"`
	Nodes []NodeSpec `yaml:"nodes"`
}

// LoadTopology reads and validates a YAML topology file.
func LoadTopology(path string) (*Topology, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read topology: %w", err)
	}
	var t Topology
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("parse topology %s: %w", path, err)
	}
	if t.Coordinator.Host == "" || t.Coordinator.Port == 0 {
		return nil, fmt.Errorf("topology %s: coordinator host and port are required", path)
	}
	if len(t.Nodes) == 0 {
		return nil, fmt.Errorf("topology %s: no nodes", path)
	}
	for i, n := range t.Nodes {
		if n.Host == "" {
			return nil, fmt.Errorf("topology %s: node %d: host is required", path, i)
		}
		if n.SSHPort == 0 {
			t.Nodes[i].SSHPort = 22
		}
		if n.EnvPort == 0 {
			return nil, fmt.Errorf("topology %s: node %s: env_port is required", path, n.Host)
		}
	}
	return &t, nil
}

// NewFromTopology builds a DistributedEnvironment from a loaded topology.
func NewFromTopology(t *Topology, multi *multienv.Options) (*DistributedEnvironment, error) {
	return New(t.Coordinator.Host, t.Coordinator.Port, t.Nodes, &Options{
		Multi: multi,
		SSH:   t.SSH,
	})
}
