// Package distributed coordinates multi-environment nodes spawned on remote
// machines over SSH. The coordinator starts one command per node, waits for
// the node managers to come up and then relays trigger/command operations to
// all of them.
package distributed

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"

	"github.com/atelierlabs/atelier/core"
	"github.com/atelierlabs/atelier/multienv"
	"github.com/atelierlabs/atelier/rpc"
)

// NodeSpec describes one remote node: where to reach it over SSH, which
// port its multi-environment manager will listen on, and optionally a
// node-specific spawn command.
type NodeSpec struct {
	Host    string `yaml:"host"`
	SSHPort int    `yaml:"ssh_port"`
	EnvPort int    `yaml:"env_port"`
	Cmd     string `yaml:"cmd,omitempty"`
}

// ManagerAddr returns the address of the node's multi-environment manager.
func (n NodeSpec) ManagerAddr() string {
	return core.Address{Host: n.Host, Port: n.EnvPort, Index: 0}.String()
}

// SSHOptions configures the connections used to spawn nodes. Host keys are
// not verified; node spawning assumes the same trusted closed network the
// manager RPC does.
type SSHOptions struct {
	User        string        `yaml:"user"`
	KeyFile     string        `yaml:"key_file,omitempty"`
	Password    string        `yaml:"password,omitempty"`
	DialTimeout time.Duration `yaml:"dial_timeout,omitempty"`
}

func (o SSHOptions) clientConfig() (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if o.KeyFile != "" {
		key, err := os.ReadFile(o.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse ssh key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if o.Password != "" {
		auth = append(auth, ssh.Password(o.Password))
	}
	if len(auth) == 0 {
		return nil, errors.New("ssh options: no key file or password")
	}
	timeout := o.DialTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &ssh.ClientConfig{
		User:            o.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}, nil
}

// Options configures a DistributedEnvironment.
type Options struct {
	Multi *multienv.Options
	SSH   SSHOptions
}

// DistributedEnvironment is the top-level coordinator: a multi-environment
// whose slaves are multi-environment nodes on remote machines. It owns the
// SSH connections used to spawn the nodes and keeps them open until Close so
// the remote commands are not orphaned.
type DistributedEnvironment struct {
	*multienv.MultiEnvironment

	nodes  []NodeSpec
	sshCfg *ssh.ClientConfig

	mu      sync.Mutex
	conns   []*ssh.Client
	prepare func(ctx context.Context) error
}

// New starts the coordinator's own environment on host:port. The node
// processes are not contacted until SpawnNodes.
func New(host string, port int, nodes []NodeSpec, opts *Options) (*DistributedEnvironment, error) {
	if opts == nil {
		opts = &Options{}
	}
	sshCfg, err := opts.SSH.clientConfig()
	if err != nil {
		return nil, err
	}
	menv, err := multienv.New(host, port, opts.Multi)
	if err != nil {
		return nil, err
	}
	return &DistributedEnvironment{
		MultiEnvironment: menv,
		nodes:            nodes,
		sshCfg:           sshCfg,
	}, nil
}

// Nodes returns the remote node specs.
func (d *DistributedEnvironment) Nodes() []NodeSpec {
	out := make([]NodeSpec, len(d.nodes))
	copy(out, d.nodes)
	return out
}

// SetPrepare installs the hook PrepareNodes runs, e.g. to create inter-node
// agent connections after all nodes are ready.
func (d *DistributedEnvironment) SetPrepare(fn func(ctx context.Context) error) {
	d.prepare = fn
}

// PrepareNodes runs the installed preparation hook. It should be called
// after WaitNodes has reported all nodes ready.
func (d *DistributedEnvironment) PrepareNodes(ctx context.Context) error {
	if d.prepare == nil {
		return nil
	}
	return d.prepare(ctx)
}

// dialSSH dials host:port honoring the context deadline; the ssh package's
// own Dial cannot be cancelled.
func (d *DistributedEnvironment) dialSSH(ctx context.Context, addr string) (*ssh.Client, error) {
	var nd net.Dialer
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, d.sshCfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return ssh.NewClient(c, chans, reqs), nil
}

// SpawnNodes starts the node command on every remote machine. A node's Cmd
// overrides fallbackCmd. Spawn failures are caught per node and joined into
// the returned error; successfully spawned nodes are registered as slaves
// regardless, so a partial cluster can still be waited on and shut down.
func (d *DistributedEnvironment) SpawnNodes(ctx context.Context, fallbackCmd string) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, node := range d.nodes {
		node := node
		g.Go(func() error {
			cmd := node.Cmd
			if cmd == "" {
				cmd = fallbackCmd
			}
			if cmd == "" {
				return fmt.Errorf("node %s: no spawn command", node.Host)
			}
			sshAddr := net.JoinHostPort(node.Host, fmt.Sprint(node.SSHPort))
			client, err := d.dialSSH(ctx, sshAddr)
			if err != nil {
				return fmt.Errorf("node %s: ssh dial: %w", node.Host, err)
			}
			session, err := client.NewSession()
			if err != nil {
				client.Close()
				return fmt.Errorf("node %s: ssh session: %w", node.Host, err)
			}
			if err := session.Start(cmd); err != nil {
				session.Close()
				client.Close()
				return fmt.Errorf("node %s: start %q: %w", node.Host, cmd, err)
			}
			d.mu.Lock()
			d.conns = append(d.conns, client)
			d.mu.Unlock()
			if err := d.AddSlaves(node.ManagerAddr()); err != nil {
				return err
			}
			log.Printf("distributed %s: spawned node %s (%s)", d.Name(), node.Host, node.ManagerAddr())
			return nil
		})
	}
	return g.Wait()
}

// WaitNodes waits until every node manager answers (and reports ready) or
// the timeout expires. Call after SpawnNodes.
func (d *DistributedEnvironment) WaitNodes(ctx context.Context, timeout time.Duration, checkReady bool) bool {
	return d.WaitSlaves(ctx, timeout, checkReady)
}

// GetSlaveManagers collects the true environment-manager addresses behind
// every node. A cluster of two nodes with four slave environments each
// yields eight addresses.
func (d *DistributedEnvironment) GetSlaveManagers(ctx context.Context) ([]string, error) {
	var mu sync.Mutex
	var all []string
	g, ctx := errgroup.WithContext(ctx)
	for _, nodeAddr := range d.SlaveManagers() {
		nodeAddr := nodeAddr
		g.Go(func() error {
			a, err := core.ParseAddress(nodeAddr)
			if err != nil {
				return err
			}
			var addrs []string
			if err := rpc.Call(ctx, a.HostPort(), a.Index, "get_slave_managers", nil, &addrs); err != nil {
				return fmt.Errorf("node %s: %w", nodeAddr, err)
			}
			mu.Lock()
			all = append(all, addrs...)
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	core.SortAddrs(all)
	return all, err
}

// Close shuts the cluster down: every node manager is stopped, the SSH
// connections that keep the remote commands alive are closed, and the
// coordinator's own environment is destroyed. Failing to call Close leaves
// processes running on the remote nodes.
func (d *DistributedEnvironment) Close(folder string) error {
	err := d.Destroy(folder)

	d.mu.Lock()
	conns := d.conns
	d.conns = nil
	d.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
	return err
}
