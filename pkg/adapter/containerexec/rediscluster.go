package containerexec

import (
	"context"
	"fmt"
	"strings"

	"github.com/xec-sh/xec-sub005/pkg/command"
	"github.com/xec-sh/xec-sub005/pkg/xecerr"
)

// RedisClusterSpec configures an ephemeral Redis Cluster built from N
// redis-server containers sharing a bridge network (spec §4.5.1).
type RedisClusterSpec struct {
	Name         string // cluster name prefix; containers are "<name>-node-<i>"
	Image        string // defaults to "redis:7"
	Masters      int    // must be >= 3
	ReplicasEach int    // replicas per master, default 0
	BasePort     int    // host port for node 0; subsequent nodes increment by 1
	Network      string // bridge network name; defaults to "<name>-net"
}

// RedisCluster is a multi-container recipe built on top of Adapter: it
// creates a dedicated bridge network, starts one container per node
// with predictable names/ports, and runs "redis-cli --cluster create"
// against them (spec §4.5.1).
type RedisCluster struct {
	adapter *Adapter
	spec    RedisClusterSpec
	nodes   []string
}

// NewRedisCluster validates spec and returns a handle; it does not
// start any containers until Start is called.
func NewRedisCluster(a *Adapter, spec RedisClusterSpec) (*RedisCluster, error) {
	if spec.Masters < 3 {
		return nil, xecerr.New(xecerr.Internal, a.Name(), "", fmt.Errorf("redis cluster requires at least 3 masters, got %d", spec.Masters))
	}
	if spec.Image == "" {
		spec.Image = "redis:7"
	}
	if spec.Network == "" {
		spec.Network = spec.Name + "-net"
	}
	if spec.BasePort == 0 {
		spec.BasePort = 7000
	}
	return &RedisCluster{adapter: a, spec: spec}, nil
}

func (c *RedisCluster) totalNodes() int { return c.spec.Masters * (1 + c.spec.ReplicasEach) }

// Start creates the shared network and every node container, then
// bootstraps the cluster via redis-cli --cluster create. On any
// failure it tears down whatever it already created (spec §4.5.1
// "best-effort teardown on partial failure").
func (c *RedisCluster) Start(ctx context.Context) (err error) {
	if netErr := c.adapter.NetworkCreate(ctx, c.spec.Network, "bridge"); netErr != nil {
		return netErr
	}
	defer func() {
		if err != nil {
			c.teardown(context.Background())
		}
	}()

	n := c.totalNodes()
	endpoints := make([]string, 0, n)
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("%s-node-%d", c.spec.Name, i)
		port := c.spec.BasePort + i
		spec := command.EphemeralSpec{
			Image:   c.spec.Image,
			Name:    name,
			Command: []string{"redis-server", "--port", fmt.Sprintf("%d", port), "--cluster-enabled", "yes"},
			Ports: []command.PortBinding{
				{HostPort: port, ContainerPort: port},
			},
			Network: c.spec.Network,
		}
		if _, startErr := c.adapter.RunOneOff(ctx, spec); startErr != nil {
			return startErr
		}
		c.nodes = append(c.nodes, name)
		endpoints = append(endpoints, fmt.Sprintf("127.0.0.1:%d", port))
	}

	createCmd := append([]string{"redis-cli", "--cluster", "create"}, endpoints...)
	if c.spec.ReplicasEach > 0 {
		createCmd = append(createCmd, "--cluster-replicas", fmt.Sprintf("%d", c.spec.ReplicasEach))
	}
	createCmd = append(createCmd, "--cluster-yes")

	cmd := command.FromArgv(createCmd...).WithTarget(command.Target{
		Kind:      command.TargetContainer,
		Container: &command.ContainerConfig{Name: c.nodes[0]},
	})
	result, execErr := c.adapter.Execute(ctx, cmd)
	if execErr != nil {
		return execErr
	}
	if !result.Ok() {
		return xecerr.New(xecerr.ContainerOperationFailed, c.adapter.Name(), "redis-cli --cluster create", fmt.Errorf("exit %d: %s", result.Exit.Code, result.Stderr))
	}
	return nil
}

// Exec runs argv against the cluster node at nodeIndex.
func (c *RedisCluster) Exec(ctx context.Context, nodeIndex int, argv ...string) (*command.Result, error) {
	if nodeIndex < 0 || nodeIndex >= len(c.nodes) {
		return nil, xecerr.New(xecerr.Internal, c.adapter.Name(), "", fmt.Errorf("node index %d out of range (%d nodes)", nodeIndex, len(c.nodes)))
	}
	cmd := command.FromArgv(argv...).WithTarget(command.Target{
		Kind:      command.TargetContainer,
		Container: &command.ContainerConfig{Name: c.nodes[nodeIndex]},
	})
	return c.adapter.Execute(ctx, cmd)
}

// Info returns "redis-cli cluster info" output from node 0.
func (c *RedisCluster) Info(ctx context.Context) (string, error) {
	result, err := c.Exec(ctx, 0, "redis-cli", "cluster", "info")
	if err != nil {
		return "", err
	}
	return string(result.Stdout), nil
}

// Nodes returns "redis-cli cluster nodes" output from node 0.
func (c *RedisCluster) Nodes(ctx context.Context) (string, error) {
	result, err := c.Exec(ctx, 0, "redis-cli", "cluster", "nodes")
	if err != nil {
		return "", err
	}
	return string(result.Stdout), nil
}

// ConnectionString returns a comma-separated host:port list for every node.
func (c *RedisCluster) ConnectionString(ctx context.Context) (string, error) {
	addrs := make([]string, 0, len(c.nodes))
	for i, name := range c.nodes {
		ip, err := c.adapter.IP(ctx, name)
		if err != nil {
			addrs = append(addrs, fmt.Sprintf("127.0.0.1:%d", c.spec.BasePort+i))
			continue
		}
		addrs = append(addrs, fmt.Sprintf("%s:%d", ip, c.spec.BasePort+i))
	}
	return strings.Join(addrs, ","), nil
}

// IsRunning reports whether every node container is still present.
func (c *RedisCluster) IsRunning(ctx context.Context) bool {
	for _, name := range c.nodes {
		names, err := c.adapter.List(ctx, name)
		if err != nil || len(names) == 0 {
			return false
		}
	}
	return true
}

// Remove tears the cluster down: all node containers, then the shared
// network (spec §4.5.1's "remove with best-effort teardown").
func (c *RedisCluster) Remove(ctx context.Context) error {
	c.teardown(ctx)
	return nil
}

func (c *RedisCluster) teardown(ctx context.Context) {
	for _, name := range c.nodes {
		_ = c.adapter.Remove(ctx, name, true)
	}
	_ = c.adapter.NetworkRemove(ctx, c.spec.Network)
}
