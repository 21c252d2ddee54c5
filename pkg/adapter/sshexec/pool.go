// Package sshexec implements the SSH adapter (spec §4.4), generalizing
// the teacher's SSHSession/SSHSessionWithEnv (core/decorator/ssh_session.go)
// from a single ssh.Client into a pooled, keyed-by-endpoint adapter that
// can serve many concurrent Commands against many hosts.
package sshexec

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/xec-sh/xec-sub005/pkg/command"
	"github.com/xec-sh/xec-sub005/pkg/xecerr"
)

// poolKey identifies a pooled connection: same host/port/user/credential
// fingerprint reuses the same *ssh.Client (spec §4.4 "connection pool
// keyed by host, port, username, and credential fingerprint").
type poolKey struct {
	host        string
	port        int
	username    string
	fingerprint string
}

func keyFor(cfg *command.SSHConfig) poolKey {
	return poolKey{
		host:        cfg.Host,
		port:        effectivePort(cfg),
		username:    effectiveUser(cfg),
		fingerprint: credentialFingerprint(cfg),
	}
}

func effectivePort(cfg *command.SSHConfig) int {
	if cfg.Port != 0 {
		return cfg.Port
	}
	return 22
}

func effectiveUser(cfg *command.SSHConfig) string {
	if cfg.Username != "" {
		return cfg.Username
	}
	return os.Getenv("USER")
}

// credentialFingerprint distinguishes pool entries that otherwise share
// host/port/user but authenticate differently, without storing secrets
// as the map key itself.
func credentialFingerprint(cfg *command.SSHConfig) string {
	switch {
	case len(cfg.PrivateKeyMaterial) > 0:
		sum := sha256.Sum256(cfg.PrivateKeyMaterial)
		return "key:" + hex.EncodeToString(sum[:])
	case cfg.Password != "":
		sum := sha256.Sum256([]byte(cfg.Password))
		return "password:" + hex.EncodeToString(sum[:])
	default:
		return "agent"
	}
}

// pooledConn wraps a live client plus the housekeeping needed for idle
// eviction and keep-alive.
type pooledConn struct {
	client     *ssh.Client
	lastUsed   time.Time
	refs       int
	stopKeep   chan struct{}
	mu         sync.Mutex
}

// Pool manages ssh.Client connections shared across Commands targeting
// the same endpoint, with idle eviction (spec §4.4 "idle eviction").
type Pool struct {
	mu        sync.Mutex
	conns     map[poolKey]*pooledConn
	idleAfter time.Duration
}

// NewPool returns a connection pool. idleAfter <= 0 disables eviction.
func NewPool(idleAfter time.Duration) *Pool {
	return &Pool{conns: make(map[poolKey]*pooledConn), idleAfter: idleAfter}
}

// Acquire returns a live client for cfg, dialing and authenticating a
// new one if the pool holds none for this key, or the pooled one has
// gone stale.
func (p *Pool) Acquire(ctx context.Context, cfg *command.SSHConfig) (*ssh.Client, error) {
	p.EvictIdle()
	key := keyFor(cfg)

	p.mu.Lock()
	if pc, ok := p.conns[key]; ok {
		if isAlive(pc.client) {
			pc.mu.Lock()
			pc.lastUsed = time.Now()
			pc.refs++
			pc.mu.Unlock()
			p.mu.Unlock()
			return pc.client, nil
		}
		delete(p.conns, key)
	}
	p.mu.Unlock()

	client, err := dial(ctx, cfg)
	if err != nil {
		return nil, err
	}

	pc := &pooledConn{client: client, lastUsed: time.Now(), refs: 1, stopKeep: make(chan struct{})}
	if cfg.KeepaliveInterval > 0 {
		go keepAlive(pc, cfg.KeepaliveInterval)
	}

	p.mu.Lock()
	p.conns[key] = pc
	p.mu.Unlock()

	return client, nil
}

// Release marks the connection for key as idle from this caller's
// perspective; eviction only closes connections with zero live refs
// that have sat idle past idleAfter.
func (p *Pool) Release(cfg *command.SSHConfig) {
	key := keyFor(cfg)
	p.mu.Lock()
	defer p.mu.Unlock()
	if pc, ok := p.conns[key]; ok {
		pc.mu.Lock()
		if pc.refs > 0 {
			pc.refs--
		}
		pc.lastUsed = time.Now()
		pc.mu.Unlock()
	}
}

// EvictIdle closes and forgets every connection whose refs are zero
// and whose lastUsed is older than idleAfter. Acquire runs it before
// every lookup; Dispose sweeps everything at shutdown.
func (p *Pool) EvictIdle() {
	if p.idleAfter <= 0 {
		return
	}
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, pc := range p.conns {
		pc.mu.Lock()
		stale := pc.refs == 0 && now.Sub(pc.lastUsed) > p.idleAfter
		pc.mu.Unlock()
		if stale {
			close(pc.stopKeep)
			_ = pc.client.Close()
			delete(p.conns, key)
		}
	}
}

// Dispose closes every pooled connection unconditionally.
func (p *Pool) Dispose() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for key, pc := range p.conns {
		close(pc.stopKeep)
		if err := pc.client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.conns, key)
	}
	return firstErr
}

func isAlive(client *ssh.Client) bool {
	_, _, err := client.SendRequest("keepalive@xec", true, nil)
	return err == nil
}

func keepAlive(pc *pooledConn, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-pc.stopKeep:
			return
		case <-ticker.C:
			_, _, _ = pc.client.SendRequest("keepalive@xec", true, nil)
		}
	}
}

func dial(ctx context.Context, cfg *command.SSHConfig) (*ssh.Client, error) {
	auth, err := authMethods(cfg)
	if err != nil {
		return nil, xecerr.New(xecerr.SSHAuthFailed, "ssh", "", err)
	}

	hostKeyCallback, err := hostKeyCallback(cfg)
	if err != nil {
		return nil, xecerr.New(xecerr.SSHConnectFailed, "ssh", "", err)
	}

	timeout := cfg.ReadyTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	clientCfg := &ssh.ClientConfig{
		User:            effectiveUser(cfg),
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}

	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", effectivePort(cfg)))

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, xecerr.New(xecerr.SSHConnectFailed, "ssh", "", err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		return nil, xecerr.New(xecerr.SSHConnectFailed, "ssh", "", err)
	}

	return ssh.NewClient(sshConn, chans, reqs), nil
}

// authMethods orders credentials private-key-then-password-then-agent,
// per spec §4.4 auth ordering.
func authMethods(cfg *command.SSHConfig) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if len(cfg.PrivateKeyMaterial) > 0 {
		var signer ssh.Signer
		var err error
		if cfg.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(cfg.PrivateKeyMaterial, []byte(cfg.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(cfg.PrivateKeyMaterial)
		}
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if cfg.Password != "" {
		methods = append(methods, ssh.Password(cfg.Password))
	}

	if agentAuth := agentAuthMethod(); agentAuth != nil {
		methods = append(methods, agentAuth)
	}

	if len(methods) == 0 {
		return nil, fmt.Errorf("no usable auth method: supply a private key, password, or run ssh-agent")
	}
	return methods, nil
}

func agentAuthMethod() ssh.AuthMethod {
	socket := os.Getenv("SSH_AUTH_SOCK")
	if socket == "" {
		return nil
	}
	conn, err := net.Dial("unix", socket)
	if err != nil {
		return nil
	}
	client := agent.NewClient(conn)
	return ssh.PublicKeysCallback(client.Signers)
}

func hostKeyCallback(cfg *command.SSHConfig) (ssh.HostKeyCallback, error) {
	if !cfg.StrictHostKeyCheck {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	path := cfg.KnownHostsPath
	if path == "" {
		path = os.ExpandEnv("$HOME/.ssh/known_hosts")
	}
	cb, err := knownHostsCallback(path)
	if err != nil {
		return nil, fmt.Errorf("strict host key checking enabled but known_hosts unreadable: %w", err)
	}
	return cb, nil
}
