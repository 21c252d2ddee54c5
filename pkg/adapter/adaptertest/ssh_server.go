// Package adaptertest provides in-memory test doubles shared by the
// adapter test suites: a pure-Go SSH+SFTP server adapted from the
// teacher's SSHTestServer (core/decorator/ssh_test_server.go), extended
// here with an SFTP subsystem handler and full-duplex exec stdin so the
// SSH adapter's file-transfer and sudo-stdin paths can both be
// exercised without a real sshd.
package adaptertest

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync"
	"testing"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// SSHServer is a pure Go SSH server for testing the sshexec adapter.
type SSHServer struct {
	Port         int
	HostKey      ssh.Signer
	ClientKey    ssh.Signer
	ClientKeyPEM []byte // PKCS8 PEM encoding of ClientKey, for command.SSHConfig.PrivateKeyMaterial
	listener     net.Listener
	wg           sync.WaitGroup
	baseEnv      map[string]string
}

// StartSSHServer launches an ephemeral in-process SSH server; it skips
// the calling test if the environment can't support it (e.g. no loopback).
func StartSSHServer(t *testing.T) *SSHServer {
	t.Helper()

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Skip("failed to generate host key:", err)
		return nil
	}
	hostKey, err := ssh.NewSignerFromKey(hostPriv)
	if err != nil {
		t.Skip("failed to create host signer:", err)
		return nil
	}

	clientPub, clientPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Skip("failed to generate client key:", err)
		return nil
	}
	clientKey, err := ssh.NewSignerFromKey(clientPriv)
	if err != nil {
		t.Skip("failed to create client signer:", err)
		return nil
	}
	clientSSHPub, err := ssh.NewPublicKey(clientPub)
	if err != nil {
		t.Skip("failed to create ssh public key:", err)
		return nil
	}

	pkcs8, err := x509.MarshalPKCS8PrivateKey(clientPriv)
	if err != nil {
		t.Skip("failed to marshal client key:", err)
		return nil
	}
	clientKeyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8})

	serverCfg := &ssh.ServerConfig{
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if bytes.Equal(key.Marshal(), clientSSHPub.Marshal()) {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown public key")
		},
	}
	serverCfg.AddHostKey(hostKey)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skip("failed to listen:", err)
		return nil
	}

	s := &SSHServer{
		Port:         listener.Addr().(*net.TCPAddr).Port,
		HostKey:      hostKey,
		ClientKey:    clientKey,
		ClientKeyPEM: clientKeyPEM,
		listener:     listener,
		baseEnv:      hostEnviron(),
	}
	s.wg.Add(1)
	go s.acceptLoop(serverCfg)
	return s
}

func hostEnviron() map[string]string {
	env := make(map[string]string)
	for _, e := range os.Environ() {
		if idx := strings.IndexByte(e, '='); idx > 0 {
			env[e[:idx]] = e[idx+1:]
		}
	}
	return env
}

func (s *SSHServer) acceptLoop(cfg *ssh.ServerConfig) {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go s.serveConn(conn, cfg)
	}
}

func (s *SSHServer) serveConn(netConn net.Conn, cfg *ssh.ServerConfig) {
	defer s.wg.Done()
	defer func() { _ = netConn.Close() }()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, cfg)
	if err != nil {
		return
	}
	defer func() { _ = sshConn.Close() }()

	go ssh.DiscardRequests(reqs)
	for newChannel := range chans {
		s.wg.Add(1)
		go s.serveChannel(newChannel)
	}
}

// serveChannel owns one session channel's lifetime: a fresh env copy
// (so "env" requests on one channel never leak into another) and
// dispatch across exec/env/subsystem requests.
func (s *SSHServer) serveChannel(newChannel ssh.NewChannel) {
	defer s.wg.Done()

	if newChannel.ChannelType() != "session" {
		_ = newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
		return
	}
	channel, requests, err := newChannel.Accept()
	if err != nil {
		return
	}
	defer func() { _ = channel.Close() }()

	sess := &channelSession{channel: channel, env: make(map[string]string, len(s.baseEnv))}
	for k, v := range s.baseEnv {
		sess.env[k] = v
	}

	for req := range requests {
		switch req.Type {
		case "exec":
			sess.runExec(req)
			return // a session channel carries exactly one exec
		case "env":
			sess.setEnv(req)
		case "subsystem":
			sess.runSubsystem(req)
			return // sftp owns the channel for its own lifetime
		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

// channelSession is the server-side state for one accepted session
// channel: its accumulated "env" requests plus the channel itself,
// which doubles as the spawned process's stdin/stdout/stderr.
type channelSession struct {
	channel ssh.Channel
	env     map[string]string
}

func (cs *channelSession) setEnv(req *ssh.Request) {
	var envReq struct{ Name, Value string }
	if err := ssh.Unmarshal(req.Payload, &envReq); err == nil {
		cs.env[envReq.Name] = envReq.Value
	}
	if req.WantReply {
		_ = req.Reply(true, nil)
	}
}

func (cs *channelSession) runSubsystem(req *ssh.Request) {
	var sub struct{ Name string }
	if err := ssh.Unmarshal(req.Payload, &sub); err != nil || sub.Name != "sftp" {
		if req.WantReply {
			_ = req.Reply(false, nil)
		}
		return
	}
	if req.WantReply {
		_ = req.Reply(true, nil)
	}

	server, err := sftp.NewServer(cs.channel)
	if err != nil {
		return
	}
	_ = server.Serve()
}

// runExec spawns the requested command locally, wiring the SSH
// channel as its stdin/stdout/stderr so a client-side session.Stdin
// (the sudo-password-then-payload reader sshexec builds) actually
// reaches the remote process, not just its stdout/stderr.
func (cs *channelSession) runExec(req *ssh.Request) {
	var execReq struct{ Command string }
	if err := ssh.Unmarshal(req.Payload, &execReq); err != nil {
		if req.WantReply {
			_ = req.Reply(false, nil)
		}
		return
	}
	if req.WantReply {
		_ = req.Reply(true, nil)
	}

	cmd := exec.Command("sh", "-c", execReq.Command)
	cmd.Env = make([]string, 0, len(cs.env))
	for k, v := range cs.env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stdin = cs.channel
	cmd.Stdout = cs.channel
	cmd.Stderr = cs.channel.Stderr()

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = 1
		}
	}

	exitStatus := struct{ Status uint32 }{uint32(exitCode)}
	_, _ = cs.channel.SendRequest("exit-status", false, ssh.Marshal(&exitStatus))
}

// Stop closes the listener and waits for in-flight connections to end.
func (s *SSHServer) Stop() {
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
}

// Addr returns the loopback address clients should dial.
func (s *SSHServer) Addr() string { return fmt.Sprintf("127.0.0.1:%d", s.Port) }
