package sshexec

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"net"
	"os"
	"strings"

	"golang.org/x/crypto/ssh"
)

// knownHostsCallback builds a HostKeyCallback from a classic
// known_hosts file, grounded on the teacher's loadKnownHosts
// (core/decorator/ssh_session.go).
func knownHostsCallback(path string) (ssh.HostKeyCallback, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	known := make(map[string]ssh.PublicKey)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 3 {
			continue
		}
		keyBytes, err := base64.StdEncoding.DecodeString(parts[2])
		if err != nil {
			continue
		}
		pubKey, err := ssh.ParsePublicKey(keyBytes)
		if err != nil {
			continue
		}
		for _, host := range strings.Split(parts[0], ",") {
			known[host+":"+parts[1]] = pubKey
		}
	}

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		// The client passes "host:port"; known_hosts lists a bare host
		// for port 22 and "[host]:port" for any other port.
		if host, port, splitErr := net.SplitHostPort(hostname); splitErr == nil {
			if port == "22" {
				hostname = host
			} else {
				hostname = "[" + host + "]:" + port
			}
		}
		lookup := hostname + ":" + key.Type()
		knownKey, ok := known[lookup]
		if !ok {
			return fmt.Errorf("host key not found in known_hosts: %s", hostname)
		}
		if !bytes.Equal(key.Marshal(), knownKey.Marshal()) {
			return fmt.Errorf("host key mismatch for %s", hostname)
		}
		return nil
	}, nil
}
