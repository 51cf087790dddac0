package net

import (
	"fmt"
	"net"
)

// GetEphemeralTCPPort asks the OS for a free TCP port on the loopback
// interface. There is an inherent race between releasing the probe listener
// and the caller binding the port, which is acceptable for tests.
func GetEphemeralTCPPort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("resolving 127.0.0.1:0: %w", err)
	}
	listener, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("listening to acquire port: %w", err)
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}
