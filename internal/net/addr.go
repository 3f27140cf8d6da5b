// Package net finds local addresses for agents started without a fixed listen address.
package net

import (
	"fmt"
	"net"
	"strconv"
)

// FreeAddr returns host joined with a TCP port that was free at the time of the call.
func FreeAddr(host string) (string, error) {
	listener, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return "", fmt.Errorf("listening to acquire port on %s: %w", host, err)
	}
	defer listener.Close()
	port := listener.Addr().(*net.TCPAddr).Port
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}
