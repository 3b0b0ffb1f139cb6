package fleet

import (
	"fmt"
	"strconv"
	"strings"

	werrors "github.com/orcharddb/warden/infrastructure/errors"
)

// DefaultPort is the port assumed when an address omits one.
const DefaultPort = 3306

// SplitHostPort returns the host and port of an address. An address without
// a port gets DefaultPort.
func SplitHostPort(address string) (string, int, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return "", 0, werrors.Server("server address must not be empty")
	}
	host, rawPort, found := strings.Cut(address, ":")
	if !found {
		return address, DefaultPort, nil
	}
	if host == "" {
		return "", 0, werrors.Server("server address (%s) is missing a host", address)
	}
	port, err := strconv.Atoi(rawPort)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, werrors.Server("server address (%s) has an invalid port", address)
	}
	return host, port, nil
}

// CombineHostPort renders host and port back into address form.
func CombineHostPort(host string, port int) string {
	if host == "" {
		host = "unknown-host"
	}
	if port == 0 {
		port = DefaultPort
	}
	return fmt.Sprintf("%s:%d", host, port)
}
