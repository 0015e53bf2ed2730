package httpapi

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/grandcat/zeroconf"
)

// ServiceType is the mDNS service type the API is announced under.
const ServiceType = "_blegate._tcp"

// Advertise announces the API on the local network. Call the returned func
// to withdraw the announcement.
func Advertise(instance string, port int) (stop func(), err error) {
	server, err := zeroconf.Register(instance, ServiceType, "local.", port, []string{"txtv=0", "path=/peripherals"}, nil)
	if err != nil {
		return nil, fmt.Errorf("httpapi: mdns register: %w", err)
	}
	slog.Info("[HTTP] advertising", "instance", instance, "service", ServiceType, "port", port)
	return server.Shutdown, nil
}

// PortOf extracts the port from a listen address such as ":8088" or
// "127.0.0.1:8088".
func PortOf(addr string) (int, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("httpapi: listen address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(p)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("httpapi: listen address %q: invalid port", addr)
	}
	return port, nil
}
