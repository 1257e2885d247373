// ABOUTME: mDNS discovery for pcmstream servers
// ABOUTME: Servers advertise _pcmstream._tcp and clients browse for it
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/mdns"
)

const (
	// ServiceType is the DNS-SD service advertised by servers
	ServiceType = "_pcmstream._tcp"

	// DefaultPath is the WebSocket endpoint announced in the TXT record
	DefaultPath = "/stream"
)

// ErrNotFound is returned when browsing finds no server
var ErrNotFound = errors.New("no pcmstream server found")

// Config holds discovery configuration
type Config struct {
	ServiceName string
	Port        int
	// Path is announced as path=<Path>; defaults to DefaultPath
	Path string
}

// Manager advertises a server until stopped
type Manager struct {
	config Config

	mu     sync.Mutex
	server *mdns.Server
}

// ServerInfo describes a discovered server
type ServerInfo struct {
	Name string
	Host string
	Port int
	Path string
}

// URL returns the WebSocket URL of the server's stream endpoint
func (s ServerInfo) URL() string {
	return "ws://" + net.JoinHostPort(s.Host, strconv.Itoa(s.Port)) + s.Path
}

// NewManager creates a discovery manager
func NewManager(config Config) *Manager {
	if config.Path == "" {
		config.Path = DefaultPath
	}
	return &Manager{config: config}
}

// Advertise announces the server on every up, non-loopback IPv4 interface
func (m *Manager) Advertise() error {
	ips, err := getLocalIPs()
	if err != nil {
		return fmt.Errorf("failed to get local IPs: %w", err)
	}

	service, err := mdns.NewMDNSService(
		m.config.ServiceName,
		ServiceType,
		"",
		"",
		m.config.Port,
		ips,
		[]string{"path=" + m.config.Path},
	)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return fmt.Errorf("failed to create mdns server: %w", err)
	}

	m.mu.Lock()
	m.server = server
	m.mu.Unlock()

	slog.Info("discovery: advertising", "name", m.config.ServiceName, "port", m.config.Port, "type", ServiceType)
	return nil
}

// Stop withdraws the advertisement
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.server != nil {
		if err := m.server.Shutdown(); err != nil {
			slog.Warn("discovery: shutdown failed", "err", err)
		}
		m.server = nil
	}
}

// Find browses for up to timeout and returns the first server that answers
func Find(ctx context.Context, timeout time.Duration) (ServerInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *mdns.ServiceEntry, 10)
	queryErr := make(chan error, 1)

	go func() {
		params := mdns.DefaultParams(ServiceType)
		params.Entries = entries
		params.Timeout = timeout
		params.DisableIPv6 = true
		queryErr <- mdns.Query(params)
		close(entries)
	}()

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				if err := <-queryErr; err != nil {
					return ServerInfo{}, fmt.Errorf("mdns query: %w", err)
				}
				return ServerInfo{}, ErrNotFound
			}
			info, ok := parseEntry(entry)
			if !ok {
				continue
			}
			slog.Info("discovery: found server", "name", info.Name, "url", info.URL())
			go drain(entries)
			return info, nil
		case <-ctx.Done():
			go drain(entries)
			return ServerInfo{}, ErrNotFound
		}
	}
}

// drain keeps the query goroutine from blocking after Find returns
func drain(entries <-chan *mdns.ServiceEntry) {
	for range entries {
	}
}

// parseEntry converts an mDNS answer, rejecting entries without an address
func parseEntry(entry *mdns.ServiceEntry) (ServerInfo, bool) {
	if entry == nil || !strings.Contains(entry.Name, ServiceType) {
		return ServerInfo{}, false
	}

	var host string
	switch {
	case entry.AddrV4 != nil:
		host = entry.AddrV4.String()
	case entry.AddrV6 != nil:
		host = entry.AddrV6.String()
	default:
		return ServerInfo{}, false
	}

	info := ServerInfo{
		Name: strings.TrimSuffix(entry.Name, "."+ServiceType+".local."),
		Host: host,
		Port: entry.Port,
		Path: DefaultPath,
	}
	for _, field := range entry.InfoFields {
		if p, ok := strings.CutPrefix(field, "path="); ok && p != "" {
			info.Path = p
		}
	}
	return info, true
}

// getLocalIPs returns local IP addresses
func getLocalIPs() ([]net.IP, error) {
	var ips []net.IP

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
				if ipnet.IP.To4() != nil {
					ips = append(ips, ipnet.IP)
				}
			}
		}
	}

	return ips, nil
}
