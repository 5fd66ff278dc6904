// ABOUTME: mDNS service discovery for chanrelay servers
// ABOUTME: Servers advertise _chanrelay._tcp; clients browse for it when no address is given
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/rs/zerolog"
)

// ServiceType is the DNS-SD type every relay server registers
const ServiceType = "_chanrelay._tcp"

const browseInterval = 3 * time.Second

var ErrNoServers = errors.New("no chanrelay servers found")

// Config holds discovery configuration
type Config struct {
	ServiceName   string
	Port          int // raw TCP port
	HTTPPort      int // 0 when the HTTP surface is disabled
	Version       string
	WebSocketPath string
	Logger        zerolog.Logger
}

// Manager handles mDNS operations
type Manager struct {
	config  Config
	logger  zerolog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	servers chan *ServerInfo
}

// ServerInfo describes a discovered server
type ServerInfo struct {
	Name     string
	Host     string
	Port     int
	HTTPPort int
	Version  string
	Path     string
}

// Addr returns host:port for the raw TCP transport
func (s *ServerInfo) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// NewManager creates a discovery manager
func NewManager(config Config) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		config:  config,
		logger:  config.Logger.With().Str("component", "mdns").Logger(),
		ctx:     ctx,
		cancel:  cancel,
		servers: make(chan *ServerInfo, 10),
	}
}

// Advertise announces this server until Stop is called
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
		txtRecords(m.config),
	)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return fmt.Errorf("failed to create mdns server: %w", err)
	}

	m.logger.Info().
		Str("name", m.config.ServiceName).
		Int("port", m.config.Port).
		Str("type", ServiceType).
		Msg("advertising mDNS service")

	go func() {
		<-m.ctx.Done()
		server.Shutdown()
	}()

	return nil
}

// Browse searches for relay servers until Stop is called
func (m *Manager) Browse() error {
	go m.browseLoop()
	return nil
}

func (m *Manager) browseLoop() {
	for {
		select {
		case <-m.ctx.Done():
			return
		default:
		}

		entries := make(chan *mdns.ServiceEntry, 10)
		done := make(chan struct{})

		go func() {
			defer close(done)
			for entry := range entries {
				server := serverInfoFromEntry(entry)
				if server == nil {
					continue
				}

				m.logger.Debug().Str("name", server.Name).Str("addr", server.Addr()).Msg("discovered server")

				select {
				case m.servers <- server:
				case <-m.ctx.Done():
				}
			}
		}()

		params := &mdns.QueryParam{
			Service:     ServiceType,
			Domain:      "local",
			Timeout:     browseInterval,
			Entries:     entries,
			DisableIPv6: true,
		}

		if err := mdns.Query(params); err != nil {
			m.logger.Debug().Err(err).Msg("mDNS query failed")
		}
		close(entries)
		<-done
	}
}

// Servers returns the channel of discovered servers
func (m *Manager) Servers() <-chan *ServerInfo {
	return m.servers
}

// Stop stops the discovery manager
func (m *Manager) Stop() {
	m.cancel()
}

// Discover browses until the first server answers or timeout passes
func Discover(ctx context.Context, timeout time.Duration, logger zerolog.Logger) (*ServerInfo, error) {
	m := NewManager(Config{Logger: logger})
	defer m.Stop()

	if err := m.Browse(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case server := <-m.Servers():
		return server, nil
	case <-ctx.Done():
		return nil, ErrNoServers
	}
}

func txtRecords(cfg Config) []string {
	txt := []string{"version=" + cfg.Version}
	if cfg.HTTPPort > 0 {
		txt = append(txt, "http="+strconv.Itoa(cfg.HTTPPort))
		if cfg.WebSocketPath != "" {
			txt = append(txt, "path="+cfg.WebSocketPath)
		}
	}
	return txt
}

func parseTXT(fields []string) map[string]string {
	out := make(map[string]string, len(fields))
	for _, f := range fields {
		k, v, ok := strings.Cut(f, "=")
		if !ok {
			continue
		}
		out[k] = v
	}
	return out
}

// serverInfoFromEntry returns nil for answers that are not relay servers
// or carry no IPv4 address
func serverInfoFromEntry(entry *mdns.ServiceEntry) *ServerInfo {
	if entry == nil || !strings.Contains(entry.Name, ServiceType) || entry.AddrV4 == nil {
		return nil
	}

	txt := parseTXT(entry.InfoFields)
	httpPort, _ := strconv.Atoi(txt["http"])

	name := entry.Name
	if i := strings.Index(name, "."+ServiceType); i > 0 {
		name = name[:i]
	}

	return &ServerInfo{
		Name:     name,
		Host:     entry.AddrV4.String(),
		Port:     entry.Port,
		HTTPPort: httpPort,
		Version:  txt["version"],
		Path:     txt["path"],
	}
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
