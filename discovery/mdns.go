package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grandcat/zeroconf"

	"lanphone/logging"
	"lanphone/models"
)

const (
	// DefaultMDNSService is the mDNS service name without domain suffix.
	DefaultMDNSService = "_lanphone._tcp"
	// DefaultMDNSDomain is the mDNS domain.
	DefaultMDNSDomain = "local."
	// DefaultMDNSRefreshInterval is the background browse interval.
	DefaultMDNSRefreshInterval = 10 * time.Second
	// DefaultMDNSScanTimeout bounds each browse window.
	DefaultMDNSScanTimeout = 3 * time.Second
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// MDNSConfig controls the mDNS advertiser and browser.
type MDNSConfig struct {
	Service         string
	Domain          string
	RefreshInterval time.Duration
	ScanTimeout     time.Duration

	DeviceID   string
	DeviceName string
	SignalPort int

	registerFn registerFunc
	browseFn   browseFunc
}

func (c MDNSConfig) withDefaults() MDNSConfig {
	out := c
	if out.Service == "" {
		out.Service = DefaultMDNSService
	}
	if out.Domain == "" {
		out.Domain = DefaultMDNSDomain
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultMDNSRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultMDNSScanTimeout
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c MDNSConfig) validate() error {
	if strings.TrimSpace(c.DeviceID) == "" {
		return errors.New("self device ID is required")
	}
	if strings.TrimSpace(c.DeviceName) == "" {
		return errors.New("device name is required")
	}
	if c.SignalPort <= 0 {
		return errors.New("signal port must be > 0")
	}
	return nil
}

// MDNS advertises this node over mDNS and upserts browsed peers into a
// Registry, for networks that filter broadcast traffic.
type MDNS struct {
	cfg      MDNSConfig
	registry *Registry
	logger   log.Logger

	server *zeroconf.Server
	browse browseFunc

	stopOnce sync.Once
}

// StartMDNS registers the local service record.
func StartMDNS(config MDNSConfig, registry *Registry, logger log.Logger) (*MDNS, error) {
	cfg := config.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, fmt.Errorf("create mDNS resolver: %w", err)
		}
		browse = resolver.Browse
	}

	txt := []string{
		"device_id=" + cfg.DeviceID,
		"version=" + strconv.Itoa(int(BeaconVersion)),
	}
	server, err := cfg.registerFn(cfg.DeviceName, cfg.Service, cfg.Domain, cfg.SignalPort, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	return &MDNS{
		cfg:      cfg,
		registry: registry,
		logger:   logging.Component(logger, "mdns"),
		server:   server,
		browse:   browse,
	}, nil
}

// Run browses immediately and then every refresh interval until ctx is done.
func (m *MDNS) Run(ctx context.Context) error {
	defer m.Stop()

	m.scanLogged(ctx)

	ticker := time.NewTicker(m.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.scanLogged(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

// Stop withdraws the mDNS advertisement.
func (m *MDNS) Stop() {
	m.stopOnce.Do(func() {
		if m.server != nil {
			m.server.Shutdown()
		}
	})
}

func (m *MDNS) scanLogged(ctx context.Context) {
	if err := m.Scan(ctx); err != nil {
		level.Warn(m.logger).Log("msg", "mDNS browse failed", "err", err)
	}
}

// Scan runs one browse window and upserts every valid entry it sees.
func (m *MDNS) Scan(ctx context.Context) error {
	scanCtx, cancel := context.WithTimeout(ctx, m.cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				// Drain what the browser already queued.
				for {
					select {
					case entry := <-entries:
						m.accept(entry)
					default:
						return
					}
				}
			case entry := <-entries:
				m.accept(entry)
			}
		}
	}()

	browseErr := m.browse(scanCtx, m.cfg.Service, m.cfg.Domain, entries)
	<-scanCtx.Done()
	<-collectorDone

	// A timeout just means this scan window ended naturally.
	if browseErr != nil && !errors.Is(browseErr, context.DeadlineExceeded) && !errors.Is(browseErr, context.Canceled) {
		return browseErr
	}
	return nil
}

func (m *MDNS) accept(entry *zeroconf.ServiceEntry) {
	if entry == nil {
		return
	}
	rec, ok := parseEntry(entry, m.cfg.DeviceID)
	if !ok {
		return
	}
	rec.LastSeen = time.Now()
	if err := m.registry.Upsert(rec); err != nil {
		level.Debug(m.logger).Log("msg", "dropping mDNS entry", "err", err)
	}
}

func parseEntry(entry *zeroconf.ServiceEntry, selfDeviceID string) (models.NodeRecord, bool) {
	txt := txtToMap(entry.Text)

	deviceID := strings.TrimSpace(txt["device_id"])
	if deviceID == "" || deviceID == selfDeviceID {
		return models.NodeRecord{}, false
	}
	if v, err := strconv.Atoi(txt["version"]); err != nil || v != int(BeaconVersion) {
		return models.NodeRecord{}, false
	}

	var id models.NodeID
	for _, ip := range entry.AddrIPv4 {
		if ip != nil && !ip.IsUnspecified() {
			id = models.NodeID(ip.String())
			break
		}
	}
	if id == "" || entry.Port <= 0 {
		return models.NodeRecord{}, false
	}

	name, err := NormalizeName(entry.Instance)
	if err != nil {
		name = deviceID
	}

	return models.NodeRecord{
		ID:          id,
		DeviceID:    deviceID,
		DisplayName: name,
		SignalPort:  entry.Port,
		Source:      SourceMDNS,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}
