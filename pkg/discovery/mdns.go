package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/enbility/zeroconf/v3"
)

// MDNSAdvertiser implements Advertiser using zeroconf.
type MDNSAdvertiser struct {
	config AdvertiserConfig
	logger *slog.Logger

	mu      sync.Mutex
	servers map[string]*zeroconf.Server // keyed by instance name
}

// NewMDNSAdvertiser creates a new mDNS advertiser.
func NewMDNSAdvertiser(config AdvertiserConfig, logger *slog.Logger) *MDNSAdvertiser {
	if logger == nil {
		logger = slog.Default()
	}
	return &MDNSAdvertiser{
		config:  config,
		logger:  logger.With("component", "mdns-advertiser"),
		servers: make(map[string]*zeroconf.Server),
	}
}

// Advertise registers info, replacing an earlier registration of the same
// instance.
func (a *MDNSAdvertiser) Advertise(_ context.Context, info PeerInfo) error {
	if err := ValidateInstanceName(info.Instance); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if server, exists := a.servers[info.Instance]; exists {
		server.Shutdown()
		delete(a.servers, info.Instance)
	}

	port := int(info.Port)
	if port == 0 {
		port = DefaultPort
	}

	var opts []zeroconf.ServerOption
	if a.config.TTL > 0 {
		opts = append(opts, zeroconf.TTL(uint32(a.config.TTL/time.Second)))
	}

	server, err := zeroconf.Register(
		info.Instance,
		ServiceType,
		Domain,
		port,
		TXTRecordsToStrings(EncodeTXT(info)),
		interfaces(a.config.Interface),
		opts...,
	)
	if err != nil {
		return fmt.Errorf("register %s: %w", info.Instance, err)
	}

	a.servers[info.Instance] = server
	a.logger.Info("advertising", "instance", info.Instance, "port", port, "secure", info.Secure)
	return nil
}

// Update replaces the TXT records of an advertised instance.
func (a *MDNSAdvertiser) Update(info PeerInfo) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	server, exists := a.servers[info.Instance]
	if !exists {
		return ErrNotFound
	}
	server.SetText(TXTRecordsToStrings(EncodeTXT(info)))
	return nil
}

// Stop withdraws one instance.
func (a *MDNSAdvertiser) Stop(instance string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	server, exists := a.servers[instance]
	if !exists {
		return ErrNotFound
	}
	server.Shutdown()
	delete(a.servers, instance)
	a.logger.Info("advertisement stopped", "instance", instance)
	return nil
}

// StopAll withdraws every instance.
func (a *MDNSAdvertiser) StopAll() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for instance, server := range a.servers {
		server.Shutdown()
		delete(a.servers, instance)
	}
}

// MDNSBrowser implements Browser using zeroconf.
type MDNSBrowser struct {
	config BrowserConfig
	logger *slog.Logger
}

// NewMDNSBrowser creates a new mDNS browser.
func NewMDNSBrowser(config BrowserConfig, logger *slog.Logger) *MDNSBrowser {
	if config.BrowseTimeout <= 0 {
		config.BrowseTimeout = BrowseTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MDNSBrowser{
		config: config,
		logger: logger.With("component", "mdns-browser"),
	}
}

// Browse streams datatransfer services until ctx is done. Announcements of
// one instance over several interfaces are merged.
func (b *MDNSBrowser) Browse(ctx context.Context) (<-chan *Service, error) {
	out := make(chan *Service)
	entries, removed := b.start(ctx)
	go newAggregator().run(ctx, entries, removed, out)
	return out, nil
}

// Find browses until the named instance is found or the browse timeout
// expires.
func (b *MDNSBrowser) Find(ctx context.Context, instance string) (*Service, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.config.BrowseTimeout)
		defer cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	services, err := b.Browse(ctx)
	if err != nil {
		return nil, err
	}
	for svc := range services {
		if strings.EqualFold(svc.InstanceName, instance) {
			return svc, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, instance)
}

// start runs zeroconf.Browse and converts its entries.
func (b *MDNSBrowser) start(ctx context.Context) (<-chan *ServiceEntry, <-chan *ServiceEntry) {
	zEntries := make(chan *zeroconf.ServiceEntry)
	zRemoved := make(chan *zeroconf.ServiceEntry)
	entries := make(chan *ServiceEntry)
	removed := make(chan *ServiceEntry)

	var opts []zeroconf.ClientOption
	if ifaces := interfaces(b.config.Interface); ifaces != nil {
		opts = append(opts, zeroconf.SelectIfaces(ifaces))
	}

	go func() {
		if err := zeroconf.Browse(ctx, ServiceType, Domain, zEntries, zRemoved, opts...); err != nil {
			b.logger.Warn("browse failed", "error", err)
		}
	}()

	go func() {
		defer close(entries)
		for {
			select {
			case e, ok := <-zEntries:
				if !ok {
					return
				}
				if !forward(ctx, entries, fromZeroconf(e)) {
					return
				}
			case e, ok := <-zRemoved:
				if !ok {
					zRemoved = nil
					continue
				}
				if !forward(ctx, removed, fromZeroconf(e)) {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return entries, removed
}

func forward(ctx context.Context, ch chan<- *ServiceEntry, e *ServiceEntry) bool {
	select {
	case ch <- e:
		return true
	case <-ctx.Done():
		return false
	}
}

func fromZeroconf(e *zeroconf.ServiceEntry) *ServiceEntry {
	addrs := make([]string, 0, len(e.AddrIPv4)+len(e.AddrIPv6))
	for _, ip := range e.AddrIPv4 {
		addrs = append(addrs, ip.String())
	}
	for _, ip := range e.AddrIPv6 {
		addrs = append(addrs, ip.String())
	}
	return &ServiceEntry{
		Instance: e.Instance,
		Host:     e.HostName,
		Port:     uint16(e.Port),
		Text:     e.Text,
		Addrs:    addrs,
	}
}

// interfaces resolves name to an interface list. Nil means all interfaces.
func interfaces(name string) []net.Interface {
	if name == "" {
		return nil
	}
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil
	}
	return []net.Interface{*iface}
}

var (
	_ Advertiser = (*MDNSAdvertiser)(nil)
	_ Browser    = (*MDNSBrowser)(nil)
)
