package discovery

import (
	"context"
	"errors"
	"net"
	"slices"
	"strconv"
	"time"

	"github.com/sterndu/datatransfer/pkg/transport"
)

// mDNS parameters.
const (
	// ServiceType is the DNS-SD service type of datatransfer listeners.
	ServiceType = "_datatransfer._tcp"

	// Domain is the mDNS domain.
	Domain = "local."

	// DefaultPort is advertised when PeerInfo.Port is zero.
	DefaultPort = transport.DefaultPort

	// MaxInstanceNameLen is the DNS label limit for instance names.
	MaxInstanceNameLen = 63

	// BrowseTimeout is the default timeout for Find.
	BrowseTimeout = 10 * time.Second
)

// TXT record keys.
const (
	TXTKeyVersion = "v"
	TXTKeySecure  = "sec"
	TXTKeyCiphers = "ciphers"
	TXTKeyWSPath  = "ws"
	TXTKeyID      = "id"
)

var (
	ErrNotFound            = errors.New("service not found")
	ErrMissingRequired     = errors.New("missing required TXT record")
	ErrInvalidTXTRecord    = errors.New("invalid TXT record")
	ErrInstanceNameTooLong = errors.New("instance name too long")
	ErrAlreadyAdvertising  = errors.New("instance already advertised")
)

// PeerInfo is what a listening peer announces.
type PeerInfo struct {
	// Instance is the DNS-SD instance name.
	Instance string

	// Port is the TCP listen port (default: DefaultPort).
	Port uint16

	// ProtocolMajor and ProtocolMinor are the handshake protocol version.
	ProtocolMajor uint8
	ProtocolMinor uint8

	// Secure reports whether the listener requires the handshake.
	Secure bool

	// CipherVersions are the cipher versions the listener accepts.
	CipherVersions []uint16

	// WSPath is the websocket endpoint path, if any.
	WSPath string

	// ID is an optional stable identifier.
	ID string
}

// Service is a discovered peer.
type Service struct {
	InstanceName string
	Host         string
	Port         uint16
	Addresses    []string
	Info         PeerInfo
}

// Address returns host:port for the first known address, or for the host
// name when no address was resolved.
func (s *Service) Address() string {
	host := s.Host
	if len(s.Addresses) > 0 {
		host = s.Addresses[0]
	}
	return net.JoinHostPort(host, strconv.Itoa(int(s.Port)))
}

// Supports reports whether the service accepts any of versions.
func (s *Service) Supports(versions []uint16) bool {
	if !s.Info.Secure {
		return true
	}
	for _, v := range versions {
		if slices.Contains(s.Info.CipherVersions, v) {
			return true
		}
	}
	return false
}

// Advertiser announces listening peers.
type Advertiser interface {
	// Advertise starts announcing info, replacing an earlier announcement
	// of the same instance.
	Advertise(ctx context.Context, info PeerInfo) error

	// Update replaces the TXT records of an announced instance.
	Update(info PeerInfo) error

	// Stop withdraws an instance.
	Stop(instance string) error

	// StopAll withdraws every instance.
	StopAll()
}

// Browser finds peers.
type Browser interface {
	// Browse streams services as they are found until ctx is done.
	Browse(ctx context.Context) (<-chan *Service, error)

	// Find returns the service with the given instance name.
	Find(ctx context.Context, instance string) (*Service, error)
}

// AdvertiserConfig configures an advertiser.
type AdvertiserConfig struct {
	// Interface restricts announcements to one network interface.
	// Empty means all interfaces.
	Interface string

	// TTL of the DNS records. Zero uses the zeroconf default.
	TTL time.Duration
}

// BrowserConfig configures browser behavior.
type BrowserConfig struct {
	// BrowseTimeout bounds Find when ctx has no deadline.
	BrowseTimeout time.Duration

	// Interface restricts browsing to one network interface.
	Interface string
}

// DefaultBrowserConfig returns the default browser configuration.
func DefaultBrowserConfig() BrowserConfig {
	return BrowserConfig{BrowseTimeout: BrowseTimeout}
}
