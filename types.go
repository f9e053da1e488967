// Package onvif discovers ONVIF-compliant IP cameras on the local network
// and negotiates the service endpoints and RTSP stream URI a media client
// needs to open a session.
package onvif

import (
	"strings"
	"sync"
	"time"
)

// Device is one discovered (or cache-loaded) ONVIF endpoint.
// Immutable once created within a session.
type Device struct {
	// ID is the vendor-assigned endpoint identifier from the
	// WS-Discovery reply, usually "urn:uuid:...".
	ID string `yaml:"id"`

	// Address is the primary network address (host:port) taken from
	// the first advertised XAddr.
	Address string `yaml:"address"`

	// XAddrs are the service endpoint URLs the device advertised,
	// in the order they appeared in the reply.
	XAddrs []string `yaml:"xaddrs"`

	// Best-effort metadata parsed from the discovery Scopes field.
	Name     string `yaml:"name,omitempty"`
	Hardware string `yaml:"hardware,omitempty"`
	Location string `yaml:"location,omitempty"`
}

// Capabilities maps a recognized service category ("Device", "Media",
// "Events", "Analytics", "PTZ", "Imaging") to its endpoint URL. Only
// categories present in the GetCapabilities response are populated;
// unrecognized categories are discarded.
type Capabilities map[string]string

// Recognized capability categories.
const (
	ServiceDevice    = "Device"
	ServiceMedia     = "Media"
	ServiceEvents    = "Events"
	ServiceAnalytics = "Analytics"
	ServicePTZ       = "PTZ"
	ServiceImaging   = "Imaging"
)

// DeviceInfo holds the GetDeviceInformation response fields. Each value
// is present only if the response contained it.
type DeviceInfo struct {
	Manufacturer    string
	Model           string
	FirmwareVersion string
	SerialNumber    string
	HardwareID      string
}

// Profile is one media configuration set exposed by the device. The
// token is opaque and unique within a device; it selects the profile
// when requesting a stream URI.
type Profile struct {
	Token string
	Name  string
}

// StreamInfo is the negotiated RTSP/RTP connection URI for one profile.
type StreamInfo struct {
	ProfileToken string
	URI          string

	// Session metadata some devices report alongside the URI.
	InvalidAfterConnect string
	Timeout             string
}

// HostnameInfo is the GetHostname response.
type HostnameInfo struct {
	Name     string
	FromDHCP bool
}

// SystemTime is the GetSystemDateAndTime response.
type SystemTime struct {
	TimeZone string
	UTC      time.Time
}

// Camera aggregates one Device with whichever responses have been
// fetched so far. Optional fields are populated monotonically: a query
// may refresh a field group but never clears it, and a failed query
// leaves it untouched.
type Camera struct {
	Device Device

	mu           sync.Mutex
	capabilities Capabilities
	services     map[string]string
	info         *DeviceInfo
	profiles     []Profile
	stream       *StreamInfo
	hostname     *HostnameInfo
	systemTime   *SystemTime
	dnsServers   []string
}

// NewCamera wraps a discovered Device in an empty Camera record.
func NewCamera(dev Device) *Camera {
	return &Camera{Device: dev}
}

// Capabilities returns the fetched capability map, or nil if
// Capabilities has not been queried yet.
func (c *Camera) Capabilities() Capabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.capabilities == nil {
		return nil
	}
	out := make(Capabilities, len(c.capabilities))
	for k, v := range c.capabilities {
		out[k] = v
	}
	return out
}

// Services returns the namespace to endpoint map from GetServices, or
// nil if not queried yet.
func (c *Camera) Services() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.services == nil {
		return nil
	}
	out := make(map[string]string, len(c.services))
	for k, v := range c.services {
		out[k] = v
	}
	return out
}

// Info returns the fetched device information, or nil if DeviceInfo
// has not been queried yet.
func (c *Camera) Info() *DeviceInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.info == nil {
		return nil
	}
	info := *c.info
	return &info
}

// Profiles returns the fetched profile list, or nil if Profiles has
// not been queried yet. A device that reported zero profiles yields an
// empty, non-nil slice.
func (c *Camera) Profiles() []Profile {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.profiles == nil {
		return nil
	}
	out := make([]Profile, len(c.profiles))
	copy(out, c.profiles)
	return out
}

// Stream returns the negotiated stream info, or nil if GetStreamUri
// has not succeeded yet.
func (c *Camera) Stream() *StreamInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		return nil
	}
	s := *c.stream
	return &s
}

// Hostname returns the fetched hostname info, or nil if not queried.
func (c *Camera) Hostname() *HostnameInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hostname == nil {
		return nil
	}
	h := *c.hostname
	return &h
}

// SystemTime returns the fetched system time, or nil if not queried.
func (c *Camera) SystemTime() *SystemTime {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.systemTime == nil {
		return nil
	}
	t := *c.systemTime
	return &t
}

// DNSServers returns the fetched DNS server addresses, or nil if not
// queried.
func (c *Camera) DNSServers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dnsServers == nil {
		return nil
	}
	out := make([]string, len(c.dnsServers))
	copy(out, c.dnsServers)
	return out
}

// mediaEndpoint returns the media service URL if Capabilities or
// Services has reported one, otherwise "".
func (c *Camera) mediaEndpoint() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if url := c.capabilities[ServiceMedia]; url != "" {
		return url
	}
	for ns, url := range c.services {
		if strings.Contains(ns, "/media/") {
			return url
		}
	}
	return ""
}

// firstProfileToken returns the token of the first fetched profile,
// or "" if Profiles has not been queried or came back empty.
func (c *Camera) firstProfileToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.profiles) == 0 {
		return ""
	}
	return c.profiles[0].Token
}

// hasProfiles reports whether a Profiles response has been merged.
func (c *Camera) hasProfiles() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.profiles != nil
}

// merge applies one parsed response to the camera. Each call touches
// exactly one field group, so concurrent queries for different kinds
// never interleave within a group.
func (c *Camera) merge(ex *Extract) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case ex.Capabilities != nil:
		c.capabilities = ex.Capabilities
	case ex.Services != nil:
		c.services = ex.Services
	case ex.Info != nil:
		c.info = ex.Info
	case ex.Profiles != nil:
		c.profiles = ex.Profiles
	case ex.Stream != nil:
		c.stream = ex.Stream
	case ex.Hostname != nil:
		c.hostname = ex.Hostname
	case ex.SystemTime != nil:
		c.systemTime = ex.SystemTime
	case ex.DNS != nil:
		c.dnsServers = ex.DNS
	}
}

// DiscoveryOptions provides options for camera discovery.
type DiscoveryOptions struct {
	Timeout       time.Duration
	MulticastAddr string
}

// Default configuration.
const (
	DefaultMulticastAddr = "239.255.255.250:3702"
	DefaultTimeout       = 5 * time.Second
)
