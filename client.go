package onvif

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/errors"
)

// Client drives the ONVIF message sequence against discovered devices.
// It owns the device registry and is safe for concurrent use across
// cameras; construct one per application and pass it around.
type Client struct {
	Username    string
	Password    string
	Timeout     time.Duration
	InsecureTLS bool

	// DeviceListPath optionally points at a persisted device list.
	// When the file exists it is loaded instead of broadcasting a
	// discovery probe; when absent, network discovery runs.
	DeviceListPath string

	registry *Registry
}

// NewClient creates a new ONVIF client with credentials.
func NewClient(username, password string) *Client {
	return &Client{
		Username: username,
		Password: password,
		Timeout:  10 * time.Second,
		registry: NewRegistry(),
	}
}

// NewClientWithTimeout creates a new ONVIF client with a custom
// per-request timeout.
func NewClientWithTimeout(username, password string, timeout time.Duration) *Client {
	c := NewClient(username, password)
	c.Timeout = timeout
	return c
}

// Registry returns the client's device registry.
func (c *Client) Registry() *Registry {
	return c.registry
}

// DiscoverAll locates devices and wraps each in a Camera record. If
// DeviceListPath names a readable file its entries are used, otherwise
// a WS-Discovery probe runs with the given options. Zero devices found
// yields an empty list, not an error.
func (c *Client) DiscoverAll(ctx context.Context, options *DiscoveryOptions) ([]*Camera, error) {
	devices, err := c.loadOrDiscover(ctx, options)
	if err != nil {
		return nil, errors.Trace(err)
	}

	// One Camera per registered device id: registration already
	// collapsed duplicated identifiers last-write-wins.
	cameras := make([]*Camera, 0, len(devices))
	for _, dev := range devices {
		cameras = append(cameras, NewCamera(dev))
	}
	return cameras, nil
}

// loadOrDiscover locates devices and registers them, returning the
// registered set (one entry per distinct id).
func (c *Client) loadOrDiscover(ctx context.Context, options *DiscoveryOptions) ([]Device, error) {
	if c.DeviceListPath != "" {
		devices, err := c.registry.LoadFromFile(c.DeviceListPath)
		switch {
		case err == nil:
			log.Debug().Int("devices", len(devices)).Str("path", c.DeviceListPath).
				Msg("loaded device list, skipping discovery")
			return devices, nil
		case errors.Is(err, errors.NotFound):
			// No cache yet: fall through to network discovery.
		default:
			return nil, errors.Trace(err)
		}
	}

	devices, err := Discover(ctx, options)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return c.registry.Register(devices), nil
}

// Query sends a single request of the given kind to the camera and
// merges the extracted fields into it. Each call is independent and
// idempotent: repeating a kind refreshes the same field group. On any
// error the camera's corresponding fields stay unset.
func (c *Client) Query(ctx context.Context, cam *Camera, kind Kind) (*Extract, error) {
	if kind == KindDiscovery {
		return nil, errors.NotSupportedf("per-device %v query", kind)
	}

	params := RequestParams{}
	if kind == KindStreamURI {
		params.ProfileToken = cam.firstProfileToken()
	}

	body, err := BuildRequest(kind, params)
	if err != nil {
		return nil, errors.Trace(err)
	}

	respBody, err := c.send(ctx, kind, endpointFor(cam, kind), body)
	if err != nil {
		return nil, errors.Trace(err)
	}

	ex, err := Parse(kind, respBody)
	if err != nil {
		return nil, errors.Trace(err)
	}

	if ex.Stream != nil {
		ex.Stream.ProfileToken = params.ProfileToken
	}

	cam.merge(ex)
	return ex, nil
}

// GetStreamURI negotiates the RTSP stream URI for the camera's first
// media profile, transparently fetching the profile list first when it
// has not been queried yet. It fails with ErrNoProfilesAvailable when
// the device reports zero profiles, without sending a GetStreamUri
// request.
func (c *Client) GetStreamURI(ctx context.Context, cam *Camera) (*StreamInfo, error) {
	if !cam.hasProfiles() {
		if _, err := c.Query(ctx, cam, KindProfiles); err != nil {
			return nil, errors.Trace(err)
		}
	}

	if cam.firstProfileToken() == "" {
		return nil, ErrNoProfilesAvailable
	}

	if _, err := c.Query(ctx, cam, KindStreamURI); err != nil {
		return nil, errors.Trace(err)
	}
	return cam.Stream(), nil
}

// DisplayName returns the best available name for the camera.
func (cam *Camera) DisplayName() string {
	// Priority: Manufacturer + Model > Hostname > Discovery Name > Hardware > Address
	if info := cam.Info(); info != nil && info.Manufacturer != "" && info.Model != "" {
		return fmt.Sprintf("%s %s", info.Manufacturer, info.Model)
	}

	if h := cam.Hostname(); h != nil && h.Name != "" {
		return h.Name
	}

	if cam.Device.Name != "" {
		return cam.Device.Name
	}

	if cam.Device.Hardware != "" {
		return cam.Device.Hardware
	}

	return cam.Device.Address
}

// Summary returns a formatted multi-line description of whatever has
// been fetched for the camera so far.
func (cam *Camera) Summary() string {
	s := fmt.Sprintf("Camera: %s\n", cam.DisplayName())
	s += fmt.Sprintf("  Address: %s\n", cam.Device.Address)

	if info := cam.Info(); info != nil {
		if info.Manufacturer != "" {
			s += fmt.Sprintf("  Manufacturer: %s\n", info.Manufacturer)
		}
		if info.Model != "" {
			s += fmt.Sprintf("  Model: %s\n", info.Model)
		}
		if info.SerialNumber != "" {
			s += fmt.Sprintf("  Serial: %s\n", info.SerialNumber)
		}
		if info.FirmwareVersion != "" {
			s += fmt.Sprintf("  Firmware: %s\n", info.FirmwareVersion)
		}
	}

	if stream := cam.Stream(); stream != nil {
		s += fmt.Sprintf("  Stream: %s (profile %s)\n", stream.URI, stream.ProfileToken)
	}

	return s
}
