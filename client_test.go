package onvif

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// cameraServer is a canned ONVIF device: it answers each SOAPAction
// with a fixture and records the order requests arrived in.
type cameraServer struct {
	*httptest.Server

	mu        sync.Mutex
	actions   []string
	responses map[string]string
}

func newCameraServer(t *testing.T) *cameraServer {
	t.Helper()

	s := &cameraServer{
		responses: map[string]string{
			"GetCapabilities":      capabilitiesResponse,
			"GetDeviceInformation": deviceInfoResponse,
			"GetProfiles":          profilesResponse,
			"GetStreamUri":         dahuaStreamURIResponse,
		},
	}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		action := r.Header.Get("SOAPAction")
		action = action[strings.LastIndex(action, "/")+1:]

		s.mu.Lock()
		s.actions = append(s.actions, action)
		body, ok := s.responses[action]
		s.mu.Unlock()

		if !ok {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/soap+xml; charset=utf-8")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *cameraServer) respond(action, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[action] = body
}

func (s *cameraServer) seen() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.actions...)
}

func (s *cameraServer) camera() *Camera {
	return NewCamera(Device{
		ID:      "urn:uuid:test-device",
		Address: strings.TrimPrefix(s.URL, "http://"),
		XAddrs:  []string{s.URL + "/onvif/device_service"},
	})
}

func TestQueryCapabilities(t *testing.T) {
	server := newCameraServer(t)
	client := NewClient("", "")
	cam := server.camera()

	require.Nil(t, cam.Capabilities())

	ex, err := client.Query(context.Background(), cam, KindCapabilities)
	require.NoError(t, err)
	require.Equal(t, "http://192.168.1.123/onvif/media_service", ex.Capabilities[ServiceMedia])

	// The extract was merged into the camera.
	require.Equal(t, ex.Capabilities, cam.Capabilities())

	// Querying again simply refreshes the same field group.
	_, err = client.Query(context.Background(), cam, KindCapabilities)
	require.NoError(t, err)
	require.Equal(t, ex.Capabilities, cam.Capabilities())
}

func TestQueryDeviceInfo(t *testing.T) {
	server := newCameraServer(t)
	client := NewClient("", "")
	cam := server.camera()

	_, err := client.Query(context.Background(), cam, KindDeviceInfo)
	require.NoError(t, err)

	info := cam.Info()
	require.NotNil(t, info)
	require.Equal(t, "HIKVISION", info.Manufacturer)
	require.Equal(t, "HIKVISION DS-2CD2085FWD-I", cam.DisplayName())
}

func TestQueryDiscoveryRejected(t *testing.T) {
	client := NewClient("", "")
	_, err := client.Query(context.Background(), NewCamera(Device{}), KindDiscovery)
	require.Error(t, err)
}

func TestGetStreamURIImplicitProfiles(t *testing.T) {
	server := newCameraServer(t)
	client := NewClient("admin", "secret")
	cam := server.camera()

	stream, err := client.GetStreamURI(context.Background(), cam)
	require.NoError(t, err)
	require.Equal(t, "Profile_1", stream.ProfileToken)
	require.Equal(t, "rtsp://192.168.1.123:554/cam/realmonitor?channel=1&subtype=1&unicast=true&proto=Onvif", stream.URI)

	// Profiles was fetched first; the token dependency requires it.
	require.Equal(t, []string{"GetProfiles", "GetStreamUri"}, server.seen())

	// The result is also merged into the camera record.
	require.Equal(t, stream, cam.Stream())
}

func TestGetStreamURINoProfiles(t *testing.T) {
	server := newCameraServer(t)
	server.respond("GetProfiles", emptyProfilesResponse)
	client := NewClient("", "")
	cam := server.camera()

	_, err := client.GetStreamURI(context.Background(), cam)
	require.ErrorIs(t, err, ErrNoProfilesAvailable)

	// No GetStreamUri request went out.
	require.Equal(t, []string{"GetProfiles"}, server.seen())
}

func TestGetStreamURIKnownProfiles(t *testing.T) {
	server := newCameraServer(t)
	client := NewClient("", "")
	cam := server.camera()

	_, err := client.Query(context.Background(), cam, KindProfiles)
	require.NoError(t, err)

	_, err = client.GetStreamURI(context.Background(), cam)
	require.NoError(t, err)

	// Profiles was not re-fetched.
	require.Equal(t, []string{"GetProfiles", "GetStreamUri"}, server.seen())
}

func TestQueryFaultLeavesFieldUnset(t *testing.T) {
	server := newCameraServer(t)
	server.respond("GetDeviceInformation", soap12FaultResponse)
	client := NewClient("", "")
	cam := server.camera()

	_, err := client.Query(context.Background(), cam, KindDeviceInfo)
	require.True(t, IsProtocolFault(err))
	require.Nil(t, cam.Info())
}

func TestQueryHTTPError(t *testing.T) {
	server := newCameraServer(t)
	client := NewClient("", "")
	cam := server.camera()

	// The server has no canned response for GetHostname and answers
	// 500 with an empty body.
	_, err := client.Query(context.Background(), cam, KindHostname)

	var derr *DispatchError
	require.ErrorAs(t, err, &derr)
	status, ok := derr.HTTPError()
	require.True(t, ok)
	require.Equal(t, http.StatusInternalServerError, status)
	require.Nil(t, cam.Hostname())
}

func TestQueryTimeout(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	t.Cleanup(slow.Close)

	client := NewClientWithTimeout("", "", 100*time.Millisecond)
	cam := NewCamera(Device{
		ID:     "urn:uuid:slow",
		XAddrs: []string{slow.URL + "/onvif/device_service"},
	})

	_, err := client.Query(context.Background(), cam, KindDeviceInfo)

	var derr *DispatchError
	require.ErrorAs(t, err, &derr)
	require.True(t, derr.Timeout())
}

func TestConcurrentQueries(t *testing.T) {
	server := newCameraServer(t)
	client := NewClient("", "")
	cam := server.camera()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = client.Query(context.Background(), cam, KindCapabilities)
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = client.Query(context.Background(), cam, KindDeviceInfo)
	}()
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	// Each query merged only its own field group.
	require.Equal(t, "http://192.168.1.123/onvif/media_service", cam.Capabilities()[ServiceMedia])
	require.Equal(t, "HIKVISION", cam.Info().Manufacturer)
}

func TestDiscoverAllFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cameras.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
- id: urn:uuid:a
  address: 192.168.1.10:80
  xaddrs:
    - http://192.168.1.10/onvif/device_service
- id: urn:uuid:b
  address: 192.168.1.11:80
  xaddrs:
    - http://192.168.1.11/onvif/device_service
`), 0o644))

	client := NewClient("", "")
	client.DeviceListPath = path

	cameras, err := client.DiscoverAll(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, cameras, 2)
	require.Equal(t, "urn:uuid:a", cameras[0].Device.ID)
	require.Equal(t, 2, client.Registry().Len())
}

func TestDiscoverAllDuplicateIDsInFile(t *testing.T) {
	// A device list carrying the same id twice must still yield one
	// Camera per distinct identifier, with the later entry winning.
	path := filepath.Join(t.TempDir(), "cameras.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
- id: urn:uuid:a
  address: 192.168.1.10:80
  xaddrs:
    - http://192.168.1.10/onvif/device_service
- id: urn:uuid:a
  address: 192.168.1.99:80
  xaddrs:
    - http://192.168.1.99/onvif/device_service
`), 0o644))

	client := NewClient("", "")
	client.DeviceListPath = path

	cameras, err := client.DiscoverAll(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, cameras, 1)
	require.Equal(t, "urn:uuid:a", cameras[0].Device.ID)
	require.Equal(t, "192.168.1.99:80", cameras[0].Device.Address)
	require.Equal(t, 1, client.Registry().Len())
}

func TestDiscoverAllFallsBackToProbe(t *testing.T) {
	addr := fakeResponder(t, probeMatchReply)

	client := NewClient("", "")
	client.DeviceListPath = filepath.Join(t.TempDir(), "absent.yaml")

	cameras, err := client.DiscoverAll(context.Background(), &DiscoveryOptions{
		Timeout:       300 * time.Millisecond,
		MulticastAddr: addr,
	})
	require.NoError(t, err)
	require.Len(t, cameras, 1)
	require.Equal(t, "urn:uuid:2419d68a-2dd2-21b2-a205-ec8d59a3f562", cameras[0].Device.ID)
}

func TestDiscoverAllEmptyWindow(t *testing.T) {
	conn := fakeResponder(t) // answers nothing

	client := NewClient("", "")
	cameras, err := client.DiscoverAll(context.Background(), &DiscoveryOptions{
		Timeout:       50 * time.Millisecond,
		MulticastAddr: conn,
	})
	require.NoError(t, err)
	require.Empty(t, cameras)
}
