package onvif

import (
	"bytes"
	"context"
	"crypto/sha1"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/elgs/gostrgen"
	"github.com/juju/errors"
)

const (
	deviceNamespace = "http://www.onvif.org/ver10/device/wsdl"
	mediaNamespace  = "http://www.onvif.org/ver10/media/wsdl"
)

// soapAction returns the SOAPAction header value for kind.
// KindDiscovery has no HTTP action; it travels over UDP.
func soapAction(kind Kind) string {
	switch kind {
	case KindProfiles, KindStreamURI:
		return mediaNamespace + "/" + kind.String()
	default:
		return deviceNamespace + "/" + kind.String()
	}
}

// isMediaKind reports whether kind is served by the media service
// endpoint rather than the device service.
func isMediaKind(kind Kind) bool {
	return kind == KindProfiles || kind == KindStreamURI
}

// generatePasswordDigest creates a WS-Security password digest.
func generatePasswordDigest(password string) (digest, nonceB64, created string, err error) {
	created = time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	nonce, err := gostrgen.RandGen(20, gostrgen.LowerUpperDigit, "", "")
	if err != nil {
		return "", "", "", errors.Annotate(err, "generating nonce")
	}
	nonceB64 = base64.StdEncoding.EncodeToString([]byte(nonce))

	h := sha1.New()
	h.Write([]byte(nonce))
	h.Write([]byte(created))
	h.Write([]byte(password))
	digest = base64.StdEncoding.EncodeToString(h.Sum(nil))

	return digest, nonceB64, created, nil
}

// envelope wraps a body fragment in a SOAP 1.2 envelope, adding a
// WS-Security UsernameToken header when credentials are configured.
func (c *Client) envelope(body string) (string, error) {
	authHeader := ""
	if c.Username != "" {
		digest, nonce, created, err := generatePasswordDigest(c.Password)
		if err != nil {
			return "", errors.Trace(err)
		}
		authHeader = fmt.Sprintf(`
		<Security xmlns="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-secext-1.0.xsd">
			<UsernameToken>
				<Username>%s</Username>
				<Password Type="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-username-token-profile-1.0#PasswordDigest">%s</Password>
				<Nonce EncodingType="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-soap-message-security-1.0#Base64Binary">%s</Nonce>
				<Created xmlns="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-utility-1.0.xsd">%s</Created>
			</UsernameToken>
		</Security>`, c.Username, digest, nonce, created)
	}

	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<s:Envelope xmlns:s="http://www.w3.org/2003/05/soap-envelope"
            xmlns:tds="%s"
            xmlns:trt="%s"
            xmlns:tt="http://www.onvif.org/ver10/schema">
	<s:Header>%s</s:Header>
	<s:Body>%s</s:Body>
</s:Envelope>`, deviceNamespace, mediaNamespace, authHeader, body), nil
}

// send performs a single HTTP POST of the built envelope to endpoint
// and returns the raw response body. Failures are classified into a
// DispatchError; there is no automatic retry at this layer.
func (c *Client) send(ctx context.Context, kind Kind, endpoint, body string) ([]byte, error) {
	soapRequest, err := c.envelope(body)
	if err != nil {
		return nil, errors.Trace(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		bytes.NewBufferString(soapRequest))
	if err != nil {
		return nil, &DispatchError{Kind: kind, Endpoint: endpoint, Err: err}
	}
	req.Header.Set("Content-Type", "application/soap+xml; charset=utf-8")
	req.Header.Set("SOAPAction", soapAction(kind))

	timeout := c.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	client := &http.Client{Timeout: timeout}
	if c.InsecureTLS {
		client.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	log.Debug().Stringer("kind", kind).Str("endpoint", endpoint).Msg("dispatching request")

	resp, err := client.Do(req)
	if err != nil {
		return nil, &DispatchError{Kind: kind, Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &DispatchError{Kind: kind, Endpoint: endpoint, Err: err}
	}

	// Some cameras answer error codes with an empty body instead of a
	// SOAP fault; a fault body with an error status still gets parsed.
	if resp.StatusCode >= 400 && !bytes.Contains(respBody, []byte("Fault")) {
		return nil, &DispatchError{Kind: kind, Endpoint: endpoint, Status: resp.StatusCode}
	}

	return respBody, nil
}

// deviceEndpoint resolves the device service URL for a camera: the
// first advertised XAddr, falling back to the primary address with the
// conventional path. The fallback is what makes the first
// GetCapabilities call possible.
func deviceEndpoint(cam *Camera) string {
	if len(cam.Device.XAddrs) > 0 {
		return cam.Device.XAddrs[0]
	}
	return "http://" + cam.Device.Address + "/onvif/device_service"
}

// resolveMediaEndpoint returns the media service URL for a camera,
// preferring the URL reported by Capabilities or Services and falling
// back to path replacement on the device service address.
func resolveMediaEndpoint(cam *Camera) string {
	if url := cam.mediaEndpoint(); url != "" {
		return url
	}
	endpoint := deviceEndpoint(cam)
	mediaURL := strings.Replace(endpoint, "/device_service", "/media_service", 1)
	if !strings.Contains(mediaURL, "media_service") {
		mediaURL = strings.TrimSuffix(endpoint, "/") + "/onvif/media_service"
	}
	return mediaURL
}

// endpointFor resolves the target URL for kind from the camera's known
// service endpoints.
func endpointFor(cam *Camera, kind Kind) string {
	if isMediaKind(kind) {
		return resolveMediaEndpoint(cam)
	}
	return deviceEndpoint(cam)
}

// hostPort extracts host:port from a service URL, defaulting the port
// to 80 when the URL does not carry one.
func hostPort(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	if u.Port() == "" {
		return u.Host + ":80"
	}
	return u.Host
}
