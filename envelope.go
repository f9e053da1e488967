package onvif

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/gofrs/uuid"
	"github.com/juju/errors"
)

// Kind identifies one of the supported ONVIF message kinds. Build and
// parse behavior is selected by switching on the kind, so adding a new
// message means extending every switch below.
type Kind int

const (
	KindDiscovery Kind = iota
	KindCapabilities
	KindDeviceInfo
	KindProfiles
	KindStreamURI
	KindServices
	KindHostname
	KindSystemDateTime
	KindDNS
)

func (k Kind) String() string {
	switch k {
	case KindDiscovery:
		return "Discovery"
	case KindCapabilities:
		return "GetCapabilities"
	case KindDeviceInfo:
		return "GetDeviceInformation"
	case KindProfiles:
		return "GetProfiles"
	case KindStreamURI:
		return "GetStreamUri"
	case KindServices:
		return "GetServices"
	case KindHostname:
		return "GetHostname"
	case KindSystemDateTime:
		return "GetSystemDateAndTime"
	case KindDNS:
		return "GetDNS"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// RequestParams carries the per-kind request parameters. Only
// KindStreamURI uses any: it requires a profile token.
type RequestParams struct {
	ProfileToken string
}

// Extract holds the fields pulled from a single response. Only the
// group matching the request kind is populated.
type Extract struct {
	Devices      []Device // Discovery
	Capabilities Capabilities
	Services     map[string]string
	Info         *DeviceInfo
	Profiles     []Profile
	Stream       *StreamInfo
	Hostname     *HostnameInfo
	SystemTime   *SystemTime
	DNS          []string
}

// BuildRequest produces the SOAP body for kind. For KindDiscovery the
// returned string is the complete WS-Discovery Probe envelope, ready
// to send as a UDP datagram; every other kind returns a body fragment
// that the dispatcher wraps in a SOAP 1.2 envelope.
func BuildRequest(kind Kind, params RequestParams) (string, error) {
	switch kind {
	case KindDiscovery:
		return buildProbe()
	case KindCapabilities:
		return `<tds:GetCapabilities><tds:Category>All</tds:Category></tds:GetCapabilities>`, nil
	case KindDeviceInfo:
		return `<tds:GetDeviceInformation/>`, nil
	case KindProfiles:
		return `<trt:GetProfiles/>`, nil
	case KindStreamURI:
		if params.ProfileToken == "" {
			return "", ErrMissingProfileToken
		}
		return fmt.Sprintf(`<trt:GetStreamUri>
		<trt:StreamSetup>
			<tt:Stream>RTP-Unicast</tt:Stream>
			<tt:Transport><tt:Protocol>RTSP</tt:Protocol></tt:Transport>
		</trt:StreamSetup>
		<trt:ProfileToken>%s</trt:ProfileToken>
	</trt:GetStreamUri>`, params.ProfileToken), nil
	case KindServices:
		return `<tds:GetServices><tds:IncludeCapability>false</tds:IncludeCapability></tds:GetServices>`, nil
	case KindHostname:
		return `<tds:GetHostname/>`, nil
	case KindSystemDateTime:
		return `<tds:GetSystemDateAndTime/>`, nil
	case KindDNS:
		return `<tds:GetDNS/>`, nil
	}
	return "", errors.NotSupportedf("message kind %v", kind)
}

// buildProbe builds a WS-Discovery Probe envelope with a fresh
// MessageID, as required for every broadcast.
func buildProbe() (string, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return "", errors.Annotate(err, "generating probe message id")
	}

	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<Envelope xmlns="http://www.w3.org/2003/05/soap-envelope"
          xmlns:a="http://schemas.xmlsoap.org/ws/2004/08/addressing"
          xmlns:d="http://schemas.xmlsoap.org/ws/2005/04/discovery"
          xmlns:dn="http://www.onvif.org/ver10/network/wsdl">
    <Header>
        <a:Action>http://schemas.xmlsoap.org/ws/2005/04/discovery/Probe</a:Action>
        <a:MessageID>uuid:%s</a:MessageID>
        <a:To>urn:schemas-xmlsoap-org:ws:2005:04:discovery</a:To>
    </Header>
    <Body>
        <d:Probe>
            <d:Types>dn:NetworkVideoTransmitter</d:Types>
        </d:Probe>
    </Body>
</Envelope>`, id), nil
}

// Parse performs targeted extraction of the known response elements
// for kind. Unrelated elements are ignored; a missing expected element
// yields a MalformedResponseError; a SOAP Fault envelope yields a
// ProtocolFault. Element lookup matches local names only, so vendor
// namespace prefixes do not matter.
func Parse(kind Kind, body []byte) (*Extract, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		return nil, &MalformedResponseError{Kind: kind, Missing: "Envelope"}
	}
	root := doc.Root()
	if root == nil {
		return nil, &MalformedResponseError{Kind: kind, Missing: "Envelope"}
	}

	if fault := parseFault(root); fault != nil {
		return nil, fault
	}

	switch kind {
	case KindDiscovery:
		return parseProbeMatches(root)
	case KindCapabilities:
		return parseCapabilities(root)
	case KindDeviceInfo:
		return parseDeviceInfo(root)
	case KindProfiles:
		return parseProfiles(root)
	case KindStreamURI:
		return parseStreamURI(root)
	case KindServices:
		return parseServices(root)
	case KindHostname:
		return parseHostname(root)
	case KindSystemDateTime:
		return parseSystemDateTime(root)
	case KindDNS:
		return parseDNS(root)
	}
	return nil, errors.NotSupportedf("message kind %v", kind)
}

// findElement walks the subtree depth-first and returns the first
// element whose local name matches tag.
func findElement(el *etree.Element, tag string) *etree.Element {
	if el.Tag == tag {
		return el
	}
	for _, child := range el.ChildElements() {
		if found := findElement(child, tag); found != nil {
			return found
		}
	}
	return nil
}

// findElements collects every element in the subtree whose local name
// matches tag, in document order.
func findElements(el *etree.Element, tag string) []*etree.Element {
	var out []*etree.Element
	if el.Tag == tag {
		out = append(out, el)
	}
	for _, child := range el.ChildElements() {
		out = append(out, findElements(child, tag)...)
	}
	return out
}

// elementText returns the trimmed text of the first matching element,
// or "" if no such element exists.
func elementText(el *etree.Element, tag string) string {
	found := findElement(el, tag)
	if found == nil {
		return ""
	}
	return strings.TrimSpace(found.Text())
}

func parseFault(root *etree.Element) *ProtocolFault {
	fault := findElement(root, "Fault")
	if fault == nil {
		return nil
	}

	code := ""
	if c := findElement(fault, "Code"); c != nil {
		code = elementText(c, "Value")
	}
	if code == "" {
		code = elementText(fault, "faultcode")
	}

	reason := ""
	if r := findElement(fault, "Reason"); r != nil {
		reason = elementText(r, "Text")
	}
	if reason == "" {
		reason = elementText(fault, "faultstring")
	}

	return &ProtocolFault{Code: code, Reason: reason}
}

func parseProbeMatches(root *etree.Element) (*Extract, error) {
	matches := findElements(root, "ProbeMatch")
	if len(matches) == 0 {
		return nil, &MalformedResponseError{Kind: KindDiscovery, Missing: "ProbeMatch"}
	}

	ex := &Extract{}
	for _, match := range matches {
		id := ""
		if ref := findElement(match, "EndpointReference"); ref != nil {
			id = elementText(ref, "Address")
		}
		xaddrs := strings.Fields(elementText(match, "XAddrs"))
		if id == "" || len(xaddrs) == 0 {
			continue
		}

		dev := Device{ID: id, XAddrs: xaddrs, Address: hostPort(xaddrs[0])}
		dev.Name, dev.Location, dev.Hardware = parseScopes(elementText(match, "Scopes"))
		ex.Devices = append(ex.Devices, dev)
	}

	if len(ex.Devices) == 0 {
		return nil, &MalformedResponseError{Kind: KindDiscovery, Missing: "EndpointReference"}
	}
	return ex, nil
}

// parseScopes pulls the name, location and hardware model out of the
// space-separated onvif:// scope URIs in a discovery reply.
func parseScopes(scopes string) (name, location, hardware string) {
	for _, scope := range strings.Fields(scopes) {
		switch {
		case strings.HasPrefix(scope, "onvif://www.onvif.org/name/"):
			name = strings.TrimPrefix(scope, "onvif://www.onvif.org/name/")
			name = strings.ReplaceAll(name, "_", " ")
		case strings.HasPrefix(scope, "onvif://www.onvif.org/location/"):
			location = strings.TrimPrefix(scope, "onvif://www.onvif.org/location/")
			location = strings.ReplaceAll(location, "_", " ")
		case strings.HasPrefix(scope, "onvif://www.onvif.org/hardware/"):
			hardware = strings.TrimPrefix(scope, "onvif://www.onvif.org/hardware/")
			hardware = strings.ReplaceAll(hardware, "_", " ")
		}
	}
	return
}

func parseCapabilities(root *etree.Element) (*Extract, error) {
	resp := findElement(root, "GetCapabilitiesResponse")
	if resp == nil {
		return nil, &MalformedResponseError{Kind: KindCapabilities, Missing: "GetCapabilitiesResponse"}
	}

	caps := make(Capabilities)
	for _, category := range []string{
		ServiceDevice, ServiceMedia, ServiceEvents,
		ServiceAnalytics, ServicePTZ, ServiceImaging,
	} {
		section := findElement(resp, category)
		if section == nil {
			continue
		}
		if url := elementText(section, "XAddr"); url != "" {
			caps[category] = url
		}
	}
	return &Extract{Capabilities: caps}, nil
}

func parseDeviceInfo(root *etree.Element) (*Extract, error) {
	resp := findElement(root, "GetDeviceInformationResponse")
	if resp == nil {
		return nil, &MalformedResponseError{Kind: KindDeviceInfo, Missing: "GetDeviceInformationResponse"}
	}

	return &Extract{Info: &DeviceInfo{
		Manufacturer:    elementText(resp, "Manufacturer"),
		Model:           elementText(resp, "Model"),
		FirmwareVersion: elementText(resp, "FirmwareVersion"),
		SerialNumber:    elementText(resp, "SerialNumber"),
		HardwareID:      elementText(resp, "HardwareId"),
	}}, nil
}

func parseProfiles(root *etree.Element) (*Extract, error) {
	resp := findElement(root, "GetProfilesResponse")
	if resp == nil {
		return nil, &MalformedResponseError{Kind: KindProfiles, Missing: "GetProfilesResponse"}
	}

	// A response with zero profiles is well-formed; the orchestrator
	// decides whether that is fatal.
	profiles := make([]Profile, 0)
	for _, el := range resp.ChildElements() {
		if el.Tag != "Profiles" {
			continue
		}
		token := el.SelectAttrValue("token", "")
		if token == "" {
			continue
		}
		profiles = append(profiles, Profile{
			Token: token,
			Name:  elementText(el, "Name"),
		})
	}
	return &Extract{Profiles: profiles}, nil
}

func parseStreamURI(root *etree.Element) (*Extract, error) {
	uri := elementText(root, "Uri")
	if uri == "" {
		return nil, &MalformedResponseError{Kind: KindStreamURI, Missing: "Uri"}
	}

	return &Extract{Stream: &StreamInfo{
		URI:                 uri,
		InvalidAfterConnect: elementText(root, "InvalidAfterConnect"),
		Timeout:             elementText(root, "Timeout"),
	}}, nil
}

func parseServices(root *etree.Element) (*Extract, error) {
	resp := findElement(root, "GetServicesResponse")
	if resp == nil {
		return nil, &MalformedResponseError{Kind: KindServices, Missing: "GetServicesResponse"}
	}

	services := make(map[string]string)
	for _, svc := range findElements(resp, "Service") {
		ns := elementText(svc, "Namespace")
		url := elementText(svc, "XAddr")
		if ns != "" && url != "" {
			services[ns] = url
		}
	}
	return &Extract{Services: services}, nil
}

func parseHostname(root *etree.Element) (*Extract, error) {
	info := findElement(root, "HostnameInformation")
	if info == nil {
		return nil, &MalformedResponseError{Kind: KindHostname, Missing: "HostnameInformation"}
	}

	// FromDHCP appears as a child element per the schema, but some
	// devices report it as an attribute.
	fromDHCP := elementText(info, "FromDHCP")
	if fromDHCP == "" {
		fromDHCP = info.SelectAttrValue("FromDHCP", "false")
	}

	return &Extract{Hostname: &HostnameInfo{
		Name:     elementText(info, "Name"),
		FromDHCP: fromDHCP == "true",
	}}, nil
}

func parseSystemDateTime(root *etree.Element) (*Extract, error) {
	resp := findElement(root, "GetSystemDateAndTimeResponse")
	if resp == nil {
		return nil, &MalformedResponseError{Kind: KindSystemDateTime, Missing: "GetSystemDateAndTimeResponse"}
	}

	st := &SystemTime{}
	if tz := findElement(resp, "TimeZone"); tz != nil {
		st.TimeZone = elementText(tz, "TZ")
	}
	if utc := findElement(resp, "UTCDateTime"); utc != nil {
		st.UTC = time.Date(
			intText(utc, "Year"), time.Month(intText(utc, "Month")), intText(utc, "Day"),
			intText(utc, "Hour"), intText(utc, "Minute"), intText(utc, "Second"),
			0, time.UTC)
	}
	return &Extract{SystemTime: st}, nil
}

func parseDNS(root *etree.Element) (*Extract, error) {
	info := findElement(root, "DNSInformation")
	if info == nil {
		return nil, &MalformedResponseError{Kind: KindDNS, Missing: "DNSInformation"}
	}

	servers := make([]string, 0)
	for _, addr := range findElements(info, "IPv4Address") {
		if s := strings.TrimSpace(addr.Text()); s != "" {
			servers = append(servers, s)
		}
	}
	return &Extract{DNS: servers}, nil
}

func intText(el *etree.Element, tag string) int {
	n, _ := strconv.Atoi(elementText(el, tag))
	return n
}
