package logic

import (
	"net"
	"net/http"
	"strings"

	"github.com/avct/uasurfer"

	"github.com/patrickwarner/decisionengine/internal/geoip"
	"github.com/patrickwarner/decisionengine/internal/models"
)

// ClientInfo is what can be derived about a visitor from the raw request.
type ClientInfo struct {
	Device  string
	Browser string
	IsBot   bool
	Country string
}

// ResolveClientFromUA parses a raw User-Agent string using uasurfer. Device
// names match the values stored in the ads index devices field.
func ResolveClientFromUA(uaString string) ClientInfo {
	u := uasurfer.Parse(uaString)

	var device string
	switch u.DeviceType {
	case uasurfer.DeviceComputer:
		device = "desktop"
	case uasurfer.DevicePhone:
		device = "mobile"
	case uasurfer.DeviceTablet:
		device = "tablet"
	case uasurfer.DeviceTV:
		device = "tv"
	case uasurfer.DeviceConsole:
		device = "console"
	default:
		device = "other"
	}

	return ClientInfo{
		Device:  device,
		Browser: strings.ToLower(strings.TrimPrefix(u.Browser.Name.String(), "Browser")),
		IsBot:   u.IsBot(),
	}
}

// ClientIP returns the first X-Forwarded-For address, or the host part of
// RemoteAddr.
func ClientIP(r *http.Request) net.IP {
	ipStr := r.Header.Get("X-Forwarded-For")
	if ipStr == "" {
		ipStr = r.RemoteAddr
		if host, _, err := net.SplitHostPort(ipStr); err == nil {
			ipStr = host
		}
	} else if idx := strings.Index(ipStr, ","); idx != -1 {
		ipStr = ipStr[:idx]
	}
	return net.ParseIP(strings.TrimSpace(ipStr))
}

// ResolveClient extracts the visitor's device, browser and country from r.
func ResolveClient(r *http.Request, g *geoip.GeoIP) ClientInfo {
	info := ClientInfo{}
	if ua := r.Header.Get("User-Agent"); ua != "" {
		info = ResolveClientFromUA(ua)
	}
	if g != nil {
		if ip := ClientIP(r); ip != nil {
			info.Country = strings.ToLower(g.Country(ip))
		}
	}
	return info
}

// ApplyClientFallbacks fills the device, browser and locations of tc from
// info where the request left them empty. Values sent by the caller win.
func ApplyClientFallbacks(tc *models.TargetingContext, info ClientInfo) {
	if strings.TrimSpace(tc.Device) == "" && info.Device != "" && info.Device != "other" {
		tc.Device = info.Device
	}
	if strings.TrimSpace(tc.Browser) == "" && info.Browser != "" && info.Browser != "unknown" {
		tc.Browser = info.Browser
	}
	if len(tc.Locations) == 0 && info.Country != "" {
		tc.Locations = []string{info.Country}
	}
}
