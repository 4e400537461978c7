package auth

import "strings"

// Device is the parsed identity of a session's client, shown in the
// session listing.
type Device struct {
	Browser    string `json:"browser"`
	OS         string `json:"os"`
	DeviceType string `json:"device_type"`
}

// ParseUserAgent is a small rule-based classifier. Unknown strings map to
// Unknown/Unknown/unknown rather than erroring; order matters because many
// agents embed competitor tokens (Edge carries "Chrome", Chrome carries
// "Safari").
func ParseUserAgent(ua string) Device {
	d := Device{Browser: "Unknown", OS: "Unknown", DeviceType: "unknown"}
	if ua == "" {
		return d
	}
	lower := strings.ToLower(ua)

	switch {
	case strings.Contains(lower, "edg/"), strings.Contains(lower, "edge/"):
		d.Browser = "Edge"
	case strings.Contains(lower, "opr/"), strings.Contains(lower, "opera"):
		d.Browser = "Opera"
	case strings.Contains(lower, "chrome/"):
		d.Browser = "Chrome"
	case strings.Contains(lower, "firefox/"):
		d.Browser = "Firefox"
	case strings.Contains(lower, "safari/"):
		d.Browser = "Safari"
	case strings.Contains(lower, "curl/"):
		d.Browser = "curl"
	}

	switch {
	case strings.Contains(lower, "windows"):
		d.OS = "Windows"
	case strings.Contains(lower, "android"):
		d.OS = "Android"
	case strings.Contains(lower, "iphone"), strings.Contains(lower, "ipad"), strings.Contains(lower, "ios"):
		d.OS = "iOS"
	case strings.Contains(lower, "mac os"), strings.Contains(lower, "macintosh"):
		d.OS = "macOS"
	case strings.Contains(lower, "linux"):
		d.OS = "Linux"
	}

	switch {
	case strings.Contains(lower, "ipad"), strings.Contains(lower, "tablet"):
		d.DeviceType = "tablet"
	case strings.Contains(lower, "mobile"), strings.Contains(lower, "iphone"), strings.Contains(lower, "android"):
		d.DeviceType = "mobile"
	case d.Browser != "Unknown":
		d.DeviceType = "desktop"
	}

	return d
}
