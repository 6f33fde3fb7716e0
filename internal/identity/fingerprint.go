package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Fingerprint is the set of request-derived attributes a device id is
// computed from. Changing the field set is an id migration; bump
// fingerprintVersion when doing so.
type Fingerprint struct {
	OSName        string
	OSVersion     string
	ClientName    string
	ClientVersion string
	ClientType    string
	DeviceType    string
}

// fingerprintVersion tags the hash inputs so a future change to the
// fingerprint fields is a deliberate migration, not silent id churn.
const fingerprintVersion = "v1"

// ParseFingerprint derives a fingerprint from request headers, preferring
// client hints (Sec-CH-UA-*) over User-Agent sniffing.
func ParseFingerprint(headers map[string][]string) Fingerprint {
	h := canonicalHeaders(headers)
	ua := h["user-agent"]

	fp := Fingerprint{
		ClientType: "browser",
		DeviceType: deviceTypeFrom(h, ua),
	}

	fp.OSName, fp.OSVersion = osFrom(h, ua)
	fp.ClientName, fp.ClientVersion = clientFrom(h, ua)
	return fp
}

// DeviceID computes the deterministic device id: the same project, user
// and fingerprint always hash to the same id, which makes device
// creation naturally idempotent.
func DeviceID(projectID, userID string, fp Fingerprint) string {
	h := sha256.New()
	for _, part := range []string{
		fingerprintVersion,
		projectID,
		userID,
		fp.OSName,
		fp.OSVersion,
		fp.ClientName,
		fp.ClientVersion,
		fp.ClientType,
		fp.DeviceType,
	} {
		h.Write([]byte(part))
		h.Write([]byte{0x1f})
	}
	return fingerprintVersion + "-" + hex.EncodeToString(h.Sum(nil))
}

func canonicalHeaders(headers map[string][]string) map[string]string {
	out := make(map[string]string, len(headers))
	for k, vs := range headers {
		if len(vs) > 0 {
			out[strings.ToLower(k)] = vs[0]
		}
	}
	return out
}

func deviceTypeFrom(h map[string]string, ua string) string {
	if mobile := h["sec-ch-ua-mobile"]; mobile == "?1" {
		return "mobile"
	}
	lower := strings.ToLower(ua)
	switch {
	case strings.Contains(lower, "ipad") || strings.Contains(lower, "tablet"):
		return "tablet"
	case strings.Contains(lower, "mobile") || strings.Contains(lower, "iphone") || strings.Contains(lower, "android"):
		return "mobile"
	default:
		return "desktop"
	}
}

func osFrom(h map[string]string, ua string) (name, version string) {
	if platform := strings.Trim(h["sec-ch-ua-platform"], `"`); platform != "" {
		return platform, strings.Trim(h["sec-ch-ua-platform-version"], `"`)
	}

	lower := strings.ToLower(ua)
	switch {
	case strings.Contains(lower, "windows nt"):
		return "Windows", versionAfter(ua, "Windows NT ")
	case strings.Contains(lower, "iphone os") || strings.Contains(lower, "cpu os"):
		return "iOS", ""
	case strings.Contains(lower, "mac os x"):
		return "macOS", ""
	case strings.Contains(lower, "android"):
		return "Android", versionAfter(ua, "Android ")
	case strings.Contains(lower, "linux"):
		return "Linux", ""
	default:
		return "", ""
	}
}

func clientFrom(h map[string]string, ua string) (name, version string) {
	// Sec-CH-UA looks like: "Chromium";v="120", "Google Chrome";v="120".
	// Take the first non-placeholder brand.
	if brands := h["sec-ch-ua"]; brands != "" {
		for _, brand := range strings.Split(brands, ",") {
			parts := strings.SplitN(strings.TrimSpace(brand), ";v=", 2)
			bname := strings.Trim(parts[0], `"`)
			if bname == "" || strings.Contains(bname, "Not") {
				continue
			}
			if len(parts) == 2 {
				return bname, strings.Trim(parts[1], `"`)
			}
			return bname, ""
		}
	}

	switch {
	case strings.Contains(ua, "Edg/"):
		return "Edge", versionAfter(ua, "Edg/")
	case strings.Contains(ua, "OPR/"):
		return "Opera", versionAfter(ua, "OPR/")
	case strings.Contains(ua, "Chrome/"):
		return "Chrome", versionAfter(ua, "Chrome/")
	case strings.Contains(ua, "Firefox/"):
		return "Firefox", versionAfter(ua, "Firefox/")
	case strings.Contains(ua, "Safari/") && strings.Contains(ua, "Version/"):
		return "Safari", versionAfter(ua, "Version/")
	default:
		return "", ""
	}
}

// versionAfter extracts the version token following a marker in a
// User-Agent string.
func versionAfter(ua, marker string) string {
	idx := strings.Index(ua, marker)
	if idx == -1 {
		return ""
	}
	rest := ua[idx+len(marker):]
	end := strings.IndexFunc(rest, func(r rune) bool {
		return r == ' ' || r == ';' || r == ')' || r == ','
	})
	if end == -1 {
		return rest
	}
	return rest[:end]
}
