package platform

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/casecrawl/casecrawl/internal/resilience"
	"github.com/casecrawl/casecrawl/internal/session"
)

// BlockType describes the kind of block detected.
type BlockType string

const (
	BlockNone           BlockType = ""
	BlockCloudflare     BlockType = "cloudflare"
	BlockCaptcha        BlockType = "captcha"
	BlockUnusualTraffic BlockType = "unusual_traffic"
)

// DetectBlock checks an HTTP response for signs of anti-bot protection.
func DetectBlock(resp *http.Response, body []byte) (bool, BlockType) {
	if resp == nil {
		return false, BlockNone
	}

	// Cloudflare: 403/503 with cf-* headers.
	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusServiceUnavailable {
		if resp.Header.Get("cf-ray") != "" || resp.Header.Get("cf-cache-status") != "" {
			return true, BlockCloudflare
		}
		if strings.EqualFold(resp.Header.Get("server"), "cloudflare") {
			return true, BlockCloudflare
		}
	}
	return DetectPageBlock(string(body))
}

// DetectPageBlock checks rendered page content for challenge markers.
func DetectPageBlock(html string) (bool, BlockType) {
	lower := strings.ToLower(html)

	if strings.Contains(lower, "checking your browser") ||
		strings.Contains(lower, "cf-browser-verification") ||
		strings.Contains(lower, "cloudflare") && strings.Contains(lower, "challenge") {
		return true, BlockCloudflare
	}

	if strings.Contains(lower, "unusual traffic") ||
		strings.Contains(lower, "verify you're human") ||
		strings.Contains(lower, "verify you are human") {
		return true, BlockUnusualTraffic
	}

	if strings.Contains(lower, "g-recaptcha") ||
		strings.Contains(lower, "recaptcha/api") ||
		strings.Contains(lower, "hcaptcha") ||
		strings.Contains(lower, "captcha") {
		return true, BlockCaptcha
	}
	return false, BlockNone
}

// IsLoginURL reports whether u points at the platform's sign-on page.
func IsLoginURL(u string) bool {
	parsed, err := url.Parse(u)
	if err != nil {
		return strings.Contains(strings.ToLower(u), "login")
	}
	path := strings.ToLower(parsed.Path)
	return strings.Contains(path, "login") || strings.Contains(path, "signon")
}

// ClassifyPage maps a rendered page to the session error taxonomy. A nil
// return means the page is usable.
func ClassifyPage(location, html string) error {
	if blocked, kind := DetectPageBlock(html); blocked {
		return eris.Wrapf(session.ErrSessionBlocked, "platform: %s challenge at %s", kind, location)
	}
	if IsLoginURL(location) {
		return eris.Wrapf(session.ErrSessionExpired, "platform: redirected to %s", location)
	}
	return nil
}

// ClassifyResponse maps a document response to the session error taxonomy.
func ClassifyResponse(resp *http.Response, body []byte) error {
	if blocked, kind := DetectBlock(resp, body); blocked {
		return eris.Wrapf(session.ErrSessionBlocked, "platform: %s block (status %d)", kind, resp.StatusCode)
	}
	if resp.Request != nil && resp.Request.URL != nil && IsLoginURL(resp.Request.URL.String()) {
		return eris.Wrap(session.ErrSessionExpired, "platform: redirected to login")
	}

	switch code := resp.StatusCode; {
	case code == http.StatusUnauthorized:
		return eris.Wrap(session.ErrSessionExpired, "platform: unauthorized")
	case code == http.StatusNotFound || code == http.StatusGone:
		return eris.Wrapf(session.ErrDocumentUnavailable, "platform: status %d", code)
	case resilience.IsTransientHTTPStatus(code):
		return resilience.NewTransientError(eris.Errorf("platform: status %d", code), code)
	case code >= 400:
		return eris.Errorf("platform: status %d", code)
	}
	return nil
}
