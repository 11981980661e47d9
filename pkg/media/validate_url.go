package media

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ValidateDownloadURL accepts http(s) URLs whose host matches one of the
// allowed hosts. An allowed entry may be a bare hostname ("fbcdn.net", which
// also admits subdomains) or a base URL, in which case the port must match
// too. Single-label container hostnames on the same port as an allowed base
// URL are accepted so gateways running in compose networks keep working.
func ValidateDownloadURL(rawURL string, allowed ...string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid media URL: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("unsupported URL scheme: %s", u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return fmt.Errorf("media URL has no host")
	}
	if len(allowed) == 0 {
		return nil
	}

	for _, entry := range allowed {
		if entry == "" {
			continue
		}
		if !strings.Contains(entry, "://") {
			suffix := strings.ToLower(strings.TrimPrefix(entry, "."))
			if host == suffix || strings.HasSuffix(host, "."+suffix) {
				return nil
			}
			continue
		}

		base, err := url.Parse(entry)
		if err != nil {
			return fmt.Errorf("invalid allowed base URL: %w", err)
		}
		if u.Port() != base.Port() {
			continue
		}
		if strings.EqualFold(host, base.Hostname()) {
			return nil
		}
		if isContainerHost(host) || (isContainerHost(base.Hostname()) && net.ParseIP(host) != nil) {
			return nil
		}
	}
	return fmt.Errorf("download host not allowed: %s", host)
}

// RewriteLoopback points loopback media URLs at baseURL. Gateways often
// report their own media links as localhost, which is unreachable from here.
func RewriteLoopback(mediaURL, baseURL string) string {
	if baseURL == "" {
		return mediaURL
	}
	u, err := url.Parse(mediaURL)
	if err != nil {
		return mediaURL
	}
	host := u.Hostname()
	ip := net.ParseIP(host)
	if host != "localhost" && (ip == nil || !ip.IsLoopback()) {
		return mediaURL
	}
	base, err := url.Parse(baseURL)
	if err != nil || base.Host == "" {
		return mediaURL
	}
	u.Scheme = base.Scheme
	u.Host = base.Host
	return u.String()
}

// isContainerHost reports single-label DNS names such as "waha".
func isContainerHost(hostname string) bool {
	if hostname == "" || hostname == "localhost" {
		return false
	}
	if net.ParseIP(hostname) != nil {
		return false
	}
	return !strings.Contains(hostname, ".")
}
