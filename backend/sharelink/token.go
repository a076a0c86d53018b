// Package sharelink implements a backend for cloud drives that are reached
// only through sharing links.
//
// A links manifest maps artifact keys to sharing URLs. Reads go through the
// drive's Graph-style API when a token is available and fall back to the
// link's direct-download form. Writes upload into a shared folder and record
// an anonymous view link for the new item in the manifest.
package sharelink

import (
	"encoding/base64"
	"net/url"
	"regexp"
	"strings"
)

// Shape classifies a sharing URL.
type Shape int

const (
	// ShapeUnknown is any URL not matching a known shape.
	ShapeUnknown Shape = iota
	// ShapeShortLink is an opaque short link (1drv.ms).
	ShapeShortLink
	// ShapeConsumerLong is a long consumer-drive link carrying a u!/s! token.
	ShapeConsumerLong
	// ShapeEnterprise is an enterprise link carrying an opaque item id.
	ShapeEnterprise
)

func (s Shape) String() string {
	switch s {
	case ShapeShortLink:
		return "short-link"
	case ShapeConsumerLong:
		return "consumer-long"
	case ShapeEnterprise:
		return "enterprise"
	default:
		return "unknown"
	}
}

// Token is the identifier extracted from a sharing URL.
type Token struct {
	Shape Shape
	Value string
}

const (
	shortLinkHost     = "1drv.ms"
	consumerHost      = "onedrive.live.com"
	enterpriseSuffix  = ".sharepoint.com"
	enterpriseIDLen   = 43
	downloadParam     = "download=1"
	shareIDPrefix     = "u!"
	consumerTokenU    = "u!"
	consumerTokenS    = "s!"
	enterpriseIDChars = `^[A-Za-z0-9_-]+$`
)

var enterpriseIDPattern = regexp.MustCompile(enterpriseIDChars)

// ExtractToken derives the sharing token from a URL.
//
// Short links yield their last path segment, consumer links the first path
// segment or query value starting with u! or s!, and enterprise links their
// item id: a 43-character segment anywhere in the path, or a longer one as
// the final segment (personal-site links carry 46). The query string is
// ignored. Extraction never fails: an unrecognized URL is returned whole
// with ShapeUnknown.
func ExtractToken(raw string) Token {
	unknown := Token{Shape: ShapeUnknown, Value: raw}

	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return unknown
	}
	host := strings.ToLower(u.Hostname())
	segments := pathSegments(u.EscapedPath())

	switch {
	case host == shortLinkHost || strings.HasSuffix(host, "."+shortLinkHost):
		if len(segments) == 0 {
			return unknown
		}
		return Token{Shape: ShapeShortLink, Value: segments[len(segments)-1]}

	case host == consumerHost:
		for _, s := range segments {
			if isConsumerToken(s) {
				return Token{Shape: ShapeConsumerLong, Value: s}
			}
		}
		// Walk the raw query so the first matching value wins.
		for _, pair := range strings.Split(u.RawQuery, "&") {
			_, v, _ := strings.Cut(pair, "=")
			if unescaped, err := url.QueryUnescape(v); err == nil {
				v = unescaped
			}
			if isConsumerToken(v) {
				return Token{Shape: ShapeConsumerLong, Value: v}
			}
		}
		return unknown

	case strings.HasSuffix(host, enterpriseSuffix):
		for _, s := range segments {
			if len(s) == enterpriseIDLen && enterpriseIDPattern.MatchString(s) {
				return Token{Shape: ShapeEnterprise, Value: s}
			}
		}
		// Longer ids are only trusted as the final segment.
		if n := len(segments); n > 0 {
			last := segments[n-1]
			if len(last) > enterpriseIDLen && enterpriseIDPattern.MatchString(last) {
				return Token{Shape: ShapeEnterprise, Value: last}
			}
		}
		return unknown
	}
	return unknown
}

func isConsumerToken(s string) bool {
	return len(s) > 2 && (strings.HasPrefix(s, consumerTokenU) || strings.HasPrefix(s, consumerTokenS))
}

func pathSegments(p string) []string {
	var out []string
	for _, s := range strings.Split(p, "/") {
		if s == "" {
			continue
		}
		if unescaped, err := url.PathUnescape(s); err == nil {
			s = unescaped
		}
		out = append(out, s)
	}
	return out
}

// EncodeShareID converts a sharing URL into the id accepted by the drive
// API's /shares endpoint: "u!" followed by the unpadded base64url encoding
// of the URL.
func EncodeShareID(sharingURL string) string {
	return shareIDPrefix + base64.RawURLEncoding.EncodeToString([]byte(strings.TrimSpace(sharingURL)))
}

// DownloadURL turns a sharing URL into its direct-download form by adding
// download=1 to the query. URLs that already carry the parameter are
// returned unchanged. It never fails.
func DownloadURL(sharingURL string) string {
	s := strings.TrimSpace(sharingURL)
	if s == "" {
		return s
	}
	if u, err := url.Parse(s); err == nil && u.Query().Get("download") == "1" {
		return s
	}
	if strings.Contains(s, "?") {
		if strings.HasSuffix(s, "?") || strings.HasSuffix(s, "&") {
			return s + downloadParam
		}
		return s + "&" + downloadParam
	}
	return s + "?" + downloadParam
}
