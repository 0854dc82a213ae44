package fhir

import (
	"strings"
	"time"
)

// WeakETag renders the weak ETag carried by FHIR responses: W/"<token>".
// The token is the versionId on the versioned surface and the graph id on
// the non-versioned one.
func WeakETag(token string) string {
	return `W/"` + token + `"`
}

// ParseETag strips the weak prefix and quotes from an If-Match or
// If-None-Match header value. A bare token passes through unchanged.
func ParseETag(header string) string {
	s := strings.TrimSpace(header)
	s = strings.TrimPrefix(s, "W/")
	s = strings.Trim(s, `"`)
	return s
}

// ETagMatches compares a conditional header against a version token,
// honoring the * wildcard.
func ETagMatches(header, token string) bool {
	if strings.TrimSpace(header) == "*" {
		return true
	}
	return ParseETag(header) == token
}

// LastModified renders an instant for the Last-Modified header (RFC 1123
// with GMT, as http.TimeFormat prescribes).
func LastModified(t time.Time) string {
	return t.UTC().Format("Mon, 02 Jan 2006 15:04:05 GMT")
}
