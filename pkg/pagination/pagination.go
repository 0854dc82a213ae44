// Package pagination parses the _count/_offset search controls and renders
// the self link search bundles carry.
package pagination

import (
	"fmt"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Params holds pagination parameters extracted from a request.
type Params struct {
	Limit  int
	Offset int
}

// FromContext extracts _count and _offset from the echo context, clamping to
// the allowed range.
func FromContext(c echo.Context) Params {
	limit, _ := strconv.Atoi(c.QueryParam("_count"))
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	offset, _ := strconv.Atoi(c.QueryParam("_offset"))
	if offset < 0 {
		offset = 0
	}

	return Params{Limit: limit, Offset: offset}
}

// SelfLink renders the self URL for a search bundle. basePath is the request
// path including any filter query string already applied.
func (p Params) SelfLink(basePath string) string {
	sep := "?"
	for _, r := range basePath {
		if r == '?' {
			sep = "&"
			break
		}
	}
	return fmt.Sprintf("%s%s_offset=%d&_count=%d", basePath, sep, p.Offset, p.Limit)
}
