package pagination

import (
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func params(t *testing.T, query string) Params {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest("GET", "/Patient"+query, nil)
	return FromContext(e.NewContext(req, httptest.NewRecorder()))
}

func TestFromContext_Defaults(t *testing.T) {
	p := params(t, "")
	if p.Limit != DefaultLimit || p.Offset != 0 {
		t.Errorf("got %+v", p)
	}
}

func TestFromContext_Explicit(t *testing.T) {
	p := params(t, "?_count=5&_offset=10")
	if p.Limit != 5 || p.Offset != 10 {
		t.Errorf("got %+v", p)
	}
}

func TestFromContext_Clamped(t *testing.T) {
	p := params(t, "?_count=9999&_offset=-3")
	if p.Limit != MaxLimit || p.Offset != 0 {
		t.Errorf("got %+v", p)
	}
}

func TestSelfLink(t *testing.T) {
	p := Params{Limit: 20, Offset: 40}
	if got := p.SelfLink("/api/fhir/v1/Patient"); got != "/api/fhir/v1/Patient?_offset=40&_count=20" {
		t.Errorf("got %q", got)
	}
	if got := p.SelfLink("/api/fhir/v1/Patient?identifier=abc"); got != "/api/fhir/v1/Patient?identifier=abc&_offset=40&_count=20" {
		t.Errorf("got %q", got)
	}
}
