package pagination

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func paramsFor(t *testing.T, query string) Params {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/?"+query, nil)
	return FromContext(e.NewContext(req, httptest.NewRecorder()))
}

func TestFromContext(t *testing.T) {
	cases := []struct {
		query      string
		limit, off int
	}{
		{"", DefaultLimit, 0},
		{"limit=5&offset=10", 5, 10},
		{"limit=1000", MaxLimit, 0},
		{"limit=-1&offset=-5", DefaultLimit, 0},
		{"limit=abc", DefaultLimit, 0},
	}
	for _, tc := range cases {
		p := paramsFor(t, tc.query)
		if p.Limit != tc.limit || p.Offset != tc.off {
			t.Errorf("%q: got %+v, want limit %d offset %d", tc.query, p, tc.limit, tc.off)
		}
	}
}

func TestNewResponse(t *testing.T) {
	r := NewResponse([]int{1, 2}, 10, 2, 0)
	if !r.HasMore {
		t.Error("expected HasMore with remaining items")
	}
	r = NewResponse([]int{1, 2}, 2, 2, 0)
	if r.HasMore {
		t.Error("expected HasMore false when page covers total")
	}
}
