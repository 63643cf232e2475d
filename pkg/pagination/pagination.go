package pagination

import (
	"net/url"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultCount = 20
	MaxCount     = 200
)

// Params holds FHIR search paging parameters extracted from a request.
type Params struct {
	Count  int
	Offset int
}

// FromContext extracts _count and _offset from the echo context.
func FromContext(c echo.Context) Params {
	count, _ := strconv.Atoi(c.QueryParam("_count"))
	if count <= 0 {
		count = DefaultCount
	}
	if count > MaxCount {
		count = MaxCount
	}

	offset, _ := strconv.Atoi(c.QueryParam("_offset"))
	if offset < 0 {
		offset = 0
	}

	return Params{Count: count, Offset: offset}
}

// HasNext returns true if there are more results after the current page.
func (p Params) HasNext(total int) bool {
	return p.Offset+p.Count < total
}

// NextOffset returns the offset for the next page.
func (p Params) NextOffset() int {
	return p.Offset + p.Count
}

// Window clamps the page to [0, total) and returns the slice bounds.
func (p Params) Window(total int) (start, end int) {
	start = p.Offset
	if start > total {
		start = total
	}
	end = start + p.Count
	if end > total {
		end = total
	}
	return start, end
}

// FHIRLink represents a single FHIR Bundle link entry.
type FHIRLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

// FHIRLinks generates searchset links for the page. Search filters in query
// are carried over to the next link; _count and _offset are rewritten.
func (p Params) FHIRLinks(baseURL string, query url.Values, total int) []FHIRLink {
	links := []FHIRLink{{Relation: "self", URL: pageURL(baseURL, query, p.Offset, p.Count)}}
	if p.HasNext(total) {
		links = append(links, FHIRLink{Relation: "next", URL: pageURL(baseURL, query, p.NextOffset(), p.Count)})
	}
	return links
}

func pageURL(baseURL string, query url.Values, offset, count int) string {
	q := url.Values{}
	for k, v := range query {
		if k == "_count" || k == "_offset" {
			continue
		}
		q[k] = append([]string(nil), v...)
	}
	q.Set("_count", strconv.Itoa(count))
	q.Set("_offset", strconv.Itoa(offset))
	return baseURL + "?" + q.Encode()
}
