// Package pagination slices in-memory lists into numbered pages driven by
// the page and per_page query parameters.
package pagination

import (
	"net/http"
	"strconv"
)

const (
	DefaultPerPage = 20
	MaxPerPage     = 100
)

// Params selects one page. Page is 1-based.
type Params struct {
	Page    int `json:"page"`
	PerPage int `json:"per_page"`
}

// DefaultParams is the first page of DefaultPerPage items.
func DefaultParams() Params {
	return Params{Page: 1, PerPage: DefaultPerPage}
}

// Offset is the index of the page's first item.
func (p Params) Offset() int {
	return (p.Page - 1) * p.PerPage
}

// FromRequest reads page and per_page from the query string. Missing,
// malformed or out-of-range values keep their defaults.
func FromRequest(r *http.Request) Params {
	q := r.URL.Query()
	p := DefaultParams()
	if v, ok := positiveInt(q.Get("page")); ok {
		p.Page = v
	}
	if v, ok := positiveInt(q.Get("per_page")); ok && v <= MaxPerPage {
		p.PerPage = v
	}
	return p
}

func positiveInt(s string) (int, bool) {
	v, err := strconv.Atoi(s)
	return v, err == nil && v > 0
}

// Result is one page of items plus the numbers a client needs to walk the
// rest.
type Result[T any] struct {
	Data       []T  `json:"data"`
	TotalCount int  `json:"total_count"`
	Page       int  `json:"page"`
	PerPage    int  `json:"per_page"`
	TotalPages int  `json:"total_pages"`
	HasNext    bool `json:"has_next"`
	HasPrev    bool `json:"has_prev"`
}

// Paginate copies the page of items selected by params. A page past the end
// is empty but still reports the totals.
func Paginate[T any](items []T, params Params) Result[T] {
	total := len(items)
	start := min(params.Offset(), total)
	end := min(start+params.PerPage, total)

	pages := (total + params.PerPage - 1) / params.PerPage
	return Result[T]{
		Data:       append(make([]T, 0, end-start), items[start:end]...),
		TotalCount: total,
		Page:       params.Page,
		PerPage:    params.PerPage,
		TotalPages: pages,
		HasNext:    params.Page < pages,
		HasPrev:    params.Page > 1,
	}
}
