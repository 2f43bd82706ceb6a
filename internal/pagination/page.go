// Package pagination normalises page/pageSize parameters and wraps paged results.
package pagination

// MaxPageSize caps every listing.
const MaxPageSize = 100

// MaxPage is the highest page number served; larger requests are clamped so
// Offset cannot overflow.
const MaxPage = 1_000_000

// Default page sizes per listing.
const (
	DefaultAlertPageSize = 10
	DefaultCodePageSize  = 20
)

// Params is a normalised 1-based page request.
type Params struct {
	Page     int `json:"page"`
	PageSize int `json:"pageSize"`
}

// Normalize clamps page to [1, MaxPage] and pageSize to [1, MaxPageSize], using
// defaultSize when pageSize is not positive.
func Normalize(page, pageSize, defaultSize int) Params {
	page = min(max(page, 1), MaxPage)
	if pageSize <= 0 {
		pageSize = defaultSize
	}
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	return Params{Page: page, PageSize: pageSize}
}

// Offset returns the number of rows preceding this page.
func (p Params) Offset() int {
	return (p.Page - 1) * p.PageSize
}

// Limit returns the page size.
func (p Params) Limit() int {
	return p.PageSize
}

// Result is one page of items plus the total across all pages.
type Result[T any] struct {
	Items    []T  `json:"items"`
	Total    int  `json:"total"`
	Page     int  `json:"page"`
	PageSize int  `json:"pageSize"`
	HasMore  bool `json:"hasMore"`
}

// NewResult builds a Result, substituting an empty slice for nil items.
func NewResult[T any](items []T, total int, p Params) Result[T] {
	if items == nil {
		items = []T{}
	}
	return Result[T]{
		Items:    items,
		Total:    total,
		Page:     p.Page,
		PageSize: p.PageSize,
		HasMore:  p.Offset()+len(items) < total,
	}
}

// Slice applies p to an in-memory slice already in display order.
func Slice[T any](all []T, p Params) []T {
	start := p.Offset()
	if start < 0 || start >= len(all) {
		return []T{}
	}
	end := start + p.PageSize
	if end > len(all) {
		end = len(all)
	}
	out := make([]T, end-start)
	copy(out, all[start:end])
	return out
}
