package cache

import (
	"context"
	"fmt"

	"database/sql"
)

const (
	minPageSize = 1
	maxPageSize = 100

	// DefaultPageSize is used when a request leaves the size zero.
	DefaultPageSize = 20
)

// PageRequest selects one page of a result set. Zero values are normalized:
// page defaults to 1 and size to [DefaultPageSize], and sizes are clamped to
// [1, 100].
type PageRequest struct {
	Page int
	Size int
}

func (p PageRequest) normalize() PageRequest {
	if p.Page < 1 {
		p.Page = 1
	}

	if p.Size == 0 {
		p.Size = DefaultPageSize
	}

	if p.Size < minPageSize {
		p.Size = minPageSize
	}

	if p.Size > maxPageSize {
		p.Size = maxPageSize
	}

	return p
}

// Page is one page of results plus the totals needed to render pagination
// controls. A page past the end of the result set has no items but still
// carries correct totals.
type Page[T any] struct {
	Items      []T
	Page       int
	PageSize   int
	TotalItems int
	TotalPages int
}

// HasNext reports whether a later page exists.
func (p Page[T]) HasNext() bool {
	return p.Page < p.TotalPages
}

// HasPrevious reports whether an earlier page exists.
func (p Page[T]) HasPrevious() bool {
	return p.Page > 1 && p.TotalItems > 0
}

// Paginated runs a counted, paged query. countQuery must select a single
// integer over the same filter as listQuery; listQuery must end in an ORDER
// BY and receives LIMIT/OFFSET appended. Both receive the same args. scan
// converts one row into a T.
func Paginated[T any](
	ctx context.Context,
	s *Store,
	countQuery string,
	listQuery string,
	req PageRequest,
	scan func(*sql.Rows) (T, error),
	args ...any,
) (Page[T], error) {
	var page Page[T]

	if !s.Ready() {
		return page, ErrUnavailable
	}

	req = req.normalize()
	page.Page = req.Page
	page.PageSize = req.Size

	err := s.QueryRow(ctx, countQuery, args...).Scan(&page.TotalItems)
	if err != nil {
		return page, fmt.Errorf("count query: %w", err)
	}

	page.TotalPages = (page.TotalItems + req.Size - 1) / req.Size

	offset := (req.Page - 1) * req.Size
	if offset >= page.TotalItems {
		return page, nil
	}

	listArgs := append(append([]any{}, args...), req.Size, offset)

	rows, err := s.Query(ctx, listQuery+" LIMIT ? OFFSET ?", listArgs...)
	if err != nil {
		return page, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return page, fmt.Errorf("scan row: %w", err)
		}

		page.Items = append(page.Items, item)
	}

	err = rows.Err()
	if err != nil {
		return page, fmt.Errorf("iterate rows: %w", err)
	}

	return page, nil
}
