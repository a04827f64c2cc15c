// Package pagination provides page/limit pagination utilities.
package pagination

import (
	"fmt"
	"strconv"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Page is a 1-based page request.
type Page struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
}

// Parse reads page and limit query values. Empty values take defaults;
// limit is clamped to MaxLimit.
func Parse(pageStr, limitStr string) (Page, error) {
	p := Page{Page: 1, Limit: DefaultLimit}
	if pageStr != "" {
		n, err := strconv.Atoi(pageStr)
		if err != nil || n < 1 {
			return Page{}, fmt.Errorf("page must be a positive integer")
		}
		p.Page = n
	}
	if limitStr != "" {
		n, err := strconv.Atoi(limitStr)
		if err != nil || n < 1 {
			return Page{}, fmt.Errorf("limit must be a positive integer")
		}
		p.Limit = min(n, MaxLimit)
	}
	return p, nil
}

// Offset is the number of rows to skip.
func (p Page) Offset() int {
	return (p.Page - 1) * p.Limit
}

// Result is a page of items plus the totals clients need to navigate.
type Result[T any] struct {
	Items      []T `json:"items"`
	Total      int `json:"total"`
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	TotalPages int `json:"totalPages"`
}

// NewResult wraps items fetched for p out of total matching rows.
func NewResult[T any](items []T, total int, p Page) Result[T] {
	if items == nil {
		items = []T{}
	}
	pages := 0
	if p.Limit > 0 {
		pages = (total + p.Limit - 1) / p.Limit
	}
	return Result[T]{Items: items, Total: total, Page: p.Page, Limit: p.Limit, TotalPages: pages}
}

// Slice returns the window of items selected by p. Used by in-memory stores
// that already hold the full, ordered result set.
func Slice[T any](items []T, p Page) []T {
	off := p.Offset()
	if off >= len(items) {
		return nil
	}
	end := min(off+p.Limit, len(items))
	return items[off:end]
}
