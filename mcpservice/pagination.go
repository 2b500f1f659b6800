package mcpservice

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidCursor indicates a cursor the server did not mint (or one that no
// longer falls inside the collection). The engine maps it to -32602.
var ErrInvalidCursor = errors.New("invalid pagination cursor")

// Page represents a single page of results with an optional cursor for
// fetching the next page.
//
// Items is never nil; NewPage normalizes nil input to an empty slice.
type Page[T any] struct {
	Items      []T
	NextCursor *string
}

// PageOption configures a Page constructed via NewPage.
type PageOption[T any] func(*Page[T])

// WithNextCursor sets the next cursor on the Page to indicate that more
// results are available.
func WithNextCursor[T any](cursor string) PageOption[T] {
	return func(p *Page[T]) {
		p.NextCursor = &cursor
	}
}

// NewPage constructs a Page with the provided items and options.
func NewPage[T any](items []T, opts ...PageOption[T]) Page[T] {
	if items == nil {
		items = make([]T, 0)
	}
	p := Page[T]{Items: items}
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

// cursorPrefix versions the cursor encoding so stale cursors from older
// deployments are rejected rather than misinterpreted.
const cursorPrefix = "o:"

// encodeCursor turns an item offset into an opaque cursor string.
func encodeCursor(offset int) string {
	return base64.RawURLEncoding.EncodeToString([]byte(cursorPrefix + strconv.Itoa(offset)))
}

// decodeCursor reverses encodeCursor. A nil cursor is offset zero. Anything
// the server did not produce fails with ErrInvalidCursor.
func decodeCursor(cursor *string, size int) (int, error) {
	if cursor == nil || *cursor == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(*cursor)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidCursor, *cursor)
	}
	s := string(raw)
	if !strings.HasPrefix(s, cursorPrefix) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidCursor, *cursor)
	}
	offset, err := strconv.Atoi(s[len(cursorPrefix):])
	if err != nil || offset < 0 || offset > size {
		return 0, fmt.Errorf("%w: %q", ErrInvalidCursor, *cursor)
	}
	return offset, nil
}

// pageSlice cuts one page out of the full item set, minting a next cursor
// when more items remain.
func pageSlice[T any](all []T, cursor *string, pageSize int) (Page[T], error) {
	start, err := decodeCursor(cursor, len(all))
	if err != nil {
		return Page[T]{}, err
	}
	if pageSize <= 0 {
		pageSize = 50
	}
	end := start + pageSize
	if end > len(all) {
		end = len(all)
	}
	items := make([]T, end-start)
	copy(items, all[start:end])
	if end < len(all) {
		return NewPage(items, WithNextCursor[T](encodeCursor(end))), nil
	}
	return NewPage(items), nil
}
