package mcpservice

import (
	"errors"
	"fmt"
	"testing"
)

func TestPageSliceWalksWithoutGapOrOverlap(t *testing.T) {
	all := make([]int, 0, 23)
	for i := 0; i < 23; i++ {
		all = append(all, i)
	}

	var cursor *string
	var walked []int
	for {
		page, err := pageSlice(all, cursor, 5)
		if err != nil {
			t.Fatalf("page: %v", err)
		}
		walked = append(walked, page.Items...)
		if page.NextCursor == nil {
			break
		}
		cursor = page.NextCursor
	}

	if len(walked) != len(all) {
		t.Fatalf("walked %d items, want %d", len(walked), len(all))
	}
	for i, v := range walked {
		if v != i {
			t.Fatalf("item %d = %d; pagination reordered or skipped", i, v)
		}
	}
}

func TestPageSliceRejectsForeignCursor(t *testing.T) {
	all := []int{1, 2, 3}
	for _, bad := range []string{"not-base64!", "bm9wZQ", ""} {
		c := bad
		_, err := pageSlice(all, &c, 2)
		if bad == "" {
			if err != nil {
				t.Fatalf("empty cursor should read from start: %v", err)
			}
			continue
		}
		if !errors.Is(err, ErrInvalidCursor) {
			t.Fatalf("cursor %q: got %v, want ErrInvalidCursor", bad, err)
		}
	}
}

func TestPageSliceRejectsOutOfRangeCursor(t *testing.T) {
	all := []int{1, 2, 3}
	c := encodeCursor(9)
	if _, err := pageSlice(all, &c, 2); !errors.Is(err, ErrInvalidCursor) {
		t.Fatalf("got %v, want ErrInvalidCursor", err)
	}
}

func TestPageSliceEmptySet(t *testing.T) {
	page, err := pageSlice([]string(nil), nil, 10)
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	if page.Items == nil || len(page.Items) != 0 {
		t.Fatalf("want empty non-nil items, got %#v", page.Items)
	}
	if page.NextCursor != nil {
		t.Fatalf("unexpected next cursor %q", *page.NextCursor)
	}
}

func TestCursorRoundTrip(t *testing.T) {
	for _, offset := range []int{0, 1, 50, 999} {
		c := encodeCursor(offset)
		got, err := decodeCursor(&c, 1000)
		if err != nil {
			t.Fatalf("offset %d: %v", offset, err)
		}
		if got != offset {
			t.Fatalf("offset %d round-tripped to %d", offset, got)
		}
	}
}

func ExampleNewPage() {
	p := NewPage([]string{"a", "b"}, WithNextCursor[string]("next"))
	fmt.Println(len(p.Items), *p.NextCursor)
	// Output: 2 next
}
