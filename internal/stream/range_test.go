package stream

import (
	"fmt"
	"testing"
)

func TestParseRange(t *testing.T) {
	cases := []struct {
		name   string
		header string
		size   int64
		want   Range
		ok     bool
	}{
		{name: "closed", header: "bytes=200-299", size: 1000, want: Range{200, 299}, ok: true},
		{name: "open ended", header: "bytes=900-", size: 1000, want: Range{900, 999}, ok: true},
		{name: "missing start defaults to zero", header: "bytes=-500", size: 1000, want: Range{0, 500}, ok: true},
		{name: "both missing", header: "bytes=-", size: 1000, want: Range{0, 999}, ok: true},
		{name: "end past size", header: "bytes=10-5000", size: 1000, want: Range{10, 999}, ok: true},
		{name: "start past size", header: "bytes=5000-", size: 1000, want: Range{999, 999}, ok: true},
		{name: "end before start", header: "bytes=500-100", size: 1000, want: Range{500, 500}, ok: true},
		{name: "whitespace", header: " bytes= 1 - 2 ", size: 10, want: Range{1, 2}, ok: true},
		{name: "single byte file", header: "bytes=0-0", size: 1, want: Range{0, 0}, ok: true},
		{name: "absent", header: "", size: 1000},
		{name: "wrong unit", header: "items=1-2", size: 1000},
		{name: "multi range", header: "bytes=0-1,5-6", size: 1000},
		{name: "no dash", header: "bytes=12", size: 1000},
		{name: "not a number", header: "bytes=a-b", size: 1000},
		{name: "negative end", header: "bytes=1--2", size: 1000},
		{name: "empty file", header: "bytes=0-10", size: 0},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ParseRange(tc.header, tc.size)
			if ok != tc.ok {
				t.Fatalf("expected ok=%v, got %v", tc.ok, ok)
			}
			if ok && got != tc.want {
				t.Fatalf("expected %+v, got %+v", tc.want, got)
			}
		})
	}
}

func TestParseRangeCoversEveryValidInterval(t *testing.T) {
	for size := int64(1); size <= 40; size++ {
		for a := int64(0); a < size; a++ {
			for b := a; b < size; b++ {
				got, ok := ParseRange(fmt.Sprintf("bytes=%d-%d", a, b), size)
				if !ok || got.Start != a || got.End != b || got.Length() != b-a+1 {
					t.Fatalf("size=%d bytes=%d-%d: got %+v ok=%v", size, a, b, got, ok)
				}
			}
			open, ok := ParseRange(fmt.Sprintf("bytes=%d-", a), size)
			if !ok || open != (Range{a, size - 1}) {
				t.Fatalf("size=%d bytes=%d-: got %+v ok=%v", size, a, open, ok)
			}
		}
	}
}
