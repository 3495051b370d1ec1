package pagination

import (
	"errors"
	"net/url"
	"testing"
	"time"
)

func TestParseDefaults(t *testing.T) {
	params, err := Parse(url.Values{}, Options{})
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if params.PageSize != DefaultPageSize {
		t.Fatalf("expected default page size %d got %d", DefaultPageSize, params.PageSize)
	}
	if params.PageToken != "" || !params.Cursor.IsZero() {
		t.Fatalf("expected first page, got %#v", params)
	}
}

func TestParsePageSize(t *testing.T) {
	opts := Options{DefaultPageSize: 25, MaxPageSize: 40}
	values := url.Values{}
	values.Set("pageSize", "30")

	params, err := Parse(values, opts)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if params.PageSize != 30 {
		t.Fatalf("expected page size 30 got %d", params.PageSize)
	}

	values.Set("pageSize", "400")
	params, err = Parse(values, opts)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if params.PageSize != 40 {
		t.Fatalf("expected clamped page size 40 got %d", params.PageSize)
	}

	for _, bad := range []string{"abc", "0", "-3"} {
		values.Set("pageSize", bad)
		if _, err := Parse(values, opts); !errors.Is(err, ErrInvalidPageSize) {
			t.Fatalf("expected ErrInvalidPageSize for %q, got %v", bad, err)
		}
	}
}

func TestTokenRoundTripKeepsCursorPosition(t *testing.T) {
	cursor := Cursor{CreatedAt: time.Date(2025, time.May, 3, 12, 30, 0, 123, time.UTC), ID: "01HZY"}
	token, err := EncodeToken(cursor)
	if err != nil {
		t.Fatalf("EncodeToken: %v", err)
	}

	values := url.Values{}
	values.Set("pageToken", token)
	params, err := Parse(values, Options{})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if params.Cursor.ID != cursor.ID || !params.Cursor.CreatedAt.Equal(cursor.CreatedAt) {
		t.Fatalf("unexpected cursor %#v", params.Cursor)
	}
}

func TestParseRejectsInvalidToken(t *testing.T) {
	values := url.Values{}
	values.Set("pageToken", "%%%")
	if _, err := Parse(values, Options{}); !errors.Is(err, ErrInvalidPageToken) {
		t.Fatalf("expected ErrInvalidPageToken, got %v", err)
	}
}

func TestClamp(t *testing.T) {
	opts := Options{DefaultPageSize: 20, MaxPageSize: 100}
	if got := Clamp(0, opts); got != 20 {
		t.Fatalf("expected default, got %d", got)
	}
	if got := Clamp(500, opts); got != 100 {
		t.Fatalf("expected max, got %d", got)
	}
	if got := Clamp(7, opts); got != 7 {
		t.Fatalf("expected passthrough, got %d", got)
	}
}
