package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestParsePagination(t *testing.T) {
	tests := []struct {
		query      string
		wantLimit  int
		wantOffset int
		wantErr    string // substring; "-" means any error
	}{
		{"", DefaultLimit, 0, ""},
		{"?limit=50&offset=100", 50, 100, ""},
		{"?limit=1000", MaxLimit, 0, ""},
		{"?limit=0", DefaultLimit, 0, ""},
		{"?offset=7", DefaultLimit, 7, ""},
		{"?limit=2000", 0, 0, "limit exceeds maximum of 1000"},
		{"?limit=-1", 0, 0, "-"},
		{"?offset=-1", 0, 0, "-"},
		{"?limit=abc", 0, 0, "-"},
		{"?offset=xyz", 0, 0, "-"},
	}

	for _, tt := range tests {
		t.Run("query"+tt.query, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ledger/failures"+tt.query, nil)
			limit, offset, err := parsePagination(req)

			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("expected error, got limit=%d offset=%d", limit, offset)
				}
				if tt.wantErr != "-" && err.Error() != tt.wantErr {
					t.Errorf("error = %q, want %q", err.Error(), tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if limit != tt.wantLimit || offset != tt.wantOffset {
				t.Errorf("got limit=%d offset=%d, want %d/%d", limit, offset, tt.wantLimit, tt.wantOffset)
			}
		})
	}
}

func TestParseState(t *testing.T) {
	tests := []struct {
		query   string
		want    string
		wantErr bool
	}{
		{"", "", false},
		{"?state=PENDING", "PENDING", false},
		{"?state=in_flight", "IN_FLIGHT", false},
		{"?state=DONE", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/jobs"+tt.query, nil)
			got, err := parseState(req)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("state = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPaginate(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}

	if got := paginate(items, 2, 1); len(got) != 2 || got[0] != 2 {
		t.Errorf("paginate(2,1) = %v", got)
	}
	if got := paginate(items, 10, 3); len(got) != 2 {
		t.Errorf("paginate(10,3) = %v", got)
	}
	if got := paginate(items, 10, 9); len(got) != 0 {
		t.Errorf("paginate past end = %v", got)
	}
}
