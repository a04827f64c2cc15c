package pagination

import "testing"

func TestParse(t *testing.T) {
	tests := []struct {
		page, limit string
		want        Page
		wantErr     bool
	}{
		{"", "", Page{1, DefaultLimit}, false},
		{"3", "10", Page{3, 10}, false},
		{"1", "500", Page{1, MaxLimit}, false},
		{"0", "", Page{}, true},
		{"", "-1", Page{}, true},
		{"abc", "", Page{}, true},
	}
	for _, tt := range tests {
		got, err := Parse(tt.page, tt.limit)
		if (err != nil) != tt.wantErr {
			t.Errorf("Parse(%q,%q) err = %v, wantErr %v", tt.page, tt.limit, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("Parse(%q,%q) = %+v, want %+v", tt.page, tt.limit, got, tt.want)
		}
	}
}

func TestSlice(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}

	if got := Slice(items, Page{Page: 2, Limit: 2}); len(got) != 2 || got[0] != 3 {
		t.Errorf("page 2 = %v, want [3 4]", got)
	}
	if got := Slice(items, Page{Page: 3, Limit: 2}); len(got) != 1 || got[0] != 5 {
		t.Errorf("page 3 = %v, want [5]", got)
	}
	if got := Slice(items, Page{Page: 4, Limit: 2}); got != nil {
		t.Errorf("past the end = %v, want nil", got)
	}
}

func TestNewResult(t *testing.T) {
	r := NewResult([]string(nil), 41, Page{Page: 1, Limit: 20})
	if r.TotalPages != 3 {
		t.Errorf("TotalPages = %d, want 3", r.TotalPages)
	}
	if r.Items == nil {
		t.Error("Items must marshal as [] not null")
	}
}
