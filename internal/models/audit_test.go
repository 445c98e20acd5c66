package models

import "testing"

func TestAuditPage(t *testing.T) {
	tests := []struct {
		limit, offset         int
		wantLimit, wantOffset int
	}{
		{0, 0, 50, 0},
		{10, 5, 10, 5},
		{1000, 0, MaxAuditPage, 0},
		{-1, -3, 50, 0},
	}
	for _, tt := range tests {
		l, o := AuditPage(tt.limit, tt.offset)
		if l != tt.wantLimit || o != tt.wantOffset {
			t.Errorf("AuditPage(%d, %d) = %d, %d; want %d, %d", tt.limit, tt.offset, l, o, tt.wantLimit, tt.wantOffset)
		}
	}
}
