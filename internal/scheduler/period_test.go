package scheduler

import (
	"testing"
	"time"
)

func TestParsePeriod(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{in: "1s", want: time.Second},
		{in: " 2m30s ", want: 150 * time.Second},
		{in: "5", want: 5 * time.Second},
		{in: "00:05", want: 5 * time.Minute},
		{in: "02:30", want: 150 * time.Minute},
		{in: "@every 1m30s", want: 90 * time.Second},
		{in: "@every 1500ms", want: 1500 * time.Millisecond},
		{in: "@every 250ms", want: 250 * time.Millisecond},
		{in: "@hourly", want: time.Hour},
		{in: "@daily", want: 24 * time.Hour},
		{in: "", wantErr: true},
		{in: "0", wantErr: true},
		{in: "0s", wantErr: true},
		{in: "-1s", wantErr: true},
		{in: "00:00", wantErr: true},
		{in: "01:75", wantErr: true},
		{in: "*/5 * * * *", wantErr: true},
		{in: "@yearly-ish", wantErr: true},
		{in: "soon", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParsePeriod(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParsePeriod(%q) = %v, want error", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParsePeriod(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParsePeriod(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
