package dsl

import (
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestParseISO8601(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"PT5S", 5 * time.Second},
		{"PT1M30S", 90 * time.Second},
		{"PT2H", 2 * time.Hour},
		{"P1D", 24 * time.Hour},
		{"P1DT12H", 36 * time.Hour},
		{"P2W", 14 * 24 * time.Hour},
		{"PT0.5S", 500 * time.Millisecond},
		{"pt5s", 5 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			d, err := ParseISO8601(tt.in)
			if err != nil {
				t.Fatalf("ParseISO8601(%q): %v", tt.in, err)
			}
			if got := d.ToTimeDuration(); got != tt.want {
				t.Errorf("duration = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseISO8601Rejects(t *testing.T) {
	for _, in := range []string{"", "5S", "P", "PT", "PTS", "P1Y", "P1M", "PT1X"} {
		if _, err := ParseISO8601(in); err == nil {
			t.Errorf("ParseISO8601(%q) accepted invalid duration", in)
		}
	}
}

func TestDurationUnmarshalYAML(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want time.Duration
	}{
		{"object form", "after: {minutes: 1, seconds: 30}", 90 * time.Second},
		{"iso string", "after: PT45S", 45 * time.Second},
		{"milliseconds", "after: {milliseconds: 250}", 250 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var v struct {
				After Duration `yaml:"after"`
			}
			if err := yaml.Unmarshal([]byte(tt.in), &v); err != nil {
				t.Fatal(err)
			}
			if got := v.After.ToTimeDuration(); got != tt.want {
				t.Errorf("duration = %v, want %v", got, tt.want)
			}
		})
	}

	var v struct {
		After Duration `yaml:"after"`
	}
	if err := yaml.Unmarshal([]byte("after: [1, 2]"), &v); err == nil {
		t.Error("sequence accepted as duration")
	}
}
