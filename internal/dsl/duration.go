package dsl

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a DSL duration. The document form is either an object
// ({days, hours, minutes, seconds, milliseconds}) or an ISO 8601 string
// ("PT5S").
type Duration struct {
	Days         int `yaml:"days,omitempty" json:"days,omitempty"`
	Hours        int `yaml:"hours,omitempty" json:"hours,omitempty"`
	Minutes      int `yaml:"minutes,omitempty" json:"minutes,omitempty"`
	Seconds      int `yaml:"seconds,omitempty" json:"seconds,omitempty"`
	Milliseconds int `yaml:"milliseconds,omitempty" json:"milliseconds,omitempty"`
}

// ToTimeDuration converts to a time.Duration.
func (d Duration) ToTimeDuration() time.Duration {
	return time.Duration(d.Days)*24*time.Hour +
		time.Duration(d.Hours)*time.Hour +
		time.Duration(d.Minutes)*time.Minute +
		time.Duration(d.Seconds)*time.Second +
		time.Duration(d.Milliseconds)*time.Millisecond
}

// IsZero reports whether every component is zero.
func (d Duration) IsZero() bool {
	return d == Duration{}
}

// UnmarshalYAML accepts both the object and the ISO 8601 string forms.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var s string
		if err := value.Decode(&s); err != nil {
			return err
		}
		parsed, err := ParseISO8601(s)
		if err != nil {
			return err
		}
		*d = parsed
		return nil
	case yaml.MappingNode:
		type plain Duration
		var p plain
		if err := value.Decode(&p); err != nil {
			return err
		}
		*d = Duration(p)
		return nil
	default:
		return fmt.Errorf("duration must be an object or an ISO 8601 string")
	}
}

// ParseISO8601 parses a subset of ISO 8601 durations: PnDTnHnMnS with an
// optional week component and fractional seconds.
func ParseISO8601(s string) (Duration, error) {
	orig := s
	s = strings.ToUpper(strings.TrimSpace(s))
	if !strings.HasPrefix(s, "P") {
		return Duration{}, fmt.Errorf("duration %q: must start with 'P'", orig)
	}
	s = s[1:]

	var d Duration
	datePart := s
	timePart := ""
	if i := strings.IndexByte(s, 'T'); i >= 0 {
		datePart, timePart = s[:i], s[i+1:]
		if timePart == "" {
			return Duration{}, fmt.Errorf("duration %q: empty time part", orig)
		}
	}
	if datePart == "" && timePart == "" {
		return Duration{}, fmt.Errorf("duration %q: no components", orig)
	}

	if err := parseComponents(datePart, func(n float64, unit byte) error {
		switch unit {
		case 'W':
			d.Days += int(n) * 7
		case 'D':
			d.Days += int(n)
		case 'Y', 'M':
			return fmt.Errorf("calendar unit %c not supported", unit)
		default:
			return fmt.Errorf("unknown date unit %c", unit)
		}
		return nil
	}); err != nil {
		return Duration{}, fmt.Errorf("duration %q: %w", orig, err)
	}

	if err := parseComponents(timePart, func(n float64, unit byte) error {
		switch unit {
		case 'H':
			d.Hours += int(n)
		case 'M':
			d.Minutes += int(n)
		case 'S':
			d.Seconds += int(n)
			d.Milliseconds += int(n*1000) % 1000
		default:
			return fmt.Errorf("unknown time unit %c", unit)
		}
		return nil
	}); err != nil {
		return Duration{}, fmt.Errorf("duration %q: %w", orig, err)
	}
	return d, nil
}

func parseComponents(s string, apply func(n float64, unit byte) error) error {
	start := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= '0' && c <= '9') || c == '.' {
			continue
		}
		if i == start {
			return fmt.Errorf("missing number before %c", c)
		}
		n, err := strconv.ParseFloat(s[start:i], 64)
		if err != nil {
			return fmt.Errorf("bad number %q", s[start:i])
		}
		if err := apply(n, c); err != nil {
			return err
		}
		start = i + 1
	}
	if start != len(s) {
		return fmt.Errorf("trailing digits %q", s[start:])
	}
	return nil
}
