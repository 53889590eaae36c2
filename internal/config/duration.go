package config

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const day = 24 * time.Hour

// Duration is a non-negative time.Duration read from the environment. On top
// of Go duration syntax it accepts whole or fractional days ("7d", "1.5d").
type Duration struct {
	time.Duration
}

func parseDuration(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)

	var (
		d   time.Duration
		err error
	)
	if days, ok := strings.CutSuffix(v, "d"); ok {
		var n float64
		n, err = strconv.ParseFloat(days, 64)
		d = time.Duration(n * float64(day))
	} else {
		d, err = time.ParseDuration(v)
	}
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", v, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid duration %q: must not be negative", v)
	}
	return d, nil
}

// EnvDecode implements envconfig.Decoder
func (d *Duration) EnvDecode(_ context.Context, v string) error {
	if v == "" {
		return nil
	}
	parsed, err := parseDuration(v)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	return d.EnvDecode(context.Background(), string(text))
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d Duration) String() string {
	return d.Duration.String()
}

// namedDuration ties a setting to its variable name for validation errors
type namedDuration struct {
	name  string
	value Duration
}

func requirePositive(settings ...namedDuration) error {
	for _, s := range settings {
		if s.value.Duration <= 0 {
			return fmt.Errorf("%s must be positive, got %s", s.name, s.value)
		}
	}
	return nil
}

// requireLonger checks that long strictly outlasts short
func requireLonger(long, short namedDuration) error {
	if long.value.Duration <= short.value.Duration {
		return fmt.Errorf("%s (%s) must be longer than %s (%s)", long.name, long.value, short.name, short.value)
	}
	return nil
}
