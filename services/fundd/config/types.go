package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/holiman/uint256"
	"gopkg.in/yaml.v3"

	"tranchefund/native/fund"
)

// Duration wraps time.Duration to support YAML and TOML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText parses durations such as "24h" or "90s".
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	if parsed < 0 {
		return fmt.Errorf("duration %q must not be negative", raw)
	}
	d.Duration = parsed
	return nil
}

// Seconds returns the duration in whole seconds.
func (d Duration) Seconds() uint64 {
	return uint64(d.Duration / time.Second)
}

// Decimal is an 18-decimal fixed point number written as "1.25" in files.
type Decimal struct {
	value uint256.Int
}

// MustDecimal parses raw and panics when it is malformed.
func MustDecimal(raw string) Decimal {
	var d Decimal
	if err := d.UnmarshalText([]byte(raw)); err != nil {
		panic(err)
	}
	return d
}

// UnmarshalYAML accepts quoted and bare numeric scalars.
func (d *Decimal) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("decimal must be a scalar")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalTOML accepts strings, integers and floats.
func (d *Decimal) UnmarshalTOML(v any) error {
	switch val := v.(type) {
	case string:
		return d.UnmarshalText([]byte(val))
	case int64:
		return d.UnmarshalText([]byte(strconv.FormatInt(val, 10)))
	case float64:
		return d.UnmarshalText([]byte(strconv.FormatFloat(val, 'f', -1, 64)))
	default:
		return fmt.Errorf("decimal must be a number or string, got %T", v)
	}
}

// UnmarshalText parses a decimal string.
func (d *Decimal) UnmarshalText(text []byte) error {
	if strings.TrimSpace(string(text)) == "" {
		d.value.Clear()
		return nil
	}
	parsed, err := fund.ParseDecimal(string(text))
	if err != nil {
		return err
	}
	d.value.Set(parsed)
	return nil
}

// MarshalText renders the decimal without trailing zeros.
func (d Decimal) MarshalText() ([]byte, error) {
	return []byte(fund.FormatDecimal(&d.value)), nil
}

// Int returns a copy of the fixed point value.
func (d Decimal) Int() *uint256.Int { return new(uint256.Int).Set(&d.value) }

func (d Decimal) IsZero() bool { return d.value.IsZero() }

func (d Decimal) String() string { return fund.FormatDecimal(&d.value) }

// Amount is an integer quantity in the smallest unit of the underlying asset.
type Amount struct {
	value uint256.Int
}

func (a *Amount) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("amount must be a scalar")
	}
	return a.UnmarshalText([]byte(value.Value))
}

func (a *Amount) UnmarshalTOML(v any) error {
	switch val := v.(type) {
	case string:
		return a.UnmarshalText([]byte(val))
	case int64:
		if val < 0 {
			return fmt.Errorf("amount must not be negative")
		}
		a.value.SetUint64(uint64(val))
		return nil
	default:
		return fmt.Errorf("amount must be an integer or string, got %T", v)
	}
}

// UnmarshalText parses base-10 digits; underscores are allowed as separators.
func (a *Amount) UnmarshalText(text []byte) error {
	raw := strings.ReplaceAll(strings.TrimSpace(string(text)), "_", "")
	if raw == "" {
		a.value.Clear()
		return nil
	}
	if err := a.value.SetFromDecimal(raw); err != nil {
		return fmt.Errorf("parse amount %q: %w", raw, err)
	}
	return nil
}

func (a Amount) Int() *uint256.Int { return new(uint256.Int).Set(&a.value) }

func (a Amount) String() string { return a.value.Dec() }
