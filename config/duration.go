package config

import "time"

// Duration wraps time.Duration in encoding.TextUnmarshaler so viper's
// mapstructure.TextUnmarshallerHookFunc() decode hook can parse TOML
// strings like "5s" directly into a time.Duration-shaped field.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(data []byte) error {
	parsed, err := time.ParseDuration(string(data))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}
