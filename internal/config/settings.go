// Package config loads the global and per-session TOML files.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/voipsms/smsd/internal/phone"
)

const (
	DefaultConnectTimeout  = 15 * time.Second
	DefaultReadTimeout     = 60 * time.Second
	DefaultMaxMessageBytes = 160
)

// Settings is the per-session config.toml.
type Settings struct {
	Account   AccountSettings   `toml:"account"`
	Sync      SyncSettings      `toml:"sync"`
	Network   NetworkSettings   `toml:"network"`
	DIDs      []DIDSettings     `toml:"dids"`
	Contacts  map[string]string `toml:"contacts"`
	Telemetry TelemetrySettings `toml:"telemetry"`
}

// AccountSettings holds the API credentials. VOIPMS_API_USERNAME and
// VOIPMS_API_PASSWORD take precedence.
type AccountSettings struct {
	Username string `toml:"username"`
	Password string `toml:"password"`
}

type SyncSettings struct {
	// StartDate is the first day fetched by a full sync, YYYY-MM-DD.
	StartDate          string  `toml:"start_date"`
	IntervalDays       float64 `toml:"interval_days"`
	RetrieveDeleted    bool    `toml:"retrieve_deleted"`
	RetrieveOnlyRecent bool    `toml:"retrieve_only_recent"`
}

type NetworkSettings struct {
	BaseURL         string   `toml:"base_url"`
	ConnectTimeout  Duration `toml:"connect_timeout"`
	ReadTimeout     Duration `toml:"read_timeout"`
	MaxMessageBytes int      `toml:"max_message_bytes"`
}

// DIDSettings selects what the daemon does with one DID.
type DIDSettings struct {
	Number   string `toml:"number"`
	Retrieve bool   `toml:"retrieve"`
	Send     bool   `toml:"send"`
	Show     bool   `toml:"show"`
}

type TelemetrySettings struct {
	OTLPEndpoint string            `toml:"otlp_endpoint"`
	Insecure     bool              `toml:"insecure"`
	Headers      map[string]string `toml:"headers"`
}

// Duration is a time.Duration written as a string such as "15s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// DefaultSettings returns the settings used for missing fields.
func DefaultSettings() Settings {
	return Settings{
		Sync: SyncSettings{
			RetrieveOnlyRecent: true,
		},
		Network: NetworkSettings{
			ConnectTimeout:  Duration{DefaultConnectTimeout},
			ReadTimeout:     Duration{DefaultReadTimeout},
			MaxMessageBytes: DefaultMaxMessageBytes,
		},
		Contacts: map[string]string{},
	}
}

// LoadSettings reads a session config. A missing file yields the defaults.
func LoadSettings(path string) (*Settings, error) {
	s := DefaultSettings()
	if _, err := toml.DecodeFile(path, &s); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &s, nil
		}
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	s.applyDefaults()
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &s, nil
}

// SaveSettings writes a session config with owner-only permissions.
func SaveSettings(path string, s *Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	return writeTOML(path, s)
}

func (s *Settings) applyDefaults() {
	def := DefaultSettings()
	if s.Network.ConnectTimeout.Duration <= 0 {
		s.Network.ConnectTimeout = def.Network.ConnectTimeout
	}
	if s.Network.ReadTimeout.Duration <= 0 {
		s.Network.ReadTimeout = def.Network.ReadTimeout
	}
	if s.Network.MaxMessageBytes <= 0 {
		s.Network.MaxMessageBytes = def.Network.MaxMessageBytes
	}
	if s.Contacts == nil {
		s.Contacts = map[string]string{}
	}
}

// Validate rejects malformed DIDs, duplicate DIDs, negative intervals and
// unparseable start dates.
func (s *Settings) Validate() error {
	var errs []error
	if s.Sync.IntervalDays < 0 {
		errs = append(errs, fmt.Errorf("sync.interval_days must not be negative, got %v", s.Sync.IntervalDays))
	}
	if s.Sync.StartDate != "" {
		if _, err := time.Parse(time.DateOnly, s.Sync.StartDate); err != nil {
			errs = append(errs, fmt.Errorf("sync.start_date %q must be YYYY-MM-DD", s.Sync.StartDate))
		}
	}
	seen := make(map[string]bool, len(s.DIDs))
	for _, d := range s.DIDs {
		if err := phone.Validate(d.Number); err != nil {
			errs = append(errs, fmt.Errorf("dids: %q: %w", d.Number, err))
			continue
		}
		if seen[d.Number] {
			errs = append(errs, fmt.Errorf("dids: %q listed twice", d.Number))
		}
		seen[d.Number] = true
	}
	for number := range s.Contacts {
		if err := phone.Validate(number); err != nil {
			errs = append(errs, fmt.Errorf("contacts: %q: %w", number, err))
		}
	}
	return errors.Join(errs...)
}
