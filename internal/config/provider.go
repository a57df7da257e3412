package config

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/voipsms/smsd/internal/phone"
	"github.com/voipsms/smsd/internal/voipms"
	"go.uber.org/zap"
)

// Environment variables that override the [account] section.
const (
	EnvUsername = "VOIPMS_API_USERNAME"
	EnvPassword = "VOIPMS_API_PASSWORD"
)

// Provider serves the session settings to the sync engine, the outbox and
// the gateway. It is safe for concurrent use.
type Provider struct {
	path    string
	envPath string
	logger  *zap.Logger
	now     func() time.Time

	mu       sync.RWMutex
	settings Settings
	env      map[string]string
}

// NewProvider loads the settings at path and the optional .env file at
// envPath. Process environment variables win over both.
func NewProvider(path, envPath string, logger *zap.Logger) (*Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Provider{path: path, envPath: envPath, logger: logger, now: time.Now}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// Reload re-reads both files.
func (p *Provider) Reload() error {
	s, err := LoadSettings(p.path)
	if err != nil {
		return err
	}
	env := map[string]string{}
	if p.envPath != "" {
		env, err = godotenv.Read(p.envPath)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("read %s: %w", p.envPath, err)
		}
		if env == nil {
			env = map[string]string{}
		}
	}

	p.mu.Lock()
	p.settings = *s
	p.env = env
	p.mu.Unlock()
	p.logger.Debug("config loaded", zap.String("path", p.path), zap.Int("dids", len(s.DIDs)))
	return nil
}

// Path returns the session config file path.
func (p *Provider) Path() string {
	return p.path
}

// Settings returns a copy of the current settings.
func (p *Provider) Settings() Settings {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s := p.settings
	s.DIDs = slices.Clone(p.settings.DIDs)
	s.Contacts = maps.Clone(p.settings.Contacts)
	return s
}

// Update applies fn to a copy of the settings, validates and saves the
// result, then makes it current.
func (p *Provider) Update(fn func(s *Settings)) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.settings
	s.DIDs = slices.Clone(p.settings.DIDs)
	s.Contacts = maps.Clone(p.settings.Contacts)
	fn(&s)
	s.applyDefaults()
	if err := SaveSettings(p.path, &s); err != nil {
		return fmt.Errorf("save %s: %w", p.path, err)
	}
	p.settings = s
	return nil
}

// ActiveDIDs returns the DIDs enabled for retrieval.
func (p *Provider) ActiveDIDs() []string {
	return p.didsWhere(func(d DIDSettings) bool { return d.Retrieve })
}

// VisibleDIDs returns the DIDs whose conversations are listed.
func (p *Provider) VisibleDIDs() []string {
	return p.didsWhere(func(d DIDSettings) bool { return d.Show })
}

func (p *Provider) didsWhere(keep func(DIDSettings) bool) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var dids []string
	for _, d := range p.settings.DIDs {
		if keep(d) {
			dids = append(dids, d.Number)
		}
	}
	return dids
}

// SyncStartDate returns the configured start date at midnight in the
// provider zone, or today when unset.
func (p *Provider) SyncStartDate() time.Time {
	p.mu.RLock()
	raw := p.settings.Sync.StartDate
	p.mu.RUnlock()

	if raw != "" {
		if t, err := time.ParseInLocation(time.DateOnly, raw, voipms.Zone); err == nil {
			return t
		}
	}
	now := p.now().In(voipms.Zone)
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, voipms.Zone)
}

// SyncIntervalDays returns the periodic sync interval; 0 disables it.
func (p *Provider) SyncIntervalDays() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.settings.Sync.IntervalDays
}

func (p *Provider) RetrieveDeletedMessages() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.settings.Sync.RetrieveDeleted
}

func (p *Provider) RetrieveOnlyRecentMessages() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.settings.Sync.RetrieveOnlyRecent
}

// Credentials returns the API username and password.
func (p *Provider) Credentials() (username, password string) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	username = p.lookup(EnvUsername, p.settings.Account.Username)
	password = p.lookup(EnvPassword, p.settings.Account.Password)
	return username, password
}

func (p *Provider) lookup(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	if v := p.env[key]; v != "" {
		return v
	}
	return fallback
}

// CanSend reports whether sending is enabled for did.
func (p *Provider) CanSend(did string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, d := range p.settings.DIDs {
		if d.Number == did {
			return d.Send
		}
	}
	return false
}

// ContactName returns the configured name for number, or "".
func (p *Provider) ContactName(number string) string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if name, ok := p.settings.Contacts[number]; ok {
		return name
	}
	return p.settings.Contacts[phone.NormalizeContact(number)]
}

// MaxMessageBytes returns the largest SMS body in bytes.
func (p *Provider) MaxMessageBytes() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.settings.Network.MaxMessageBytes
}

// GatewayOptions returns the gateway client options.
func (p *Provider) GatewayOptions() voipms.Options {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return voipms.Options{
		BaseURL:        p.settings.Network.BaseURL,
		ConnectTimeout: p.settings.Network.ConnectTimeout.Duration,
		ReadTimeout:    p.settings.Network.ReadTimeout.Duration,
	}
}

// Telemetry returns the telemetry settings.
func (p *Provider) Telemetry() TelemetrySettings {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t := p.settings.Telemetry
	t.Headers = maps.Clone(t.Headers)
	return t
}

// AddDIDs appends the numbers not configured yet, enabled for everything,
// and saves the file. It returns the numbers added.
func (p *Provider) AddDIDs(numbers []string) ([]string, error) {
	for _, n := range numbers {
		if err := phone.Validate(n); err != nil {
			return nil, fmt.Errorf("did %q: %w", n, err)
		}
	}
	var added []string
	err := p.Update(func(s *Settings) {
		for _, n := range numbers {
			if slices.ContainsFunc(s.DIDs, func(d DIDSettings) bool { return d.Number == n }) {
				continue
			}
			s.DIDs = append(s.DIDs, DIDSettings{Number: n, Retrieve: true, Send: true, Show: true})
			added = append(added, n)
		}
	})
	if err != nil {
		return nil, err
	}
	if len(added) > 0 {
		p.logger.Info("added DIDs", zap.Strings("dids", added))
	}
	return added, nil
}
