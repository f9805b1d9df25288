package features

import (
	"sort"
	"sync"
)

// Predefined feature flag names
const (
	// FeatureRuleCache reads accrual rules through the cache
	FeatureRuleCache = "rule_cache"
	// FeatureEventStream publishes committed transactions to Kafka
	FeatureEventStream = "event_stream"
	// FeatureRequireTokenNonce rejects tokens that were not minted by the server
	FeatureRequireTokenNonce = "require_token_nonce"
	// FeatureVenueCrossCheck rejects tokens scanned at a venue other than the staff member's
	FeatureVenueCrossCheck = "venue_cross_check"
)

// FeatureFlag represents a feature flag configuration.
type FeatureFlag struct {
	Name        string `json:"name"`
	Enabled     bool   `json:"enabled"`
	Description string `json:"description"`
}

// Manager manages feature flags.
type Manager struct {
	mu    sync.RWMutex
	flags map[string]*FeatureFlag
}

// NewManager creates a new feature flag manager.
func NewManager() *Manager {
	return &Manager{
		flags: make(map[string]*FeatureFlag),
	}
}

// NewDefaultManager registers the service's flags with their default state,
// then applies overrides keyed by flag name. Unknown names are ignored.
func NewDefaultManager(overrides map[string]bool) *Manager {
	m := NewManager()
	m.Register(FeatureRuleCache, true, "Read accrual rules through the cache")
	m.Register(FeatureEventStream, false, "Publish committed transactions to Kafka")
	m.Register(FeatureRequireTokenNonce, false, "Only accept server-minted, single-use tokens")
	m.Register(FeatureVenueCrossCheck, true, "Reject tokens for a venue other than the scanning staff member's")

	for name, enabled := range overrides {
		if enabled {
			m.Enable(name)
		} else {
			m.Disable(name)
		}
	}
	return m
}

// Register registers a new feature flag.
func (m *Manager) Register(name string, enabled bool, description string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.flags[name] = &FeatureFlag{
		Name:        name,
		Enabled:     enabled,
		Description: description,
	}
}

// IsEnabled checks if a feature flag is enabled. A nil manager or an unknown flag reads as disabled.
func (m *Manager) IsEnabled(name string) bool {
	if m == nil {
		return false
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	flag, exists := m.flags[name]
	if !exists {
		return false
	}

	return flag.Enabled
}

// Enable enables a feature flag.
func (m *Manager) Enable(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if flag, exists := m.flags[name]; exists {
		flag.Enabled = true
	}
}

// Disable disables a feature flag.
func (m *Manager) Disable(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if flag, exists := m.flags[name]; exists {
		flag.Enabled = false
	}
}

// List returns a copy of all feature flags ordered by name.
func (m *Manager) List() []FeatureFlag {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]FeatureFlag, 0, len(m.flags))
	for _, v := range m.flags {
		result = append(result, *v)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}
