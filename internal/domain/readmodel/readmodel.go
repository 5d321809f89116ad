package readmodel

import (
	"fmt"
	"maps"
	"strings"
	"time"
)

// Key identifies one read model document.
type Key struct {
	TenantID string `json:"tenant_id"`
	Domain   string `json:"domain"`
	Period   string `json:"period"`
}

func (k Key) String() string {
	return k.TenantID + "/" + k.Domain + "/" + k.Period
}

// ParseKey is the inverse of Key.String.
func ParseKey(s string) (Key, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return Key{}, fmt.Errorf("invalid read model key %q", s)
	}
	return Key{TenantID: parts[0], Domain: parts[1], Period: parts[2]}, nil
}

// ReadModel is a denormalized, pre-aggregated projection for one key.
type ReadModel struct {
	Key
	Metrics             map[string]float64        `json:"metrics"`
	State               map[string]map[string]any `json:"state,omitempty"`
	SourceEventVersions map[string]int64          `json:"source_event_versions"`
	LastUpdated         time.Time                 `json:"last_updated"`
	Revision            int64                     `json:"revision"`
}

// New returns a zero-valued read model for key.
func New(key Key) ReadModel {
	return ReadModel{
		Key:                 key,
		Metrics:             map[string]float64{},
		State:               map[string]map[string]any{},
		SourceEventVersions: map[string]int64{},
	}
}

// Clone returns a deep copy so aggregation never mutates the stored value.
func (m ReadModel) Clone() ReadModel {
	out := m
	out.Metrics = maps.Clone(m.Metrics)
	out.SourceEventVersions = maps.Clone(m.SourceEventVersions)
	out.State = make(map[string]map[string]any, len(m.State))
	for id, st := range m.State {
		out.State[id] = maps.Clone(st)
	}
	if out.Metrics == nil {
		out.Metrics = map[string]float64{}
	}
	if out.SourceEventVersions == nil {
		out.SourceEventVersions = map[string]int64{}
	}
	return out
}

// AppliedVersion returns the last applied version for an aggregate, 0 if none.
func (m ReadModel) AppliedVersion(aggregateID string) int64 {
	return m.SourceEventVersions[aggregateID]
}

// IsZero reports whether no event has ever been applied.
func (m ReadModel) IsZero() bool {
	return len(m.SourceEventVersions) == 0
}

// View is what the query surface returns.
type View struct {
	TenantID    string             `json:"tenant_id"`
	Domain      string             `json:"domain"`
	Period      string             `json:"period"`
	Metrics     map[string]float64 `json:"metrics"`
	LastUpdated time.Time          `json:"last_updated"`
	Stale       bool               `json:"stale"`
}

// ToView projects a read model for callers.
func (m ReadModel) ToView() View {
	metrics := maps.Clone(m.Metrics)
	if metrics == nil {
		metrics = map[string]float64{}
	}
	return View{
		TenantID:    m.TenantID,
		Domain:      m.Domain,
		Period:      m.Period,
		Metrics:     metrics,
		LastUpdated: m.LastUpdated,
	}
}
