package intel

import (
	"time"

	"github.com/chadiek/call-shield/internal/envelope"
)

// EntityKind is the closed set of typed intelligence entities.
type EntityKind string

const (
	EntityPhone       EntityKind = "phone"
	EntityURL         EntityKind = "url"
	EntityUPIHandle   EntityKind = "upi_handle"
	EntityBankAccount EntityKind = "bank_account"
	EntityIFSCCode    EntityKind = "ifsc_code"
	EntityEmail       EntityKind = "email"
	EntityKeyword     EntityKind = "keyword"
)

// Closed tactic labels.
const (
	TacticUrgency           = "urgency"
	TacticAuthority         = "authority"
	TacticFear              = "fear"
	TacticGreed             = "greed"
	TacticCredentialRequest = "credential_request"
	TacticImpersonation     = "impersonation"
	TacticIsolation         = "isolation"
	TacticMaliciousURL      = "malicious_url"
)

// Entity is one extracted, canonicalised item. Uniqueness key is (Kind, Value).
type Entity struct {
	Kind        EntityKind
	Value       string
	Confidence  float64
	FirstSeenAt time.Time
}

// Snapshot is the session's aggregate intelligence state. The threat score is
// monotone non-decreasing for the life of the session.
type Snapshot struct {
	Entities    []Entity
	Tactics     []string
	ThreatScore float64
	UpdatedAt   time.Time
}

// Finding is the outcome of analysing one utterance, before it is merged into
// the session snapshot.
type Finding struct {
	Entities   []Entity
	Tactics    []string
	ScoreBoost float64
}

func (s *Snapshot) hasEntity(kind EntityKind, value string) bool {
	for _, e := range s.Entities {
		if e.Kind == kind && e.Value == value {
			return true
		}
	}
	return false
}

func (s *Snapshot) hasTactic(t string) bool {
	for _, x := range s.Tactics {
		if x == t {
			return true
		}
	}
	return false
}

// Merge folds a finding into the snapshot, coalescing duplicate entities and
// tactics and applying the monotone score update. It returns the entities and
// tactics that are genuinely new, and whether anything changed.
func (s *Snapshot) Merge(f Finding, now time.Time) (newEntities []Entity, newTactics []string, changed bool) {
	for _, e := range f.Entities {
		if e.Value == "" || s.hasEntity(e.Kind, e.Value) {
			continue
		}
		e.FirstSeenAt = now
		s.Entities = append(s.Entities, e)
		newEntities = append(newEntities, e)
	}
	for _, t := range f.Tactics {
		if s.hasTactic(t) {
			continue
		}
		s.Tactics = append(s.Tactics, t)
		newTactics = append(newTactics, t)
	}
	if next := updateScore(s.ThreatScore, f.ScoreBoost); next > s.ThreatScore {
		s.ThreatScore = next
		changed = true
	}
	if len(newEntities) > 0 || len(newTactics) > 0 {
		changed = true
	}
	if changed {
		s.UpdatedAt = now
	}
	return newEntities, newTactics, changed
}

// Wire converts the snapshot for egress envelopes.
func (s *Snapshot) Wire() *envelope.Snapshot {
	out := &envelope.Snapshot{
		Entities:    WireEntities(s.Entities),
		Tactics:     append([]string(nil), s.Tactics...),
		ThreatScore: s.ThreatScore,
		UpdatedAt:   s.UpdatedAt.UnixMilli(),
	}
	return out
}

// WireEntities converts entities for egress envelopes.
func WireEntities(entities []Entity) []envelope.Entity {
	out := make([]envelope.Entity, 0, len(entities))
	for _, e := range entities {
		out = append(out, envelope.Entity{
			Kind:        string(e.Kind),
			Value:       e.Value,
			Confidence:  e.Confidence,
			FirstSeenAt: e.FirstSeenAt.UnixMilli(),
		})
	}
	return out
}
