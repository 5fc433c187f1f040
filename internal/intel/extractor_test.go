package intel

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeLLM struct {
	reply string
	err   error
	calls int
}

func (f *fakeLLM) Generate(ctx context.Context, system, prompt string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func findEntity(entities []Entity, kind EntityKind, value string) bool {
	for _, e := range entities {
		if e.Kind == kind && e.Value == value {
			return true
		}
	}
	return false
}

func hasTactic(tactics []string, want string) bool {
	for _, t := range tactics {
		if t == want {
			return true
		}
	}
	return false
}

func TestExtract_PhoneCanonicalisation(t *testing.T) {
	e := NewExtractor(nil)
	cases := []string{
		"call me on +91-98765-43210 today",
		"call me on 919876543210 today",
		"number is 91 98765 43210",
	}
	var snap Snapshot
	for _, text := range cases {
		f := e.Extract(context.Background(), text, "en", 0)
		snap.Merge(f, time.Now())
	}
	var phones []Entity
	for _, ent := range snap.Entities {
		if ent.Kind == EntityPhone {
			phones = append(phones, ent)
		}
	}
	if len(phones) != 1 {
		t.Fatalf("expected one coalesced phone entity, got %v", phones)
	}
	if phones[0].Value != "919876543210" {
		t.Fatalf("expected canonical phone 919876543210, got %q", phones[0].Value)
	}
}

func TestExtract_RecogniserSet(t *testing.T) {
	e := NewExtractor(nil)
	text := "Visit HTTPS://Evil.Example/Pay?X=1 or mail Me@Example.COM, " +
		"send to victim@ybl, account 123456789012345678, branch SBIN0001234"
	f := e.Extract(context.Background(), text, "en", 0)
	if !findEntity(f.Entities, EntityURL, "https://evil.example/Pay?X=1") {
		t.Fatalf("url missing or not canonical: %+v", f.Entities)
	}
	if !findEntity(f.Entities, EntityEmail, "me@example.com") {
		t.Fatalf("email missing: %+v", f.Entities)
	}
	if !findEntity(f.Entities, EntityUPIHandle, "victim@ybl") {
		t.Fatalf("upi handle missing: %+v", f.Entities)
	}
	if !findEntity(f.Entities, EntityBankAccount, "123456789012345678") {
		t.Fatalf("bank account missing: %+v", f.Entities)
	}
	if !findEntity(f.Entities, EntityIFSCCode, "SBIN0001234") {
		t.Fatalf("ifsc missing: %+v", f.Entities)
	}
}

func TestExtract_OTPKeywordAndCredentialRequest(t *testing.T) {
	e := NewExtractor(nil)
	f := e.Extract(context.Background(), "Please share your OTP now", "en", 0)
	if !findEntity(f.Entities, EntityKeyword, "otp") {
		t.Fatalf("expected otp keyword entity: %+v", f.Entities)
	}
	if !hasTactic(f.Tactics, TacticCredentialRequest) {
		t.Fatalf("expected credential_request tactic: %v", f.Tactics)
	}
	if f.ScoreBoost < 0.5 {
		t.Fatalf("expected boost >= 0.5, got %v", f.ScoreBoost)
	}
}

func TestExtract_TacticRules(t *testing.T) {
	e := NewExtractor(nil)
	cases := []struct {
		text   string
		tactic string
	}{
		{"act immediately or lose everything", TacticUrgency},
		{"I am calling from the cyber cell", TacticAuthority},
		{"there is an arrest warrant against you", TacticFear},
		{"you won the lottery", TacticGreed},
		{"don't tell your family about this", TacticIsolation},
		{"this is your bank customer care", TacticImpersonation},
	}
	for _, tc := range cases {
		f := e.Extract(context.Background(), tc.text, "en", 0)
		if !hasTactic(f.Tactics, tc.tactic) {
			t.Fatalf("text %q: expected tactic %s, got %v", tc.text, tc.tactic, f.Tactics)
		}
	}
}

func TestExtract_StageBUnion(t *testing.T) {
	model := &fakeLLM{reply: "```json\n{\"phone_numbers\":[\"+1 202 555 0175\"],\"urls\":[],\"upi_handles\":[],\"bank_accounts\":[],\"ifsc_codes\":[],\"emails\":[\"hidden@scam.example\"],\"keywords\":[]}\n```"}
	e := NewExtractor(model)
	f := e.Extract(context.Background(), "some text with no regex hits", "en", 0)
	if model.calls != 1 {
		t.Fatalf("expected one model call, got %d", model.calls)
	}
	if !findEntity(f.Entities, EntityPhone, "12025550175") {
		t.Fatalf("expected canonicalised model phone: %+v", f.Entities)
	}
	if !findEntity(f.Entities, EntityEmail, "hidden@scam.example") {
		t.Fatalf("expected model email: %+v", f.Entities)
	}
}

func TestExtract_StageBFailureLeavesStageA(t *testing.T) {
	for _, model := range []*fakeLLM{
		{err: errors.New("boom")},
		{reply: "sorry, I cannot help with that"},
	} {
		e := NewExtractor(model)
		f := e.Extract(context.Background(), "share your otp at https://evil.example", "en", 0)
		if !findEntity(f.Entities, EntityURL, "https://evil.example") {
			t.Fatalf("stage A url lost: %+v", f.Entities)
		}
		if !findEntity(f.Entities, EntityKeyword, "otp") {
			t.Fatalf("stage A keyword lost: %+v", f.Entities)
		}
	}
}

func TestSnapshot_ThreatScoreMonotone(t *testing.T) {
	e := NewExtractor(nil)
	var snap Snapshot
	texts := []string{
		"share your otp and password now",
		"hello how are you",
		"what is the weather",
	}
	var last float64
	for _, text := range texts {
		f := e.Extract(context.Background(), text, "en", 0)
		snap.Merge(f, time.Now())
		if snap.ThreatScore < last {
			t.Fatalf("threat score decreased: %v -> %v after %q", last, snap.ThreatScore, text)
		}
		last = snap.ThreatScore
	}
	if last <= 0 {
		t.Fatalf("expected positive score after otp utterance")
	}
}

func TestSnapshot_MergeReportsOnlyNew(t *testing.T) {
	var snap Snapshot
	f := Finding{
		Entities: []Entity{{Kind: EntityKeyword, Value: "otp", Confidence: 0.8}},
		Tactics:  []string{TacticUrgency},
	}
	newE, newT, changed := snap.Merge(f, time.Now())
	if !changed || len(newE) != 1 || len(newT) != 1 {
		t.Fatalf("first merge should report new items: %v %v %v", newE, newT, changed)
	}
	newE, newT, changed = snap.Merge(f, time.Now())
	if changed || len(newE) != 0 || len(newT) != 0 {
		t.Fatalf("duplicate merge should be a no-op: %v %v %v", newE, newT, changed)
	}
}

func TestScanFinding_RaisesScoreAndAddsTactic(t *testing.T) {
	var snap Snapshot
	snap.Merge(Finding{ScoreBoost: 0.3}, time.Now())
	before := snap.ThreatScore
	_, newTactics, changed := snap.Merge(ScanFinding(0.9), time.Now())
	if !changed {
		t.Fatalf("expected scan verdict to change the snapshot")
	}
	if !hasTactic(newTactics, TacticMaliciousURL) {
		t.Fatalf("expected malicious_url tactic, got %v", newTactics)
	}
	if snap.ThreatScore <= before {
		t.Fatalf("expected strictly greater score, %v -> %v", before, snap.ThreatScore)
	}
}

func TestUpdateScore_Clamps(t *testing.T) {
	if got := updateScore(0.4, 0.2); got != 0.4 {
		t.Fatalf("expected monotone hold at 0.4, got %v", got)
	}
	if got := updateScore(0.4, 5.0); got != 1.0 {
		t.Fatalf("expected clamp to 1.0, got %v", got)
	}
}

func TestIsUrgent(t *testing.T) {
	if !IsUrgent("you must pay immediately") {
		t.Fatalf("expected urgency hit")
	}
	if IsUrgent("have a nice day") {
		t.Fatalf("unexpected urgency hit")
	}
}
