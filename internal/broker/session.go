package broker

import (
	"context"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/chadiek/call-shield/internal/coach"
	"github.com/chadiek/call-shield/internal/envelope"
	"github.com/chadiek/call-shield/internal/intel"
)

// State is the session lifecycle phase.
type State int32

const (
	StateForming State = iota
	StateActive
	StateDraining
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateForming:
		return "forming"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateEnded:
		return "ended"
	}
	return "unknown"
}

// Status is the control-plane view of a session.
type Status struct {
	State        string    `json:"state"`
	LegsPresent  []string  `json:"legs_present"`
	StartedAt    time.Time `json:"started_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Inbox messages. The run loop is the single writer for all session state;
// everything else posts one of these.
type (
	attachMsg struct {
		role   Role
		stream Stream
		reply  chan attachReply
	}
	attachReply struct {
		first bool
		err   error
	}
	detachMsg struct {
		role   Role
		reason string
	}
	pongMsg  struct{ role Role }
	textMsg  struct {
		role Role
		text string
	}
	coachRequestMsg struct{}
	transcriptMsg   struct{ entry TranscriptEntry }
	intelMsg        struct {
		finding intel.Finding
		done    chan struct{}
	}
	coachMsg struct {
		suggestion coach.Suggestion
		gen        int
	}
	scanMsg  struct {
		url       string
		riskScore float64
	}
	statusMsg struct{ reply chan Status }
	endMsg    struct{ reason string }
	graceMsg  struct{ gen int }
)

// Session owns all per-call state and sequences every event through its inbox.
type Session struct {
	id     string
	corrID string
	cfg    Config
	deps   Deps
	reg    *Registry

	inbox  chan any
	ctx    context.Context
	cancel context.CancelFunc

	state        atomicState
	lastActivity atomicTime
	createdAt    time.Time
	recorder     *Recorder

	// run-loop owned
	legs           map[Role]*leg
	transcript     []TranscriptEntry
	snapshot       intel.Snapshot
	graceTimer     *time.Timer
	graceGen       int
	urgencyRepeats int
	intelSem       chan struct{}
	coachCancel    context.CancelFunc
	coachGen       int
}

func newSession(id string, cfg Config, deps Deps, reg *Registry) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:        id,
		corrID:    uuid.NewString(),
		cfg:       cfg,
		deps:      deps,
		reg:       reg,
		inbox:     make(chan any, 256),
		ctx:       ctx,
		cancel:    cancel,
		legs:      make(map[Role]*leg),
		createdAt: time.Now(),
		intelSem:  make(chan struct{}, cfg.IntelConcurrency),
	}
	s.state.Store(StateForming)
	s.touch()
	if cfg.RecordingEnabled {
		rec, err := NewRecorder(cfg.RecordingDir, id)
		if err != nil {
			log.Printf("[%s] recording disabled: %v", id, err)
		} else {
			s.recorder = rec
		}
	}
	go s.run()
	return s
}

// ID returns the call identifier.
func (s *Session) ID() string { return s.id }

// State reads the lifecycle phase without touching the run loop.
func (s *Session) State() State { return s.state.Load() }

func (s *Session) touch() { s.lastActivity.Store(time.Now()) }

// post delivers a message to the run loop; false once the session is gone.
func (s *Session) post(m any) bool {
	select {
	case s.inbox <- m:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// attach binds a stream to a role, atomically with respect to session state.
func (s *Session) attach(role Role, stream Stream) (first bool, err error) {
	reply := make(chan attachReply, 1)
	if !s.post(attachMsg{role: role, stream: stream, reply: reply}) {
		return false, ErrSessionEnded
	}
	select {
	case r := <-reply:
		return r.first, r.err
	case <-s.ctx.Done():
		return false, ErrSessionEnded
	}
}

// End requests orderly teardown.
func (s *Session) End(reason string) {
	s.post(endMsg{reason: reason})
}

// Status reports the control-plane view.
func (s *Session) Status() Status {
	reply := make(chan Status, 1)
	if !s.post(statusMsg{reply: reply}) {
		return Status{State: StateEnded.String(), StartedAt: s.createdAt, LastActivity: s.lastActivity.Load()}
	}
	select {
	case st := <-reply:
		return st
	case <-s.ctx.Done():
		return Status{State: StateEnded.String(), StartedAt: s.createdAt, LastActivity: s.lastActivity.Load()}
	}
}

func (s *Session) run() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[%s] corr=%s invariant violation: %v", s.id, s.corrID, r)
			s.teardown("internal_error")
		}
	}()
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case m := <-s.inbox:
			if s.handle(m) {
				return
			}
		case <-ticker.C:
			if s.pingTick() {
				return
			}
		}
	}
}

// handle processes one inbox message; true means the session is torn down.
func (s *Session) handle(m any) bool {
	switch m := m.(type) {
	case attachMsg:
		m.reply <- s.handleAttach(m.role, m.stream)
	case detachMsg:
		s.handleDetach(m.role, m.reason)
		if s.State() == StateEnded {
			return true
		}
	case pongMsg:
		if l := s.legs[m.role]; l != nil {
			l.missedPings = 0
		}
	case transcriptMsg:
		s.handleTranscript(m.entry)
	case textMsg:
		s.handleText(m.role, m.text)
	case coachRequestMsg:
		ready := make(chan struct{})
		close(ready)
		s.startCoach(ready)
	case intelMsg:
		s.handleIntel(m.finding)
		close(m.done)
	case coachMsg:
		s.handleCoach(m)
	case scanMsg:
		s.handleScan(m.url, m.riskScore)
	case statusMsg:
		m.reply <- s.statusLocked()
	case graceMsg:
		if m.gen == s.graceGen && s.State() == StateDraining {
			s.teardown("timeout")
			return true
		}
	case endMsg:
		s.teardown(m.reason)
		return true
	}
	return false
}

func (s *Session) statusLocked() Status {
	legs := make([]string, 0, len(s.legs))
	for role := range s.legs {
		legs = append(legs, string(role))
	}
	sort.Strings(legs)
	return Status{
		State:        s.State().String(),
		LegsPresent:  legs,
		StartedAt:    s.createdAt,
		LastActivity: s.lastActivity.Load(),
	}
}

func (s *Session) handleAttach(role Role, stream Stream) attachReply {
	if s.State() == StateEnded {
		return attachReply{err: ErrSessionEnded}
	}
	if s.legs[role] != nil {
		return attachReply{err: ErrRoleOccupied}
	}
	l, err := newLeg(s, role, stream)
	if err != nil {
		return attachReply{err: err}
	}
	s.legs[role] = l
	if other := s.legs[role.Peer()]; other != nil {
		l.peer.Store(other)
		other.peer.Store(l)
	}
	l.start(s.ctx)
	s.touch()

	first := len(s.legs) == 1
	l.egress.PushPriority(envelope.Envelope{
		Kind:           envelope.KindConnected,
		Role:           string(role),
		CallID:         s.id,
		WaitingForPeer: first,
	})
	switch {
	case first:
		s.state.Store(StateForming)
		log.Printf("[%s] %s attached, forming", s.id, role)
	default:
		s.cancelGrace()
		s.state.Store(StateActive)
		joined := envelope.Envelope{Kind: envelope.KindPeerJoined, Role: string(role)}
		for _, other := range s.legs {
			if other.role == role {
				other.egress.PushPriority(envelope.Envelope{Kind: envelope.KindPeerJoined, Role: string(role.Peer())})
			} else {
				other.egress.PushPriority(joined)
			}
		}
		log.Printf("[%s] %s attached, active", s.id, role)
	}
	return attachReply{first: first}
}

func (s *Session) handleDetach(role Role, reason string) {
	l := s.legs[role]
	if l == nil {
		return
	}
	delete(s.legs, role)
	if p := l.peer.Load(); p != nil {
		p.peer.Store(nil)
	}
	l.peer.Store(nil)
	l.stop()
	log.Printf("[%s] %s detached: %s", s.id, role, reason)

	if reason == "slow_consumer" {
		// A leg that cannot keep up ends the call; there is nothing for the
		// surviving leg to wait out, so no grace period.
		s.teardown("slow_consumer")
		return
	}
	if len(s.legs) == 0 {
		if s.State() == StateDraining {
			// Second disconnect.
			s.teardown("abandoned")
			return
		}
		s.state.Store(StateDraining)
		s.startGrace()
		return
	}
	s.state.Store(StateDraining)
	s.startGrace()
	for _, surviving := range s.legs {
		surviving.egress.PushPriority(envelope.Envelope{Kind: envelope.KindPeerLeft, Role: string(role)})
	}
}

func (s *Session) startGrace() {
	s.cancelGrace()
	s.graceGen++
	gen := s.graceGen
	s.graceTimer = time.AfterFunc(s.cfg.DrainGrace, func() {
		s.post(graceMsg{gen: gen})
	})
}

func (s *Session) cancelGrace() {
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
	s.graceGen++
}

// pingTick probes liveness; true means the detaches ended the session.
func (s *Session) pingTick() bool {
	var lost []Role
	for role, l := range s.legs {
		if l.missedPings >= s.cfg.MaxMissedPings {
			lost = append(lost, role)
			continue
		}
		l.egress.PushPriority(envelope.Envelope{Kind: envelope.KindPing})
		l.missedPings++
	}
	for _, role := range lost {
		s.handleDetach(role, "missed pongs")
	}
	return s.State() == StateEnded
}

func (s *Session) handleTranscript(entry TranscriptEntry) {
	s.transcript = append(s.transcript, entry)
	s.touch()
	if st := s.deps.Store; st != nil {
		go func(e TranscriptEntry) {
			ctx, cancel := context.WithTimeout(s.ctx, 3*time.Second)
			defer cancel()
			if err := st.AppendTranscript(ctx, s.id, e); err != nil {
				log.Printf("[%s] persist transcript: %v", s.id, err)
			}
		}(entry)
	}
	if entry.Speaker == RoleScammer {
		s.dispatch(entry.Text, entry.Language)
	}
}

func (s *Session) handleText(role Role, text string) {
	now := time.Now()
	entry := TranscriptEntry{
		Speaker:    role,
		Text:       text,
		Language:   "en",
		Confidence: 1.0,
		StartedAt:  now,
		EndedAt:    now,
	}
	s.transcript = append(s.transcript, entry)
	s.touch()
	if p := s.legs[role.Peer()]; p != nil {
		p.egress.PushPriority(envelope.Envelope{
			Kind:    envelope.KindText,
			Speaker: string(role),
			Text:    text,
		})
	}
	if st := s.deps.Store; st != nil {
		go func(e TranscriptEntry) {
			ctx, cancel := context.WithTimeout(s.ctx, 3*time.Second)
			defer cancel()
			if err := st.AppendTranscript(ctx, s.id, e); err != nil {
				log.Printf("[%s] persist transcript: %v", s.id, err)
			}
		}(entry)
	}
	if role == RoleScammer {
		s.dispatch(text, "en")
	}
}

// dispatch routes one finalised scammer utterance into both analysis lanes.
// Intelligence extraction always runs to completion; the coaching lane is a
// single cancellable slot restarted with the latest context on every burst.
func (s *Session) dispatch(text, language string) {
	if intel.IsUrgent(text) {
		s.urgencyRepeats++
	}
	intelReady := make(chan struct{})
	go s.intelLane(text, language, s.urgencyRepeats, intelReady)
	s.startCoach(intelReady)
}

func (s *Session) intelLane(text, language string, urgencyRepeats int, done chan struct{}) {
	select {
	case s.intelSem <- struct{}{}:
	case <-s.ctx.Done():
		close(done)
		return
	}
	defer func() { <-s.intelSem }()
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.ExtractTimeout)
	finding := s.deps.Extractor.Extract(ctx, text, language, urgencyRepeats)
	cancel()
	if !s.post(intelMsg{finding: finding, done: done}) {
		close(done)
	}
}

// startCoach launches the coaching slot, cancelling any in-flight run. Each
// run is tagged with a generation so a result that raced the cancel is
// recognised as stale and discarded. The suggestion is only delivered once
// the intelligence pass that triggered it has been merged and emitted, so
// coaching never precedes its snapshot.
func (s *Session) startCoach(intelReady chan struct{}) {
	if s.deps.Coacher == nil {
		return
	}
	if s.coachCancel != nil {
		s.coachCancel()
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.coachCancel = cancel
	s.coachGen++
	gen := s.coachGen
	window := s.contextWindow()
	snap := s.snapshotCopy()
	go s.coachLane(ctx, gen, window, snap, intelReady)
}

func (s *Session) coachLane(ctx context.Context, gen int, window []coach.ContextEntry, snap intel.Snapshot, intelReady chan struct{}) {
	select {
	case <-intelReady:
	case <-ctx.Done():
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CoachTimeout+s.cfg.TTSTimeout)
	suggestion, err := s.deps.Coacher.Coach(callCtx, window, snap)
	cancel()
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("[%s] coaching failed: %v", s.id, err)
		}
		return
	}
	if ctx.Err() != nil {
		// Superseded by a newer transcript or the session ended; discard.
		return
	}
	s.post(coachMsg{suggestion: suggestion, gen: gen})
}

func (s *Session) handleIntel(finding intel.Finding) {
	now := time.Now()
	newEntities, newTactics, changed := s.snapshot.Merge(finding, now)
	if !changed {
		return
	}
	s.emitIntelligence(newEntities, newTactics)
	s.persistIntelligence()
	for _, e := range newEntities {
		if e.Kind == intel.EntityURL {
			go s.scanLane(e.Value)
		}
	}
}

func (s *Session) handleScan(url string, riskScore float64) {
	_, newTactics, changed := s.snapshot.Merge(intel.ScanFinding(riskScore), time.Now())
	if !changed {
		return
	}
	log.Printf("[%s] malicious url confirmed: %s", s.id, url)
	s.emitIntelligence(nil, newTactics)
	s.persistIntelligence()
}

func (s *Session) scanLane(url string) {
	if s.deps.Scanner == nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()
	res, err := s.deps.Scanner.Check(ctx, url)
	if err != nil {
		log.Printf("[%s] url scan failed for %s: %v", s.id, url, err)
		return
	}
	if res.IsSafe {
		return
	}
	s.post(scanMsg{url: url, riskScore: res.RiskScore})
}

func (s *Session) emitIntelligence(newEntities []intel.Entity, newTactics []string) {
	op := s.legs[RoleOperator]
	if op == nil {
		return
	}
	op.egress.PushPriority(envelope.Envelope{
		Kind:          envelope.KindIntelligence,
		EntitiesDelta: intel.WireEntities(newEntities),
		TacticsDelta:  newTactics,
		ThreatScore:   s.snapshot.ThreatScore,
	})
}

func (s *Session) persistIntelligence() {
	st := s.deps.Store
	if st == nil {
		return
	}
	snap := s.snapshotCopy()
	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, 3*time.Second)
		defer cancel()
		if err := st.UpdateIntelligence(ctx, s.id, snap); err != nil {
			log.Printf("[%s] persist intelligence: %v", s.id, err)
		}
	}()
}

func (s *Session) handleCoach(m coachMsg) {
	if m.gen != s.coachGen {
		// A newer slot was started after this lane posted; its result is stale
		// and the cancel handle belongs to the newer lane.
		return
	}
	s.coachCancel = nil
	op := s.legs[RoleOperator]
	if op == nil {
		return
	}
	op.egress.PushPriority(envelope.Envelope{
		Kind:       envelope.KindCoaching,
		Text:       m.suggestion.Text,
		Strategy:   m.suggestion.Strategy,
		Intent:     m.suggestion.Intent,
		Audio:      m.suggestion.Audio,
		AudioCodec: m.suggestion.AudioCodec,
		Snapshot:   s.snapshot.Wire(),
	})
}

// contextWindow returns the last N transcript entries, most recent first.
func (s *Session) contextWindow() []coach.ContextEntry {
	n := s.cfg.ContextWindow
	if n <= 0 {
		n = 6
	}
	start := len(s.transcript) - n
	if start < 0 {
		start = 0
	}
	out := make([]coach.ContextEntry, 0, len(s.transcript)-start)
	for i := len(s.transcript) - 1; i >= start; i-- {
		out = append(out, coach.ContextEntry{
			Speaker: string(s.transcript[i].Speaker),
			Text:    s.transcript[i].Text,
		})
	}
	return out
}

func (s *Session) snapshotCopy() intel.Snapshot {
	return intel.Snapshot{
		Entities:    append([]intel.Entity(nil), s.snapshot.Entities...),
		Tactics:     append([]string(nil), s.snapshot.Tactics...),
		ThreatScore: s.snapshot.ThreatScore,
		UpdatedAt:   s.snapshot.UpdatedAt,
	}
}

// teardown runs the Ended transition: every task cancelled, both egress
// queues drained with a hard deadline, the session removed from the registry
// before resources are released.
func (s *Session) teardown(reason string) {
	if s.State() == StateEnded {
		return
	}
	s.state.Store(StateEnded)
	duration := time.Since(s.createdAt).Milliseconds()
	log.Printf("[%s] ended: %s (%dms)", s.id, reason, duration)

	if s.reg != nil {
		s.reg.remove(s.id, s)
	}
	s.cancelGrace()
	if s.coachCancel != nil {
		s.coachCancel()
		s.coachCancel = nil
	}

	ended := envelope.Envelope{
		Kind:       envelope.KindCallEnded,
		Reason:     reason,
		DurationMS: duration,
	}
	for _, l := range s.legs {
		l.egress.PushPriority(ended)
	}
	for _, l := range s.legs {
		if l.cancel != nil {
			l.cancel()
		}
		l.egress.Close()
	}
	deadline := time.After(s.cfg.DrainDeadline)
	for _, l := range s.legs {
		select {
		case <-l.writerDone:
		case <-deadline:
		}
	}
	for _, l := range s.legs {
		_ = l.stream.Close()
	}
	s.legs = make(map[Role]*leg)
	s.cancel()

	var recordingPath string
	if s.recorder != nil {
		if err := s.recorder.Close(); err != nil {
			log.Printf("[%s] close recording: %v", s.id, err)
		}
		recordingPath = s.recorder.Path()
	}
	if st := s.deps.Store; st != nil {
		report := Report{
			CallID:       s.id,
			Reason:       reason,
			StartedAt:    s.createdAt,
			EndedAt:      time.Now(),
			DurationMS:   duration,
			Transcript:   append([]TranscriptEntry(nil), s.transcript...),
			Intelligence: s.snapshotCopy(),
		}
		go saveReport(st, report, recordingPath)
	}
}

// saveReport persists the end-of-call artefacts on a fresh context: the
// session's own context is already cancelled by the time the report exists.
func saveReport(st Persistence, report Report, recordingPath string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := st.SaveReport(ctx, report); err != nil {
		log.Printf("[%s] persist report: %v", report.CallID, err)
	}
	if recordingPath != "" {
		data, err := readFile(recordingPath)
		if err != nil {
			log.Printf("[%s] read recording: %v", report.CallID, err)
			return
		}
		if err := st.SaveRecording(ctx, report.CallID, data); err != nil {
			log.Printf("[%s] persist recording: %v", report.CallID, err)
		}
	}
}
