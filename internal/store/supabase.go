package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/supabase-community/supabase-go"

	"github.com/chadiek/call-shield/internal/broker"
	"github.com/chadiek/call-shield/internal/intel"
)

// Config holds the Supabase storage coordinates.
type Config struct {
	URL            string
	ServiceRoleKey string
	Bucket         string
}

// Storage persists call history to a Supabase storage bucket. Transcript
// entries and intelligence snapshots accumulate in memory per call and ship
// inside the end-of-call report object; the recording log is uploaded as-is.
// Everything is best-effort: callers log failures and move on.
type Storage struct {
	client *supabase.Client
	bucket string

	mu       sync.Mutex
	sessions map[string]*pendingCall
}

type pendingCall struct {
	Transcript   []broker.TranscriptEntry `json:"transcript"`
	Intelligence intel.Snapshot           `json:"intelligence"`
}

// New builds the storage collaborator.
func New(cfg Config) (*Storage, error) {
	client, err := supabase.NewClient(cfg.URL, cfg.ServiceRoleKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("create supabase client: %w", err)
	}
	return &Storage{
		client:   client,
		bucket:   cfg.Bucket,
		sessions: make(map[string]*pendingCall),
	}, nil
}

func (s *Storage) pending(callID string) *pendingCall {
	p := s.sessions[callID]
	if p == nil {
		p = &pendingCall{}
		s.sessions[callID] = p
	}
	return p
}

// AppendTranscript buffers one transcript entry for the call report.
func (s *Storage) AppendTranscript(_ context.Context, callID string, entry broker.TranscriptEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.pending(callID)
	p.Transcript = append(p.Transcript, entry)
	return nil
}

// UpdateIntelligence buffers the latest snapshot for the call report.
func (s *Storage) UpdateIntelligence(_ context.Context, callID string, snap intel.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending(callID).Intelligence = snap
	return nil
}

// SaveReport uploads the end-of-call report JSON and drops the call's buffer.
func (s *Storage) SaveReport(_ context.Context, report broker.Report) error {
	s.mu.Lock()
	delete(s.sessions, report.CallID)
	s.mu.Unlock()

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	return s.upload("calls/"+report.CallID+"/report.json", data)
}

// SaveRecording uploads the raw recording log.
func (s *Storage) SaveRecording(_ context.Context, callID string, data []byte) error {
	return s.upload("calls/"+callID+"/audio.rec", data)
}

func (s *Storage) upload(key string, data []byte) error {
	_, err := s.client.Storage.UploadFile(s.bucket, key, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to upload to Supabase: %w", err)
	}
	return nil
}
