package models

import (
	"strings"
	"testing"
	"time"
)

func validStream() Stream {
	now := time.Now().UTC()
	return Stream{
		ID:        "stream-1",
		UserID:    "user-1",
		StreamKey: "KEY",
		Title:     "First broadcast",
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestStreamStateTransitions(t *testing.T) {
	stream := validStream()
	if stream.State() != StreamPending {
		t.Fatalf("expected pending, got %s", stream.State())
	}
	if !stream.Open() {
		t.Fatal("pending stream should be open")
	}

	start := time.Now().UTC()
	broadcast := "bc-1"
	stream.Start = &start
	stream.BroadcastID = &broadcast
	if stream.State() != StreamActive {
		t.Fatalf("expected active, got %s", stream.State())
	}

	end := start.Add(time.Hour)
	stream.End = &end
	stream.Path = "/rec/stream-1.mp4"
	if stream.State() != StreamFinished {
		t.Fatalf("expected finished, got %s", stream.State())
	}
	if stream.Open() {
		t.Fatal("finished stream should not be open")
	}
}

func TestStreamValidateRejectsBrokenInvariants(t *testing.T) {
	start := time.Now().UTC()
	end := start.Add(time.Minute)
	broadcast := "bc-1"

	cases := []struct {
		name    string
		mutate  func(*Stream)
		message string
	}{
		{
			name:    "missing title",
			mutate:  func(s *Stream) { s.Title = " " },
			message: "title is required",
		},
		{
			name:    "broadcast without start",
			mutate:  func(s *Stream) { s.BroadcastID = &broadcast },
			message: "must be set together",
		},
		{
			name:    "start without broadcast",
			mutate:  func(s *Stream) { s.Start = &start },
			message: "must be set together",
		},
		{
			name: "end without start",
			mutate: func(s *Stream) {
				s.End = &end
				s.Path = "/rec/x.mp4"
			},
			message: "end set without start",
		},
		{
			name: "end precedes start",
			mutate: func(s *Stream) {
				late := end.Add(time.Hour)
				s.Start = &late
				s.BroadcastID = &broadcast
				s.End = &end
				s.Path = "/rec/x.mp4"
			},
			message: "end precedes start",
		},
		{
			name: "finished without path",
			mutate: func(s *Stream) {
				s.Start = &start
				s.BroadcastID = &broadcast
				s.End = &end
			},
			message: "without artifact path",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stream := validStream()
			tc.mutate(&stream)
			err := stream.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.message) {
				t.Fatalf("expected error containing %q, got %v", tc.message, err)
			}
		})
	}

	if err := validStream().Validate(); err != nil {
		t.Fatalf("valid stream rejected: %v", err)
	}
}

func TestStreamCloneIsIndependent(t *testing.T) {
	stream := validStream()
	start := time.Now().UTC()
	broadcast := "bc-1"
	stream.Start = &start
	stream.BroadcastID = &broadcast

	cloned := stream.Clone()
	*cloned.BroadcastID = "bc-2"
	*cloned.Start = start.Add(time.Hour)

	if *stream.BroadcastID != "bc-1" {
		t.Fatalf("clone mutated source broadcast id: %s", *stream.BroadcastID)
	}
	if !stream.Start.Equal(start) {
		t.Fatalf("clone mutated source start: %v", stream.Start)
	}
}
