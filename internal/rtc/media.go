// Package rtc manages one peer connection per remote call participant on
// top of a pluggable MediaTransport.
package rtc

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrMediaUnavailable is returned by GetUserMedia when no requested device
// can be opened or the user denied access.
var ErrMediaUnavailable = errors.New("media unavailable")

// TrackKind is audio or video
type TrackKind string

const (
	TrackKindAudio TrackKind = "audio"
	TrackKindVideo TrackKind = "video"
)

// Constraints selects the kinds of local media to acquire
type Constraints struct {
	Audio bool
	Video bool
}

// LocalTrack is an outgoing media track. A disabled track keeps its slot in
// the session but sends silence or black frames.
type LocalTrack interface {
	ID() string
	Kind() TrackKind
	Enabled() bool
	SetEnabled(enabled bool)
	Stop()
	Stopped() bool
}

// BaseTrack implements the bookkeeping half of LocalTrack. Transports embed
// it in their concrete track types.
type BaseTrack struct {
	id      string
	kind    TrackKind
	enabled atomic.Bool
	stopped atomic.Bool
	onStop  func()
	once    sync.Once
}

// NewBaseTrack returns an enabled track. onStop, if non-nil, runs once on
// the first Stop.
func NewBaseTrack(id string, kind TrackKind, onStop func()) *BaseTrack {
	t := &BaseTrack{id: id, kind: kind, onStop: onStop}
	t.enabled.Store(true)
	return t
}

func (t *BaseTrack) ID() string              { return t.id }
func (t *BaseTrack) Kind() TrackKind         { return t.kind }
func (t *BaseTrack) Enabled() bool           { return t.enabled.Load() }
func (t *BaseTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }
func (t *BaseTrack) Stopped() bool           { return t.stopped.Load() }

// Stop ends the track; later calls are no-ops
func (t *BaseTrack) Stop() {
	t.once.Do(func() {
		t.stopped.Store(true)
		t.enabled.Store(false)
		if t.onStop != nil {
			t.onStop()
		}
	})
}

// Stream is the set of local tracks returned by GetUserMedia
type Stream struct {
	ID     string
	tracks []LocalTrack
}

// NewStream groups tracks under id
func NewStream(id string, tracks ...LocalTrack) *Stream {
	return &Stream{ID: id, tracks: tracks}
}

// Tracks returns every track of the stream
func (s *Stream) Tracks() []LocalTrack {
	if s == nil {
		return nil
	}
	out := make([]LocalTrack, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// AudioTracks returns the audio tracks of the stream
func (s *Stream) AudioTracks() []LocalTrack {
	return s.ofKind(TrackKindAudio)
}

// VideoTracks returns the video tracks of the stream
func (s *Stream) VideoTracks() []LocalTrack {
	return s.ofKind(TrackKindVideo)
}

func (s *Stream) ofKind(kind TrackKind) []LocalTrack {
	var out []LocalTrack
	for _, t := range s.Tracks() {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

// Stop stops every track
func (s *Stream) Stop() {
	for _, t := range s.Tracks() {
		t.Stop()
	}
}

// RemoteTrack describes a track received from a participant
type RemoteTrack struct {
	ID       string    `json:"id"`
	StreamID string    `json:"stream_id"`
	Kind     TrackKind `json:"kind"`
}

// MediaDevices acquires local media
type MediaDevices interface {
	GetUserMedia(ctx context.Context, constraints Constraints) (*Stream, error)
}
