// Package session tracks the live inbound streams of one connected client: refcounted consumers
// per routing key, talkers, mutes, the last speaker and the feed ducking policy.
package session

import (
	"sync"

	"github.com/MarcoPoloResearchLab/intercom/backend/internal/routing"
)

// Consumer is one opened inbound stream handle.
type Consumer interface {
	ID() string
	SetPaused(paused bool)
	SetLevel(level float64)
}

// Observer receives speaking transitions. Calls happen while State is locked, so an observer
// must not call back into State.
type Observer interface {
	SpeakingChanged(key routing.Key, speaking bool)
	LastSpokeChanged(key routing.Key)
}

// Config seeds the ducking preferences.
type Config struct {
	DuckDB           float64
	DimWhileSpeaking bool
	Observer         Observer
}

// State is owned by one client connection. All methods are safe for concurrent use and each
// one is a single atomic step.
type State struct {
	mu        sync.Mutex
	streams   map[routing.Key]map[string]Consumer
	talkers   map[routing.Key]map[string]struct{}
	muted     map[routing.Key]struct{}
	lastSpoke routing.Key
	ducking   *DuckingEngine
	observer  Observer
}

// New constructs an empty session state.
func New(cfg Config) *State {
	return &State{
		streams:  make(map[routing.Key]map[string]Consumer),
		talkers:  make(map[routing.Key]map[string]struct{}),
		muted:    make(map[routing.Key]struct{}),
		ducking:  NewDuckingEngine(cfg.DuckDB, cfg.DimWhileSpeaking),
		observer: cfg.Observer,
	}
}

// OnStreamStart adds consumer to key's refcount and reports whether key just went live.
// A pre-armed mute applies to the new handle only. Starting a handle that is already tracked
// is a no-op.
func (s *State) OnStreamStart(key routing.Key, consumer Consumer) bool {
	if consumer == nil || key.IsZero() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	handles := s.streams[key]
	if _, tracked := handles[consumer.ID()]; tracked {
		return false
	}
	first := len(handles) == 0
	if handles == nil {
		handles = make(map[string]Consumer)
		s.streams[key] = handles
	}
	handles[consumer.ID()] = consumer

	_, muted := s.muted[key]
	if key.IsFeed() {
		consumer.SetLevel(s.ducking.Level(key, muted))
	} else {
		consumer.SetPaused(muted)
		talkers := s.talkers[key]
		if talkers == nil {
			talkers = make(map[string]struct{})
			s.talkers[key] = talkers
		}
		talkers[consumer.ID()] = struct{}{}
		if len(talkers) == 1 {
			s.ducking.remoteTalkers++
			s.applyFeedLevelsLocked()
		}
	}

	if first && s.observer != nil {
		s.observer.SpeakingChanged(key, true)
	}
	return first
}

// OnStreamStop drops consumerID from key. Only the handle that empties the refcount stops the
// stream and records key as the last speaker. It reports whether key went silent.
func (s *State) OnStreamStop(consumerID string, key routing.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	handles := s.streams[key]
	if _, ok := handles[consumerID]; !ok {
		return false
	}
	delete(handles, consumerID)

	if talkers, ok := s.talkers[key]; ok {
		if _, tracked := talkers[consumerID]; tracked {
			delete(talkers, consumerID)
			if len(talkers) == 0 {
				delete(s.talkers, key)
				s.ducking.remoteTalkers--
				s.applyFeedLevelsLocked()
			}
		}
	}

	if len(handles) > 0 {
		return false
	}
	delete(s.streams, key)
	if s.observer != nil {
		s.observer.SpeakingChanged(key, false)
	}
	if !key.IsFeed() {
		s.lastSpoke = key
		if s.observer != nil {
			s.observer.LastSpokeChanged(key)
		}
	}
	return true
}

// ToggleMute flips the mute for key and applies it to every handle currently open for it.
// It returns the new mute state.
func (s *State) ToggleMute(key routing.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, muted := s.muted[key]
	muted = !muted
	if muted {
		s.muted[key] = struct{}{}
	} else {
		delete(s.muted, key)
	}
	for _, consumer := range s.streams[key] {
		if key.IsFeed() {
			consumer.SetLevel(s.ducking.Level(key, muted))
		} else {
			consumer.SetPaused(muted)
		}
	}
	return muted
}

// SetLocalTalking records whether this client is producing and re-derives feed levels.
func (s *State) SetLocalTalking(talking bool) {
	s.update(func(d *DuckingEngine) { d.localTalking = talking })
}

// SetDimWhileSpeaking toggles whether local talking ducks feeds.
func (s *State) SetDimWhileSpeaking(enabled bool) {
	s.update(func(d *DuckingEngine) { d.dimWhileSpeaking = enabled })
}

// SetDuckDB changes the attenuation and returns the clamped value in effect.
func (s *State) SetDuckDB(db float64) float64 {
	var applied float64
	s.update(func(d *DuckingEngine) {
		d.duckDB = ClampDuckDB(db)
		applied = d.duckDB
	})
	return applied
}

// SetFeedVolume sets the base volume of a feed, clamped to [0,1].
func (s *State) SetFeedVolume(key routing.Key, base float64) {
	s.update(func(d *DuckingEngine) { d.setBase(key, base) })
}

// SetFeedDimDisabled exempts a feed from ducking.
func (s *State) SetFeedDimDisabled(key routing.Key, disabled bool) {
	s.update(func(d *DuckingEngine) { d.setDimDisabled(key, disabled) })
}

// Speaking reports whether key has at least one open handle.
func (s *State) Speaking(key routing.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams[key]) > 0
}

// Refcount reports how many handles are open for key.
func (s *State) Refcount(key routing.Key) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams[key])
}

// LastSpoke returns the most recently silenced non-feed key, or the zero key.
func (s *State) LastSpoke() routing.Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSpoke
}

// Muted reports whether key is muted, whether or not a stream is open.
func (s *State) Muted(key routing.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, muted := s.muted[key]
	return muted
}

// Level reports the playback level key would get now. A key with no open handle, no mute and
// no feed settings is unknown to the session and plays at full volume, unducked.
func (s *State) Level(key routing.Key) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, muted := s.muted[key]
	if _, open := s.streams[key]; !open && !muted && !s.ducking.Configured(key) {
		return 1
	}
	return s.ducking.Level(key, muted)
}

// DuckingActive reports whether feeds are currently ducked.
func (s *State) DuckingActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ducking.Active()
}

// Close stops every open stream, as if each handle had been closed.
func (s *State) Close() {
	s.mu.Lock()
	keys := make([]routing.Key, 0, len(s.streams))
	ids := make([][]string, 0, len(s.streams))
	for key, handles := range s.streams {
		keys = append(keys, key)
		handleIDs := make([]string, 0, len(handles))
		for id := range handles {
			handleIDs = append(handleIDs, id)
		}
		ids = append(ids, handleIDs)
	}
	s.mu.Unlock()
	for index, key := range keys {
		for _, id := range ids[index] {
			s.OnStreamStop(id, key)
		}
	}
}

func (s *State) update(change func(*DuckingEngine)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	change(s.ducking)
	s.applyFeedLevelsLocked()
}

// applyFeedLevelsLocked pushes the current level to every open feed handle.
func (s *State) applyFeedLevelsLocked() {
	for key, handles := range s.streams {
		if !key.IsFeed() {
			continue
		}
		_, muted := s.muted[key]
		level := s.ducking.Level(key, muted)
		for _, consumer := range handles {
			consumer.SetLevel(level)
		}
	}
}
