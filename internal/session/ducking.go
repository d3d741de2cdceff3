package session

import (
	"math"

	"github.com/MarcoPoloResearchLab/intercom/backend/internal/routing"
)

const (
	// DefaultDuckDB is the attenuation applied to feeds while ducking is active.
	DefaultDuckDB = -14.0
	// MinDuckDB and MaxDuckDB bound the configurable attenuation.
	MinDuckDB = -60.0
	MaxDuckDB = -6.0
)

type feedSettings struct {
	base        float64
	dimDisabled bool
}

// DuckingEngine derives the playback level of every feed. It is not safe for concurrent use;
// State owns it under its lock.
type DuckingEngine struct {
	duckDB           float64
	dimWhileSpeaking bool
	localTalking     bool
	remoteTalkers    int
	feeds            map[routing.Key]feedSettings
}

// NewDuckingEngine builds an engine with the given attenuation and dim-while-speaking preference.
func NewDuckingEngine(duckDB float64, dimWhileSpeaking bool) *DuckingEngine {
	return &DuckingEngine{
		duckDB:           ClampDuckDB(duckDB),
		dimWhileSpeaking: dimWhileSpeaking,
		feeds:            make(map[routing.Key]feedSettings),
	}
}

// ClampDuckDB bounds db to [MinDuckDB, MaxDuckDB]. NaN selects DefaultDuckDB.
func ClampDuckDB(db float64) float64 {
	if math.IsNaN(db) {
		return DefaultDuckDB
	}
	return math.Min(MaxDuckDB, math.Max(MinDuckDB, db))
}

// Factor converts the attenuation into a linear gain.
func (d *DuckingEngine) Factor() float64 {
	return math.Pow(10, d.duckDB/20)
}

// Active reports whether feeds are currently ducked.
func (d *DuckingEngine) Active() bool {
	return (d.localTalking && d.dimWhileSpeaking) || d.remoteTalkers > 0
}

// Level is the effective playback level for key. Muted keys are silent and keys that are not
// feeds always play at full volume.
func (d *DuckingEngine) Level(key routing.Key, muted bool) float64 {
	if muted {
		return 0
	}
	if !key.IsFeed() {
		return 1
	}
	settings, ok := d.feeds[key]
	if !ok {
		settings = feedSettings{base: 1}
	}
	level := settings.base
	if d.Active() && !settings.dimDisabled {
		level *= d.Factor()
	}
	return clampUnit(level)
}

// Configured reports whether key carries explicit feed settings.
func (d *DuckingEngine) Configured(key routing.Key) bool {
	_, ok := d.feeds[key]
	return ok
}

func (d *DuckingEngine) setBase(key routing.Key, base float64) {
	settings, ok := d.feeds[key]
	if !ok {
		settings = feedSettings{base: 1}
	}
	settings.base = clampUnit(base)
	d.feeds[key] = settings
}

func (d *DuckingEngine) setDimDisabled(key routing.Key, disabled bool) {
	settings, ok := d.feeds[key]
	if !ok {
		settings = feedSettings{base: 1}
	}
	settings.dimDisabled = disabled
	d.feeds[key] = settings
}

func clampUnit(value float64) float64 {
	if math.IsNaN(value) {
		return 1
	}
	return math.Min(1, math.Max(0, value))
}
