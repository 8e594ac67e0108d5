// Package notify maps collaboration events onto short audio cues. Playing a
// cue is best effort: nothing here ever returns an error to the caller.
package notify

import (
	"fmt"

	"go.uber.org/zap"
)

// Category selects the cue for an event.
type Category string

const (
	CategoryUpdate   Category = "update"
	CategoryJoin     Category = "join"
	CategoryAlert    Category = "alert"
	CategoryConflict Category = "conflict"
	CategoryDefault  Category = "default"
)

// SoundPreference reports the persisted sound-enabled flag.
type SoundPreference interface {
	SoundEnabled() (bool, error)
}

// PreferenceFunc adapts a plain function to SoundPreference.
type PreferenceFunc func() (bool, error)

// SoundEnabled calls the function.
func (f PreferenceFunc) SoundEnabled() (bool, error) {
	return f()
}

// Player outputs a rendered cue.
type Player interface {
	Play(cue Cue) error
}

// DispatcherConfig wires a Dispatcher.
type DispatcherConfig struct {
	Preference SoundPreference
	Player     Player
	Logger     *zap.Logger
}

// Dispatcher plays the cue for a category when sound is enabled.
type Dispatcher struct {
	preference SoundPreference
	player     Player
	logger     *zap.Logger
}

// NewDispatcher constructs a Dispatcher. A missing preference means sound is
// on; a missing player means cues are rendered but go nowhere.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		preference: cfg.Preference,
		player:     cfg.Player,
		logger:     logger,
	}
}

// Play emits the cue for category. Preference lookups, rendering and playback
// failures (including panics) are swallowed.
func (d *Dispatcher) Play(category Category) {
	if d == nil {
		return
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			d.logger.Debug("notification cue panicked",
				zap.String("category", string(category)),
				zap.String("panic", fmt.Sprint(recovered)))
		}
	}()

	if d.preference != nil {
		enabled, err := d.preference.SoundEnabled()
		if err != nil {
			d.logger.Debug("sound preference unavailable", zap.Error(err))
			return
		}
		if !enabled {
			return
		}
	}
	if d.player == nil {
		return
	}

	cue := cueFor(category)
	if err := d.player.Play(cue); err != nil {
		d.logger.Debug("notification cue failed",
			zap.String("category", string(category)),
			zap.Error(err))
	}
}
