package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"codeberg.org/mutker/modectl/internal/errors"
	"codeberg.org/mutker/modectl/internal/logger"
	"codeberg.org/mutker/modectl/internal/profile"
)

const (
	dirPerm  = 0o755
	filePerm = 0o600
)

// state is the on-disk record of the last applied profile
type state struct {
	LastMode string    `json:"last_mode"`
	LastSave time.Time `json:"last_save"`
}

// Store persists the last applied profile to a small JSON file
type Store struct {
	path string
	log  logger.Logger
	now  func() time.Time
}

func New(path string, log logger.Logger) *Store {
	return &Store{
		path: path,
		log:  log,
		now:  time.Now,
	}
}

// Save writes the profile name with a save timestamp
func (s *Store) Save(name profile.Name) error {
	errFactory := errors.New()

	if err := os.MkdirAll(filepath.Dir(s.path), dirPerm); err != nil {
		return errFactory.Wrap(errors.ClassifyFS(err), err)
	}

	data, err := json.Marshal(state{
		LastMode: string(name),
		LastSave: s.now(),
	})
	if err != nil {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	if err := os.WriteFile(s.path, data, filePerm); err != nil {
		return errFactory.Wrap(errors.ClassifyFS(err), err)
	}

	s.log.Info().Str("profile", string(name)).Msg("Profile saved")

	return nil
}

// Load returns the last saved profile name, defaulting to balanced on
// any read or parse failure.
func (s *Store) Load() profile.Name {
	data, err := os.ReadFile(s.path)
	if err != nil {
		s.log.Info().Msg("No saved profile, using default: balanced")
		return profile.Balanced
	}

	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		s.log.Warn().Err(err).Msg("Corrupt profile state, using default: balanced")
		return profile.Balanced
	}

	switch profile.Name(st.LastMode) {
	case profile.Powersave, profile.Balanced, profile.Performance:
		s.log.Info().
			Str("profile", st.LastMode).
			Time("saved", st.LastSave).
			Msg("Loaded saved profile")
		return profile.Name(st.LastMode)
	default:
		return profile.Balanced
	}
}
