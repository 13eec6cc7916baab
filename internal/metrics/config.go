package metrics

import "codeberg.org/mutker/modectl/internal/errors"

const (
	defaultDirPerm = 0o755

	// Applications are rare events compared to a polling loop, so the
	// batch is small and flushed frequently.
	defaultBatchSize    = 4
	defaultBatchTimeout = 30 // seconds
)

type Config struct {
	DBPath       string
	BatchSize    int
	BatchTimeout int
	Enabled      bool
}

func DefaultConfig() Config {
	return Config{
		BatchSize:    defaultBatchSize,
		BatchTimeout: defaultBatchTimeout,
		Enabled:      false,
	}
}

func (c Config) Validate() error {
	if c.Enabled && c.DBPath == "" {
		return errors.New().New(ErrInvalidDBPath)
	}

	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}

	return 0
}
