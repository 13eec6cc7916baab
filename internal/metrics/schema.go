package metrics

import (
	"database/sql"

	"codeberg.org/mutker/modectl/internal/errors"
	"codeberg.org/mutker/modectl/internal/logger"
)

const (
	SchemaVersion = 1

	createTablesSQL = `
	   CREATE TABLE IF NOT EXISTS schema_versions (
	       version     INTEGER PRIMARY KEY,
	       applied_at  TEXT NOT NULL
	   );
	   CREATE TABLE IF NOT EXISTS applications (
	       id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	       timestamp          INTEGER NOT NULL,
	       profile            TEXT NOT NULL,
	       requested_governor TEXT NOT NULL,
	       resolved_governor  TEXT NOT NULL,
	       converged          INTEGER NOT NULL CHECK (converged IN (0, 1)),
	       attempts           INTEGER NOT NULL,
	       cores_written      INTEGER NOT NULL,
	       cores_failed       INTEGER NOT NULL,
	       gpu_cards_written  INTEGER NOT NULL,
	       tlp_suspended      INTEGER NOT NULL CHECK (tlp_suspended IN (0, 1))
	   );`

	insertApplySQL = `
    INSERT INTO applications (
        timestamp, profile,
        requested_governor, resolved_governor,
        converged, attempts,
        cores_written, cores_failed,
        gpu_cards_written, tlp_suspended
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
)

// InitSchema creates a new database schema with the current version
func InitSchema(db *sql.DB, log logger.Logger) error {
	errFactory := errors.New()

	tx, err := db.Begin()
	if err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}

	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				log.Debug().Err(err).Msg("Failed to rollback transaction")
			}
		}
	}()

	if _, err := tx.Exec(createTablesSQL); err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}

	if _, err := tx.Exec(`
        INSERT INTO schema_versions (version, applied_at)
        VALUES (?, datetime('now'))
    `, SchemaVersion); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, struct {
			Error string
			Phase string
		}{
			Error: err.Error(),
			Phase: "record_version",
		})
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}
	committed = true

	log.Info().Int("version", SchemaVersion).Msg("Schema initialized")

	return nil
}

// GetSchemaVersion returns the current schema version, zero when the
// database has never been initialized.
func GetSchemaVersion(db *sql.DB) (int, error) {
	errFactory := errors.New()

	exists, err := tableExists(db, "schema_versions")
	if err != nil {
		return 0, errFactory.Wrap(ErrSchemaValidationFailed, err)
	}
	if !exists {
		return 0, nil
	}

	var version int
	err = db.QueryRow(`
        SELECT version
        FROM schema_versions
        ORDER BY version DESC
        LIMIT 1
    `).Scan(&version)

	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errFactory.Wrap(ErrSchemaValidationFailed, err)
	}

	return version, nil
}

// EnsureSchema initializes the schema when missing and rejects a
// database from a different schema generation.
func EnsureSchema(db *sql.DB, log logger.Logger) error {
	version, err := GetSchemaVersion(db)
	if err != nil {
		return err
	}

	switch version {
	case 0:
		return InitSchema(db, log)
	case SchemaVersion:
		return nil
	default:
		return errors.New().WithData(ErrSchemaValidationFailed, struct {
			Found    int
			Expected int
		}{version, SchemaVersion})
	}
}

func tableExists(db *sql.DB, tableName string) (bool, error) {
	var exists bool
	err := db.QueryRow(`
        SELECT EXISTS (
            SELECT 1 FROM sqlite_master
            WHERE type='table' AND name=?
        )
    `, tableName).Scan(&exists)
	if err != nil {
		return false, errors.New().Wrap(ErrSchemaValidationFailed, err)
	}

	return exists, nil
}
