package migrations

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/pressly/goose/v3"

	"github.com/deviceloop/console/broker"
)

func init() {
	goose.AddMigrationContext(upCborSessionSnapshots, downCborSessionSnapshots)
}

// Early deployments stored the session snapshot as JSONB. CBOR roughly halves
// the column size and decodes faster, so convert in place.
func upCborSessionSnapshots(ctx context.Context, tx *sql.Tx) error {
	// check if we even need to do anything
	var dataType string
	err := tx.QueryRow("select data_type from information_schema.columns where table_name = 'console_sessions' AND column_name = 'data'").Scan(&dataType)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// the table doesn't exist yet and will be created with the
			// correct schema
			return nil
		}
		return err
	}
	if strings.ToLower(dataType) == "bytea" {
		return nil
	}

	_, err = tx.ExecContext(ctx, "ALTER TABLE IF EXISTS console_sessions ADD COLUMN IF NOT EXISTS datab BYTEA;")
	if err != nil {
		return err
	}

	rows, err := tx.Query("SELECT session_id, data FROM console_sessions")
	if err != nil {
		return err
	}
	defer rows.Close()

	snapshots := make(map[string][]byte)
	for rows.Next() {
		var sessionID string
		var data []byte
		if err = rows.Scan(&sessionID, &data); err != nil {
			return err
		}
		snapshots[sessionID] = data
	}
	if rows.Err() != nil {
		return rows.Err()
	}

	for sessionID, jsonBytes := range snapshots {
		var s broker.Session
		if err := json.Unmarshal(jsonBytes, &s); err != nil {
			return fmt.Errorf("failed to unmarshal JSON: %v -> %v", string(jsonBytes), err)
		}
		cborBytes, err := cbor.Marshal(s)
		if err != nil {
			return fmt.Errorf("failed to marshal as CBOR: %v", err)
		}
		_, err = tx.ExecContext(ctx, "UPDATE console_sessions SET datab = $1 WHERE session_id = $2;", cborBytes, sessionID)
		if err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx, "ALTER TABLE IF EXISTS console_sessions DROP COLUMN IF EXISTS data;")
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, "ALTER TABLE IF EXISTS console_sessions RENAME COLUMN datab TO data;")
	if err != nil {
		return err
	}
	return nil
}

func downCborSessionSnapshots(ctx context.Context, tx *sql.Tx) error {
	// no-op: we cannot reliably reconstruct the JSONB form
	return nil
}
