package integration_test

import (
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func auditDB(workspace string) string {
	return filepath.Join(workspace, "audit", "audit.sqlite")
}

func openAudit(t *testing.T, dbPath string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open audit db: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}

func requireAuditEvents(t *testing.T, dbPath string, want []string) {
	t.Helper()
	rows, err := openAudit(t, dbPath).Query("SELECT type, COUNT(*) FROM events GROUP BY type")
	if err != nil {
		t.Fatalf("query audit events: %v", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	types := make(map[string]int)
	for rows.Next() {
		var eventType string
		var count int
		if err := rows.Scan(&eventType, &count); err != nil {
			t.Fatalf("scan audit event: %v", err)
		}
		types[eventType] = count
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("iterate audit events: %v", err)
	}
	for _, eventType := range want {
		if types[eventType] == 0 {
			t.Fatalf("missing audit event %s in %s (have %v)", eventType, dbPath, types)
		}
	}
}

// lastAuditPayload decodes the payload of the newest event of eventType.
func lastAuditPayload(t *testing.T, dbPath, eventType string) map[string]any {
	t.Helper()
	var raw string
	err := openAudit(t, dbPath).QueryRow(
		"SELECT payload_json FROM events WHERE type = ? ORDER BY id DESC LIMIT 1", eventType,
	).Scan(&raw)
	if err != nil {
		t.Fatalf("load %s payload: %v", eventType, err)
	}
	payload := map[string]any{}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		t.Fatalf("decode %s payload: %v", eventType, err)
	}
	return payload
}
