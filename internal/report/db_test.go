package report

import (
	"os"
	"testing"
	"time"

	"github.com/apinto/fmc-rule-cleanup/internal/model"
)

const defaultTestDSN = "root:root@tcp(127.0.0.1:3306)/fmc_cleanup_test?parseTime=true"

// openTestSink connects to the audit database, skipping the test when
// none is reachable so the suite runs without infrastructure.
func openTestSink(t *testing.T) *DBSink {
	t.Helper()
	dsn := os.Getenv("CLEANUP_TEST_DSN")
	if dsn == "" {
		dsn = defaultTestDSN
	}
	sink, err := NewDBSink(dsn)
	if err != nil {
		t.Skipf("audit database not available: %v", err)
	}
	t.Cleanup(func() {
		sink.db.Exec("DELETE FROM cleanup_decision")
		sink.db.Exec("DELETE FROM cleanup_run")
		sink.Close()
	})
	return sink
}

func TestDBSinkWrite(t *testing.T) {
	sink := openTestSink(t)

	meta := model.RunMetadata{
		Device:    "edge-fw-01",
		Host:      "fmc.example.com",
		StartedAt: time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC),
		DryRun:    false,
		Stats: model.RunStats{
			TotalAnalyzed: 120,
			ZeroHit:       8,
			Disabled:      2,
			Skipped:       5,
			Errors:        1,
			Status:        model.RunCompletedWithSkips,
		},
	}
	decisions := []model.Decision{
		{RuleID: "r1", RuleName: "stale-allow", Outcome: model.Disabled, Reason: "rule created in 2020, before threshold 2025"},
		{RuleID: "r2", RuleName: "trusted-rule", Outcome: model.SkipZone, Reason: "rule involves excluded zone", Detail: "source zone TRUSTED"},
	}
	if err := sink.Write(meta, decisions); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	var runs int
	if err := sink.db.QueryRow("SELECT COUNT(*) FROM cleanup_run WHERE device = ?", "edge-fw-01").Scan(&runs); err != nil {
		t.Fatal(err)
	}
	if runs != 1 {
		t.Errorf("runs = %d, want 1", runs)
	}

	var status string
	var disabled int
	err := sink.db.QueryRow("SELECT status, disabled_count FROM cleanup_run WHERE device = ?", "edge-fw-01").Scan(&status, &disabled)
	if err != nil {
		t.Fatal(err)
	}
	if status != string(model.RunCompletedWithSkips) || disabled != 2 {
		t.Errorf("run row = %q/%d", status, disabled)
	}

	var rows int
	if err := sink.db.QueryRow("SELECT COUNT(*) FROM cleanup_decision").Scan(&rows); err != nil {
		t.Fatal(err)
	}
	if rows != 2 {
		t.Errorf("decision rows = %d, want 2", rows)
	}
}

func TestDBSinkEmptyDecisionList(t *testing.T) {
	sink := openTestSink(t)

	meta := model.RunMetadata{
		Device:    "edge-fw-01",
		Host:      "fmc.example.com",
		StartedAt: time.Now(),
		Stats:     model.RunStats{Status: model.RunCompleted},
	}
	if err := sink.Write(meta, nil); err != nil {
		t.Fatalf("Write with no decisions failed: %v", err)
	}
}
