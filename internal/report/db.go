package report

import (
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"

	"github.com/apinto/fmc-rule-cleanup/internal/model"
)

// DBSink persists run history to MariaDB so successive cleanup runs
// can be audited and compared.
type DBSink struct {
	db *sql.DB
}

func NewDBSink(dsn string) (*DBSink, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	sink := &DBSink{db: db}
	if err := sink.ensureSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create audit tables: %w", err)
	}
	return sink, nil
}

func (s *DBSink) Close() error {
	return s.db.Close()
}

func (s *DBSink) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS cleanup_run (
			id BIGINT UNSIGNED PRIMARY KEY AUTO_INCREMENT,
			device VARCHAR(128) NOT NULL,
			host VARCHAR(128) NOT NULL,
			started_at DATETIME NOT NULL,
			dry_run TINYINT(1) NOT NULL,
			status VARCHAR(64) NOT NULL,
			total_analyzed INT NOT NULL,
			zero_hit INT NOT NULL,
			disabled_count INT NOT NULL,
			skipped INT NOT NULL,
			errors INT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS cleanup_decision (
			id BIGINT UNSIGNED PRIMARY KEY AUTO_INCREMENT,
			run_id BIGINT UNSIGNED NOT NULL,
			rule_id VARCHAR(64) NOT NULL,
			rule_name VARCHAR(256) NOT NULL,
			outcome VARCHAR(32) NOT NULL,
			reason TEXT NOT NULL,
			detail TEXT NOT NULL,
			first_comment TEXT NOT NULL,
			INDEX idx_run (run_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *DBSink) Write(meta model.RunMetadata, decisions []model.Decision) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`INSERT INTO cleanup_run (device, host, started_at, dry_run, status, total_analyzed, zero_hit, disabled_count, skipped, errors)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		meta.Device, meta.Host, meta.StartedAt, meta.DryRun, string(meta.Stats.Status),
		meta.Stats.TotalAnalyzed, meta.Stats.ZeroHit, meta.Stats.Disabled, meta.Stats.Skipped, meta.Stats.Errors,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	runID, err := res.LastInsertId()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(
		`INSERT INTO cleanup_decision (run_id, rule_id, rule_name, outcome, reason, detail, first_comment)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, d := range decisions {
		if _, err := stmt.Exec(runID, d.RuleID, d.RuleName, string(d.Outcome), d.Reason, d.Detail, d.FirstComment); err != nil {
			return fmt.Errorf("insert decision for rule %s: %w", d.RuleID, err)
		}
	}
	return tx.Commit()
}

var _ Sink = (*DBSink)(nil)
