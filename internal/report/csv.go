// Package report renders the run's decision log: CSV files for every
// run, plus an optional MariaDB audit store for run history.
package report

import (
	"encoding/csv"
	"fmt"
	"os"

	"github.com/apinto/fmc-rule-cleanup/internal/model"
)

// Sink receives the ordered decision list and run metadata once the
// run finishes (or aborts).
type Sink interface {
	Write(meta model.RunMetadata, decisions []model.Decision) error
}

// CSVSink writes two files: the full decision log and a disabled-only
// extract for change review.
type CSVSink struct {
	allPath      string
	disabledPath string
}

func NewCSVSink(allPath, disabledPath string) *CSVSink {
	return &CSVSink{allPath: allPath, disabledPath: disabledPath}
}

var csvHeader = []string{"device", "rule_name", "rule_id", "outcome", "reason", "detail", "first_comment", "dry_run"}

func (s *CSVSink) Write(meta model.RunMetadata, decisions []model.Decision) error {
	allFile, err := os.Create(s.allPath)
	if err != nil {
		return fmt.Errorf("create report file: %w", err)
	}
	defer allFile.Close()

	disabledFile, err := os.Create(s.disabledPath)
	if err != nil {
		return fmt.Errorf("create disabled report file: %w", err)
	}
	defer disabledFile.Close()

	allWriter := csv.NewWriter(allFile)
	disabledWriter := csv.NewWriter(disabledFile)

	if err := allWriter.Write(csvHeader); err != nil {
		return err
	}
	if err := disabledWriter.Write(csvHeader); err != nil {
		return err
	}

	dryRun := fmt.Sprintf("%t", meta.DryRun)
	for _, d := range decisions {
		record := []string{
			meta.Device,
			d.RuleName,
			d.RuleID,
			string(d.Outcome),
			d.Reason,
			d.Detail,
			d.FirstComment,
			dryRun,
		}
		if err := allWriter.Write(record); err != nil {
			return err
		}
		if d.Outcome == model.Disabled || d.Outcome == model.WouldDisable {
			if err := disabledWriter.Write(record); err != nil {
				return err
			}
		}
	}

	allWriter.Flush()
	disabledWriter.Flush()
	if err := allWriter.Error(); err != nil {
		return err
	}
	return disabledWriter.Error()
}

var _ Sink = (*CSVSink)(nil)
