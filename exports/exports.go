// Package exports writes marketplace activity snapshots to disk for
// downstream accounting and analytics. Each run produces a CSV usable by
// spreadsheet tooling and a parquet file for the warehouse loaders.
package exports

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"namemarket/marketdb"
)

// Source supplies activity rows for an export window.
type Source interface {
	ActivityBetween(ctx context.Context, start, end time.Time) ([]marketdb.Activity, error)
}

// Config wires the exporter to its activity source and output location.
type Config struct {
	Source    Source
	OutputDir string
	Now       func() time.Time
	Logger    *slog.Logger
}

// Exporter renders activity windows into CSV and parquet artifacts.
type Exporter struct {
	source Source
	outDir string
	now    func() time.Time
	log    *slog.Logger
}

// Result describes the artifacts produced by a single run.
type Result struct {
	CSVPath     string
	ParquetPath string
	Rows        int
}

// New validates the configuration and returns an Exporter.
func New(cfg Config) (*Exporter, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("exports: source is required")
	}
	if cfg.OutputDir == "" {
		return nil, fmt.Errorf("exports: output directory is required")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Exporter{source: cfg.Source, outDir: cfg.OutputDir, now: now, log: log}, nil
}

type parquetRow struct {
	Name      string `parquet:"name=name, type=UTF8"`
	Kind      string `parquet:"name=kind, type=UTF8"`
	Actor     string `parquet:"name=actor, type=UTF8"`
	PriceWei  string `parquet:"name=price_wei, type=UTF8"`
	TxHash    string `parquet:"name=tx_hash, type=UTF8"`
	CreatedAt string `parquet:"name=created_at, type=UTF8"`
}

// Run exports every activity row recorded inside [start, end] and returns
// the written file paths. The output directory for a run is named after the
// window start date so repeated runs for the same day overwrite cleanly.
func (e *Exporter) Run(ctx context.Context, start, end time.Time) (*Result, error) {
	rows, err := e.source.ActivityBetween(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("exports: load activity: %w", err)
	}
	dir := filepath.Join(e.outDir, start.UTC().Format("2006-01-02"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("exports: create output dir: %w", err)
	}
	csvPath := filepath.Join(dir, "activity.csv")
	if err := e.writeCSV(csvPath, rows); err != nil {
		return nil, err
	}
	parquetPath := filepath.Join(dir, "activity.parquet")
	if err := e.writeParquet(parquetPath, rows); err != nil {
		return nil, err
	}
	e.log.Info("activity export complete",
		"rows", len(rows),
		"window_start", start.UTC().Format(time.RFC3339),
		"window_end", end.UTC().Format(time.RFC3339),
		"dir", dir)
	return &Result{CSVPath: csvPath, ParquetPath: parquetPath, Rows: len(rows)}, nil
}

func (e *Exporter) writeCSV(path string, rows []marketdb.Activity) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("exports: create csv: %w", err)
	}
	defer file.Close()

	w := csv.NewWriter(file)
	header := []string{"name", "kind", "actor", "price_wei", "tx_hash", "created_at"}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("exports: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			row.Name,
			string(row.Kind),
			row.Actor,
			row.PriceWei,
			row.TxHash,
			row.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("exports: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("exports: flush csv: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("exports: close csv: %w", err)
	}
	return nil
}

func (e *Exporter) writeParquet(path string, rows []marketdb.Activity) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("exports: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("exports: create parquet writer: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, row := range rows {
		rec := parquetRow{
			Name:      row.Name,
			Kind:      string(row.Kind),
			Actor:     row.Actor,
			PriceWei:  row.PriceWei,
			TxHash:    row.TxHash,
			CreatedAt: row.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := pw.Write(rec); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("exports: write parquet row: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("exports: finish parquet: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("exports: close parquet: %w", err)
	}
	return nil
}
