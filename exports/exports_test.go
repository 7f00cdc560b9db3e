package exports

import (
	"context"
	"encoding/csv"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"namemarket/marketdb"
)

type stubSource struct {
	rows []marketdb.Activity
	err  error
}

func (s *stubSource) ActivityBetween(ctx context.Context, start, end time.Time) ([]marketdb.Activity, error) {
	if s.err != nil {
		return nil, s.err
	}
	var out []marketdb.Activity
	for _, row := range s.rows {
		if row.CreatedAt.Before(start) || row.CreatedAt.After(end) {
			continue
		}
		out = append(out, row)
	}
	return out, nil
}

func testActivity(created time.Time) []marketdb.Activity {
	return []marketdb.Activity{
		{
			ID:        uuid.New(),
			Name:      "vault",
			Kind:      marketdb.ActivityPurchased,
			Actor:     "0x1111111111111111111111111111111111111111",
			PriceWei:  "1500000000000000000",
			TxHash:    "0xaaaa",
			CreatedAt: created,
		},
		{
			ID:        uuid.New(),
			Name:      "abc",
			Kind:      marketdb.ActivityListed,
			Actor:     "0x2222222222222222222222222222222222222222",
			PriceWei:  "800000000000000000",
			TxHash:    "",
			CreatedAt: created.Add(time.Hour),
		},
	}
}

func TestNewRequiresSourceAndDir(t *testing.T) {
	if _, err := New(Config{OutputDir: t.TempDir()}); err == nil {
		t.Fatal("expected error without source")
	}
	if _, err := New(Config{Source: &stubSource{}}); err == nil {
		t.Fatal("expected error without output dir")
	}
}

func TestRunWritesCSVAndParquet(t *testing.T) {
	start := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)
	dir := t.TempDir()
	exp, err := New(Config{
		Source:    &stubSource{rows: testActivity(start.Add(2 * time.Hour))},
		OutputDir: dir,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("new exporter: %v", err)
	}

	res, err := exp.Run(context.Background(), start, end)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Rows != 2 {
		t.Fatalf("rows = %d, want 2", res.Rows)
	}
	if want := filepath.Join(dir, "2026-03-14", "activity.csv"); res.CSVPath != want {
		t.Fatalf("csv path = %s, want %s", res.CSVPath, want)
	}

	file, err := os.Open(res.CSVPath)
	if err != nil {
		t.Fatalf("open csv: %v", err)
	}
	defer file.Close()
	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("csv rows = %d, want header plus 2", len(records))
	}
	if records[0][0] != "name" || records[0][5] != "created_at" {
		t.Fatalf("unexpected header: %v", records[0])
	}
	if records[1][0] != "vault" || records[1][1] != string(marketdb.ActivityPurchased) {
		t.Fatalf("unexpected first row: %v", records[1])
	}
	if records[1][3] != "1500000000000000000" {
		t.Fatalf("price column = %s", records[1][3])
	}

	info, err := os.Stat(res.ParquetPath)
	if err != nil {
		t.Fatalf("stat parquet: %v", err)
	}
	if info.Size() == 0 {
		t.Fatal("parquet file is empty")
	}
}

func TestRunEmptyWindow(t *testing.T) {
	start := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	exp, err := New(Config{
		Source:    &stubSource{},
		OutputDir: t.TempDir(),
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("new exporter: %v", err)
	}
	res, err := exp.Run(context.Background(), start, start.Add(time.Hour))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Rows != 0 {
		t.Fatalf("rows = %d, want 0", res.Rows)
	}
	file, err := os.Open(res.CSVPath)
	if err != nil {
		t.Fatalf("open csv: %v", err)
	}
	defer file.Close()
	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("csv rows = %d, want header only", len(records))
	}
}
