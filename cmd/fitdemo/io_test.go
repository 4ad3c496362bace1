package main

import (
	"math"
	"os"
	"path/filepath"
	"testing"
)

func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func writeTempCSV(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.csv")
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadCSVDatasetTwoColumns(t *testing.T) {
	path := writeTempCSV(t, "0,1\n1,2\n2,4\n")
	ds, err := LoadCSVDataset(path)
	if err != nil {
		t.Fatalf("LoadCSVDataset: %v", err)
	}
	if ds.RowCount() != 3 {
		t.Fatalf("RowCount = %d, want 3", ds.RowCount())
	}
	if ds.Sigma != nil {
		t.Errorf("Sigma = %v, want nil for a two-column file", ds.Sigma)
	}
	wantY := []float64{1, 2, 4}
	for i, w := range wantY {
		if !almostEqual(ds.Y[i], w, 1e-12) {
			t.Errorf("Y[%d] = %g, want %g", i, ds.Y[i], w)
		}
	}
}

func TestLoadCSVDatasetWithSigmaAndBlankLines(t *testing.T) {
	path := writeTempCSV(t, "0, 1, 0.1\n\n1, 2, 0.2\n")
	ds, err := LoadCSVDataset(path)
	if err != nil {
		t.Fatalf("LoadCSVDataset: %v", err)
	}
	if ds.RowCount() != 2 {
		t.Fatalf("RowCount = %d, want 2 (blank line skipped)", ds.RowCount())
	}
	if ds.Sigma == nil || !almostEqual(ds.Sigma[1], 0.2, 1e-12) {
		t.Errorf("Sigma = %v, want [0.1 0.2]", ds.Sigma)
	}
}

func TestLoadCSVDatasetRejectsRaggedRows(t *testing.T) {
	path := writeTempCSV(t, "0,1\n1,2,0.1,9\n")
	if _, err := LoadCSVDataset(path); err == nil {
		t.Fatal("expected an error for a row with too many columns")
	}
}

func TestLoadCSVDatasetRejectsEmptyFile(t *testing.T) {
	path := writeTempCSV(t, "")
	if _, err := LoadCSVDataset(path); err == nil {
		t.Fatal("expected an error for a file with no data rows")
	}
}

func TestLoadCSVDatasetMissingFile(t *testing.T) {
	if _, err := LoadCSVDataset(filepath.Join(t.TempDir(), "missing.csv")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}
