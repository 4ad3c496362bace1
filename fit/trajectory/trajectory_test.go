package trajectory_test

import (
	"bytes"
	"math"
	"testing"
	"time"

	"github.com/adgarrio-labs/qsoas-fitcore/fit/trajectory"
)

func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func record(start time.Time, residual float64) *trajectory.FitTrajectory {
	return &trajectory.FitTrajectory{
		StartTime:         start,
		EndTime:           start.Add(time.Second),
		EngineName:        "levenberg-marquardt",
		OverallResidual:   residual,
		Ending:            trajectory.Converged,
		InitialParameters: []float64{0, 0},
		FinalParameters:   []float64{1, 2},
	}
}

func TestBestPicksLowestResidual(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ts := &trajectory.FitTrajectories{}
	ts.Append(record(base, 3.0))
	ts.Append(record(base.Add(time.Minute), 0.5))
	ts.Append(record(base.Add(2*time.Minute), 1.2))

	best := ts.Best()
	if best == nil || !almostEqual(best.OverallResidual, 0.5, 1e-12) {
		t.Fatalf("Best() = %v, want residual 0.5", best)
	}
}

func TestKeepBestTrajectoriesTrims(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ts := &trajectory.FitTrajectories{}
	for i, r := range []float64{5, 1, 4, 2, 3} {
		ts.Append(record(base.Add(time.Duration(i)*time.Minute), r))
	}
	ts.KeepBestTrajectories(2)
	if len(ts.Records) != 2 {
		t.Fatalf("len(Records) = %d, want 2", len(ts.Records))
	}
	for _, rec := range ts.Records {
		if rec.OverallResidual > 2 {
			t.Errorf("kept a record with residual %g, want only the 2 best (<=2)", rec.OverallResidual)
		}
	}
}

func TestTrimDropsRecordsAboveThreshold(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ts := &trajectory.FitTrajectories{}
	ts.Append(record(base, 1.0))
	ts.Append(record(base.Add(time.Minute), 2.5))
	ts.Append(record(base.Add(2*time.Minute), 10.0))

	ts.Trim(2.0)
	if len(ts.Records) != 1 {
		t.Fatalf("len(Records) = %d, want 1 (only the residual-1.0 record survives a 2x threshold)", len(ts.Records))
	}
	if !almostEqual(ts.Records[0].OverallResidual, 1.0, 1e-12) {
		t.Errorf("surviving record residual = %g, want 1.0", ts.Records[0].OverallResidual)
	}
}

func TestMergeDeduplicatesByStartEndEngine(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	shared := record(base, 1.0)

	a := &trajectory.FitTrajectories{}
	a.Append(shared)
	a.Append(record(base.Add(time.Minute), 2.0))

	b := &trajectory.FitTrajectories{}
	b.Append(shared) // same (start,end,engine) key: must not duplicate
	b.Append(record(base.Add(2*time.Minute), 3.0))

	a.Merge(b)
	if len(a.Records) != 3 {
		t.Fatalf("len(Records) = %d, want 3 (2 original + 1 new from b, shared record deduplicated)", len(a.Records))
	}
}

func TestFlagRoundTrip(t *testing.T) {
	rec := record(time.Now(), 1.0)
	rec.SetFlag("suspicious")
	if !rec.HasFlag("suspicious") {
		t.Fatal("HasFlag should report true right after SetFlag")
	}
	rec.ClearFlag("suspicious")
	if rec.HasFlag("suspicious") {
		t.Fatal("HasFlag should report false after ClearFlag")
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	base := time.Date(2026, 3, 15, 10, 30, 0, 0, time.UTC)
	ts := &trajectory.FitTrajectories{}
	rec := record(base, 0.75)
	rec.SetFlag("reviewed")
	rec.Iterations = 7
	rec.Evaluations = 12
	rec.Unknown = map[string]string{"custom-tag": "abc"}
	ts.Append(rec)

	var buf bytes.Buffer
	if err := ts.Write(&buf); err != nil {
		t.Fatalf("Write: %v", err)
	}

	roundTripped, err := trajectory.Read(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(roundTripped.Records) != 1 {
		t.Fatalf("len(Records) = %d, want 1", len(roundTripped.Records))
	}
	got := roundTripped.Records[0]

	if !got.StartTime.Equal(rec.StartTime) {
		t.Errorf("StartTime = %v, want %v", got.StartTime, rec.StartTime)
	}
	if got.EngineName != rec.EngineName {
		t.Errorf("EngineName = %q, want %q", got.EngineName, rec.EngineName)
	}
	if !almostEqual(got.OverallResidual, rec.OverallResidual, 1e-9) {
		t.Errorf("OverallResidual = %g, want %g", got.OverallResidual, rec.OverallResidual)
	}
	if got.Ending != rec.Ending {
		t.Errorf("Ending = %v, want %v", got.Ending, rec.Ending)
	}
	if got.Iterations != rec.Iterations {
		t.Errorf("Iterations = %d, want %d", got.Iterations, rec.Iterations)
	}
	if !got.HasFlag("reviewed") {
		t.Error("flag 'reviewed' did not survive the round trip")
	}
	if len(got.FinalParameters) != len(rec.FinalParameters) {
		t.Fatalf("FinalParameters length = %d, want %d", len(got.FinalParameters), len(rec.FinalParameters))
	}
	for i := range rec.FinalParameters {
		if !almostEqual(got.FinalParameters[i], rec.FinalParameters[i], 1e-9) {
			t.Errorf("FinalParameters[%d] = %g, want %g", i, got.FinalParameters[i], rec.FinalParameters[i])
		}
	}
	if got.Unknown["custom-tag"] != "abc" {
		t.Errorf("Unknown[custom-tag] = %q, want %q (unknown keys must be preserved)", got.Unknown["custom-tag"], "abc")
	}
}
