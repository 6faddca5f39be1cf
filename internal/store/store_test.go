package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"stockbot/pkg/types"
)

func TestSaveAndLoadAll(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	pos := types.Position{
		Symbol:   "005930",
		Qty:      37,
		AvgCost:  20_020,
		OpenedAt: time.Now().Truncate(time.Second),
		Strategy: types.StrategyGap,
		Status:   types.PositionOpen,
	}
	if err := s.SavePosition(pos); err != nil {
		t.Fatalf("SavePosition: %v", err)
	}

	loaded, err := s.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("loaded = %+v", loaded)
	}
	if loaded[0].Symbol != pos.Symbol || loaded[0].Qty != 37 || loaded[0].AvgCost != 20_020 {
		t.Errorf("loaded = %+v", loaded[0])
	}
}

func TestLoadAllEmptyDir(t *testing.T) {
	t.Parallel()

	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	loaded, err := s.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(loaded) != 0 {
		t.Errorf("loaded = %+v, want empty", loaded)
	}
}

func TestSavePositionOverwrites(t *testing.T) {
	t.Parallel()

	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	_ = s.SavePosition(types.Position{Symbol: "005930", Qty: 10, Status: types.PositionOpen})
	_ = s.SavePosition(types.Position{Symbol: "005930", Qty: 20, Status: types.PositionOpen})

	loaded, err := s.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(loaded) != 1 || loaded[0].Qty != 20 {
		t.Errorf("loaded = %+v, want latest save", loaded)
	}
}

func TestRemovePosition(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	_ = s.SavePosition(types.Position{Symbol: "005930", Qty: 10, Status: types.PositionOpen})
	if err := s.RemovePosition("005930"); err != nil {
		t.Fatalf("RemovePosition: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "pos_005930.json")); !os.IsNotExist(err) {
		t.Error("position file should be gone")
	}

	// Removing a missing position is not an error.
	if err := s.RemovePosition("000660"); err != nil {
		t.Errorf("RemovePosition missing: %v", err)
	}
}

func TestLoadAllSkipsGarbage(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	_ = s.SavePosition(types.Position{Symbol: "005930", Qty: 5, Status: types.PositionOpen})
	if err := os.WriteFile(filepath.Join(dir, "pos_junk.json"), []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	loaded, err := s.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(loaded) != 1 || loaded[0].Symbol != "005930" {
		t.Errorf("loaded = %+v", loaded)
	}
}
