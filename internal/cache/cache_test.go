package cache

import (
	"path/filepath"
	"testing"

	"github.com/man-navlakha/mechanic-agent/internal/protocol"
)

func openTemp(t *testing.T) (*Cache, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.db")
	c, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c, path
}

func TestJobRoundTripAcrossReopen(t *testing.T) {
	c, path := openTemp(t)

	offer := protocol.JobOffer{
		ID:          "42",
		CustomerRef: "cust-1",
		VehicleType: "car",
		Problem:     "dead battery",
		LocationRef: "loc-9",
		OfferedAt:   protocol.Timestamp("2026-01-02T15:04:05Z"),
	}
	if err := c.SaveJob(offer); err != nil {
		t.Fatalf("SaveJob: %v", err)
	}
	c.Close()

	// Simulate a process restart.
	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.LoadJob()
	if err != nil {
		t.Fatalf("LoadJob: %v", err)
	}
	if got == nil {
		t.Fatal("expected persisted job, got nil")
	}
	if *got != offer {
		t.Errorf("job = %+v, want %+v", *got, offer)
	}
}

func TestLoadJob_EmptyIsNil(t *testing.T) {
	c, _ := openTemp(t)
	got, err := c.LoadJob()
	if err != nil {
		t.Fatalf("LoadJob: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestClearJob(t *testing.T) {
	c, _ := openTemp(t)
	if err := c.SaveJob(protocol.JobOffer{ID: "1"}); err != nil {
		t.Fatal(err)
	}
	if err := c.ClearJob(); err != nil {
		t.Fatalf("ClearJob: %v", err)
	}
	got, err := c.LoadJob()
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("expected nil after clear, got %+v", got)
	}
}

func TestSaveJob_LastWriterWins(t *testing.T) {
	c, _ := openTemp(t)
	if err := c.SaveJob(protocol.JobOffer{ID: "1"}); err != nil {
		t.Fatal(err)
	}
	if err := c.SaveJob(protocol.JobOffer{ID: "2"}); err != nil {
		t.Fatal(err)
	}
	got, err := c.LoadJob()
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != "2" {
		t.Errorf("job = %+v, want ID 2", got)
	}
}

func TestIntendedOnlinePersists(t *testing.T) {
	c, path := openTemp(t)

	if online, err := c.IntendedOnline(); err != nil || online {
		t.Errorf("IntendedOnline() = %v, %v; want false, nil", online, err)
	}
	if err := c.SetIntendedOnline(true); err != nil {
		t.Fatal(err)
	}
	c.Close()

	reopened, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	online, err := reopened.IntendedOnline()
	if err != nil {
		t.Fatal(err)
	}
	if !online {
		t.Error("intended flag should survive reopen")
	}
}
