package archive

import (
	"testing"
	"time"

	"github.com/zulandar/beamyard/internal/beam"
	"github.com/zulandar/beamyard/internal/db"
	"github.com/zulandar/beamyard/internal/gather"
	"github.com/zulandar/beamyard/internal/llm"
	"github.com/zulandar/beamyard/internal/models"
	"github.com/zulandar/beamyard/internal/scatter"
	"github.com/zulandar/beamyard/internal/stream"
	"gorm.io/gorm"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := db.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { db.Close(gdb) })
	return gdb
}

func TestRecorder_RoundTrip(t *testing.T) {
	gdb := testDB(t)
	rec := NewRecorder(gdb)

	history := []llm.Message{llm.NewMessage(llm.RoleUser, "capital of France?")}
	if err := rec.SessionOpened("s1", history); err != nil {
		t.Fatalf("SessionOpened: %v", err)
	}

	now := time.Now()
	ray := scatter.Ray{
		ID:      "r1",
		Status:  scatter.StatusSuccess,
		ModelID: "openai/gpt-4o-mini",
		Message: llm.Message{Role: llm.RoleAssistant, Text: "Paris", OriginModel: "gpt-4o-mini-2024", UpdatedAt: &now},
	}
	if err := rec.RaySettled("s1", ray); err != nil {
		t.Fatalf("RaySettled: %v", err)
	}
	stopped := scatter.Ray{
		ID:      "r2",
		Status:  scatter.StatusStopped,
		Message: llm.Message{Role: llm.RoleAssistant, Text: scatter.PlaceholderText},
	}
	if err := rec.RaySettled("s1", stopped); err != nil {
		t.Fatalf("RaySettled: %v", err)
	}
	fusion := gather.Fusion{
		ID:        "f1",
		FactoryID: gather.FactoryFuse,
		Status:    gather.StatusError,
		Issue:     "Issue: quota",
		Output:    &llm.Message{Text: gather.PlaceholderText, OriginModel: "gpt-4o"},
	}
	if err := rec.FusionSettled("s1", fusion); err != nil {
		t.Fatalf("FusionSettled: %v", err)
	}
	if err := rec.Accepted("s1", beam.Acceptance{Source: beam.SourceRay, SourceID: "r1", ModelID: "gpt-4o-mini-2024", Text: "Paris"}); err != nil {
		t.Fatalf("Accepted: %v", err)
	}

	s, err := rec.Session("s1")
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if s.Prompt != "capital of France?" || s.Turns != 1 {
		t.Errorf("session = %+v", s)
	}
	if len(s.Rays) != 2 {
		t.Fatalf("len(Rays) = %d, want 2", len(s.Rays))
	}
	byID := map[string]models.RayRun{}
	for _, r := range s.Rays {
		byID[r.RayID] = r
	}
	if byID["r1"].Text != "Paris" || byID["r1"].OriginModel != "gpt-4o-mini-2024" {
		t.Errorf("r1 = %+v", byID["r1"])
	}
	if byID["r2"].Text != "" || byID["r2"].Status != "stopped" {
		t.Errorf("r2 = %+v, want stopped with no text", byID["r2"])
	}
	if len(s.Fusions) != 1 || s.Fusions[0].Text != "" || s.Fusions[0].Issue != "Issue: quota" {
		t.Errorf("fusions = %+v", s.Fusions)
	}
	if len(s.Acceptances) != 1 || s.Acceptances[0].Source != "ray" {
		t.Errorf("acceptances = %+v", s.Acceptances)
	}

	if _, err := rec.Session("missing"); err == nil {
		t.Error("expected error for missing session")
	}
}

func TestRecorder_RecentSessions(t *testing.T) {
	gdb := testDB(t)
	rec := NewRecorder(gdb)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		rec.now = func() time.Time { return base.Add(time.Duration(i) * time.Hour) }
		if err := rec.SessionOpened(id, []llm.Message{llm.NewMessage(llm.RoleUser, id)}); err != nil {
			t.Fatal(err)
		}
	}
	got, err := rec.RecentSessions(2)
	if err != nil {
		t.Fatalf("RecentSessions: %v", err)
	}
	if len(got) != 2 || got[0].ID != "c" || got[1].ID != "b" {
		t.Errorf("RecentSessions = %+v, want c then b", got)
	}
}

func TestPrune(t *testing.T) {
	gdb := testDB(t)
	rec := NewRecorder(gdb)
	old := time.Now().Add(-40 * 24 * time.Hour)

	rec.now = func() time.Time { return old }
	if err := rec.SessionOpened("old", []llm.Message{llm.NewMessage(llm.RoleUser, "q")}); err != nil {
		t.Fatal(err)
	}
	rec.now = time.Now
	// A late run for the old session still goes with it.
	if err := rec.RaySettled("old", scatter.Ray{ID: "r", Status: scatter.StatusSuccess}); err != nil {
		t.Fatal(err)
	}
	if err := rec.SessionOpened("new", []llm.Message{llm.NewMessage(llm.RoleUser, "q")}); err != nil {
		t.Fatal(err)
	}
	if err := rec.RaySettled("new", scatter.Ray{ID: "r", Status: scatter.StatusSuccess}); err != nil {
		t.Fatal(err)
	}

	n, err := Prune(gdb, time.Now().Add(-30*24*time.Hour))
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d sessions, want 1", n)
	}
	var sessions, rays int64
	gdb.Model(&models.Session{}).Count(&sessions)
	gdb.Model(&models.RayRun{}).Count(&rays)
	if sessions != 1 || rays != 1 {
		t.Errorf("left %d sessions and %d rays, want 1 and 1", sessions, rays)
	}

	n, err = Prune(gdb, time.Now().Add(-30*24*time.Hour))
	if err != nil || n != 0 {
		t.Errorf("second Prune = %d, %v; want 0, nil", n, err)
	}
}

func TestNewPruner_Validation(t *testing.T) {
	gdb := testDB(t)
	if _, err := NewPruner(gdb, 0, "0 3 * * *", nil); err == nil {
		t.Error("expected error for zero retention")
	}
	if _, err := NewPruner(gdb, 30, "every day", nil); err == nil {
		t.Error("expected error for bad schedule")
	}
	if _, err := NewPruner(gdb, 30, "0 0 3 * * *", nil); err == nil {
		t.Error("expected error for 6-field schedule")
	}
}

func TestPruner_RunOnceAndSchedule(t *testing.T) {
	gdb := testDB(t)
	rec := NewRecorder(gdb)
	rec.now = func() time.Time { return time.Now().Add(-10 * 24 * time.Hour) }
	if err := rec.SessionOpened("s", []llm.Message{llm.NewMessage(llm.RoleUser, "q")}); err != nil {
		t.Fatal(err)
	}

	p, err := NewPruner(gdb, 7, "0 3 * * *", nil)
	if err != nil {
		t.Fatalf("NewPruner: %v", err)
	}
	p.Start()
	next := p.Next()
	<-p.Stop().Done()
	if next.IsZero() || next.Hour() != 3 || next.Minute() != 0 {
		t.Errorf("Next() = %v, want 03:00", next)
	}

	n, err := p.RunOnce()
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n != 1 {
		t.Errorf("RunOnce pruned %d, want 1", n)
	}
}

// The recorder plugs into a live store.
func TestRecorder_WithStore(t *testing.T) {
	gdb := testDB(t)
	mock := llm.NewMockClient()
	mock.Default(llm.MockScript{Chunks: []string{"ok"}})
	store := beam.New(beam.Options{
		Runner:   stream.NewRunner(stream.RunnerOpts{Client: mock, ThrottleHz: -1}),
		Recorder: NewRecorder(gdb),
	})
	defer func() {
		store.Close()
		store.Wait()
	}()

	if err := store.Open([]llm.Message{llm.NewMessage(llm.RoleUser, "q")}, "mock/a", nil); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := store.StartAll(); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	store.Wait()

	var rays int64
	gdb.Model(&models.RayRun{}).Where("session_id = ?", store.State().SessionID).Count(&rays)
	if rays != 2 {
		t.Errorf("recorded %d rays, want 2", rays)
	}
}
