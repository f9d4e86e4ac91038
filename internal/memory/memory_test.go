package memory

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/scholarlab/lectern/pkg/models"
)

func TestStoreAndGet(t *testing.T) {
	m := New()
	m.Store("topic", "mediation analysis", models.MemoryContext, "controller", 7, 0)

	got, ok := m.Get("topic")
	if !ok {
		t.Fatal("Get(topic) = false, want true")
	}
	if got != "mediation analysis" {
		t.Errorf("Get(topic) = %q", got)
	}

	entry, ok := m.GetEntry("topic")
	if !ok {
		t.Fatal("GetEntry(topic) = false, want true")
	}
	if entry.Importance != 7 || entry.SourceAgent != "controller" {
		t.Errorf("entry = %+v", entry)
	}

	if _, ok := m.Get("missing"); ok {
		t.Error("Get(missing) = true, want false")
	}
}

func TestOverwriteByKey(t *testing.T) {
	m := New()
	m.Store("draft", "first", models.MemoryContext, "analyst", 5, 0)
	m.Store("draft", "second", models.MemoryContext, "reviewer", 5, 0)

	got, _ := m.Get("draft")
	if got != "second" {
		t.Errorf("Get(draft) = %q, want second", got)
	}
	if n := len(m.GetByType(models.MemoryContext)); n != 1 {
		t.Errorf("context entries = %d, want 1 (overwrite, not append)", n)
	}
	if n := len(m.GetByAgent("analyst")); n != 0 {
		t.Errorf("analyst entries = %d, want 0 after overwrite by reviewer", n)
	}
}

func TestExpiryPrunedOnRead(t *testing.T) {
	m := New()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }

	m.Store("ephemeral", "gone soon", models.MemoryTask, "controller", 5, 10*time.Minute)
	m.Store("durable", "stays", models.MemoryTask, "controller", 5, 0)

	if _, ok := m.Get("ephemeral"); !ok {
		t.Fatal("entry should be live before expiry")
	}

	m.now = func() time.Time { return base.Add(11 * time.Minute) }
	if _, ok := m.Get("ephemeral"); ok {
		t.Error("expired entry should not be returned")
	}
	if n := len(m.GetByType(models.MemoryTask)); n != 1 {
		t.Errorf("task entries = %d, want 1 after lazy prune", n)
	}
	if _, ok := m.Get("durable"); !ok {
		t.Error("non-expiring entry must survive")
	}
}

func TestCleanupExpired(t *testing.T) {
	m := New()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }

	m.Store("a", "1", models.MemoryFact, "x", 5, time.Minute)
	m.Store("b", "2", models.MemoryFact, "x", 5, time.Hour)
	m.now = func() time.Time { return base.Add(5 * time.Minute) }

	if n := m.CleanupExpired(); n != 1 {
		t.Errorf("CleanupExpired() = %d, want 1", n)
	}
	if s := m.Stats(); s.TotalEntries != 1 {
		t.Errorf("TotalEntries = %d, want 1", s.TotalEntries)
	}
}

func TestImportanceClamped(t *testing.T) {
	m := New()
	e := m.Store("low", "v", models.MemoryFact, "x", -3, 0)
	if e.Importance != 1 {
		t.Errorf("importance = %d, want 1", e.Importance)
	}
	e = m.Store("high", "v", models.MemoryFact, "x", 42, 0)
	if e.Importance != 10 {
		t.Errorf("importance = %d, want 10", e.Importance)
	}
}

func TestGetImportant(t *testing.T) {
	m := New()
	m.Store("minor", "v", models.MemoryFact, "x", 3, 0)
	m.Store("major", "v", models.MemoryDecision, "x", 8, 0)
	m.Store("critical", "v", models.MemoryFeedback, "x", 10, 0)

	got := m.GetImportant(7)
	if len(got) != 2 {
		t.Fatalf("GetImportant(7) = %d entries, want 2", len(got))
	}
	for _, e := range got {
		if e.Importance < 7 {
			t.Errorf("entry %q below floor: %d", e.Key, e.Importance)
		}
	}
}

func TestPersonaContext(t *testing.T) {
	m := New()
	if _, ok := m.PersonaContext(); ok {
		t.Error("PersonaContext on fresh memory should be absent")
	}
	m.SetPersona("dr-chen", "statistics professor, APA style")
	ctx, ok := m.PersonaContext()
	if !ok || ctx != "statistics professor, APA style" {
		t.Errorf("PersonaContext = %q, %v", ctx, ok)
	}
	entry, _ := m.GetEntry("persona:dr-chen")
	if entry.Importance != 10 {
		t.Errorf("persona importance = %d, want 10", entry.Importance)
	}
}

func TestFactsDeduplicateByContent(t *testing.T) {
	m := New()
	m.AddFact("sample size drives power", "analyst", 6)
	m.AddFact("sample size drives power", "reviewer", 6)
	m.AddFact("bootstrap the indirect effect", "analyst", 6)

	facts := m.Facts()
	if len(facts) != 2 {
		t.Errorf("Facts() = %d entries, want 2", len(facts))
	}
}

func TestCompressOrderingAndCaps(t *testing.T) {
	m := New()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	step := 0
	m.now = func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Second)
	}

	for i := 0; i < 30; i++ {
		m.Store(fmt.Sprintf("k%d", i), strings.Repeat("v", 300), models.MemoryFact, "x", 1+i%10, 0)
	}
	m.SetWorkflowContext(map[string]string{"workflow": "explain"})

	compressed := m.Compress(0)
	if len(compressed.KeyMemories) != 20 {
		t.Fatalf("KeyMemories = %d, want 20", len(compressed.KeyMemories))
	}
	for i := 1; i < len(compressed.KeyMemories); i++ {
		if compressed.KeyMemories[i].Importance > compressed.KeyMemories[i-1].Importance {
			t.Fatal("entries not sorted by importance desc")
		}
	}
	for _, e := range compressed.KeyMemories {
		if len(e.Value) > 200 {
			t.Errorf("value length = %d, want <= 200", len(e.Value))
		}
	}
	if compressed.Workflow["workflow"] != "explain" {
		t.Errorf("workflow context = %v", compressed.Workflow)
	}
}

func TestExportJSON(t *testing.T) {
	m := New()
	m.Store("topic", "mediation analysis", models.MemoryContext, "controller", 7, 0)
	m.SetPersona("dr-chen", "statistics professor")

	out, err := m.ExportJSON()
	if err != nil {
		t.Fatalf("ExportJSON: %v", err)
	}
	for _, want := range []string{`"topic"`, `"mediation analysis"`, `"dr-chen"`} {
		if !strings.Contains(out, want) {
			t.Errorf("export missing %s:\n%s", want, out)
		}
	}
}

func TestClear(t *testing.T) {
	m := New()
	m.Store("a", "1", models.MemoryFact, "x", 5, 0)
	m.SetWorkflowContext(map[string]string{"k": "v"})
	m.Clear()

	if s := m.Stats(); s.TotalEntries != 0 || len(s.WorkflowContext) != 0 {
		t.Errorf("after Clear, stats = %+v", s)
	}
}
