package tape

import "testing"

func TestPruneWindowPreservesOrder(t *testing.T) {
	tp := New()
	tp.AppendUser("open calendar", "")
	tp.AppendAssistant("opening calendar", "w1")
	tp.AppendUser("check mail", "")
	tp.AppendAssistant("two unread messages", "")
	tp.AppendUser("close it", "w1")

	tp.PruneWindow("w1")

	entries := tp.Entries()
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries after pruning, got %d", len(entries))
	}
	for _, e := range entries {
		if e.Window == "w1" {
			t.Fatalf("pruned window entry survived: %+v", e)
		}
	}
	want := []string{"open calendar", "check mail", "two unread messages"}
	for i, content := range want {
		if entries[i].Content != content {
			t.Fatalf("order changed at %d: got %q want %q", i, entries[i].Content, content)
		}
	}
}

func TestRecentMainPairsExcludesWindows(t *testing.T) {
	tp := New()
	tp.AppendUser("first question", "")
	tp.AppendAssistant("first answer", "")
	tp.AppendUser("window chatter", "w1")
	tp.AppendAssistant("window reply", "w1")
	tp.AppendUser("second question", "")
	tp.AppendAssistant("second answer", "")
	tp.AppendUser("dangling user turn", "")

	pairs := tp.RecentMainPairs(10)
	if len(pairs) != 2 {
		t.Fatalf("expected 2 pairs, got %d", len(pairs))
	}
	if pairs[0].User != "first question" || pairs[1].Assistant != "second answer" {
		t.Fatalf("unexpected pairs: %+v", pairs)
	}
}

func TestRecentMainPairsBounded(t *testing.T) {
	tp := New()
	for i := 0; i < 5; i++ {
		tp.AppendUser("q", "")
		tp.AppendAssistant("a", "")
	}
	if got := len(tp.RecentMainPairs(3)); got != 3 {
		t.Fatalf("expected 3 pairs, got %d", got)
	}
	if got := tp.RecentMainPairs(0); got != nil {
		t.Fatalf("expected nil for zero maxPairs")
	}
}
