package dispatchtrace

import "testing"

func TestTraceIDDeterminism(t *testing.T) {
	first := New("owner", "mod", "id-1", "!stop")
	second := New("owner", "mod", "id-1", "!stop")
	if first.TraceID != second.TraceID {
		t.Fatalf("expected deterministic trace id, got %q and %q", first.TraceID, second.TraceID)
	}

	different := New("owner", "mod", "id-2", "!stop")
	if first.TraceID == different.TraceID {
		t.Fatalf("expected different trace id when message id changes")
	}
}

func TestCounterIncrements(t *testing.T) {
	trace := New("owner", "viewer", "id-3", "!hide")
	if got := trace.Count(StageSeen); got != 1 {
		t.Fatalf("expected seen to be 1, got %d", got)
	}
	if count := trace.Inc(StageResolved); count != 1 {
		t.Fatalf("expected resolved to be 1, got %d", count)
	}
	if count := trace.Inc(StageDenied); count != 1 {
		t.Fatalf("expected denied to be 1, got %d", count)
	}
	if count := trace.Inc(StageDenied); count != 2 {
		t.Fatalf("expected denied to be 2 after increment, got %d", count)
	}
}

func TestNilTrace(t *testing.T) {
	var trace *Trace
	if trace.Inc(StageSeen) != 0 || trace.Count(StageSeen) != 0 {
		t.Fatalf("nil trace must count nothing")
	}
	trace.Log(nil, "noop")
}
