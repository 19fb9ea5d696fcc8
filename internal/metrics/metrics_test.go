package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestEngineCounters(t *testing.T) {
	m := New()
	m.IncLine("chat")
	m.IncLine("chat")
	m.IncMessage()
	m.ObserveDispatch("stop", "ok", 0.01)
	m.IncDenied("stop", "onlyMe")
	m.IncConnect(false)
	m.SetCommandsLoaded(3)

	if got := testutil.ToFloat64(m.linesTotal.WithLabelValues("chat")); got != 2 {
		t.Fatalf("expected 2 chat lines, got %v", got)
	}
	if got := testutil.ToFloat64(m.dispatchTotal.WithLabelValues("stop", "ok")); got != 1 {
		t.Fatalf("expected 1 dispatch, got %v", got)
	}
	if got := testutil.ToFloat64(m.deniedTotal.WithLabelValues("stop", "onlyMe")); got != 1 {
		t.Fatalf("expected 1 denial, got %v", got)
	}
	if got := testutil.ToFloat64(m.connectsTotal.WithLabelValues("failed")); got != 1 {
		t.Fatalf("expected 1 failed connect, got %v", got)
	}
	if got := testutil.ToFloat64(m.commandsLoaded); got != 3 {
		t.Fatalf("expected 3 commands, got %v", got)
	}
}

func TestSessionStateIsExclusive(t *testing.T) {
	m := New()
	all := []string{"idle", "connected", "closed"}
	m.SetSessionState("connected", all)
	m.SetSessionState("closed", all)

	if got := testutil.ToFloat64(m.sessionState.WithLabelValues("connected")); got != 0 {
		t.Fatalf("expected connected=0, got %v", got)
	}
	if got := testutil.ToFloat64(m.sessionState.WithLabelValues("closed")); got != 1 {
		t.Fatalf("expected closed=1, got %v", got)
	}
}

func TestNilEngineIsSafe(t *testing.T) {
	var m *Engine
	m.IncLine("x")
	m.IncMessage()
	m.ObserveDispatch("a", "ok", 1)
	m.IncDenied("a", "b")
	m.IncConnect(true)
	m.IncFault("x")
	m.SetSessionState("x", nil)
	m.SetCommandsLoaded(1)
	m.IncAuditErrors()
	if m.Registry() != nil {
		t.Fatalf("nil engine must have no registry")
	}
}
