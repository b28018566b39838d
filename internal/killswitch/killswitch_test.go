package killswitch

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func TestKillSwitch_GlobalTrigger(t *testing.T) {
	ks := New(nil)

	if blocked, _ := ks.IsBlocked("trace-1"); blocked {
		t.Fatal("expected not blocked initially")
	}
	if ks.GlobalTriggered() {
		t.Fatal("expected armed initially")
	}

	ks.TriggerGlobal("store maintenance", SourceAPI)

	blocked, msg := ks.IsBlocked("trace-1")
	if !blocked {
		t.Fatal("expected blocked after global trigger")
	}
	if msg != "global kill switch activated" {
		t.Errorf("message = %q, want %q", msg, "global kill switch activated")
	}
	if blocked, _ := ks.IsBlocked("trace-99"); !blocked {
		t.Fatal("expected every trace blocked after global trigger")
	}
	if !ks.GlobalTriggered() {
		t.Fatal("GlobalTriggered() = false")
	}
}

func TestKillSwitch_GlobalReset(t *testing.T) {
	ks := New(nil)
	ks.TriggerGlobal("test", SourceAPI)
	ks.ResetGlobal()

	if blocked, _ := ks.IsBlocked("trace-1"); blocked {
		t.Fatal("expected not blocked after reset")
	}
}

func TestKillSwitch_TraceTrigger(t *testing.T) {
	ks := New(nil)

	ks.TriggerTrace("trace-42", "noisy client", SourceAPI)

	blocked, msg := ks.IsBlocked("trace-42")
	if !blocked {
		t.Fatal("expected trace-42 blocked")
	}
	if msg != "trace kill switch activated: noisy client" {
		t.Errorf("message = %q", msg)
	}
	if blocked, _ := ks.IsBlocked("trace-43"); blocked {
		t.Fatal("expected trace-43 not blocked")
	}
	if ks.GlobalTriggered() {
		t.Fatal("trace trigger must not stop everything")
	}

	ks.ResetTrace("trace-42")
	if blocked, _ := ks.IsBlocked("trace-42"); blocked {
		t.Fatal("expected not blocked after trace reset")
	}
}

func TestKillSwitch_GlobalTakesPrecedence(t *testing.T) {
	ks := New(nil)
	ks.TriggerTrace("trace-1", "trace reason", SourceAPI)
	ks.TriggerGlobal("global reason", SourceAPI)

	_, msg := ks.IsBlocked("trace-1")
	if msg != "global kill switch activated" {
		t.Errorf("expected global message, got %q", msg)
	}
}

func TestKillSwitch_HistoryAndStatus(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))
	ks := New(nil, WithClock(mock))

	st := ks.Status()
	if st.Global != nil || len(st.Traces) != 0 || st.HistoryCount != 0 {
		t.Fatalf("initial status = %+v", st)
	}

	ks.TriggerGlobal("reason1", SourceAPI)
	ks.TriggerTrace("trace-1", "reason2", SourceAPI)

	history := ks.History()
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	if history[0].Scope != ScopeGlobal || history[1].Scope != ScopeTrace {
		t.Errorf("history scopes = %q, %q", history[0].Scope, history[1].Scope)
	}
	if !history[0].Timestamp.Equal(mock.Now()) {
		t.Errorf("Timestamp = %v, want %v", history[0].Timestamp, mock.Now())
	}

	st = ks.Status()
	if st.Global == nil || st.Global.Reason != "reason1" {
		t.Errorf("Global = %+v", st.Global)
	}
	if _, ok := st.Traces["trace-1"]; !ok {
		t.Error("expected trace-1 in status")
	}
	if st.HistoryCount != 2 {
		t.Errorf("HistoryCount = %d, want 2", st.HistoryCount)
	}
}

func TestKillSwitch_HistoryIsBounded(t *testing.T) {
	ks := New(nil)
	for i := 0; i < maxHistory+10; i++ {
		ks.TriggerTrace(fmt.Sprintf("trace-%d", i), "bulk", SourceAPI)
	}

	history := ks.History()
	if len(history) != maxHistory {
		t.Fatalf("history length = %d, want %d", len(history), maxHistory)
	}
	if history[0].TraceID != "trace-10" {
		t.Errorf("oldest kept = %q, want trace-10", history[0].TraceID)
	}
}

func TestParseScope(t *testing.T) {
	tests := []struct {
		in      string
		want    Scope
		wantErr bool
	}{
		{"", ScopeGlobal, false},
		{"global", ScopeGlobal, false},
		{"trace", ScopeTrace, false},
		{"cluster", "", true},
	}
	for _, tt := range tests {
		got, err := ParseScope(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseScope(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestKillSwitch_Sentinel(t *testing.T) {
	sentinel := filepath.Join(t.TempDir(), "KILL")
	ks := New(nil, WithSentinel(sentinel))

	ks.CheckSentinel()
	if ks.GlobalTriggered() {
		t.Fatal("expected armed without sentinel file")
	}

	if err := os.WriteFile(sentinel, []byte("STOP"), 0644); err != nil {
		t.Fatal(err)
	}
	ks.CheckSentinel()
	if !ks.GlobalTriggered() {
		t.Fatal("expected triggered after sentinel file created")
	}

	// Calling again should not create duplicate history entries.
	before := len(ks.History())
	ks.CheckSentinel()
	if after := len(ks.History()); after != before {
		t.Errorf("duplicate history entry created: before=%d, after=%d", before, after)
	}

	if err := os.Remove(sentinel); err != nil {
		t.Fatal(err)
	}
	ks.CheckSentinel()
	if ks.GlobalTriggered() {
		t.Fatal("expected reset after sentinel file removed")
	}
}

func TestKillSwitch_SentinelKeepsAPITrigger(t *testing.T) {
	sentinel := filepath.Join(t.TempDir(), "KILL")
	ks := New(nil, WithSentinel(sentinel))

	ks.TriggerGlobal("operator", SourceAPI)
	ks.CheckSentinel()
	if !ks.GlobalTriggered() {
		t.Fatal("missing sentinel file must not reset an API trigger")
	}
}

func TestKillSwitch_NoSentinel(t *testing.T) {
	ks := New(nil)
	ks.CheckSentinel()
	if ks.GlobalTriggered() {
		t.Fatal("expected armed")
	}
}
