package readiness

import (
	"testing"

	"go.uber.org/zap"

	"github.com/ent0n29/agentbridge/internal/store"
)

func readySnapshot(connected, agent, audio bool) store.Snapshot {
	snap := store.Snapshot{Connection: store.ConnectionDisconnected, AudioStatus: store.AudioIdle}
	if connected {
		snap.Connection = store.ConnectionConnected
	}
	snap.AgentConnected = agent
	if audio {
		snap.AudioStatus = store.AudioPlaying
	}
	return snap
}

func TestTrackerFiresOnceUnderFlapping(t *testing.T) {
	tr := NewTracker(zap.NewNop())
	fired := 0
	tr.OnReady(func(Status) { fired++ })

	tr.Observe(readySnapshot(true, false, false))
	tr.Observe(readySnapshot(true, true, false))
	if fired != 0 {
		t.Fatalf("fired = %d before all conditions held, want 0", fired)
	}

	for i := 0; i < 5; i++ {
		tr.Observe(readySnapshot(true, true, true))
		tr.Observe(readySnapshot(false, false, false))
	}
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}

	st := tr.Status()
	if !st.Ready {
		t.Fatalf("Ready regressed to false after conditions flipped")
	}
	if st.Connected || st.AgentConnected || st.AudioReady {
		t.Fatalf("live conditions not updated: %+v", st)
	}
	select {
	case <-tr.Ready():
	default:
		t.Fatalf("Ready() channel not closed")
	}
}

func TestTrackerLateHookRunsImmediately(t *testing.T) {
	tr := NewTracker(nil)
	tr.Observe(readySnapshot(true, true, true))

	called := false
	tr.OnReady(func(st Status) { called = st.Ready })
	if !called {
		t.Fatalf("late OnReady hook was not invoked")
	}
	if tr.ReadyAt().IsZero() {
		t.Fatalf("ReadyAt() is zero after firing")
	}
}

func TestTrackerReconnectingIsNotConnected(t *testing.T) {
	tr := NewTracker(nil)
	snap := readySnapshot(true, true, true)
	snap.Connection = store.ConnectionReconnecting
	tr.Observe(snap)
	if tr.Status().Ready {
		t.Fatalf("Ready fired while reconnecting")
	}
}

func TestTrackerCopiesError(t *testing.T) {
	tr := NewTracker(nil)
	snap := readySnapshot(false, false, false)
	snap.Error = "connection refused"
	tr.Observe(snap)

	st := tr.Status()
	if st.Error == nil || *st.Error != "connection refused" {
		t.Fatalf("Error = %v, want connection refused", st.Error)
	}
	*st.Error = "mutated"
	if got := *tr.Status().Error; got != "connection refused" {
		t.Fatalf("Status() leaked internal pointer, got %q", got)
	}
}

func TestTrackerAttachFollowsStore(t *testing.T) {
	s := store.New()
	tr := NewTracker(nil)
	detach := tr.Attach(s)
	defer detach()

	s.SetConnection(store.ConnectionConnected, "sess-1")
	s.SetAgentConnected(true)
	s.SetAudioStatus(store.AudioPlaying)

	select {
	case <-tr.Ready():
	default:
		t.Fatalf("ready signal did not fire, status = %+v", tr.Status())
	}
}

func TestTrackerSeesBriefReadyState(t *testing.T) {
	for i := 0; i < 50; i++ {
		s := store.New()
		tr := NewTracker(nil)
		detach := tr.Attach(s)

		s.SetConnection(store.ConnectionConnected, "sess-1")
		s.SetAgentConnected(true)
		s.SetAudioStatus(store.AudioPlaying)
		s.SetAudioStatus(store.AudioError)
		detach()

		st := tr.Status()
		if !st.Ready {
			t.Fatalf("run %d: ready missed although all conditions held together", i)
		}
		if st.AudioReady {
			t.Fatalf("run %d: AudioReady = true after audio error", i)
		}
	}
}

func TestTrackerAttachReplaysCurrentState(t *testing.T) {
	s := store.New()
	s.SetConnection(store.ConnectionConnected, "sess-1")
	s.SetAgentConnected(true)
	s.SetAudioStatus(store.AudioPlaying)

	tr := NewTracker(nil)
	detach := tr.Attach(s)
	detach()
	detach()
	if !tr.Status().Ready {
		t.Fatalf("Attach did not fold the current snapshot")
	}

	s.SetAgentConnected(false)
	if !tr.Status().AgentConnected {
		t.Fatalf("detached tracker still observed store changes")
	}
}
