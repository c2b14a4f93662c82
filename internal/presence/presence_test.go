package presence

import "testing"

func TestJoinDefaultsToIdle(t *testing.T) {
	r := New()
	r.Join("p1")
	p, ok := r.Get("p1")
	if !ok || p.Role != RoleIdle {
		t.Fatalf("expected idle role, got %+v ok=%v", p, ok)
	}
}

func TestStartStreamingThenJoinAsListener(t *testing.T) {
	r := New()
	r.Join("source1")
	r.Join("listener1")

	r.StartStreaming("source1", StreamConfig{Source: "microphone", Quality: "high"})
	if !r.IsActiveSource("source1") {
		t.Fatal("source1 should be active after StartStreaming")
	}

	if ok := r.JoinAsListener("listener1", "source1"); !ok {
		t.Fatal("expected join to succeed against an active source")
	}
	p, _ := r.Get("listener1")
	if p.Role != RoleListener || p.ListeningTo != "source1" {
		t.Fatalf("unexpected listener state: %+v", p)
	}

	counts := r.ListenerCounts()
	if counts["source1"] != 1 {
		t.Fatalf("expected 1 listener, got %d", counts["source1"])
	}
}

func TestJoinAsListenerRejectsInactiveSource(t *testing.T) {
	r := New()
	r.Join("listener1")
	if ok := r.JoinAsListener("listener1", "nobody"); ok {
		t.Fatal("expected join against a non-streaming source to fail")
	}
}

func TestStopStreamingDetachesListeners(t *testing.T) {
	r := New()
	r.Join("source1")
	r.Join("listener1")
	r.StartStreaming("source1", StreamConfig{Source: "system"})
	r.JoinAsListener("listener1", "source1")

	former := r.StopStreaming("source1")
	if len(former) != 1 || former[0] != "listener1" {
		t.Fatalf("expected listener1 to be displaced, got %v", former)
	}
	p, _ := r.Get("listener1")
	if p.Role != RoleIdle {
		t.Fatalf("expected listener1 to revert to idle, got %+v", p)
	}
	if r.IsActiveSource("source1") {
		t.Fatal("source1 should no longer be active")
	}
}

func TestStopStreamingIsIdempotent(t *testing.T) {
	r := New()
	r.Join("p1")
	if got := r.StopStreaming("p1"); got != nil {
		t.Fatalf("expected nil for a peer that was never streaming, got %v", got)
	}
	r.StartStreaming("p1", StreamConfig{Source: "file"})
	r.StopStreaming("p1")
	if got := r.StopStreaming("p1"); got != nil {
		t.Fatalf("second StopStreaming call should be a no-op, got %v", got)
	}
}

func TestJoinAsListenerSwitchesSource(t *testing.T) {
	r := New()
	r.Join("s1")
	r.Join("s2")
	r.Join("l1")
	r.StartStreaming("s1", StreamConfig{Source: "microphone"})
	r.StartStreaming("s2", StreamConfig{Source: "microphone"})

	r.JoinAsListener("l1", "s1")
	r.JoinAsListener("l1", "s2")

	counts := r.ListenerCounts()
	if counts["s1"] != 0 {
		t.Fatalf("expected s1 to have no listeners after switch, got %d", counts["s1"])
	}
	if counts["s2"] != 1 {
		t.Fatalf("expected s2 to have 1 listener, got %d", counts["s2"])
	}
}

func TestLeaveAsListenerIsIdempotent(t *testing.T) {
	r := New()
	r.Join("l1")
	r.LeaveAsListener("l1") // no-op, never listening
	p, _ := r.Get("l1")
	if p.Role != RoleIdle {
		t.Fatalf("expected idle, got %+v", p)
	}
}

func TestLeaveRemovesPeerEntirely(t *testing.T) {
	r := New()
	r.Join("p1")
	r.Leave("p1")
	if _, ok := r.Get("p1"); ok {
		t.Fatal("expected peer to be fully removed")
	}
}

func TestDevicesSnapshot(t *testing.T) {
	r := New()
	r.Join("p1")
	r.StartStreaming("p1", StreamConfig{Source: "microphone", Quality: "low"})
	devices := r.Devices()
	if len(devices) != 1 {
		t.Fatalf("expected 1 device, got %d", len(devices))
	}
	if devices[0].Role != string(RoleSource) {
		t.Fatalf("expected source role, got %s", devices[0].Role)
	}
}
