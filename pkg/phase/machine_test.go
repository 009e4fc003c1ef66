package phase

import (
	"testing"
)

func TestMachine_ForwardSequence(t *testing.T) {
	m := NewMachine(MachineConfig{})

	if got := m.Start(); got != Brainstorm {
		t.Fatalf("expected BRAINSTORM after start, got %s", got)
	}

	want := []Phase{Critique, Revise, Synthesize, Consensus, Complete}
	for _, expected := range want {
		got := m.Advance(Recommendation{NextPhase: m.Current().Next()})
		if got != expected {
			t.Fatalf("expected %s, got %s", expected, got)
		}
	}

	if !m.Current().Terminal() {
		t.Errorf("expected terminal phase, got %s", m.Current())
	}
}

func TestMachine_HighConfidenceJump(t *testing.T) {
	m := NewMachine(MachineConfig{})
	m.Start()

	got := m.Advance(Recommendation{
		NextPhase:   Consensus,
		Confidence:  0.95,
		IsPhaseJump: true,
		JumpReason:  "identical answers",
	})
	if got != Consensus {
		t.Fatalf("expected jump to CONSENSUS, got %s", got)
	}

	// From CONSENSUS, a jump recommendation may complete directly.
	got = m.Advance(Recommendation{
		NextPhase:   Complete,
		Confidence:  0.95,
		IsPhaseJump: true,
	})
	if got != Complete {
		t.Fatalf("expected jump to COMPLETE, got %s", got)
	}
}

func TestMachine_BackwardJumpRejected(t *testing.T) {
	m := NewMachine(MachineConfig{})
	m.Start()
	m.Advance(Recommendation{NextPhase: Critique})
	m.Advance(Recommendation{NextPhase: Revise})

	got := m.Advance(Recommendation{
		NextPhase:   Brainstorm,
		IsPhaseJump: true,
	})
	if got != Synthesize {
		t.Fatalf("expected fallback to forward step SYNTHESIZE, got %s", got)
	}
}

func TestMachine_RoundCapForcesAdvance(t *testing.T) {
	m := NewMachine(MachineConfig{MaxRoundsPerPhase: 2})
	m.Start()

	// Recommendation keeps asking to stay in BRAINSTORM.
	stay := Recommendation{NextPhase: Brainstorm}

	if got := m.Advance(stay); got != Brainstorm {
		t.Fatalf("expected to stay in BRAINSTORM, got %s", got)
	}
	if got := m.Advance(stay); got != Critique {
		t.Fatalf("expected forced advance to CRITIQUE at cap, got %s", got)
	}
}

func TestMachine_CancelIsTerminal(t *testing.T) {
	m := NewMachine(MachineConfig{})
	m.Start()

	if got := m.Cancel(); got != Failed {
		t.Fatalf("expected FAILED, got %s", got)
	}
	if got := m.Advance(Recommendation{NextPhase: Critique}); got != Failed {
		t.Fatalf("terminal machine must not advance, got %s", got)
	}
}

func TestPhase_Ordering(t *testing.T) {
	if !Brainstorm.Before(Consensus) {
		t.Error("BRAINSTORM should come before CONSENSUS")
	}
	if Consensus.Before(Brainstorm) {
		t.Error("CONSENSUS should not come before BRAINSTORM")
	}
	if Failed.Before(Complete) {
		t.Error("FAILED has no ordering")
	}
}
