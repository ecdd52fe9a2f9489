package engine

import "testing"

func TestSystemStateDefaultIsInit(t *testing.T) {
	s := NewSystemState()
	if s.Get() != StateInit {
		t.Fatalf("Get = %v, want StateInit", s.Get())
	}
	if s.Ready() {
		t.Fatalf("Ready on fresh state = true, want false")
	}
}

func TestSystemStateReadyFlagTracksReadyState(t *testing.T) {
	s := NewSystemState()
	s.Set(StateBrokerConnected)
	if s.Ready() {
		t.Fatalf("Ready before StateReady = true, want false")
	}
	s.Set(StateReady)
	if !s.Ready() {
		t.Fatalf("Ready at StateReady = false, want true")
	}
	s.Set(StateError)
	if s.Ready() {
		t.Fatalf("Ready after leaving StateReady = true, want false")
	}
}

func TestStateStringNamesAllValues(t *testing.T) {
	for st := StateInit; st <= StateError; st++ {
		if st.String() == "UNKNOWN" {
			t.Fatalf("state %d has no name", st)
		}
	}
}

func TestWallClockPlausibleRange(t *testing.T) {
	cases := []struct {
		epoch uint32
		want  bool
	}{
		{0, false},
		{Epoch2024 - 1, false},
		{Epoch2024, true},
		{1720000000, true},
		{Epoch2030 - 1, true},
		{Epoch2030, false},
	}
	for _, tt := range cases {
		if got := WallClockPlausible(tt.epoch); got != tt.want {
			t.Errorf("WallClockPlausible(%d) = %v, want %v", tt.epoch, got, tt.want)
		}
	}
}
