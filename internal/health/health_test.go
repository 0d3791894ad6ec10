package health

import "testing"

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{OK, "OK"},
		{Warning, "WARNING"},
		{Critical, "CRITICAL"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestHighest(t *testing.T) {
	tests := []struct {
		name   string
		states []State
		want   State
	}{
		{"empty list is OK", nil, OK},
		{"all OK", []State{OK, OK, OK}, OK},
		{"warning wins over OK", []State{OK, Warning, OK}, Warning},
		{"critical wins over warning", []State{Warning, Critical, OK}, Critical},
		{"single critical", []State{Critical}, Critical},
		{"order does not matter", []State{Critical, OK, Warning}, Critical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Highest(tt.states); got != tt.want {
				t.Errorf("Highest(%v) = %v, want %v", tt.states, got, tt.want)
			}
		})
	}
}

func TestOrdering(t *testing.T) {
	if !(OK < Warning && Warning < Critical) {
		t.Fatal("severity ordering broken")
	}
}
