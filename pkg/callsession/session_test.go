package callsession

import "testing"

func TestStatus(t *testing.T) {
	tests := []struct {
		status   Status
		valid    bool
		terminal bool
	}{
		{StatusConnecting, true, false},
		{StatusOngoing, true, false},
		{StatusEnded, true, true},
		{StatusError, true, true},
		{Status("ringing"), false, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.IsValid(); got != tt.valid {
				t.Errorf("IsValid() = %v, want %v", got, tt.valid)
			}
			if got := tt.status.IsTerminal(); got != tt.terminal {
				t.Errorf("IsTerminal() = %v, want %v", got, tt.terminal)
			}
		})
	}
}
