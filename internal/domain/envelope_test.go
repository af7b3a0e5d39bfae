package domain

import "testing"

func TestEnvelope_Validate(t *testing.T) {
	valid := Envelope{
		InstanceName: "main",
		SenderPhone:  "+15550000000",
		MessageType:  "text",
	}

	tests := []struct {
		name    string
		mutate  func(e *Envelope)
		wantErr bool
	}{
		{"valid", func(e *Envelope) {}, false},
		{"channel id instead of phone", func(e *Envelope) {
			e.SenderPhone = ""
			e.SenderChannelID = "555@c.us"
		}, false},
		{"missing instance", func(e *Envelope) { e.InstanceName = "" }, true},
		{"missing sender", func(e *Envelope) { e.SenderPhone = "" }, true},
		{"missing message type", func(e *Envelope) { e.MessageType = "" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := valid
			tt.mutate(&e)
			err := e.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestTraceStatus_IsTerminal(t *testing.T) {
	terminal := []TraceStatus{StatusBlocked, StatusCompleted, StatusError}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("IsTerminal(%s) = false, want true", s)
		}
	}
	for _, s := range []TraceStatus{StatusReceived, StatusProcessing} {
		if s.IsTerminal() {
			t.Errorf("IsTerminal(%s) = true, want false", s)
		}
	}
}
