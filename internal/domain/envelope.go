package domain

import (
	"encoding/json"
	"fmt"
)

// Envelope is the channel-neutral representation of one inbound message.
// Channel-specific webhook parsers produce it; the tracing subsystem and
// relay pipeline accept only this normalized form, never raw per-channel
// structures.
type Envelope struct {
	InstanceName     string          `json:"instance_name"`
	ChannelMessageID string          `json:"channel_message_id"`
	SenderPhone      string          `json:"sender_phone"`
	SenderName       string          `json:"sender_name"`
	SenderChannelID  string          `json:"sender_channel_id"`
	SessionName      string          `json:"session_name"`
	AgentSessionID   string          `json:"agent_session_id"`
	MessageType      string          `json:"message_type"`
	HasMedia         bool            `json:"has_media"`
	HasQuotedMessage bool            `json:"has_quoted_message"`
	Text             string          `json:"text"`
	Raw              json.RawMessage `json:"raw,omitempty"`
}

// Validate checks the fields the tracing subsystem depends on.
func (e *Envelope) Validate() error {
	if e.InstanceName == "" {
		return fmt.Errorf("envelope: instance_name is required")
	}
	if e.SenderPhone == "" && e.SenderChannelID == "" {
		return fmt.Errorf("envelope: a sender identifier is required")
	}
	if e.MessageType == "" {
		return fmt.Errorf("envelope: message_type is required")
	}
	return nil
}
