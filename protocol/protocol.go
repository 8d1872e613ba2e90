// Package protocol defines the relay wire protocol: the Command shape sent
// client→relay and the Notification shape sent relay→client, with their JSON
// codec. Both shapes are flat, versionless records discriminated by a single
// action/type field; optional fields are present only when the action
// requires them.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/c360/groupmock/errors"
)

// Command actions (client → relay)
const (
	ActionActivate     = "activate"
	ActionQuerySession = "query_session"
	ActionJoinSession  = "join_session"
	ActionLeaveSession = "leave_session"
	ActionEndSession   = "end_session"
	ActionSendMessage  = "send_message"
)

// Notification types (relay → client)
const (
	NotifyConnected           = "connected"
	NotifySessionStarted      = "session_started"
	NotifySessionJoined       = "session_joined"
	NotifySessionLeft         = "session_left"
	NotifySessionEnded        = "session_ended"
	NotifyParticipantsChanged = "session_active_participants_changed"
	NotifySendMessage         = "send_message"
)

// Command is a client-to-relay instruction. Only Action is always set;
// consumers must treat a required field missing for the action as a protocol
// violation (see Validate).
type Command struct {
	Action          string   `json:"action"`
	Identifier      string   `json:"identifier,omitempty"`
	ActivityData    string   `json:"activityData,omitempty"`
	SessionID       string   `json:"sessionId,omitempty"`
	Source          string   `json:"source,omitempty"`
	MessageTypeName string   `json:"messageTypeName,omitempty"`
	MessageValue    string   `json:"messageValue,omitempty"`
	ParticipantIDs  []string `json:"participantIds,omitempty"`
}

// Notification is a relay-to-client event. ParticipantID carries either the
// relay-assigned local participant id (connected) or a comma-joined id list
// (session_active_participants_changed).
type Notification struct {
	Type            string `json:"type"`
	Identifier      string `json:"identifier,omitempty"`
	ActivityData    string `json:"activityData,omitempty"`
	SessionID       string `json:"sessionId,omitempty"`
	ParticipantID   string `json:"participantId,omitempty"`
	Source          string `json:"source,omitempty"`
	MessageTypeName string `json:"messageTypeName,omitempty"`
	MessageValue    string `json:"messageValue,omitempty"`
}

// Activate announces a new activity instance to the relay.
func Activate(identifier, activityData string) Command {
	return Command{Action: ActionActivate, Identifier: identifier, ActivityData: activityData}
}

// QuerySession asks the relay for session state. An empty sessionID means
// "first session"; otherwise the relay answers with the next session after
// the given one.
func QuerySession(identifier, sessionID string) Command {
	return Command{Action: ActionQuerySession, Identifier: identifier, SessionID: sessionID}
}

// JoinSession requests that the local participant join the session.
func JoinSession(identifier, sessionID string) Command {
	return Command{Action: ActionJoinSession, Identifier: identifier, SessionID: sessionID}
}

// LeaveSession requests that the local participant leave the session.
func LeaveSession(identifier, sessionID string) Command {
	return Command{Action: ActionLeaveSession, Identifier: identifier, SessionID: sessionID}
}

// EndSession ends the session for all participants.
func EndSession(identifier, sessionID string) Command {
	return Command{Action: ActionEndSession, Identifier: identifier, SessionID: sessionID}
}

// SendMessage delivers an application message. A nil participantIDs slice
// means broadcast to all participants.
func SendMessage(identifier, sessionID, source, messageTypeName, messageValue string, participantIDs []string) Command {
	return Command{
		Action:          ActionSendMessage,
		Identifier:      identifier,
		SessionID:       sessionID,
		Source:          source,
		MessageTypeName: messageTypeName,
		MessageValue:    messageValue,
		ParticipantIDs:  participantIDs,
	}
}

// EncodeCommand serializes a command to its UTF-8 wire text.
func EncodeCommand(cmd Command) (string, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return "", errors.WrapInvalid(err, "protocol", "EncodeCommand", "marshal command")
	}
	return string(data), nil
}

// DecodeCommand parses wire text into a Command.
func DecodeCommand(text string) (Command, error) {
	var cmd Command
	if err := json.Unmarshal([]byte(text), &cmd); err != nil {
		return Command{}, errors.WrapInvalid(err, "protocol", "DecodeCommand", "unmarshal command")
	}
	if cmd.Action == "" {
		return Command{}, errors.WrapInvalid(errors.ErrMissingField, "protocol", "DecodeCommand", "validate action")
	}
	return cmd, nil
}

// EncodeNotification serializes a notification to its UTF-8 wire text.
func EncodeNotification(n Notification) (string, error) {
	data, err := json.Marshal(n)
	if err != nil {
		return "", errors.WrapInvalid(err, "protocol", "EncodeNotification", "marshal notification")
	}
	return string(data), nil
}

// DecodeNotification parses wire text into a Notification.
func DecodeNotification(text string) (Notification, error) {
	var n Notification
	if err := json.Unmarshal([]byte(text), &n); err != nil {
		return Notification{}, errors.WrapInvalid(err, "protocol", "DecodeNotification", "unmarshal notification")
	}
	if n.Type == "" {
		return Notification{}, errors.WrapInvalid(errors.ErrMissingField, "protocol", "DecodeNotification", "validate type")
	}
	return n, nil
}

// Validate checks that every field the command's action requires is present.
func (c Command) Validate() error {
	missing := func(field string) error {
		return errors.WrapInvalid(errors.ErrMissingField, "Command", "Validate",
			fmt.Sprintf("%s requires %s", c.Action, field))
	}

	switch c.Action {
	case ActionActivate:
		if c.Identifier == "" {
			return missing("identifier")
		}
		if c.ActivityData == "" {
			return missing("activityData")
		}
	case ActionQuerySession:
		if c.Identifier == "" {
			return missing("identifier")
		}
		// sessionId is optional: absent means "first session"
	case ActionJoinSession, ActionLeaveSession, ActionEndSession:
		if c.Identifier == "" {
			return missing("identifier")
		}
		if c.SessionID == "" {
			return missing("sessionId")
		}
	case ActionSendMessage:
		if c.Identifier == "" {
			return missing("identifier")
		}
		if c.SessionID == "" {
			return missing("sessionId")
		}
		if c.Source == "" {
			return missing("source")
		}
		if c.MessageTypeName == "" {
			return missing("messageTypeName")
		}
		if c.MessageValue == "" {
			return missing("messageValue")
		}
	default:
		return errors.WrapInvalid(errors.ErrUnknownAction, "Command", "Validate", c.Action)
	}
	return nil
}

// Validate checks that every field the notification's type requires is
// present. Unknown types pass validation; the dispatcher logs and ignores
// them.
func (n Notification) Validate() error {
	missing := func(field string) error {
		return errors.WrapInvalid(errors.ErrMissingField, "Notification", "Validate",
			fmt.Sprintf("%s requires %s", n.Type, field))
	}

	switch n.Type {
	case NotifyConnected:
		if n.ParticipantID == "" {
			return missing("participantId")
		}
	case NotifySessionStarted:
		if n.Identifier == "" {
			return missing("identifier")
		}
		if n.SessionID == "" {
			return missing("sessionId")
		}
		if n.ActivityData == "" {
			return missing("activityData")
		}
	case NotifySessionJoined, NotifySessionLeft, NotifySessionEnded:
		if n.Identifier == "" {
			return missing("identifier")
		}
		if n.SessionID == "" {
			return missing("sessionId")
		}
	case NotifyParticipantsChanged:
		if n.Identifier == "" {
			return missing("identifier")
		}
		if n.SessionID == "" {
			return missing("sessionId")
		}
		// participantId may be empty: the joined set can shrink to nothing
	case NotifySendMessage:
		if n.Identifier == "" {
			return missing("identifier")
		}
		if n.SessionID == "" {
			return missing("sessionId")
		}
		if n.Source == "" {
			return missing("source")
		}
		if n.MessageTypeName == "" {
			return missing("messageTypeName")
		}
		if n.MessageValue == "" {
			return missing("messageValue")
		}
	}
	return nil
}

// JoinParticipantIDs formats an id list for the participantId field of a
// session_active_participants_changed notification.
func JoinParticipantIDs(ids []string) string {
	return strings.Join(ids, ",")
}

// SplitParticipantIDs parses the comma-joined participantId field of a
// session_active_participants_changed notification. Empty input yields an
// empty list.
func SplitParticipantIDs(joined string) []string {
	if joined == "" {
		return nil
	}
	parts := strings.Split(joined, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
