package pusher

import (
	"bytes"
	"fmt"

	"github.com/goccy/go-json"
)

// Message is one protocol frame. The same type travels to local sockets and
// to peers relaying a broadcast, so Data always holds raw JSON: an object for
// most server events or a JSON encoded string where the protocol expects one.
type Message struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	UserID  string          `json:"user_id,omitempty"`
}

// SubscribeData is the payload of pusher:subscribe and pusher:unsubscribe.
type SubscribeData struct {
	Channel     string `json:"channel"`
	Auth        string `json:"auth,omitempty"`
	ChannelData string `json:"channel_data,omitempty"`
}

// SigninData is the payload of pusher:signin.
type SigninData struct {
	UserData string `json:"user_data"`
	Auth     string `json:"auth"`
}

// ParseMessage decodes a raw frame. Frames without an event name are
// rejected.
func ParseMessage(raw []byte) (*Message, error) {
	var msg Message

	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if msg.Event == "" {
		return nil, fmt.Errorf("decode frame: missing event")
	}
	return &msg, nil
}

// DecodeData unmarshals the message data into v. Data sent as a JSON string
// holding an object is unwrapped first.
func (m *Message) DecodeData(v interface{}) error {
	data := bytes.TrimSpace(m.Data)

	if len(data) == 0 {
		return fmt.Errorf("message %s has no data", m.Event)
	}
	if data[0] == '"' {
		var inner string

		if err := json.Unmarshal(data, &inner); err != nil {
			return err
		}
		data = []byte(inner)
	}
	return json.Unmarshal(data, v)
}

// Encode serializes the frame for the wire.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// NewMessage builds a frame whose data is v encoded as a JSON object.
func NewMessage(event, channel string, v interface{}) *Message {
	msg := &Message{Event: event, Channel: channel}

	if v != nil {
		if raw, ok := v.(json.RawMessage); ok {
			msg.Data = raw
		} else if data, err := json.Marshal(v); err == nil {
			msg.Data = data
		}
	}
	return msg
}

// NewStringMessage builds a frame whose data is v encoded to JSON and then
// wrapped in a JSON string, as the protocol requires for
// connection_established, presence subscription_succeeded and member events.
func NewStringMessage(event, channel string, v interface{}) *Message {
	msg := &Message{Event: event, Channel: channel}

	inner, err := json.Marshal(v)
	if err != nil {
		return msg
	}
	if data, err := json.Marshal(string(inner)); err == nil {
		msg.Data = data
	}
	return msg
}

// ErrorMessage builds a pusher:error frame.
func ErrorMessage(code int, message string) *Message {
	return NewMessage(EventError, "", map[string]interface{}{
		"code":    code,
		"message": message,
	})
}

// SubscriptionError builds a pusher:subscription_error frame.
func SubscriptionError(channel, errType, message string, status int) *Message {
	return NewMessage(EventSubscriptionError, channel, map[string]interface{}{
		"type":   errType,
		"error":  message,
		"status": status,
	})
}

// ConnectionEstablished builds the greeting sent once a socket is accepted.
func ConnectionEstablished(socketID string) *Message {
	return NewStringMessage(EventConnectionEstablished, "", map[string]interface{}{
		"socket_id":        socketID,
		"activity_timeout": ActivityTimeout,
	})
}

// PayloadKilobytes measures data the way limits are expressed: strings by
// their UTF-8 length, anything else by its JSON encoding.
func PayloadKilobytes(data json.RawMessage) float64 {
	trimmed := bytes.TrimSpace(data)

	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string

		if err := json.Unmarshal(trimmed, &s); err == nil {
			return float64(len(s)) / 1024
		}
	}
	return float64(len(trimmed)) / 1024
}
