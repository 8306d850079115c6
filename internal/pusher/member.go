package pusher

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/goccy/go-json"
)

// PresenceMember is a socket's identity inside one presence channel.
type PresenceMember struct {
	UserID   string          `json:"user_id"`
	UserInfo json.RawMessage `json:"user_info,omitempty"`
	SocketID string          `json:"socket_id,omitempty"`
}

// ParsePresenceMember decodes channel_data. user_id may arrive as a number
// or a string and is normalized to a string.
func ParsePresenceMember(channelData string) (*PresenceMember, error) {
	var raw struct {
		UserID   json.RawMessage `json:"user_id"`
		UserInfo json.RawMessage `json:"user_info"`
	}

	if err := json.Unmarshal([]byte(channelData), &raw); err != nil {
		return nil, fmt.Errorf("decode channel_data: %w", err)
	}
	id, err := normalizeID(raw.UserID)
	if err != nil {
		return nil, err
	}
	return &PresenceMember{UserID: id, UserInfo: raw.UserInfo}, nil
}

// ParseUser decodes signin user_data. The object must carry an id field.
func ParseUser(userData string) (string, map[string]interface{}, error) {
	var user map[string]interface{}

	if err := json.Unmarshal([]byte(userData), &user); err != nil {
		return "", nil, fmt.Errorf("decode user_data: %w", err)
	}
	rawID, ok := user["id"]
	if !ok || rawID == nil {
		return "", nil, fmt.Errorf(`the returned user data must contain the "id" field`)
	}
	var id string

	switch v := rawID.(type) {
	case string:
		id = v
	case float64:
		id = strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		id = v.String()
	default:
		id = fmt.Sprint(v)
	}
	if id == "" {
		return "", nil, fmt.Errorf(`the returned user data must contain the "id" field`)
	}
	user["id"] = id

	return id, user, nil
}

func normalizeID(raw json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(raw)

	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "", fmt.Errorf("channel_data is missing user_id")
	}
	if trimmed[0] == '"' {
		var s string

		if err := json.Unmarshal(trimmed, &s); err != nil {
			return "", err
		}
		if s == "" {
			return "", fmt.Errorf("channel_data is missing user_id")
		}
		return s, nil
	}
	return string(trimmed), nil
}

// PresenceData is the payload of a presence subscription_succeeded frame.
type PresenceData struct {
	IDs   []string                   `json:"ids"`
	Hash  map[string]json.RawMessage `json:"hash"`
	Count int                        `json:"count"`
}

// NewPresenceData builds the roster from a user id -> user info map.
func NewPresenceData(members map[string]json.RawMessage) PresenceData {
	data := PresenceData{
		IDs:   make([]string, 0, len(members)),
		Hash:  make(map[string]json.RawMessage, len(members)),
		Count: len(members),
	}
	for id, info := range members {
		data.IDs = append(data.IDs, id)

		if len(info) == 0 {
			info = json.RawMessage("{}")
		}
		data.Hash[id] = info
	}
	return data
}
