// This file contains the call-namespace-fn wire format and the dispatch table that
// answers namespace queries on behalf of remote nodes.
package namespace

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/eleven-am/pondpush/internal/pusher"
	"github.com/goccy/go-json"
)

// ActionCallNamespaceFn is the peer action that runs a Method on the
// receiving node's namespace.
const ActionCallNamespaceFn = "call-namespace-fn"

// Method names a namespace operation a peer may invoke.
type Method string

const (
	MethodGetSocketsCount             Method = "getSocketsCount"
	MethodGetChannelSocketsCount      Method = "getChannelSocketsCount"
	MethodGetChannelsWithSocketsCount Method = "getChannelsWithSocketsCount"
	MethodGetChannelMembers           Method = "getChannelMembers"
	MethodGetChannelMembersCount      Method = "getChannelMembersCount"
	MethodBroadcastMessage            Method = "broadcastMessage"
	MethodTerminateUserConnections    Method = "terminateUserConnections"
)

// Call is the body of a call-namespace-fn request. Args are positional and
// end with the onlyLocal flag.
type Call struct {
	AppID  string            `json:"appId"`
	Method Method            `json:"method"`
	Args   []json.RawMessage `json:"args"`
}

func newCall(appID string, method Method, args ...interface{}) Call {
	call := Call{AppID: appID, Method: method, Args: make([]json.RawMessage, 0, len(args))}

	for _, arg := range args {
		raw, err := json.Marshal(arg)
		if err != nil {
			raw = json.RawMessage("null")
		}
		call.Args = append(call.Args, raw)
	}
	return call
}

// DecodeCall parses a call-namespace-fn body.
func DecodeCall(body []byte) (Call, error) {
	var call Call

	if err := json.Unmarshal(body, &call); err != nil {
		return call, fmt.Errorf("decode namespace call: %w", err)
	}
	if call.AppID == "" || call.Method == "" {
		return call, fmt.Errorf("namespace call needs appId and method")
	}
	return call, nil
}

type remoteHandler func(ctx context.Context, n *Namespace, args []json.RawMessage) (interface{}, error)

// Remote callers always get the local answer; the trailing onlyLocal flag
// is accepted for wire compatibility and otherwise ignored.
var remoteMethods = map[Method]remoteHandler{
	MethodGetSocketsCount: func(ctx context.Context, n *Namespace, _ []json.RawMessage) (interface{}, error) {
		return n.SocketsCount(ctx, true), nil
	},
	MethodGetChannelSocketsCount: func(ctx context.Context, n *Namespace, args []json.RawMessage) (interface{}, error) {
		channel, err := stringArg(args, 0)
		if err != nil {
			return nil, err
		}
		return n.ChannelSocketsCount(ctx, channel, true), nil
	},
	MethodGetChannelsWithSocketsCount: func(ctx context.Context, n *Namespace, _ []json.RawMessage) (interface{}, error) {
		return n.ChannelsWithSocketsCount(ctx, true), nil
	},
	MethodGetChannelMembers: func(ctx context.Context, n *Namespace, args []json.RawMessage) (interface{}, error) {
		channel, err := stringArg(args, 0)
		if err != nil {
			return nil, err
		}
		return n.ChannelMembers(ctx, channel, true), nil
	},
	MethodGetChannelMembersCount: func(ctx context.Context, n *Namespace, args []json.RawMessage) (interface{}, error) {
		channel, err := stringArg(args, 0)
		if err != nil {
			return nil, err
		}
		return n.ChannelMembersCount(ctx, channel, true), nil
	},
	MethodBroadcastMessage: func(ctx context.Context, n *Namespace, args []json.RawMessage) (interface{}, error) {
		channel, err := stringArg(args, 0)
		if err != nil {
			return nil, err
		}
		if len(args) < 2 {
			return nil, fmt.Errorf("broadcastMessage needs a message")
		}
		var msg pusher.Message

		if err := json.Unmarshal(args[1], &msg); err != nil {
			return nil, fmt.Errorf("decode broadcast message: %w", err)
		}
		exceptID, _ := stringArg(args, 2)

		n.BroadcastMessage(ctx, channel, &msg, exceptID, true)

		return nil, nil
	},
	MethodTerminateUserConnections: func(ctx context.Context, n *Namespace, args []json.RawMessage) (interface{}, error) {
		userID, err := stringArg(args, 0)
		if err != nil {
			return nil, err
		}
		n.TerminateUserConnections(ctx, userID, true)

		return nil, nil
	},
}

// Invoke runs a peer's call against this namespace and encodes the result.
func (n *Namespace) Invoke(ctx context.Context, method Method, args []json.RawMessage) ([]byte, error) {
	handler, ok := remoteMethods[method]
	if !ok {
		return nil, fmt.Errorf("unknown namespace method %q", method)
	}
	result, err := handler(ctx, n, args)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	return EncodeResult(result)
}

// stringArg reads args[i] as a string. Numbers are accepted and kept in
// their literal form; null reads as empty.
func stringArg(args []json.RawMessage, i int) (string, error) {
	if i >= len(args) {
		return "", fmt.Errorf("missing argument %d", i)
	}
	raw := bytes.TrimSpace(args[i])

	switch {
	case len(raw) == 0 || bytes.Equal(raw, []byte("null")):
		return "", nil
	case raw[0] == '"':
		var s string

		err := json.Unmarshal(raw, &s)

		return s, err
	default:
		return string(raw), nil
	}
}

// EncodeResult renders a namespace result for the wire: maps become a JSON
// array of [key, value] entries, numbers their decimal string and nil an
// empty body.
func EncodeResult(v interface{}) ([]byte, error) {
	switch value := v.(type) {
	case nil:
		return nil, nil
	case int:
		return []byte(strconv.Itoa(value)), nil
	case float64:
		if value == math.Trunc(value) {
			return []byte(strconv.FormatInt(int64(value), 10)), nil
		}
		return []byte(strconv.FormatFloat(value, 'f', -1, 64)), nil
	case map[string]int:
		entries := make([][2]interface{}, 0, len(value))

		for _, key := range sortedKeys(value) {
			entries = append(entries, [2]interface{}{key, value[key]})
		}
		return json.Marshal(entries)
	case map[string]json.RawMessage:
		entries := make([][2]interface{}, 0, len(value))

		for _, key := range sortedKeys(value) {
			info := value[key]
			if len(info) == 0 {
				info = json.RawMessage("null")
			}
			entries = append(entries, [2]interface{}{key, info})
		}
		return json.Marshal(entries)
	default:
		return json.Marshal(value)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))

	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	return keys
}

// decodeCount reads a count reply. Anything unreadable counts as zero.
func decodeCount(body []byte) int {
	text := string(bytes.Trim(bytes.TrimSpace(body), `"`))

	if count, err := strconv.Atoi(text); err == nil {
		return count
	}
	if f, err := strconv.ParseFloat(text, 64); err == nil {
		return int(f)
	}
	return 0
}

type countEntry [2]json.RawMessage

func (e countEntry) key() string {
	key, _ := stringArg(e[:], 0)

	return key
}

func (e countEntry) count() int {
	return decodeCount(e[1])
}

type memberEntry [2]json.RawMessage

func (e memberEntry) key() string {
	key, _ := stringArg(e[:], 0)

	return key
}

func (e memberEntry) info() json.RawMessage {
	if bytes.Equal(bytes.TrimSpace(e[1]), []byte("null")) {
		return nil
	}
	return e[1]
}
