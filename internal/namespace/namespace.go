// Package namespace keeps the per application registry of local sockets,
// channel membership and signed in users, and merges it with the same
// registry on every peer watching the application.
package namespace

import (
	"context"
	"sort"
	"sync"

	"github.com/eleven-am/pondpush/internal/logging"
	"github.com/eleven-am/pondpush/internal/peer"
	"github.com/eleven-am/pondpush/internal/pusher"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// Socket is the view of a connection the namespace needs. Send must not
// block on a slow client.
type Socket interface {
	ID() string
	User() (string, bool)
	Presence(channel string) (*pusher.PresenceMember, bool)
	Send(msg *pusher.Message) error
	SendAndClose(msg *pusher.Message, code int) error
}

// Peers issues a request to every node watching a topic and returns the
// replies that arrived in time.
type Peers interface {
	MakeRequestToWatchers(ctx context.Context, topic, action string, version int, body []byte) []peer.Reply
}

// Topic is the peer topic nodes watch while they hold sockets of appID.
func Topic(appID string) string {
	return "app-" + appID
}

type Namespace struct {
	appID  string
	peers  Peers
	logger zerolog.Logger

	mu       sync.RWMutex
	sockets  map[string]Socket
	channels map[string]map[string]struct{}
	users    map[string]map[string]struct{}
}

// New creates the namespace of appID. peers may be nil, in which case every
// query is local.
func New(appID string, peers Peers) *Namespace {
	return &Namespace{
		appID:    appID,
		peers:    peers,
		logger:   logging.WithApp("namespace", appID),
		sockets:  make(map[string]Socket),
		channels: make(map[string]map[string]struct{}),
		users:    make(map[string]map[string]struct{}),
	}
}

func (n *Namespace) AppID() string {
	return n.appID
}

func (n *Namespace) AddSocket(s Socket) bool {
	n.mu.Lock()

	defer n.mu.Unlock()

	n.sockets[s.ID()] = s

	return true
}

// AddSocketWithin adds the socket unless the application would then hold
// more than limit sockets cluster wide. A negative limit admits everyone.
// Peer counts are gathered first; the local count and the insert share one
// critical section so concurrent admissions cannot both take the last slot.
func (n *Namespace) AddSocketWithin(ctx context.Context, s Socket, limit int) bool {
	if limit < 0 {
		return n.AddSocket(s)
	}
	remote := 0

	for _, reply := range n.requestPeers(ctx, newCall(n.appID, MethodGetSocketsCount, true)) {
		remote += decodeCount(reply.Body)
	}
	n.mu.Lock()

	defer n.mu.Unlock()

	if len(n.sockets)+remote+1 > limit {
		return false
	}
	n.sockets[s.ID()] = s

	return true
}

// RemoveSocket drops the socket together with its channel and user entries.
// It reports whether the socket was registered.
func (n *Namespace) RemoveSocket(socketID string) bool {
	n.mu.Lock()

	defer n.mu.Unlock()

	for channel := range n.channels {
		n.removeFromChannelLocked(socketID, channel)
	}
	for userID, ids := range n.users {
		delete(ids, socketID)

		if len(ids) == 0 {
			delete(n.users, userID)
		}
	}
	_, existed := n.sockets[socketID]
	delete(n.sockets, socketID)

	return existed
}

// AddToChannel returns the number of local sockets in channel afterwards.
func (n *Namespace) AddToChannel(s Socket, channel string) int {
	n.mu.Lock()

	defer n.mu.Unlock()

	members, ok := n.channels[channel]
	if !ok {
		members = make(map[string]struct{})
		n.channels[channel] = members
	}
	members[s.ID()] = struct{}{}

	return len(members)
}

// RemoveFromChannel returns the number of local sockets left in channel.
func (n *Namespace) RemoveFromChannel(socketID, channel string) int {
	n.mu.Lock()

	defer n.mu.Unlock()

	return n.removeFromChannelLocked(socketID, channel)
}

func (n *Namespace) RemoveFromChannels(socketID string, channels []string) {
	n.mu.Lock()

	defer n.mu.Unlock()

	for _, channel := range channels {
		n.removeFromChannelLocked(socketID, channel)
	}
}

func (n *Namespace) removeFromChannelLocked(socketID, channel string) int {
	members, ok := n.channels[channel]
	if !ok {
		return 0
	}
	delete(members, socketID)

	if len(members) == 0 {
		delete(n.channels, channel)

		return 0
	}
	return len(members)
}

func (n *Namespace) IsInChannel(socketID, channel string) bool {
	n.mu.RLock()

	defer n.mu.RUnlock()

	_, ok := n.channels[channel][socketID]

	return ok
}

// AddUser indexes the socket under its signed in user. Anonymous sockets are
// ignored.
func (n *Namespace) AddUser(s Socket) {
	userID, ok := s.User()
	if !ok {
		return
	}
	n.mu.Lock()

	defer n.mu.Unlock()

	ids, exists := n.users[userID]
	if !exists {
		ids = make(map[string]struct{})
		n.users[userID] = ids
	}
	ids[s.ID()] = struct{}{}
}

func (n *Namespace) RemoveUser(s Socket) {
	userID, ok := s.User()
	if !ok {
		return
	}
	n.mu.Lock()

	defer n.mu.Unlock()

	ids, exists := n.users[userID]
	if !exists {
		return
	}
	delete(ids, s.ID())

	if len(ids) == 0 {
		delete(n.users, userID)
	}
}

func (n *Namespace) UserSockets(userID string) []Socket {
	n.mu.RLock()

	defer n.mu.RUnlock()

	sockets := make([]Socket, 0, len(n.users[userID]))

	for id := range n.users[userID] {
		if s, ok := n.sockets[id]; ok {
			sockets = append(sockets, s)
		}
	}
	return sockets
}

// ChannelSockets returns the local sockets in channel keyed by socket id.
func (n *Namespace) ChannelSockets(channel string) map[string]Socket {
	n.mu.RLock()

	defer n.mu.RUnlock()

	sockets := make(map[string]Socket, len(n.channels[channel]))

	for id := range n.channels[channel] {
		if s, ok := n.sockets[id]; ok {
			sockets[id] = s
		}
	}
	return sockets
}

// Sockets returns every local socket.
func (n *Namespace) Sockets() []Socket {
	n.mu.RLock()

	defer n.mu.RUnlock()

	sockets := make([]Socket, 0, len(n.sockets))

	for _, s := range n.sockets {
		sockets = append(sockets, s)
	}
	return sockets
}

// Channels lists the channels with at least one local socket.
func (n *Namespace) Channels() []string {
	n.mu.RLock()

	defer n.mu.RUnlock()

	channels := make([]string, 0, len(n.channels))

	for channel := range n.channels {
		channels = append(channels, channel)
	}
	sort.Strings(channels)

	return channels
}

// Clear forgets every socket, channel and user.
func (n *Namespace) Clear() {
	n.mu.Lock()

	defer n.mu.Unlock()

	n.sockets = make(map[string]Socket)
	n.channels = make(map[string]map[string]struct{})
	n.users = make(map[string]map[string]struct{})
}

// SocketsCount counts the sockets of the application, cluster wide unless
// onlyLocal is set.
func (n *Namespace) SocketsCount(ctx context.Context, onlyLocal bool) int {
	n.mu.RLock()
	size := len(n.sockets)
	n.mu.RUnlock()

	if onlyLocal {
		return size
	}
	for _, reply := range n.requestPeers(ctx, newCall(n.appID, MethodGetSocketsCount, true)) {
		size += decodeCount(reply.Body)
	}
	return size
}

// ChannelSocketsCount counts the sockets in channel. Peers are asked even
// when no local socket is in the channel.
func (n *Namespace) ChannelSocketsCount(ctx context.Context, channel string, onlyLocal bool) int {
	n.mu.RLock()
	size := len(n.channels[channel])
	n.mu.RUnlock()

	if onlyLocal {
		return size
	}
	for _, reply := range n.requestPeers(ctx, newCall(n.appID, MethodGetChannelSocketsCount, channel, true)) {
		size += decodeCount(reply.Body)
	}
	return size
}

// ChannelsWithSocketsCount maps every occupied channel to its socket count.
func (n *Namespace) ChannelsWithSocketsCount(ctx context.Context, onlyLocal bool) map[string]int {
	n.mu.RLock()
	list := make(map[string]int, len(n.channels))

	for channel, members := range n.channels {
		list[channel] = len(members)
	}
	n.mu.RUnlock()

	if onlyLocal {
		return list
	}
	for _, reply := range n.requestPeers(ctx, newCall(n.appID, MethodGetChannelsWithSocketsCount, true)) {
		var entries []countEntry

		if err := json.Unmarshal(reply.Body, &entries); err != nil {
			n.logger.Warn().Err(err).Str("peer", reply.Peer).Msg("malformed channels reply")

			continue
		}
		for _, entry := range entries {
			list[entry.key()] += entry.count()
		}
	}
	return list
}

// ChannelMembers maps user ids present in channel to their user info. Local
// sockets win over peer replies for the same user.
func (n *Namespace) ChannelMembers(ctx context.Context, channel string, onlyLocal bool) map[string]json.RawMessage {
	members := make(map[string]json.RawMessage)

	for _, s := range n.ChannelSockets(channel) {
		if member, ok := s.Presence(channel); ok && member != nil {
			members[member.UserID] = member.UserInfo
		}
	}
	if onlyLocal {
		return members
	}
	for _, reply := range n.requestPeers(ctx, newCall(n.appID, MethodGetChannelMembers, channel, true)) {
		var entries []memberEntry

		if err := json.Unmarshal(reply.Body, &entries); err != nil {
			n.logger.Warn().Err(err).Str("peer", reply.Peer).Msg("malformed members reply")

			continue
		}
		for _, entry := range entries {
			userID := entry.key()

			if _, local := members[userID]; !local {
				members[userID] = entry.info()
			}
		}
	}
	return members
}

// ChannelMembersCount sums the distinct users each node sees in channel.
func (n *Namespace) ChannelMembersCount(ctx context.Context, channel string, onlyLocal bool) int {
	size := len(n.ChannelMembers(ctx, channel, true))

	if onlyLocal {
		return size
	}
	for _, reply := range n.requestPeers(ctx, newCall(n.appID, MethodGetChannelMembersCount, channel, true)) {
		size += decodeCount(reply.Body)
	}
	return size
}

// TerminateUserConnections closes every socket signed in as userID with code
// 4009. Peers are told first without waiting for them.
func (n *Namespace) TerminateUserConnections(ctx context.Context, userID string, onlyLocal bool) {
	if !onlyLocal {
		n.tellPeers(ctx, newCall(n.appID, MethodTerminateUserConnections, userID, true))
	}
	frame := pusher.ErrorMessage(pusher.CodeUnauthorized, "You got disconnected by the app.")

	for _, s := range n.Sockets() {
		if id, ok := s.User(); !ok || id != userID {
			continue
		}
		if err := s.SendAndClose(frame, pusher.CodeUnauthorized); err != nil {
			n.logger.Debug().Err(err).Str("socket_id", s.ID()).Msg("failed to terminate socket")
		}
	}
}

// BroadcastMessage delivers msg to the local members of channel except the
// socket exceptID. Channels named #server-to-user-{id} reach that user's
// sockets instead. Peers are told first without waiting for them.
func (n *Namespace) BroadcastMessage(ctx context.Context, channel string, msg *pusher.Message, exceptID string, onlyLocal bool) {
	if !onlyLocal {
		var except interface{}
		if exceptID != "" {
			except = exceptID
		}
		n.tellPeers(ctx, newCall(n.appID, MethodBroadcastMessage, channel, msg, except, true))
	}

	if userID, ok := pusher.UserFromChannel(channel); ok {
		for _, s := range n.UserSockets(userID) {
			n.deliver(s, msg)
		}
		return
	}
	for id, s := range n.ChannelSockets(channel) {
		if exceptID != "" && id == exceptID {
			continue
		}
		n.deliver(s, msg)
	}
}

func (n *Namespace) deliver(s Socket, msg *pusher.Message) {
	if err := s.Send(msg); err != nil {
		n.logger.Debug().Err(err).Str("socket_id", s.ID()).Str("event", msg.Event).Msg("failed to deliver message")
	}
}

func (n *Namespace) requestPeers(ctx context.Context, call Call) []peer.Reply {
	if n.peers == nil {
		return nil
	}
	body, err := json.Marshal(call)
	if err != nil {
		n.logger.Error().Err(err).Str("method", string(call.Method)).Msg("failed to encode peer call")

		return nil
	}
	replies := n.peers.MakeRequestToWatchers(ctx, Topic(n.appID), ActionCallNamespaceFn, 1, body)

	if len(replies) > 0 {
		n.logger.Debug().Str("method", string(call.Method)).Int("replies", len(replies)).Msg("peer request done")
	}
	return replies
}

// tellPeers sends call to the watchers in the background. The request
// outlives ctx's cancellation.
func (n *Namespace) tellPeers(ctx context.Context, call Call) {
	if n.peers == nil {
		return
	}
	detached := context.WithoutCancel(ctx)

	go n.requestPeers(detached, call)
}
