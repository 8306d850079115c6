// Package channels implements joining and leaving channels. Each channel
// type is an ordered chain of checks run before the membership change; the
// more restrictive types put their checks in front of the public ones.
package channels

import (
	"context"
	"fmt"

	"github.com/eleven-am/pondpush/internal/apps"
	"github.com/eleven-am/pondpush/internal/namespace"
	"github.com/eleven-am/pondpush/internal/pusher"
)

// Socket is a connection that can join channels.
type Socket interface {
	namespace.Socket
	App() *apps.App
	ClearUserAuthenticationTimeout()
}

// Namespaces resolves the namespace of an application.
type Namespaces interface {
	Namespace(appID string) *namespace.Namespace
}

// JoinRequest carries the fields of a pusher:subscribe frame.
type JoinRequest struct {
	Channel     string
	Auth        string
	ChannelData string
}

// JoinResponse reports the outcome of a join. A refused join leaves
// membership untouched.
type JoinResponse struct {
	Success            bool
	ChannelConnections int
	AuthError          bool
	Member             *pusher.PresenceMember
	ErrorCode          int
	ErrorMessage       string
	Type               string
}

// LeaveResponse reports a leave. RemainingConnections counts the local
// sockets still in the channel.
type LeaveResponse struct {
	Left                 bool
	RemainingConnections int
	Member               *pusher.PresenceMember
}

type joinState struct {
	member *pusher.PresenceMember
}

// stage inspects a join. Returning a response stops the chain with it.
type stage func(ctx context.Context, m *Manager, s Socket, req JoinRequest, state *joinState) *JoinResponse

// Manager joins and leaves channels of one type.
type Manager struct {
	kind       pusher.ChannelType
	namespaces Namespaces
	stages     []stage
	signable   func(socketID string, req JoinRequest) string
}

// Kind is the channel type the manager serves.
func (m *Manager) Kind() pusher.ChannelType {
	return m.kind
}

// Join runs the checks of the channel type and, when all pass, adds the
// socket to the channel.
func (m *Manager) Join(ctx context.Context, s Socket, req JoinRequest) JoinResponse {
	state := &joinState{}

	for _, check := range m.stages {
		if refused := check(ctx, m, s, req, state); refused != nil {
			return *refused
		}
	}
	connections := m.namespaces.Namespace(s.App().ID).AddToChannel(s, req.Channel)

	if m.kind != pusher.ChannelPublic {
		s.ClearUserAuthenticationTimeout()
	}
	response := JoinResponse{Success: true, ChannelConnections: connections}

	if state.member != nil {
		state.member.SocketID = s.ID()
		response.Member = state.member
	}
	return response
}

// Leave removes the socket from the channel. For presence channels the
// socket's member is attached so the caller can announce its departure.
func (m *Manager) Leave(_ context.Context, s Socket, channel string) LeaveResponse {
	remaining := m.namespaces.Namespace(s.App().ID).RemoveFromChannel(s.ID(), channel)
	response := LeaveResponse{Left: true, RemainingConnections: remaining}

	if m.kind == pusher.ChannelPresence {
		if member, ok := s.Presence(channel); ok {
			response.Member = member
		}
	}
	return response
}

// Registry hands out the manager for a channel name.
type Registry struct {
	managers map[pusher.ChannelType]*Manager
}

// NewRegistry builds the managers of every channel type. Private channels
// run the signature check ahead of the public checks; presence channels also
// check the member limits first.
func NewRegistry(namespaces Namespaces) *Registry {
	public := []stage{checkName, checkApp}
	private := append([]stage{checkSignature}, public...)
	presence := append([]stage{checkMemberCount, checkMemberSize, checkSignature}, public...)

	privateSignable := func(socketID string, req JoinRequest) string {
		return pusher.PrivateSignable(socketID, req.Channel)
	}

	return &Registry{managers: map[pusher.ChannelType]*Manager{
		pusher.ChannelPublic: {
			kind:       pusher.ChannelPublic,
			namespaces: namespaces,
			stages:     public,
		},
		pusher.ChannelPrivate: {
			kind:       pusher.ChannelPrivate,
			namespaces: namespaces,
			stages:     private,
			signable:   privateSignable,
		},
		pusher.ChannelEncryptedPrivate: {
			kind:       pusher.ChannelEncryptedPrivate,
			namespaces: namespaces,
			stages:     private,
			signable:   privateSignable,
		},
		pusher.ChannelPresence: {
			kind:       pusher.ChannelPresence,
			namespaces: namespaces,
			stages:     presence,
			signable: func(socketID string, req JoinRequest) string {
				return pusher.PresenceSignable(socketID, req.Channel, req.ChannelData)
			},
		},
	}}
}

// For returns the manager for the type of channel.
func (r *Registry) For(channel string) *Manager {
	return r.managers[pusher.ResolveChannel(channel)]
}

func notEstablished() *JoinResponse {
	return &JoinResponse{
		ErrorCode:    pusher.CodeUnauthorized,
		ErrorMessage: "Subscriptions messages should be sent after the pusher:connection_established event is received.",
	}
}

func checkName(_ context.Context, _ *Manager, _ Socket, req JoinRequest, _ *joinState) *JoinResponse {
	if pusher.Subscribable(req.Channel) {
		return nil
	}
	return &JoinResponse{
		ErrorCode:    pusher.CodeUnauthorized,
		ErrorMessage: "The channel name is not allowed. Read channel conventions: https://pusher.com/docs/channels/using_channels/channels/#channel-naming-conventions",
		Type:         pusher.ErrorTypeInvalidChannel,
	}
}

func checkApp(_ context.Context, _ *Manager, s Socket, _ JoinRequest, _ *joinState) *JoinResponse {
	if s.App() == nil {
		return notEstablished()
	}
	return nil
}

func checkSignature(_ context.Context, m *Manager, s Socket, req JoinRequest, _ *joinState) *JoinResponse {
	app := s.App()
	if app == nil {
		return notEstablished()
	}
	if pusher.VerifyToken(app.Key, app.Secret, m.signable(s.ID(), req), req.Auth) {
		return nil
	}
	return &JoinResponse{
		ErrorCode:    pusher.CodeUnauthorized,
		ErrorMessage: "The connection is unauthorized.",
		AuthError:    true,
		Type:         pusher.ErrorTypeAuth,
	}
}

func checkMemberCount(ctx context.Context, m *Manager, s Socket, req JoinRequest, _ *joinState) *JoinResponse {
	app := s.App()
	if app == nil {
		return notEstablished()
	}
	count := m.namespaces.Namespace(app.ID).ChannelMembersCount(ctx, req.Channel, false)

	if count+1 > app.MaxPresenceMembersPerChannel {
		return &JoinResponse{
			ErrorCode:    pusher.CodeOverQuota,
			ErrorMessage: "The maximum members per presence channel limit was reached",
			Type:         pusher.ErrorTypeLimitReached,
		}
	}
	return nil
}

func checkMemberSize(_ context.Context, _ *Manager, s Socket, req JoinRequest, state *joinState) *JoinResponse {
	app := s.App()
	if app == nil {
		return notEstablished()
	}
	member, err := pusher.ParsePresenceMember(req.ChannelData)
	if err != nil {
		return &JoinResponse{
			ErrorCode:    pusher.CodeUnauthorized,
			ErrorMessage: "The channel_data is not a valid presence member.",
			Type:         pusher.ErrorTypeInvalidPayload,
		}
	}
	if pusher.PayloadKilobytes(member.UserInfo) > app.MaxPresenceMemberSizeInKB {
		return &JoinResponse{
			ErrorCode:    pusher.CodeClientEventFail,
			ErrorMessage: fmt.Sprintf("The maximum size for a channel member is %v KB.", app.MaxPresenceMemberSizeInKB),
			Type:         pusher.ErrorTypeLimitReached,
		}
	}
	state.member = member

	return nil
}
