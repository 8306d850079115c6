package pusher

import (
	"regexp"
	"strings"
)

// ChannelType is the variant a channel name resolves to.
type ChannelType int

const (
	ChannelPublic ChannelType = iota
	ChannelPrivate
	ChannelEncryptedPrivate
	ChannelPresence
)

func (t ChannelType) String() string {
	switch t {
	case ChannelPrivate:
		return "private"
	case ChannelEncryptedPrivate:
		return "private-encrypted"
	case ChannelPresence:
		return "presence"
	default:
		return "public"
	}
}

const (
	presencePrefix          = "presence-"
	encryptedPrivatePrefix  = "private-encrypted-"
	privatePrefix           = "private-"
	clientEventPrefix       = "client-"
	reservedPrefix          = "#"
	serverToUserPrefix      = "#server-to-user-"
	userChannelPrefixLength = len(serverToUserPrefix)
)

var (
	channelNamePattern = regexp.MustCompile(`^#?[-a-zA-Z0-9_=@,.;]+$`)

	cachePrefixes = []string{
		"cache-",
		"private-cache-",
		"private-encrypted-cache-",
		"presence-cache-",
	}
)

// ResolveChannel classifies a channel name. The most specific prefix wins.
func ResolveChannel(channel string) ChannelType {
	switch {
	case strings.HasPrefix(channel, presencePrefix):
		return ChannelPresence
	case strings.HasPrefix(channel, encryptedPrivatePrefix):
		return ChannelEncryptedPrivate
	case strings.HasPrefix(channel, privatePrefix):
		return ChannelPrivate
	default:
		return ChannelPublic
	}
}

func IsPresenceChannel(channel string) bool {
	return ResolveChannel(channel) == ChannelPresence
}

// IsCacheChannel reports whether the last event published on the channel is
// kept for replay to late subscribers.
func IsCacheChannel(channel string) bool {
	for _, prefix := range cachePrefixes {
		if strings.HasPrefix(channel, prefix) {
			return true
		}
	}
	return false
}

func IsClientEvent(event string) bool {
	return strings.HasPrefix(event, clientEventPrefix)
}

// ValidChannelName reports whether the name is well formed. Reserved server
// channels such as #server-to-user- are valid names.
func ValidChannelName(channel string) bool {
	return channelNamePattern.MatchString(channel)
}

// Subscribable reports whether a client may join the channel. Names with a
// leading # are reserved for server side delivery.
func Subscribable(channel string) bool {
	return ValidChannelName(channel) && !strings.HasPrefix(channel, reservedPrefix)
}

// UserChannel returns the reserved channel used to push directly to every
// socket signed in as userID.
func UserChannel(userID string) string {
	return serverToUserPrefix + userID
}

// UserFromChannel extracts the user id from a reserved user channel.
func UserFromChannel(channel string) (string, bool) {
	if !strings.HasPrefix(channel, serverToUserPrefix) {
		return "", false
	}
	return channel[userChannelPrefixLength:], true
}
