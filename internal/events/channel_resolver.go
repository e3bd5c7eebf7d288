package events

import (
	"fmt"
)

// ChannelResolver determines which pub/sub channels a change is published to
type ChannelResolver interface {
	ResolveChannels(change Change) []string
}

// ConversationChannelResolver routes every change to its conversation channel.
type ConversationChannelResolver struct{}

func NewConversationChannelResolver() *ConversationChannelResolver {
	return &ConversationChannelResolver{}
}

func (r *ConversationChannelResolver) ResolveChannels(change Change) []string {
	if change.ConversationID == "" {
		return []string{SystemChannel}
	}
	return []string{ConversationChannel(change.ConversationID)}
}

const SystemChannel = "channel:system:outbox"

func ConversationChannel(conversationID string) string {
	return fmt.Sprintf("channel:conversation:%s", conversationID)
}

func PresenceChannel(conversationID string) string {
	return fmt.Sprintf("channel:presence:%s", conversationID)
}

func UserChannel(userID string) string {
	return fmt.Sprintf("channel:user:%s", userID)
}
