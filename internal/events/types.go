package events

type Table string

const (
	TableConversations    Table = "conversations"
	TableParticipants     Table = "participants"
	TableMessages         Table = "messages"
	TableReactions        Table = "message_reactions"
	TableReadMarkers      Table = "message_reads"
	TableCallSessions     Table = "call_sessions"
	TableCallParticipants Table = "call_participants"
)

type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Typing and presence events
const (
	EventTypeTypingStarted   = "typing.started"
	EventTypeTypingStopped   = "typing.stopped"
	EventTypePresenceOnline  = "presence.online"
	EventTypePresenceOffline = "presence.offline"
)

// ReactionRowID is the row id of a reaction: its natural key.
func ReactionRowID(messageID, userID, emoji string) string {
	return messageID + ":" + userID + ":" + emoji
}

// ReadMarkerRowID is the row id of a read marker.
func ReadMarkerRowID(messageID, userID string) string {
	return messageID + ":" + userID
}

// CallParticipantRowID is the row id of a call participant.
func CallParticipantRowID(callID, userID string) string {
	return callID + ":" + userID
}
