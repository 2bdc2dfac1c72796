// Package identity abstracts the parts of the TeamSpeak client/protocol
// layer the recording engine depends on but does not own: resolving a
// sender handle to a stable uid/display name, and checking channel
// membership. Both are out of scope for this repository and are modeled
// as interfaces the surrounding bot implements.
package identity

// SenderID is an opaque, bot-local handle for a participant whose decoded
// PCM frames are flowing through the recorder (a TeamSpeak client id).
type SenderID uint16

// Identity is the resolved uid/display name pair for a sender.
type Identity struct {
	UID         string
	DisplayName string
}

// Resolver resolves sender handles to stable identities and answers
// channel-membership questions, both driven by the external TeamSpeak
// client/protocol layer.
type Resolver interface {
	// TryGetClientIdentity resolves sender to a stable (uid, display name).
	// ok is false if the sender is unknown (e.g. already disconnected).
	TryGetClientIdentity(sender SenderID) (id Identity, ok bool)

	// InSameChannelAsBot reports whether sender currently shares the bot's
	// voice channel. PCM from a sender in a different channel must be
	// ignored at ingress (§4.2 Membership filter).
	InSameChannelAsBot(sender SenderID) bool

	// BotChannelParticipants lists every non-bot client uid/display-name
	// currently in the bot's channel (used for "alone" evaluation and
	// segment-start participant snapshots).
	BotChannelParticipants() []Identity
}
