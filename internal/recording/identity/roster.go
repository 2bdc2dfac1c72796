package identity

import "sync"

// Roster is a concrete, mutex-protected Resolver: an in-memory view of the
// bot's channel membership, kept current by whatever layer decodes
// TeamSpeak client/channel events and calls its mutation methods.
type Roster struct {
	mu           sync.Mutex
	botChannelID uint64
	clients      map[SenderID]rosterClient
}

type rosterClient struct {
	identity  Identity
	channelID uint64
}

// NewRoster builds an empty Roster with no bot channel set.
func NewRoster() *Roster {
	return &Roster{clients: make(map[SenderID]rosterClient)}
}

// SetBotChannel records which channel id the bot currently occupies.
func (r *Roster) SetBotChannel(channelID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.botChannelID = channelID
}

// Upsert records sender's identity and channel, overwriting any prior entry.
func (r *Roster) Upsert(sender SenderID, id Identity, channelID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[sender] = rosterClient{identity: id, channelID: channelID}
}

// Move updates sender's channel without touching its identity. A no-op for
// an unknown sender.
func (r *Roster) Move(sender SenderID, channelID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[sender]
	if !ok {
		return
	}
	c.channelID = channelID
	r.clients[sender] = c
}

// Remove drops sender entirely, e.g. on disconnect.
func (r *Roster) Remove(sender SenderID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, sender)
}

// TryGetClientIdentity implements Resolver.
func (r *Roster) TryGetClientIdentity(sender SenderID) (Identity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[sender]
	return c.identity, ok
}

// InSameChannelAsBot implements Resolver.
func (r *Roster) InSameChannelAsBot(sender SenderID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[sender]
	return ok && c.channelID == r.botChannelID
}

// BotChannelParticipants implements Resolver.
func (r *Roster) BotChannelParticipants() []Identity {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Identity, 0, len(r.clients))
	for _, c := range r.clients {
		if c.channelID == r.botChannelID {
			out = append(out, c.identity)
		}
	}
	return out
}
