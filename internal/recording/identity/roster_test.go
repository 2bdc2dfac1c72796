package identity

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRosterUpsertAndLookup(t *testing.T) {
	r := NewRoster()
	r.SetBotChannel(1)
	r.Upsert(42, Identity{UID: "uid-1", DisplayName: "Alice"}, 1)

	id, ok := r.TryGetClientIdentity(42)
	require.True(t, ok)
	require.Equal(t, "uid-1", id.UID)
	require.True(t, r.InSameChannelAsBot(42))
}

func TestRosterUnknownSenderNotInChannel(t *testing.T) {
	r := NewRoster()
	r.SetBotChannel(1)
	_, ok := r.TryGetClientIdentity(99)
	require.False(t, ok)
	require.False(t, r.InSameChannelAsBot(99))
}

func TestRosterMoveOutOfBotChannelExcludesFromParticipants(t *testing.T) {
	r := NewRoster()
	r.SetBotChannel(1)
	r.Upsert(42, Identity{UID: "uid-1", DisplayName: "Alice"}, 1)
	require.Len(t, r.BotChannelParticipants(), 1)

	r.Move(42, 2)
	require.False(t, r.InSameChannelAsBot(42))
	require.Empty(t, r.BotChannelParticipants())
}

func TestRosterMoveUnknownSenderIsNoop(t *testing.T) {
	r := NewRoster()
	r.SetBotChannel(1)
	r.Move(42, 2) // must not panic or create an entry
	_, ok := r.TryGetClientIdentity(42)
	require.False(t, ok)
}

func TestRosterRemoveDropsParticipant(t *testing.T) {
	r := NewRoster()
	r.SetBotChannel(1)
	r.Upsert(42, Identity{UID: "uid-1", DisplayName: "Alice"}, 1)
	r.Remove(42)
	require.Empty(t, r.BotChannelParticipants())
	_, ok := r.TryGetClientIdentity(42)
	require.False(t, ok)
}

func TestRosterBotChannelParticipantsOnlyIncludesCurrentChannel(t *testing.T) {
	r := NewRoster()
	r.SetBotChannel(1)
	r.Upsert(1, Identity{UID: "in-channel"}, 1)
	r.Upsert(2, Identity{UID: "other-channel"}, 2)

	participants := r.BotChannelParticipants()
	require.Len(t, participants, 1)
	require.Equal(t, "in-channel", participants[0].UID)
}
