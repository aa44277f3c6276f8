package app

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Huddle/internal/domain"
)

func ids(s ...string) []domain.ParticipantID {
	out := make([]domain.ParticipantID, len(s))
	for i, v := range s {
		out[i] = domain.ParticipantID(v)
	}
	return out
}

func TestRoomRegistry_JoinOrderAndCreator(t *testing.T) {
	reg := NewRoomRegistry(false)

	res := reg.Join("r1", "a")
	assert.True(t, res.IsCreator)
	assert.Empty(t, res.Existing)

	res = reg.Join("r1", "b")
	assert.False(t, res.IsCreator)
	assert.Equal(t, ids("a"), res.Existing)

	res = reg.Join("r1", "c")
	assert.Equal(t, ids("a", "b"), res.Existing)

	snap, ok := reg.Snapshot("r1")
	require.True(t, ok)
	assert.Equal(t, domain.ParticipantID("a"), snap.CreatorID)
	assert.Equal(t, ids("a", "b", "c"), snap.Participants)
}

func TestRoomRegistry_RepeatJoinIsNoop(t *testing.T) {
	reg := NewRoomRegistry(false)
	reg.Join("r1", "a")
	reg.Join("r1", "b")

	res := reg.Join("r1", "a")
	assert.True(t, res.IsCreator)
	assert.Equal(t, ids("b"), res.Existing)

	snap, _ := reg.Snapshot("r1")
	assert.Equal(t, ids("a", "b"), snap.Participants)
}

func TestRoomRegistry_LeaveAndRejoinKeepsList(t *testing.T) {
	for _, who := range []string{"a", "b", "c"} {
		t.Run(who, func(t *testing.T) {
			reg := NewRoomRegistry(false)
			for _, p := range ids("a", "b", "c") {
				reg.Join("r1", p)
			}

			res := reg.Leave("r1", domain.ParticipantID(who))
			require.True(t, res.Found)
			reg.Join("r1", domain.ParticipantID(who))

			snap, _ := reg.Snapshot("r1")
			assert.Equal(t, ids("a", "b", "c"), snap.Participants)
			assert.Equal(t, domain.ParticipantID("a"), snap.CreatorID)
		})
	}
}

func TestRoomRegistry_RejoinAfterAnotherJoinAppends(t *testing.T) {
	reg := NewRoomRegistry(false)
	reg.Join("r1", "a")
	reg.Join("r1", "b")
	reg.Leave("r1", "a")
	reg.Join("r1", "c")
	reg.Join("r1", "a")

	snap, _ := reg.Snapshot("r1")
	assert.Equal(t, ids("b", "c", "a"), snap.Participants)
	assert.Equal(t, domain.ParticipantID("a"), snap.CreatorID)
}

func TestRoomRegistry_EmptyRoomDeleted(t *testing.T) {
	reg := NewRoomRegistry(false)
	reg.Join("r1", "a")

	res := reg.Leave("r1", "a")
	assert.True(t, res.WasCreator)
	assert.True(t, res.Closed)
	assert.Empty(t, res.Remaining)

	_, ok := reg.Room("r1")
	assert.False(t, ok)

	// A fresh room gets a fresh creator.
	assert.True(t, reg.Join("r1", "b").IsCreator)
}

func TestRoomRegistry_CreatorLeavePolicy(t *testing.T) {
	t.Run("persist until empty", func(t *testing.T) {
		reg := NewRoomRegistry(false)
		reg.Join("r1", "a")
		reg.Join("r1", "b")

		res := reg.Leave("r1", "a")
		assert.True(t, res.WasCreator)
		assert.False(t, res.Closed)
		assert.Equal(t, ids("b"), res.Remaining)
		_, ok := reg.Room("r1")
		assert.True(t, ok)
	})
	t.Run("close on creator leave", func(t *testing.T) {
		reg := NewRoomRegistry(true)
		reg.Join("r1", "a")
		reg.Join("r1", "b")

		res := reg.Leave("r1", "a")
		assert.True(t, res.Closed)
		assert.Equal(t, ids("b"), res.Remaining)
		_, ok := reg.Room("r1")
		assert.False(t, ok)
	})
}

func TestRoomRegistry_LeaveUnknownIsNoop(t *testing.T) {
	reg := NewRoomRegistry(false)
	assert.Equal(t, LeaveResult{}, reg.Leave("nope", "a"))

	reg.Join("r1", "a")
	res := reg.Leave("r1", "ghost")
	assert.False(t, res.Found)
	assert.Equal(t, ids("a"), res.Remaining)
}

func TestRoomRegistry_ListOthers(t *testing.T) {
	reg := NewRoomRegistry(false)
	reg.Join("r1", "a")
	reg.Join("r1", "b")
	reg.Join("r1", "c")

	assert.Equal(t, ids("a", "c"), reg.ListOthers("r1", "b"))
	assert.Nil(t, reg.ListOthers("r2", "b"))
}

func TestRoomRegistry_ConcurrentJoinsAcrossRooms(t *testing.T) {
	reg := NewRoomRegistry(false)
	var wg sync.WaitGroup
	for r := range 4 {
		for p := range 25 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				reg.Join(domain.RoomID(fmt.Sprintf("r%d", r)), domain.ParticipantID(fmt.Sprintf("p%d", p)))
			}()
		}
	}
	wg.Wait()

	rooms := reg.List()
	require.Len(t, rooms, 4)
	for _, info := range rooms {
		assert.Equal(t, 25, info.ParticipantCount)
	}
}
