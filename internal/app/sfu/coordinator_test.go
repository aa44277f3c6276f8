package sfu

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Huddle/internal/app"
	"github.com/dkeye/Huddle/internal/app/negotiation"
	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/core/coretest"
	"github.com/dkeye/Huddle/internal/domain"
)

const testRoom domain.RoomID = "r1"

type recordingOutbox struct {
	mu  sync.Mutex
	got map[domain.ParticipantID][]negotiation.Effects
}

func (o *recordingOutbox) Deliver(pid domain.ParticipantID, eff negotiation.Effects) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.got == nil {
		o.got = make(map[domain.ParticipantID][]negotiation.Effects)
	}
	o.got[pid] = append(o.got[pid], eff)
}

func (o *recordingOutbox) count(pid domain.ParticipantID) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.got[pid])
}

type fixture struct {
	t        *testing.T
	rooms    *app.RoomRegistry
	out      *recordingOutbox
	coord    *Coordinator
	links    map[domain.ParticipantID]*coretest.Link
	sessions map[domain.ParticipantID]*negotiation.Session
}

func newFixture(t *testing.T) *fixture {
	rooms := app.NewRoomRegistry(false)
	out := &recordingOutbox{}
	return &fixture{
		t:        t,
		rooms:    rooms,
		out:      out,
		coord:    NewCoordinator(rooms, out),
		links:    make(map[domain.ParticipantID]*coretest.Link),
		sessions: make(map[domain.ParticipantID]*negotiation.Session),
	}
}

// join adds pid to the room and brings its relay link to its first stable state.
func (f *fixture) join(pid domain.ParticipantID) {
	f.rooms.Join(testRoom, pid)
	link := coretest.NewLink(pid)
	sess := negotiation.New(negotiation.Config{Owner: pid, LocalID: "server", RemoteID: string(pid)}, link)
	_, err := sess.CreateOffer()
	require.NoError(f.t, err)
	eff, err := sess.ReceiveAnswer(coretest.SDP)
	require.NoError(f.t, err)
	require.True(f.t, eff.FirstStable)
	f.links[pid] = link
	f.sessions[pid] = sess
	require.True(f.t, f.coord.LinkEstablished(testRoom, pid, sess))
	f.settle(pid)
}

// settle answers an outstanding server offer and reports stability.
func (f *fixture) settle(pid domain.ParticipantID) {
	sess := f.sessions[pid]
	for sess.State() == negotiation.StateOfferSent {
		_, err := sess.ReceiveAnswer(coretest.SDP)
		require.NoError(f.t, err)
	}
	f.coord.LinkStable(testRoom, pid)
}

func (f *fixture) settleAll() {
	for pid := range f.sessions {
		f.settle(pid)
	}
}

func (f *fixture) publish(owner domain.ParticipantID, stream string, tracks ...string) bool {
	return f.coord.StreamAdded(testRoom, owner, coretest.Stream(stream, tracks...))
}

func streamsOn(link *coretest.Link) map[domain.StreamID]int {
	out := make(map[domain.StreamID]int)
	for _, ref := range link.Outbound() {
		out[ref.Stream]++
	}
	return out
}

func TestCoordinator_ThreeParticipants(t *testing.T) {
	f := newFixture(t)

	f.join("A")
	require.True(t, f.publish("A", "a-cam", "a-audio", "a-video"))
	assert.Empty(t, f.coord.Edges(testRoom), "nobody to forward to yet")

	f.join("B")
	assert.Equal(t, map[domain.StreamID]int{"a-cam": 2}, streamsOn(f.links["B"]))
	require.True(t, f.publish("B", "b-cam", "b-audio", "b-video"))
	f.settleAll()
	assert.Equal(t, map[domain.StreamID]int{"b-cam": 2}, streamsOn(f.links["A"]))

	f.join("C")
	require.True(t, f.publish("C", "c-cam", "c-audio", "c-video"))
	f.settleAll()

	// every link carries the other two participants' streams and never its own
	assert.Equal(t, map[domain.StreamID]int{"b-cam": 2, "c-cam": 2}, streamsOn(f.links["A"]))
	assert.Equal(t, map[domain.StreamID]int{"a-cam": 2, "c-cam": 2}, streamsOn(f.links["B"]))
	assert.Equal(t, map[domain.StreamID]int{"a-cam": 2, "b-cam": 2}, streamsOn(f.links["C"]))

	edges := f.coord.Edges(testRoom)
	require.Len(t, edges, 6)
	seen := make(map[domain.EdgeKey]bool)
	for _, e := range edges {
		assert.False(t, seen[e.Key()], "duplicate edge %v", e.Key())
		seen[e.Key()] = true
		assert.True(t, e.Forwarded, "edge %v", e.Key())
		assert.NotEqual(t, strings.ToUpper(string(e.From[:1])), string(e.To), "own stream forwarded back")
	}

	streams := f.coord.Streams(testRoom)
	require.Len(t, streams, 3)
	assert.Equal(t, domain.StreamID("a-cam"), streams[0].Stream)
	assert.Equal(t, []domain.TrackID{"a-audio", "a-video"}, streams[0].Tracks)
}

func TestCoordinator_LateJoinerGetsOneOffer(t *testing.T) {
	f := newFixture(t)
	f.join("A")
	f.join("B")
	f.publish("A", "a-cam", "a1")
	f.publish("B", "b-cam", "b1")
	f.settleAll()

	f.rooms.Join(testRoom, "C")
	link := coretest.NewLink("C")
	sess := negotiation.New(negotiation.Config{Owner: "C", LocalID: "server", RemoteID: "C"}, link)
	_, err := sess.CreateOffer()
	require.NoError(t, err)
	_, err = sess.ReceiveAnswer(coretest.SDP)
	require.NoError(t, err)

	require.True(t, f.coord.LinkEstablished(testRoom, "C", sess))
	assert.Equal(t, 1, f.out.count("C"))
	assert.Equal(t, 2, link.Offers(), "initial offer plus one subscription offer")
	assert.ElementsMatch(t, []core.TrackRef{
		{Stream: "a-cam", Track: "a1"},
		{Stream: "b-cam", Track: "b1"},
	}, link.LastOffer())
}

func TestCoordinator_EdgeForwardedOnlyWhenStable(t *testing.T) {
	f := newFixture(t)
	f.join("A")
	f.join("B")

	require.True(t, f.publish("A", "a-cam", "a1"))
	require.Equal(t, negotiation.StateOfferSent, f.sessions["B"].State())

	f.coord.LinkStable(testRoom, "B")
	edges := f.coord.Edges(testRoom)
	require.Len(t, edges, 1)
	assert.False(t, edges[0].Forwarded, "offer still in flight")

	f.settle("B")
	edges = f.coord.Edges(testRoom)
	require.Len(t, edges, 1)
	assert.True(t, edges[0].Forwarded)
}

func TestCoordinator_DuplicateNotification(t *testing.T) {
	f := newFixture(t)
	f.join("A")
	f.join("B")
	require.True(t, f.publish("A", "a-cam", "a1"))
	f.settleAll()
	offers := f.links["B"].Offers()

	assert.False(t, f.publish("A", "a-cam", "a1"))
	assert.Equal(t, offers, f.links["B"].Offers())
	assert.Len(t, f.coord.Edges(testRoom), 1)
	assert.Len(t, f.links["B"].Outbound(), 1)
}

func TestCoordinator_TrackArrivesLater(t *testing.T) {
	f := newFixture(t)
	f.join("A")
	f.join("B")
	require.True(t, f.publish("A", "a-cam", "a-audio"))
	f.settleAll()

	require.True(t, f.publish("A", "a-cam", "a-video"))
	edges := f.coord.Edges(testRoom)
	require.Len(t, edges, 1)
	assert.False(t, edges[0].Forwarded)
	f.settleAll()

	assert.Equal(t, map[domain.StreamID]int{"a-cam": 2}, streamsOn(f.links["B"]))
	assert.True(t, f.coord.Edges(testRoom)[0].Forwarded)
}

func TestCoordinator_RejectsForeignStream(t *testing.T) {
	f := newFixture(t)
	f.join("A")
	f.join("B")
	require.True(t, f.publish("A", "a-cam", "a1"))

	assert.False(t, f.publish("B", "a-cam", "b1"), "stream id owned by A")
	assert.False(t, f.publish("X", "x-cam", "x1"), "not a member")
	assert.False(t, f.coord.StreamAdded("nope", "A", coretest.Stream("s", "t")))
	assert.Len(t, f.coord.Streams(testRoom), 1)
}

func TestCoordinator_ParticipantLeft(t *testing.T) {
	f := newFixture(t)
	for _, pid := range []domain.ParticipantID{"A", "B", "C"} {
		f.join(pid)
	}
	f.publish("A", "a-cam", "a1", "a2")
	f.publish("B", "b-cam", "b1", "b2")
	f.publish("B", "b-screen", "b3")
	f.publish("C", "c-cam", "c1")
	f.settleAll()

	before := map[domain.ParticipantID]int{"A": f.out.count("A"), "C": f.out.count("C")}

	// B disappears without signaling
	f.coord.ParticipantLeft(testRoom, "B")
	f.rooms.Leave(testRoom, "B")

	assert.Equal(t, before["A"]+1, f.out.count("A"), "one renegotiation for A")
	assert.Equal(t, before["C"]+1, f.out.count("C"), "one renegotiation for C")

	assert.Equal(t, map[domain.StreamID]int{"c-cam": 1}, streamsOn(f.links["A"]))
	assert.Equal(t, map[domain.StreamID]int{"a-cam": 2}, streamsOn(f.links["C"]))

	for _, e := range f.coord.Edges(testRoom) {
		assert.NotEqual(t, domain.ParticipantID("B"), e.To)
		assert.NotContains(t, []domain.StreamID{"b-cam", "b-screen"}, e.From)
	}
	assert.Len(t, f.coord.Edges(testRoom), 2)
	assert.Len(t, f.coord.Streams(testRoom), 2)
}

func TestCoordinator_StreamRemoved(t *testing.T) {
	f := newFixture(t)
	f.join("A")
	f.join("B")
	f.publish("A", "a-cam", "a1")
	f.publish("A", "a-screen", "a2")
	f.settleAll()

	assert.False(t, f.coord.StreamRemoved(testRoom, "B", "a-screen"), "only the owner may withdraw")
	require.True(t, f.coord.StreamRemoved(testRoom, "A", "a-screen"))
	assert.Equal(t, map[domain.StreamID]int{"a-cam": 1}, streamsOn(f.links["B"]))
	assert.Len(t, f.coord.Edges(testRoom), 1)
	assert.Equal(t, []core.TrackRef{{Stream: "a-screen", Track: "a2"}}, f.links["B"].Removed)
}

func TestCoordinator_CoalescesWhileOfferInFlight(t *testing.T) {
	f := newFixture(t)
	f.join("A")
	f.join("B")
	offers := f.links["B"].Offers()

	f.publish("A", "a-cam", "a1")
	f.publish("A", "a-screen", "a2")
	assert.Equal(t, offers+1, f.links["B"].Offers(), "second stream waits for the answer")

	eff, err := f.sessions["B"].ReceiveAnswer(coretest.SDP)
	require.NoError(t, err)
	require.Len(t, eff.Send, 1, "one follow-up offer carries the rest")
	assert.Len(t, f.links["B"].LastOffer(), 2)
}

func TestCoordinator_FailedRenegotiationKeepsEdgePending(t *testing.T) {
	f := newFixture(t)
	f.join("A")
	f.join("B")

	f.links["B"].FailOffer = errors.New("offer failed")
	require.True(t, f.publish("A", "a-cam", "a-audio"))
	f.settle("B")

	edges := f.coord.Edges(testRoom)
	require.Len(t, edges, 1)
	assert.False(t, edges[0].Forwarded, "no offer carried the tracks")

	f.links["B"].FailOffer = nil
	require.True(t, f.publish("A", "a-cam", "a-video"))
	f.settle("B")

	edges = f.coord.Edges(testRoom)
	require.Len(t, edges, 1)
	assert.True(t, edges[0].Forwarded)
	assert.Len(t, f.links["B"].LastOffer(), 2)
}

func TestCoordinator_ClosedSessionNotEstablished(t *testing.T) {
	f := newFixture(t)
	f.join("A")
	require.True(t, f.publish("A", "a-cam", "a-audio"))

	f.rooms.Join(testRoom, "B")
	link := coretest.NewLink("B")
	sess := negotiation.New(negotiation.Config{Owner: "B", LocalID: "server", RemoteID: "B"}, link)
	_, err := sess.CreateOffer()
	require.NoError(t, err)
	_, err = sess.ReceiveAnswer(coretest.SDP)
	require.NoError(t, err)
	sess.Close()

	assert.False(t, f.coord.LinkEstablished(testRoom, "B", sess))
	assert.Empty(t, f.coord.Edges(testRoom))
	assert.Empty(t, link.Outbound())

	require.True(t, f.publish("A", "a-cam", "a-video"))
	assert.Empty(t, f.coord.Edges(testRoom))
}

func TestCoordinator_ConcurrentJoinsAndPublishes(t *testing.T) {
	const n = 12
	rooms := app.NewRoomRegistry(false)
	coord := NewCoordinator(rooms, &recordingOutbox{})

	var (
		mu       sync.Mutex
		links    = make(map[domain.ParticipantID]*coretest.Link)
		sessions = make(map[domain.ParticipantID]*negotiation.Session)
		wg       sync.WaitGroup
	)
	for i := range n {
		pid := domain.ParticipantID(fmt.Sprintf("P%02d", i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			rooms.Join(testRoom, pid)
			link := coretest.NewLink(pid)
			sess := negotiation.New(negotiation.Config{Owner: pid, LocalID: "server", RemoteID: string(pid)}, link)
			_, err := sess.CreateOffer()
			assert.NoError(t, err)
			_, err = sess.ReceiveAnswer(coretest.SDP)
			assert.NoError(t, err)

			mu.Lock()
			links[pid] = link
			sessions[pid] = sess
			mu.Unlock()

			assert.True(t, coord.LinkEstablished(testRoom, pid, sess))
			stream := strings.ToLower(string(pid)) + "-cam"
			assert.True(t, coord.StreamAdded(testRoom, pid, coretest.Stream(stream, stream+"-video")))
		}()
	}
	wg.Wait()

	for pid, sess := range sessions {
		for sess.State() == negotiation.StateOfferSent {
			_, err := sess.ReceiveAnswer(coretest.SDP)
			require.NoError(t, err)
		}
		coord.LinkStable(testRoom, pid)
	}

	for pid, link := range links {
		got := streamsOn(link)
		assert.Len(t, got, n-1, "streams on %s", pid)
		for sid, tracks := range got {
			assert.Equal(t, 1, tracks, "%s carries %s more than once", pid, sid)
			assert.NotEqual(t, strings.ToLower(string(pid))+"-cam", string(sid))
		}
	}

	edges := coord.Edges(testRoom)
	assert.Len(t, edges, n*(n-1))
	seen := make(map[domain.EdgeKey]bool)
	for _, e := range edges {
		assert.False(t, seen[e.Key()], "duplicate edge %v", e.Key())
		seen[e.Key()] = true
		assert.True(t, e.Forwarded, "edge %v", e.Key())
	}
}
