package orch

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Huddle/internal/app"
	"github.com/dkeye/Huddle/internal/app/negotiation"
	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/core/coretest"
	"github.com/dkeye/Huddle/internal/domain"
)

const room domain.RoomID = "standup"

type harness struct {
	t       *testing.T
	o       *Orchestrator
	links   *coretest.LinkFactory
	signals map[domain.ParticipantID]*coretest.Signal
}

func newHarness(t *testing.T, closeOnCreatorLeave bool) *harness {
	links := coretest.NewLinkFactory()
	o := New(app.NewRegistry(), app.NewRoomRegistry(closeOnCreatorLeave), links, app.SimplePolicy{}, "m-node")
	return &harness{t: t, o: o, links: links, signals: make(map[domain.ParticipantID]*coretest.Signal)}
}

func (h *harness) connect(pid domain.ParticipantID) *coretest.Signal {
	sig := &coretest.Signal{}
	h.signals[pid] = sig
	h.o.Connect(&domain.Participant{ID: pid, JoinedAt: time.Now()}, sig, func() {})
	return sig
}

func (h *harness) join(pid domain.ParticipantID) *coretest.Signal {
	sig := h.connect(pid)
	require.NoError(h.t, h.o.Join(pid, room))
	return sig
}

// negotiate runs the client's first offer through to a stable relay link.
func (h *harness) negotiate(pid domain.ParticipantID) *coretest.Link {
	require.NoError(h.t, h.o.HandleOffer(pid, coretest.SDP))
	h.answerAll()
	return h.links.Link(pid)
}

// answerAll plays the clients' side until no server offer is outstanding.
func (h *harness) answerAll() {
	for {
		progressed := false
		for pid := range h.signals {
			sess, ok := h.o.Registry.Session(pid)
			if !ok || sess.State() != negotiation.StateOfferSent {
				continue
			}
			require.NoError(h.t, h.o.HandleAnswer(pid, coretest.SDP))
			progressed = true
		}
		if !progressed {
			return
		}
	}
}

func streams(link *coretest.Link) map[domain.StreamID]int {
	out := make(map[domain.StreamID]int)
	for _, ref := range link.Outbound() {
		out[ref.Stream]++
	}
	return out
}

func TestJoin_Replies(t *testing.T) {
	h := newHarness(t, false)
	a := h.join("a")

	joined := a.OfType(TypeJoinedRoom)
	require.Len(t, joined, 1)
	assert.Equal(t, true, joined[0]["creator"])
	assert.Equal(t, "a", joined[0]["id"])
	assert.Equal(t, false, joined[0]["polite"], "a sorts before m-node")

	z := h.join("z")
	others := z.OfType(TypeOtherUsers)
	require.Len(t, others, 1)
	assert.Equal(t, []any{"a"}, others[0]["users"])
	assert.Equal(t, true, others[0]["polite"])

	news := a.OfType(TypeNewUserJoined)
	require.Len(t, news, 1)
	assert.Equal(t, "z", news[0]["user"])
	assert.Empty(t, z.OfType(TypeNewUserJoined))
}

func TestJoin_RepeatIsNoop(t *testing.T) {
	h := newHarness(t, false)
	a := h.join("a")
	b := h.join("b")
	require.Len(t, a.OfType(TypeNewUserJoined), 1)

	require.NoError(t, h.o.Join("b", room))
	assert.Len(t, a.OfType(TypeNewUserJoined), 1, "no second announcement")
	assert.Len(t, b.OfType(TypeOtherUsers), 2)

	snap, ok := h.o.Rooms.Snapshot(room)
	require.True(t, ok)
	assert.Equal(t, []domain.ParticipantID{"a", "b"}, snap.Participants)
}

func TestJoin_RacingDisconnectLeavesNoGhost(t *testing.T) {
	h := newHarness(t, false)
	h.join("anchor")

	const n = 200
	pids := make([]domain.ParticipantID, n)
	for i := range n {
		pids[i] = domain.ParticipantID(fmt.Sprintf("p%03d", i))
		h.o.Connect(&domain.Participant{ID: pids[i], JoinedAt: time.Now()}, &coretest.Signal{}, func() {})
	}

	var wg sync.WaitGroup
	for _, pid := range pids {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = h.o.Join(pid, room)
		}()
		go func() {
			defer wg.Done()
			h.o.Disconnect(pid)
		}()
	}
	wg.Wait()

	snap, ok := h.o.Rooms.Snapshot(room)
	require.True(t, ok)
	assert.Equal(t, []domain.ParticipantID{"anchor"}, snap.Participants)
	assert.Equal(t, 1, h.o.Registry.Count())
}

func TestJoin_UnknownParticipant(t *testing.T) {
	h := newHarness(t, false)
	assert.ErrorIs(t, h.o.Join("ghost", room), domain.ErrUnknownTarget)
}

func TestJoin_SwitchesRoom(t *testing.T) {
	h := newHarness(t, false)
	a := h.join("a")
	b := h.join("b")
	a.Reset()

	require.NoError(t, h.o.Join("b", "other"))
	left := a.OfType(TypeUserLeft)
	require.Len(t, left, 1)
	assert.Equal(t, "b", left[0]["user"])
	assert.Len(t, b.OfType(TypeJoinedRoom), 1)

	roomID, ok := h.o.Registry.RoomOf("b")
	require.True(t, ok)
	assert.Equal(t, domain.RoomID("other"), roomID)
	assert.Empty(t, h.o.Rooms.ListOthers(room, "a"))
}

func TestOffer_AnswersAndEstablishes(t *testing.T) {
	h := newHarness(t, false)
	a := h.join("a")

	require.NoError(t, h.o.HandleOffer("a", coretest.SDP))
	answers := a.OfType(TypeAnswer)
	require.Len(t, answers, 1)
	assert.Equal(t, coretest.SDP, answers[0]["sdp"])

	sess, ok := h.o.Registry.Session("a")
	require.True(t, ok)
	assert.Equal(t, negotiation.StateStable, sess.State())
	assert.True(t, sess.Established())
	assert.Empty(t, a.OfType(TypeOffer), "nothing to subscribe to yet")
}

func TestOffer_NotInRoom(t *testing.T) {
	h := newHarness(t, false)
	h.connect("a")
	assert.ErrorIs(t, h.o.HandleOffer("a", coretest.SDP), domain.ErrNotInRoom)
	assert.ErrorIs(t, h.o.HandleAnswer("a", coretest.SDP), domain.ErrNotInRoom)
	assert.ErrorIs(t, h.o.HandleCandidate("a", webrtc.ICECandidateInit{Candidate: "c"}), domain.ErrSessionClosed)
}

func TestOffer_MalformedDropsLink(t *testing.T) {
	h := newHarness(t, false)
	h.join("a")

	err := h.o.HandleOffer("a", "not sdp")
	require.ErrorIs(t, err, domain.ErrMalformedDescription)
	_, ok := h.o.Registry.Session("a")
	assert.False(t, ok)
	assert.True(t, h.links.Link("a").IsClosed())

	// a fresh offer builds a new link
	require.NoError(t, h.o.HandleOffer("a", coretest.SDP))
	assert.False(t, h.links.Link("a").IsClosed())
}

func TestCandidates_QueuedUntilOffer(t *testing.T) {
	h := newHarness(t, false)
	h.join("a")
	sess, err := h.o.session("a")
	require.NoError(t, err)

	require.NoError(t, h.o.HandleCandidate("a", webrtc.ICECandidateInit{Candidate: "c1"}))
	require.NoError(t, h.o.HandleCandidate("a", webrtc.ICECandidateInit{Candidate: "c2"}))
	assert.Equal(t, 2, sess.PendingCandidates())
	assert.Empty(t, h.links.Link("a").Candidates)

	require.NoError(t, h.o.HandleOffer("a", coretest.SDP))
	link := h.links.Link("a")
	require.Len(t, link.Candidates, 2)
	assert.Equal(t, "c1", link.Candidates[0].Candidate)
	assert.Equal(t, "c2", link.Candidates[1].Candidate)
}

func TestLocalCandidateSent(t *testing.T) {
	h := newHarness(t, false)
	a := h.join("a")
	link := h.negotiate("a")

	link.EmitCandidate(webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 127.0.0.1 5000 typ host"})
	got := a.OfType(TypeICECandidate)
	require.Len(t, got, 1)
	cand, ok := got[0]["candidate"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, cand["candidate"], "typ host")
}

func TestThreeParticipants_AndAbruptDisconnect(t *testing.T) {
	h := newHarness(t, false)
	sigA := h.join("A")
	linkA := h.negotiate("A")
	linkA.EmitInbound(coretest.Stream("a-cam", "a-audio", "a-video"))

	sigB := h.join("B")
	linkB := h.negotiate("B")
	assert.NotEmpty(t, sigB.OfType(TypeOffer), "B is offered A's stream")
	linkB.EmitInbound(coretest.Stream("b-cam", "b-audio", "b-video"))
	h.answerAll()

	added := sigA.OfType(TypeStreamAdded)
	require.Len(t, added, 1)
	assert.Equal(t, "B", added[0]["user"])
	assert.Equal(t, "b-cam", added[0]["stream"])

	sigC := h.join("C")
	linkC := h.negotiate("C")
	linkC.EmitInbound(coretest.Stream("c-cam", "c-audio", "c-video"))
	h.answerAll()

	assert.Equal(t, map[domain.StreamID]int{"b-cam": 2, "c-cam": 2}, streams(linkA))
	assert.Equal(t, map[domain.StreamID]int{"a-cam": 2, "c-cam": 2}, streams(linkB))
	assert.Equal(t, map[domain.StreamID]int{"a-cam": 2, "b-cam": 2}, streams(linkC))
	for _, e := range h.o.Fanout.Edges(room) {
		assert.True(t, e.Forwarded, "edge %v", e.Key())
	}

	offersA, offersC := linkA.Offers(), linkC.Offers()
	sigA.Reset()
	sigC.Reset()

	h.o.Disconnect("B")

	assert.True(t, sigB.IsClosed())
	assert.True(t, linkB.IsClosed())
	assert.Equal(t, offersA+1, linkA.Offers())
	assert.Equal(t, offersC+1, linkC.Offers())
	assert.Len(t, sigA.OfType(TypeOffer), 1)
	assert.Len(t, sigC.OfType(TypeOffer), 1)
	require.Len(t, sigA.OfType(TypeUserLeft), 1)
	assert.Equal(t, "B", sigA.OfType(TypeUserLeft)[0]["user"])

	assert.Equal(t, map[domain.StreamID]int{"c-cam": 2}, streams(linkA))
	assert.Equal(t, map[domain.StreamID]int{"a-cam": 2}, streams(linkC))
	assert.Equal(t, []domain.ParticipantID{"C"}, h.o.Rooms.ListOthers(room, "A"))

	// a second disconnect is a no-op
	h.o.Disconnect("B")
	assert.Equal(t, offersA+1, linkA.Offers())
}

func TestLeave_CreatorClosesRoom(t *testing.T) {
	h := newHarness(t, true)
	h.join("a")
	b := h.join("b")
	h.negotiate("b")

	h.o.Leave("a")

	closed := b.OfType(TypeRoomClosed)
	require.Len(t, closed, 1)
	assert.Equal(t, string(room), closed[0]["room"])
	_, ok := h.o.Registry.RoomOf("b")
	assert.False(t, ok)
	_, ok = h.o.Registry.Session("b")
	assert.False(t, ok)
	assert.Empty(t, h.o.Rooms.List())
}

func TestLeave_RoomPersistsByDefault(t *testing.T) {
	h := newHarness(t, false)
	h.join("a")
	b := h.join("b")

	h.o.Leave("a")
	h.o.Leave("a")

	assert.Empty(t, b.OfType(TypeRoomClosed))
	assert.Len(t, b.OfType(TypeUserLeft), 1)
	require.Len(t, h.o.Rooms.List(), 1)
}

func TestEvictRoom(t *testing.T) {
	h := newHarness(t, false)
	a := h.join("a")
	b := h.join("b")
	h.negotiate("a")

	h.o.EvictRoom(room)

	assert.Len(t, a.OfType(TypeRoomClosed), 1)
	assert.Len(t, b.OfType(TypeRoomClosed), 1)
	assert.Empty(t, h.o.Rooms.List())
	assert.True(t, h.links.Link("a").IsClosed())
}

func TestRelayText(t *testing.T) {
	h := newHarness(t, false)
	a := h.join("a")
	b := h.join("b")
	link := h.negotiate("a")

	require.NoError(t, h.o.RelayText("b", "hello"))
	link.EmitText("over the data channel")

	got := a.OfType(TypeMessage)
	require.Len(t, got, 1)
	assert.Equal(t, "hello", got[0]["text"])
	got = b.OfType(TypeMessage)
	require.Len(t, got, 1)
	assert.Equal(t, "over the data channel", got[0]["text"])
	assert.Equal(t, "a", got[0]["user"])
}

func TestStopSharing(t *testing.T) {
	h := newHarness(t, false)
	h.join("a")
	b := h.join("b")
	linkA := h.negotiate("a")
	linkB := h.negotiate("b")
	linkA.EmitInbound(coretest.Stream("a-screen", "s1"))
	h.answerAll()
	require.Equal(t, map[domain.StreamID]int{"a-screen": 1}, streams(linkB))

	require.NoError(t, h.o.StopSharing("a", "a-screen"))
	assert.Empty(t, streams(linkB))
	stop := b.OfType(TypeStopSharingScreen)
	require.Len(t, stop, 1)
	assert.Equal(t, "a-screen", stop[0]["stream"])
}

func TestForward(t *testing.T) {
	h := newHarness(t, false)
	h.join("a")
	b := h.join("b")
	h.connect("x")
	require.NoError(t, h.o.Join("x", "elsewhere"))

	require.NoError(t, h.o.Forward("a", "b", core.Frame(`{"type":"offer"}`)))
	assert.Len(t, b.OfType(TypeOffer), 1)

	assert.ErrorIs(t, h.o.Forward("a", "x", core.Frame(`{}`)), domain.ErrUnknownTarget)
	assert.ErrorIs(t, h.o.Forward("a", "nobody", core.Frame(`{}`)), domain.ErrUnknownTarget)
	assert.ErrorIs(t, h.o.Forward("a", "a", core.Frame(`{}`)), domain.ErrUnknownTarget)
}

func TestLinkClosed_DropsStreams(t *testing.T) {
	h := newHarness(t, false)
	h.join("a")
	h.join("b")
	linkA := h.negotiate("a")
	linkB := h.negotiate("b")
	linkA.EmitInbound(coretest.Stream("a-cam", "a1"))
	h.answerAll()

	linkA.EmitClosed()

	_, ok := h.o.Registry.Session("a")
	assert.False(t, ok)
	assert.Empty(t, streams(linkB))
	assert.Empty(t, h.o.Fanout.Streams(room))
	_, ok = h.o.Registry.RoomOf("a")
	assert.True(t, ok, "participant stays in the room")
}

func TestBackpressure_Kicks(t *testing.T) {
	h := newHarness(t, false)
	h.join("a")
	b := h.join("b")
	b.Err = errors.New("backpressure")

	require.NoError(t, h.o.RelayText("a", "hi"))

	require.Eventually(t, func() bool {
		_, ok := h.o.Registry.Get("b")
		return !ok
	}, time.Second, 5*time.Millisecond)
	assert.True(t, b.IsClosed())
	assert.Empty(t, h.o.Rooms.ListOthers(room, "a"))
}
