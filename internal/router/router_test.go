package router

import (
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/superiorsd10/rubberduck-mcp/internal/session"
	"github.com/superiorsd10/rubberduck-mcp/internal/wire"
)

// testPeer is one fake client: a registered session plus a goroutine that
// pumps everything the router sends into a channel.
type testPeer struct {
	id   string
	sess *session.Session
	recv chan *wire.Envelope
}

func newPeer(t *testing.T, reg *session.Registry, id string, role wire.Role) *testPeer {
	t.Helper()
	local, remote := net.Pipe()
	s := session.New(id, role, local, 64, zerolog.Nop())
	go s.Run()
	require.NoError(t, reg.Add(s))

	recv := make(chan *wire.Envelope, 64)
	go func() {
		r := wire.NewReader(remote)
		for {
			env, err := r.Next()
			if err != nil {
				close(recv)
				return
			}
			recv <- env
		}
	}()

	t.Cleanup(func() {
		s.Close()
		remote.Close()
	})
	return &testPeer{id: id, sess: s, recv: recv}
}

func (p *testPeer) next(t *testing.T, timeout time.Duration) *wire.Envelope {
	t.Helper()
	select {
	case env, ok := <-p.recv:
		require.True(t, ok, "peer %s connection closed", p.id)
		return env
	case <-time.After(timeout):
		t.Fatalf("peer %s received nothing within %v", p.id, timeout)
		return nil
	}
}

func (p *testPeer) expectNone(t *testing.T, window time.Duration) {
	t.Helper()
	select {
	case env := <-p.recv:
		t.Fatalf("peer %s unexpectedly received %s envelope", p.id, env.Type)
	case <-time.After(window):
	}
}

func testOptions() Options {
	return Options{MaxQueue: 10, YapWindow: 100 * time.Millisecond, YapBufferCap: 50}
}

func newTestRouter(t *testing.T, opts Options) (*Router, *session.Registry) {
	t.Helper()
	reg := session.NewRegistry()
	r := New(reg, opts, nil, zerolog.Nop())
	t.Cleanup(r.Close)
	return r, reg
}

func clarificationEnv(t *testing.T, producerID, requestID, question string, ts int64) *wire.Envelope {
	t.Helper()
	env, err := wire.NewEnvelope(wire.KindClarification, producerID, wire.RoleProducer, wire.ClarificationPayload{
		ID:        requestID,
		Question:  question,
		Urgency:   wire.UrgencyLow,
		Timestamp: ts,
		Status:    wire.StatusPending,
	})
	require.NoError(t, err)
	return env
}

func replyEnv(t *testing.T, consumerID, requestID, answer string) *wire.Envelope {
	t.Helper()
	env, err := wire.NewEnvelope(wire.KindResponse, consumerID, wire.RoleConsumer, wire.ReplyPayload{
		RequestID: requestID,
		Response:  answer,
	})
	require.NoError(t, err)
	return env
}

func decodeClarification(t *testing.T, env *wire.Envelope) wire.ClarificationPayload {
	t.Helper()
	require.Equal(t, wire.KindClarification, env.Type)
	var p wire.ClarificationPayload
	require.NoError(t, env.DecodeData(&p))
	return p
}

func TestRouter_RoutesClarificationAndReply(t *testing.T) {
	r, reg := newTestRouter(t, testOptions())
	producer := newPeer(t, reg, "producer-1", wire.RoleProducer)
	consumer := newPeer(t, reg, "cli-1", wire.RoleConsumer)
	r.ConsumerRegistered("cli-1")

	requestID, err := r.RouteClarification(clarificationEnv(t, "producer-1", "q1", "a?", 1000))
	require.NoError(t, err)
	assert.Equal(t, "q1", requestID)

	env := consumer.next(t, time.Second)
	payload := decodeClarification(t, env)
	assert.Equal(t, "q1", payload.ID)
	assert.Equal(t, "a?", payload.Question)
	assert.Equal(t, wire.StatusPending, payload.Status)
	assert.Equal(t, "producer-1", env.ClientID)
	assert.Equal(t, wire.RoleProducer, env.ClientType)

	require.NoError(t, r.HandleReply(replyEnv(t, "cli-1", "q1", "yes")))

	resp := producer.next(t, time.Second)
	require.Equal(t, wire.KindResponse, resp.Type)
	assert.Equal(t, "cli-1", resp.ClientID)

	var rp wire.ResponsePayload
	require.NoError(t, resp.DecodeData(&rp))
	assert.Equal(t, "q1", rp.RequestID)
	require.NotNil(t, rp.Response)
	assert.Equal(t, "yes", *rp.Response)
	assert.Equal(t, "cli-1", rp.CLIID)

	assert.Zero(t, r.QueuedClarifications())
}

func TestRouter_SecondRequestWaitsForFirstAnswer(t *testing.T) {
	r, reg := newTestRouter(t, testOptions())
	newPeer(t, reg, "producer-1", wire.RoleProducer)
	newPeer(t, reg, "producer-2", wire.RoleProducer)
	consumer := newPeer(t, reg, "cli-1", wire.RoleConsumer)
	r.ConsumerRegistered("cli-1")

	_, err := r.RouteClarification(clarificationEnv(t, "producer-1", "q1", "first?", 1000))
	require.NoError(t, err)
	_, err = r.RouteClarification(clarificationEnv(t, "producer-2", "q2", "second?", 1001))
	require.NoError(t, err)

	first := decodeClarification(t, consumer.next(t, time.Second))
	assert.Equal(t, "q1", first.ID)

	// Only one active request at a time.
	consumer.expectNone(t, 150*time.Millisecond)

	require.NoError(t, r.HandleReply(replyEnv(t, "cli-1", "q1", "ok")))

	second := decodeClarification(t, consumer.next(t, time.Second))
	assert.Equal(t, "q2", second.ID)
}

func TestRouter_SpreadsAcrossIdleConsumers(t *testing.T) {
	r, reg := newTestRouter(t, testOptions())
	newPeer(t, reg, "producer-1", wire.RoleProducer)
	c1 := newPeer(t, reg, "cli-1", wire.RoleConsumer)
	c2 := newPeer(t, reg, "cli-2", wire.RoleConsumer)
	r.ConsumerRegistered("cli-1")
	r.ConsumerRegistered("cli-2")

	_, err := r.RouteClarification(clarificationEnv(t, "producer-1", "q1", "a?", 1000))
	require.NoError(t, err)
	_, err = r.RouteClarification(clarificationEnv(t, "producer-1", "q2", "b?", 1001))
	require.NoError(t, err)

	got1 := decodeClarification(t, c1.next(t, time.Second))
	got2 := decodeClarification(t, c2.next(t, time.Second))
	assert.ElementsMatch(t, []string{"q1", "q2"}, []string{got1.ID, got2.ID})
}

func TestRouter_FairShareUnderSequentialLoad(t *testing.T) {
	r, reg := newTestRouter(t, testOptions())
	newPeer(t, reg, "producer-1", wire.RoleProducer)
	consumers := []*testPeer{
		newPeer(t, reg, "cli-1", wire.RoleConsumer),
		newPeer(t, reg, "cli-2", wire.RoleConsumer),
	}
	r.ConsumerRegistered("cli-1")
	r.ConsumerRegistered("cli-2")

	const n = 4
	for i := 0; i < n; i++ {
		_, err := r.RouteClarification(clarificationEnv(t, "producer-1",
			"q"+string(rune('1'+i)), "spread?", int64(1000+i)))
		require.NoError(t, err)
	}

	// Drain everything, answering as we go, and count per consumer.
	counts := map[string]int{}
	for answered := 0; answered < n; {
		for _, c := range consumers {
			select {
			case env := <-c.recv:
				payload := decodeClarification(t, env)
				counts[c.id]++
				answered++
				require.NoError(t, r.HandleReply(replyEnv(t, c.id, payload.ID, "ok")))
			case <-time.After(50 * time.Millisecond):
			}
		}
	}

	// ceil(4/2) = 2: nobody takes more than their share.
	assert.LessOrEqual(t, counts["cli-1"], 2)
	assert.LessOrEqual(t, counts["cli-2"], 2)
}

func TestRouter_NoConsumerAvailable(t *testing.T) {
	r, reg := newTestRouter(t, testOptions())
	newPeer(t, reg, "producer-1", wire.RoleProducer)

	requestID, err := r.RouteClarification(clarificationEnv(t, "producer-1", "q1", "anyone?", 1000))
	assert.ErrorIs(t, err, ErrNoConsumers)
	assert.Equal(t, "q1", requestID)
	assert.Equal(t, "No CLI clients available", err.Error())
}

func TestRouter_QueueSaturation(t *testing.T) {
	opts := testOptions()
	opts.MaxQueue = 2
	r, reg := newTestRouter(t, opts)
	newPeer(t, reg, "producer-1", wire.RoleProducer)
	newPeer(t, reg, "cli-1", wire.RoleConsumer)
	r.ConsumerRegistered("cli-1")

	_, err := r.RouteClarification(clarificationEnv(t, "producer-1", "q1", "a?", 1000))
	require.NoError(t, err)
	_, err = r.RouteClarification(clarificationEnv(t, "producer-1", "q2", "b?", 1001))
	require.NoError(t, err)

	requestID, err := r.RouteClarification(clarificationEnv(t, "producer-1", "q3", "c?", 1002))
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, "q3", requestID)
	assert.Equal(t, "queue full", err.Error())
}

func TestRouter_ReplyForUnknownRequestIgnored(t *testing.T) {
	r, reg := newTestRouter(t, testOptions())
	producer := newPeer(t, reg, "producer-1", wire.RoleProducer)
	newPeer(t, reg, "cli-1", wire.RoleConsumer)
	r.ConsumerRegistered("cli-1")

	require.NoError(t, r.HandleReply(replyEnv(t, "cli-1", "never-sent", "yes")))
	producer.expectNone(t, 150*time.Millisecond)
}

func TestRouter_DuplicateReplyIgnored(t *testing.T) {
	r, reg := newTestRouter(t, testOptions())
	producer := newPeer(t, reg, "producer-1", wire.RoleProducer)
	consumer := newPeer(t, reg, "cli-1", wire.RoleConsumer)
	r.ConsumerRegistered("cli-1")

	_, err := r.RouteClarification(clarificationEnv(t, "producer-1", "q1", "a?", 1000))
	require.NoError(t, err)
	consumer.next(t, time.Second)

	require.NoError(t, r.HandleReply(replyEnv(t, "cli-1", "q1", "yes")))
	producer.next(t, time.Second)

	// The second reply races a terminal state and must change nothing.
	require.NoError(t, r.HandleReply(replyEnv(t, "cli-1", "q1", "no")))
	producer.expectNone(t, 150*time.Millisecond)
}

func TestRouter_ConsumerLossDiscardsItsQueue(t *testing.T) {
	r, reg := newTestRouter(t, testOptions())
	producer := newPeer(t, reg, "producer-1", wire.RoleProducer)
	consumer := newPeer(t, reg, "cli-1", wire.RoleConsumer)
	r.ConsumerRegistered("cli-1")

	_, err := r.RouteClarification(clarificationEnv(t, "producer-1", "q1", "a?", 1000))
	require.NoError(t, err)
	_, err = r.RouteClarification(clarificationEnv(t, "producer-1", "q2", "b?", 1001))
	require.NoError(t, err)
	consumer.next(t, time.Second)

	reg.Remove("cli-1")
	consumer.sess.Close()
	r.SessionGone("cli-1", wire.RoleConsumer)

	assert.Zero(t, r.QueuedClarifications())

	// No redistribution and no synthesized responses toward the producer.
	producer.expectNone(t, 150*time.Millisecond)
}

func TestRouter_ProducerLossExpiresItsRequests(t *testing.T) {
	r, reg := newTestRouter(t, testOptions())
	newPeer(t, reg, "producer-1", wire.RoleProducer)
	newPeer(t, reg, "producer-2", wire.RoleProducer)
	consumer := newPeer(t, reg, "cli-1", wire.RoleConsumer)
	r.ConsumerRegistered("cli-1")

	_, err := r.RouteClarification(clarificationEnv(t, "producer-1", "q1", "a?", 1000))
	require.NoError(t, err)
	_, err = r.RouteClarification(clarificationEnv(t, "producer-1", "q2", "b?", 1001))
	require.NoError(t, err)
	_, err = r.RouteClarification(clarificationEnv(t, "producer-2", "q3", "c?", 1002))
	require.NoError(t, err)

	active := decodeClarification(t, consumer.next(t, time.Second))
	assert.Equal(t, "q1", active.ID)

	reg.Remove("producer-1")
	r.SessionGone("producer-1", wire.RoleProducer)

	// Both requests from the dead producer arrive as dismissals, the active
	// one included, then the survivor from producer-2 is promoted.
	first := decodeClarification(t, consumer.next(t, time.Second))
	assert.Equal(t, "q1", first.ID)
	assert.Equal(t, wire.StatusTimeout, first.Status)
	assert.Equal(t, DisconnectNotice, first.Response)

	second := decodeClarification(t, consumer.next(t, time.Second))
	assert.Equal(t, "q2", second.ID)
	assert.Equal(t, wire.StatusTimeout, second.Status)

	promoted := decodeClarification(t, consumer.next(t, time.Second))
	assert.Equal(t, "q3", promoted.ID)
	assert.Equal(t, wire.StatusPending, promoted.Status)

	assert.Equal(t, 1, r.QueuedClarifications())
}

func TestRouter_ReplyAfterProducerGoneStillAdvances(t *testing.T) {
	r, reg := newTestRouter(t, testOptions())
	newPeer(t, reg, "producer-1", wire.RoleProducer)
	consumer := newPeer(t, reg, "cli-1", wire.RoleConsumer)
	r.ConsumerRegistered("cli-1")

	_, err := r.RouteClarification(clarificationEnv(t, "producer-1", "q1", "a?", 1000))
	require.NoError(t, err)
	consumer.next(t, time.Second)

	_, err = r.RouteClarification(clarificationEnv(t, "producer-1", "q2", "b?", 1001))
	require.NoError(t, err)

	// Producer drops off the registry but the router has not yet been told;
	// a reply in that window is consumed and the queue still advances.
	reg.Remove("producer-1")
	require.NoError(t, r.HandleReply(replyEnv(t, "cli-1", "q1", "yes")))

	next := decodeClarification(t, consumer.next(t, time.Second))
	assert.Equal(t, "q2", next.ID)
}

func TestRouter_ClarificationPayloadRequiresIDAndQuestion(t *testing.T) {
	r, reg := newTestRouter(t, testOptions())
	newPeer(t, reg, "cli-1", wire.RoleConsumer)
	r.ConsumerRegistered("cli-1")

	env, err := wire.NewEnvelope(wire.KindClarification, "producer-1", wire.RoleProducer,
		map[string]string{"question": "who?"})
	require.NoError(t, err)

	_, err = r.RouteClarification(env)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoConsumers)
	assert.NotErrorIs(t, err, ErrQueueFull)
}
