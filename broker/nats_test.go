package broker

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/runwatch/testutil"
)

// twoInstances wires two NATS registries to one shared mock backbone,
// simulating two broker processes behind a load balancer.
func twoInstances(t *testing.T) (*NATS, *NATS, *testutil.MockNATSClient) {
	t.Helper()

	nc := testutil.NewMockNATSClient()
	a := NewNATS(NewMemory(nil, nil), nc, nil)
	b := NewNATS(NewMemory(nil, nil), nc, nil)
	require.NoError(t, a.Start(context.Background()))
	require.NoError(t, b.Start(context.Background()))
	return a, b, nc
}

func TestNATS_RelayReachesRemoteInstance(t *testing.T) {
	a, b, _ := twoInstances(t)

	remote := &recordingSender{}
	b.Connect("remote-conn", remote)
	require.NoError(t, b.Subscribe("remote-conn", "thread-t1"))
	remote.frames = nil

	payload := json.RawMessage(`{"type":"run_started","thread_id":"t1"}`)
	a.Publish(context.Background(), "thread-t1", "workflow-update", payload, "")

	require.Equal(t, 1, remote.count())
	var frame Frame
	require.NoError(t, json.Unmarshal(remote.last(), &frame))
	assert.Equal(t, "thread-t1", frame.Channel)
	assert.Equal(t, "workflow-update", frame.Event)
	assert.JSONEq(t, string(payload), string(frame.Data))
}

func TestNATS_OwnEchoFiltered(t *testing.T) {
	a, _, _ := twoInstances(t)

	local := &recordingSender{}
	a.Connect("local-conn", local)
	require.NoError(t, a.Subscribe("local-conn", "admin"))
	local.frames = nil

	// The mock backbone invokes a's own relay handler synchronously, so a
	// duplicate would show up as a second frame here.
	result := a.Publish(context.Background(), "admin", "evt", json.RawMessage(`{}`), "")

	assert.Equal(t, Result{Sent: 1}, result)
	assert.Equal(t, 1, local.count())
}

func TestNATS_PublishRelaysEnvelope(t *testing.T) {
	a, _, nc := twoInstances(t)

	a.Publish(context.Background(), "thread-t9", "evt", json.RawMessage(`{"n":1}`), "conn-5")

	msgs := nc.GetMessages(SubjectPrefix + "thread-t9")
	require.Len(t, msgs, 1)

	var env relayEnvelope
	require.NoError(t, json.Unmarshal(msgs[0], &env))
	assert.Equal(t, a.instanceID, env.Origin)
	assert.Equal(t, "thread-t9", env.Channel)
	assert.Equal(t, "evt", env.Event)
	assert.Equal(t, "conn-5", env.Exclude)
}

func TestNATS_RelaySubjectSanitized(t *testing.T) {
	a, b, nc := twoInstances(t)

	remote := &recordingSender{}
	b.Connect("remote-conn", remote)
	require.NoError(t, b.Subscribe("remote-conn", "thread.a*b c"))
	remote.frames = nil

	a.Publish(context.Background(), "thread.a*b c", "evt", json.RawMessage(`{}`), "")

	// Reserved subject characters collapse to a single token on the wire
	msgs := nc.GetMessages(SubjectPrefix + "thread_a_b_c")
	require.Len(t, msgs, 1)

	// The envelope still carries the exact channel, so remote delivery matches
	require.Equal(t, 1, remote.count())
	var frame Frame
	require.NoError(t, json.Unmarshal(remote.last(), &frame))
	assert.Equal(t, "thread.a*b c", frame.Channel)
}

func TestNATS_RelayHonorsExclude(t *testing.T) {
	a, b, _ := twoInstances(t)

	excluded := &recordingSender{}
	b.Connect("origin-conn", excluded)
	require.NoError(t, b.Subscribe("origin-conn", "admin"))
	excluded.frames = nil

	a.Publish(context.Background(), "admin", "evt", json.RawMessage(`{}`), "origin-conn")

	assert.Equal(t, 0, excluded.count())
}

func TestNATS_MalformedRelayDropped(t *testing.T) {
	a, _, nc := twoInstances(t)

	local := &recordingSender{}
	a.Connect("c1", local)
	require.NoError(t, a.Subscribe("c1", "admin"))
	local.frames = nil

	// Garbage on the broadcast subject must not reach connections or panic
	require.NoError(t, nc.Publish(context.Background(), SubjectPrefix+"admin", []byte("not json")))

	assert.Equal(t, 0, local.count())
}

func TestNATS_LocalDeliveryWhenRelayFails(t *testing.T) {
	nc := testutil.NewMockNATSClient()
	a := NewNATS(NewMemory(nil, nil), nc, nil)
	require.NoError(t, a.Start(context.Background()))

	local := &recordingSender{}
	a.Connect("c1", local)
	require.NoError(t, a.Subscribe("c1", "admin"))
	local.frames = nil

	// Closed backbone: relay publish fails, local fan-out still happens
	require.NoError(t, nc.Close())
	result := a.Publish(context.Background(), "admin", "evt", json.RawMessage(`{}`), "")

	assert.Equal(t, Result{Sent: 1}, result)
	assert.Equal(t, 1, local.count())
}
