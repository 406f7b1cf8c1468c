package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingWaker struct {
	n int
}

func (w *countingWaker) Wake() { w.n++ }

type recordingPublisher struct {
	bodies [][]byte
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, body []byte, contentType string) error {
	if p.err != nil {
		return p.err
	}
	p.bodies = append(p.bodies, body)
	return nil
}

func TestLocalNotifier_WakesSubscribers(t *testing.T) {
	a, b := &countingWaker{}, &countingWaker{}
	n := NewLocalNotifier(a)
	n.Subscribe(b)

	require.NoError(t, n.Notify(context.Background(), Signal{JobID: "1", Queue: "reports"}))
	require.NoError(t, n.Notify(context.Background(), Signal{JobID: "2", Queue: "reports"}))

	assert.Equal(t, 2, a.n)
	assert.Equal(t, 2, b.n)
}

func TestAMQPNotifier_PublishesEncodedSignal(t *testing.T) {
	pub := &recordingPublisher{}
	n := NewAMQPNotifier(pub)

	require.NoError(t, n.Notify(context.Background(), Signal{JobID: "abc", Queue: "billing-sync"}))
	require.Len(t, pub.bodies, 1)
	assert.JSONEq(t, `{"job_id":"abc","queue":"billing-sync"}`, string(pub.bodies[0]))

	sig, err := Decode(pub.bodies[0])
	require.NoError(t, err)
	assert.Equal(t, Signal{JobID: "abc", Queue: "billing-sync"}, sig)
}

func TestDecode_Rejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "malformed", body: `{not json`},
		{name: "missing job id", body: `{"queue":"reports"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.body))
			assert.Error(t, err)
		})
	}
}

func TestMulti_JoinsErrors(t *testing.T) {
	w := &countingWaker{}
	boom := errors.New("broker down")
	m := Multi{NewLocalNotifier(w), NewAMQPNotifier(&recordingPublisher{err: boom}), nil}

	err := m.Notify(context.Background(), Signal{JobID: "1"})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, w.n, "local subscribers are still woken")
}
