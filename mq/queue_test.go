package mq

import (
	"context"
	"errors"
	"testing"
	"time"

	rpkica "github.com/AshkanYarmoradi/go-rpkica"
	"github.com/AshkanYarmoradi/go-rpkica/adapters"
	"github.com/AshkanYarmoradi/go-rpkica/adapters/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type childAdded struct {
	Child string `json:"child"`
}

func (e childAdded) Summary() string { return "added child " + e.Child }

type childRemoved struct {
	Child string `json:"child"`
}

var testTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func committed(events ...rpkica.CommittedEvent) rpkica.Committed {
	return rpkica.Committed{
		Namespace:   "cas",
		Handle:      "alice",
		CommandType: "add-child",
		Metadata:    rpkica.Metadata{Actor: "ops", CorrelationID: "corr-1"},
		Events:      events,
	}
}

func added(version int64, child string) rpkica.CommittedEvent {
	return rpkica.CommittedEvent{Version: version, Type: "ChildAdded", Details: childAdded{Child: child}, Timestamp: testTime}
}

func removed(version int64, child string) rpkica.CommittedEvent {
	return rpkica.CommittedEvent{Version: version, Type: "ChildRemoved", Details: childRemoved{Child: child}, Timestamp: testTime}
}

func TestQueue_Schedule(t *testing.T) {
	store := memory.NewQueueStore()
	q := NewQueue(store, []Route{
		{Destination: "local:resync"},
		{EventTypes: []string{"ChildRemoved"}, Destination: "webhook:https://example.com/hook"},
	}, WithMaxAttempts(3), WithQueueClock(func() time.Time { return testTime }))

	messages, err := q.Schedule(context.Background(), committed(added(3, "bob"), removed(4, "carol")))
	require.NoError(t, err)
	require.Len(t, messages, 3)
	assert.Equal(t, 3, store.Count())

	first := messages[0]
	assert.Equal(t, "local:resync", first.Destination)
	assert.Equal(t, "cas", first.Namespace)
	assert.Equal(t, "alice", first.Handle)
	assert.Equal(t, int64(3), first.Version)
	assert.Equal(t, "ChildAdded", first.EventType)
	assert.Equal(t, 3, first.MaxAttempts)
	assert.Equal(t, testTime, first.CreatedAt)
	assert.Equal(t, map[string]string{
		HeaderEventType:     "ChildAdded",
		HeaderNamespace:     "cas",
		HeaderHandle:        "alice",
		HeaderVersion:       "3",
		HeaderCommandType:   "add-child",
		HeaderCorrelationID: "corr-1",
		HeaderCausationID:   "",
	}, first.Headers)

	payload, err := DecodePayload(first)
	require.NoError(t, err)
	assert.Equal(t, rpkica.Handle("alice"), payload.Handle)
	assert.Equal(t, "added child bob", payload.Summary)
	assert.Equal(t, "ops", payload.Actor)
	assert.JSONEq(t, `{"child":"bob"}`, string(payload.Details))

	assert.Equal(t, "local:resync", messages[1].Destination)
	assert.Equal(t, "ChildRemoved", messages[1].EventType)
	assert.Equal(t, "webhook:https://example.com/hook", messages[2].Destination)

	removedPayload, err := DecodePayload(messages[2])
	require.NoError(t, err)
	assert.Empty(t, removedPayload.Summary)
}

func TestQueue_RouteMatching(t *testing.T) {
	tests := []struct {
		name  string
		route Route
		want  int
	}{
		{"all", Route{Destination: "local:x"}, 2},
		{"event type", Route{EventTypes: []string{"ChildAdded"}, Destination: "local:x"}, 1},
		{"namespace match", Route{Namespaces: []string{"cas"}, Destination: "local:x"}, 2},
		{"namespace miss", Route{Namespaces: []string{"trustanchors"}, Destination: "local:x"}, 0},
		{
			name: "filter",
			route: Route{Destination: "local:x", Filter: func(_ rpkica.Committed, e rpkica.CommittedEvent) bool {
				return e.Version > 3
			}},
			want: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := NewQueue(memory.NewQueueStore(), []Route{tt.route})
			messages, err := q.Schedule(context.Background(), committed(added(3, "bob"), removed(4, "carol")))
			require.NoError(t, err)
			assert.Len(t, messages, tt.want)
		})
	}
}

func TestQueue_Transform(t *testing.T) {
	q := NewQueue(memory.NewQueueStore(), []Route{
		{
			Destination: "kafka:ca-events",
			Transform: func(c rpkica.Committed, e rpkica.CommittedEvent) ([]byte, error) {
				if e.Version == 4 {
					return nil, errors.New("cannot transform")
				}
				return []byte(c.Handle.String() + ":" + e.Type), nil
			},
		},
	})

	messages, err := q.Schedule(context.Background(), committed(added(3, "bob"), removed(4, "carol")))
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "alice:ChildAdded", string(messages[0].Payload))
}

func TestQueue_NoRoutes(t *testing.T) {
	store := memory.NewQueueStore()
	q := NewQueue(store, nil)
	messages, err := q.Schedule(context.Background(), committed(added(3, "bob")))
	require.NoError(t, err)
	assert.Empty(t, messages)
	assert.Equal(t, 0, store.Count())

	q.AddRoute(Route{Destination: "local:x"})
	messages, err = q.Schedule(context.Background(), committed(added(3, "bob")))
	require.NoError(t, err)
	assert.Len(t, messages, 1)
	assert.Same(t, store, q.Store())
}

type failingQueueStore struct {
	*memory.QueueStore
}

func (failingQueueStore) Schedule(context.Context, []*adapters.QueueMessage) error {
	return errors.New("disk full")
}

type recordingLogger struct {
	rpkica.Logger
	errors []string
}

func (l *recordingLogger) Error(msg string, _ ...interface{}) { l.errors = append(l.errors, msg) }

func TestQueue_HookLogsScheduleErrors(t *testing.T) {
	logger := &recordingLogger{Logger: rpkica.NopLogger()}
	q := NewQueue(failingQueueStore{memory.NewQueueStore()}, []Route{{Destination: "local:x"}}, WithQueueLogger(logger))

	_, err := q.Schedule(context.Background(), committed(added(3, "bob")))
	assert.ErrorContains(t, err, "disk full")

	q.Hook()(context.Background(), committed(added(3, "bob")))
	assert.Equal(t, []string{"Failed to schedule side effects"}, logger.errors)
}

func TestTarget(t *testing.T) {
	tests := map[string]string{
		"kafka:ca-events":                 "ca-events",
		"webhook:https://example.com/ev":  "https://example.com/ev",
		"sns:arn:aws:sns:eu-west-1:1:top": "arn:aws:sns:eu-west-1:1:top",
		"kafka:":                          "",
		"local":                           "",
	}
	for in, want := range tests {
		assert.Equal(t, want, Target(in), in)
	}
	assert.Equal(t, "webhook", destinationPrefix("webhook:https://example.com"))
	assert.Equal(t, "local", destinationPrefix("local"))
}
