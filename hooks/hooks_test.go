package hooks_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sisegod/machina/hooks"
)

type recordingSubscriber struct {
	events []hooks.Event
	err    error
}

func (r *recordingSubscriber) HandleEvent(ctx context.Context, e hooks.Event) error {
	r.events = append(r.events, e)
	return r.err
}

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	b := hooks.NewBus()
	a, c := &recordingSubscriber{}, &recordingSubscriber{}
	_, err := b.Register(a)
	require.NoError(t, err)
	_, err = b.Register(c)
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), hooks.Event{Name: "goal_done"}))
	require.Len(t, a.events, 1)
	require.Len(t, c.events, 1)
}

func TestPublishStopsAtFirstError(t *testing.T) {
	b := hooks.NewBus()
	failing := &recordingSubscriber{err: errors.New("boom")}
	after := &recordingSubscriber{}
	_, err := b.Register(failing)
	require.NoError(t, err)
	_, err = b.Register(after)
	require.NoError(t, err)

	err = b.Publish(context.Background(), hooks.Event{Name: "tool_ok"})
	require.Error(t, err)
	require.Empty(t, after.events)
}

func TestCloseUnregistersSubscriber(t *testing.T) {
	b := hooks.NewBus()
	sub := &recordingSubscriber{}
	subscription, err := b.Register(sub)
	require.NoError(t, err)
	require.NoError(t, subscription.Close())

	require.NoError(t, b.Publish(context.Background(), hooks.Event{Name: "tool_ok"}))
	require.Empty(t, sub.events)
}

func TestRegisterRejectsNilSubscriber(t *testing.T) {
	b := hooks.NewBus()
	_, err := b.Register(nil)
	require.Error(t, err)
}
