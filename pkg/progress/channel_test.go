package progress

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToTopicOnly(t *testing.T) {
	c := NewChannel()

	var jobA, jobB, jobAComplete []Event
	c.Subscribe(JobTopic("a", KindProgress), func(e Event) { jobA = append(jobA, e) })
	c.Subscribe(JobTopic("b", KindProgress), func(e Event) { jobB = append(jobB, e) })
	c.Subscribe(JobTopic("a", KindComplete), func(e Event) { jobAComplete = append(jobAComplete, e) })

	c.Publish(JobTopic("a", KindProgress), 10)

	require.Len(t, jobA, 1)
	assert.Equal(t, KindProgress, jobA[0].Kind)
	assert.Equal(t, "a", jobA[0].EntityID)
	assert.Equal(t, 10, jobA[0].Data)
	assert.Empty(t, jobB)
	assert.Empty(t, jobAComplete)
}

func TestNoReplayForLateSubscriber(t *testing.T) {
	c := NewChannel()
	topic := BatchTopic("b1", KindVideoAdded)

	c.Publish(topic, "early")

	var got []Event
	c.Subscribe(topic, func(e Event) { got = append(got, e) })
	assert.Empty(t, got)

	c.Publish(topic, "late")
	require.Len(t, got, 1)
	assert.Equal(t, "late", got[0].Data)
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	c := NewChannel()
	topic := JobTopic("j", KindProgress)

	calls := 0
	sub := c.Subscribe(topic, func(Event) { calls++ })
	other := c.Subscribe(topic, func(Event) {})
	assert.Equal(t, 2, c.ListenerCount(topic))

	sub.Unsubscribe()
	sub.Unsubscribe()
	assert.Equal(t, 1, c.ListenerCount(topic))

	c.Publish(topic, nil)
	assert.Equal(t, 0, calls)

	other.Unsubscribe()
	assert.Equal(t, 0, c.TopicCount(), "empty topics are dropped")
}

func TestListenerMayUnsubscribeDuringPublish(t *testing.T) {
	c := NewChannel()
	topic := JobTopic("j", KindComplete)

	var sub *Subscription
	sub = c.Subscribe(topic, func(Event) { sub.Unsubscribe() })

	assert.NotPanics(t, func() { c.Publish(topic, nil) })
	assert.Equal(t, 0, c.ListenerCount(topic))
}

func TestGroupReleasesEverySubscription(t *testing.T) {
	c := NewChannel()
	g := NewGroup(c)

	for _, kind := range BatchKinds {
		require.True(t, g.Subscribe(BatchTopic("b", kind), func(Event) {}))
	}
	assert.Equal(t, len(BatchKinds), c.TopicCount())

	g.Close()
	g.Close()
	assert.Equal(t, 0, c.TopicCount())
	assert.False(t, g.Subscribe(BatchTopic("b", KindVideoAdded), func(Event) {}))
	assert.Equal(t, 0, c.TopicCount())
}

func TestConcurrentPublishAndSubscribe(t *testing.T) {
	c := NewChannel()
	topic := JobTopic("j", KindProgress)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			sub := c.Subscribe(topic, func(Event) {})
			sub.Unsubscribe()
		}()
		go func(n int) {
			defer wg.Done()
			c.Publish(topic, n)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 0, c.ListenerCount(topic))
}

func TestTerminalKinds(t *testing.T) {
	for _, k := range []Kind{KindComplete, KindError, KindBatchComplete, KindBatchCancelled} {
		assert.True(t, k.IsTerminal(), k)
	}
	for _, k := range []Kind{KindProgress, KindVideoAdded, KindVideoComplete, KindSnapshot} {
		assert.False(t, k.IsTerminal(), k)
	}
}
