package quote

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.C():
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestBroadcasterFanOut(t *testing.T) {
	b := NewBroadcaster(8, nil)
	s1 := b.Subscribe()
	s2 := b.Subscribe()
	require.Equal(t, 2, b.Count())

	b.Publish(Event{InstrumentID: "ACME", Price: px("50"), Timestamp: ts(1)})
	b.Publish(Event{InstrumentID: "INFY", Price: px("10"), Timestamp: ts(2)})

	for _, sub := range []*Subscription{s1, s2} {
		assert.Equal(t, "ACME", recv(t, sub).InstrumentID)
		assert.Equal(t, "INFY", recv(t, sub).InstrumentID)
	}
}

func TestBroadcasterStoreIntegration(t *testing.T) {
	b := NewBroadcaster(8, nil)
	s := NewStore(b, nil)
	sub := b.Subscribe()
	defer sub.Close()

	_, err := s.Update("ACME", px("50"), ts(1))
	require.NoError(t, err)
	_, _ = s.Update("ACME", px("40"), ts(0)) // stale, not published

	ev := recv(t, sub)
	assert.Equal(t, "ACME", ev.InstrumentID)
	assert.True(t, ev.Price.Equal(px("50")))

	select {
	case ev := <-sub.C():
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

func TestBroadcasterDropsSlowSubscriber(t *testing.T) {
	b := NewBroadcaster(2, nil)
	slow := b.Subscribe()
	fast := b.Subscribe()

	done := make(chan struct{})
	var got int
	go func() {
		defer close(done)
		for range fast.C() {
			got++
			if got == 5 {
				return
			}
		}
	}()

	for i := 0; i < 5; i++ {
		b.Publish(Event{InstrumentID: "ACME", Price: px("1"), Timestamp: ts(i)})
		// let the fast reader drain so only the slow one saturates
		time.Sleep(5 * time.Millisecond)
	}
	<-done

	select {
	case <-slow.Done():
	case <-time.After(time.Second):
		t.Fatal("slow subscriber was not shed")
	}
	assert.True(t, slow.Shed())
	assert.False(t, fast.Shed())

	// the buffered events are still readable, then the channel is closed
	var n int
	for range slow.C() {
		n++
	}
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, b.Count())
	assert.EqualValues(t, 1, b.Stats().Dropped)
}

func TestBroadcasterPublishNeverBlocks(t *testing.T) {
	b := NewBroadcaster(1, nil)
	_ = b.Subscribe() // never read

	finished := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.Publish(Event{InstrumentID: "ACME", Price: px("1"), Timestamp: ts(i)})
		}
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	assert.Zero(t, b.Count())
}

func TestSubscriptionCloseFreesSlot(t *testing.T) {
	b := NewBroadcaster(4, nil)
	sub := b.Subscribe()
	require.Equal(t, 1, b.Count())

	sub.Close()
	sub.Close() // idempotent
	assert.Zero(t, b.Count())

	_, ok := <-sub.C()
	assert.False(t, ok)
	assert.False(t, sub.Shed())

	// publishing after the consumer left is harmless
	b.Publish(Event{InstrumentID: "ACME", Price: px("1"), Timestamp: ts(1)})
}

func TestBroadcasterClose(t *testing.T) {
	b := NewBroadcaster(4, nil)
	sub := b.Subscribe()
	b.Close()

	_, ok := <-sub.C()
	assert.False(t, ok)

	late := b.Subscribe()
	_, ok = <-late.C()
	assert.False(t, ok, "subscriptions on a closed broadcaster end immediately")
	b.Publish(Event{InstrumentID: "ACME"})
}

func TestBroadcasterConcurrentSubscribeAndPublish(t *testing.T) {
	b := NewBroadcaster(64, nil)
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub := b.Subscribe()
			for j := 0; j < 10; j++ {
				select {
				case <-sub.C():
				case <-time.After(10 * time.Millisecond):
				}
			}
			sub.Close()
		}()
	}
	for i := 0; i < 100; i++ {
		b.Publish(Event{InstrumentID: "ACME", Price: px("1"), Timestamp: ts(i)})
	}
	wg.Wait()
	assert.Zero(t, b.Count())
}
