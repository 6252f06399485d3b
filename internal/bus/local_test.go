package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLocalBusPublishSubscribe(t *testing.T) {
	b := NewLocalBus()
	defer b.Close()
	ctx := context.Background()

	ch, cancel, err := b.Subscribe(ctx, ContestChannel("d1"))
	assert.NoError(t, err)
	defer cancel()

	assert.NoError(t, b.Publish(ctx, ContestChannel("d1"), []byte("hello")))

	select {
	case msg := <-ch:
		assert.Equal(t, []byte("hello"), msg)
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the message")
	}
}

func TestLocalBusSubscribersAreChannelScoped(t *testing.T) {
	b := NewLocalBus()
	defer b.Close()
	ctx := context.Background()

	ch, cancel, err := b.Subscribe(ctx, ContestChannel("d1"))
	assert.NoError(t, err)
	defer cancel()

	assert.NoError(t, b.Publish(ctx, ContestChannel("other"), []byte("noise")))

	select {
	case msg := <-ch:
		t.Fatalf("received a message from another channel: %s", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLocalBusCancelIsIdempotent(t *testing.T) {
	b := NewLocalBus()
	defer b.Close()

	ch, cancel, err := b.Subscribe(context.Background(), "c")
	assert.NoError(t, err)

	cancel()
	cancel() // A second cancel must not panic on a closed channel

	_, open := <-ch
	assert.False(t, open)
}

func TestLocalBusKeysExpire(t *testing.T) {
	b := NewLocalBus()
	defer b.Close()
	ctx := context.Background()

	assert.NoError(t, b.SetKey(ctx, AgentConnectedKey("a1"), "replica-1", 30*time.Millisecond))

	value, ok, err := b.GetKey(ctx, AgentConnectedKey("a1"))
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "replica-1", value)

	time.Sleep(60 * time.Millisecond)

	_, ok, err = b.GetKey(ctx, AgentConnectedKey("a1"))
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestLocalBusKeysPattern(t *testing.T) {
	b := NewLocalBus()
	defer b.Close()
	ctx := context.Background()

	assert.NoError(t, b.SetKey(ctx, SpectatorsKey("d1", "r1"), "3", time.Minute))
	assert.NoError(t, b.SetKey(ctx, SpectatorsKey("d1", "r2"), "5", time.Minute))
	assert.NoError(t, b.SetKey(ctx, SpectatorsKey("d2", "r1"), "9", time.Minute))

	keys, err := b.Keys(ctx, SpectatorsPattern("d1"))
	assert.NoError(t, err)
	assert.Len(t, keys, 2)
	assert.ElementsMatch(t, []string{SpectatorsKey("d1", "r1"), SpectatorsKey("d1", "r2")}, keys)
}

func TestLocalBusDeleteKey(t *testing.T) {
	b := NewLocalBus()
	defer b.Close()
	ctx := context.Background()

	assert.NoError(t, b.SetKey(ctx, "k", "v", time.Minute))
	assert.NoError(t, b.DeleteKey(ctx, "k"))

	_, ok, err := b.GetKey(ctx, "k")
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestLocalBusLock(t *testing.T) {
	b := NewLocalBus()
	defer b.Close()
	ctx := context.Background()

	acquired, release, err := b.AcquireLock(ctx, RecoveryLockKey("d1"), time.Minute)
	assert.NoError(t, err)
	assert.True(t, acquired)

	blocked, _, err := b.AcquireLock(ctx, RecoveryLockKey("d1"), time.Minute)
	assert.NoError(t, err)
	assert.False(t, blocked, "a held lock must not be re-acquired")

	release()

	again, release2, err := b.AcquireLock(ctx, RecoveryLockKey("d1"), time.Minute)
	assert.NoError(t, err)
	assert.True(t, again, "a released lock must be acquirable")
	release2()
}

func TestLocalBusLockExpires(t *testing.T) {
	b := NewLocalBus()
	defer b.Close()
	ctx := context.Background()

	acquired, _, err := b.AcquireLock(ctx, "lock:x", 20*time.Millisecond)
	assert.NoError(t, err)
	assert.True(t, acquired)

	time.Sleep(40 * time.Millisecond)

	again, release, err := b.AcquireLock(ctx, "lock:x", time.Minute)
	assert.NoError(t, err)
	assert.True(t, again, "an expired lock must be acquirable")
	release()
}

func TestLocalBusNotDistributed(t *testing.T) {
	b := NewLocalBus()
	defer b.Close()
	assert.False(t, b.Distributed())
}
