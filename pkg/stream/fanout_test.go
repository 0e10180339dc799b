package stream

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChannelSource struct {
	listens   []string
	unlistens []string
	fail      error
}

func (f *fakeChannelSource) Subscribe(_ context.Context, channel string) error {
	if f.fail != nil {
		return f.fail
	}
	f.listens = append(f.listens, channel)
	return nil
}

func (f *fakeChannelSource) Unsubscribe(_ context.Context, channel string) error {
	f.unlistens = append(f.unlistens, channel)
	return nil
}

func TestFanoutListensOncePerChannel(t *testing.T) {
	src := &fakeChannelSource{}
	f := NewFanout(src, slog.Default())
	ctx := context.Background()

	ch1, cancel1, err := f.Subscribe(ctx, "conclave_stream_s1")
	require.NoError(t, err)
	ch2, cancel2, err := f.Subscribe(ctx, "conclave_stream_s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"conclave_stream_s1"}, src.listens, "LISTEN once for two subscribers")

	f.Dispatch("conclave_stream_s1", []byte("hello"))
	assert.Equal(t, []byte("hello"), <-ch1)
	assert.Equal(t, []byte("hello"), <-ch2)

	// Other channels do not leak in.
	f.Dispatch("conclave_stream_other", []byte("nope"))
	select {
	case payload := <-ch1:
		t.Fatalf("unexpected payload %q", payload)
	default:
	}

	cancel1()
	assert.Empty(t, src.unlistens, "channel still has a subscriber")
	cancel2()
	assert.Equal(t, []string{"conclave_stream_s1"}, src.unlistens)

	_, ok := <-ch1
	assert.False(t, ok, "subscriber channel closes on cancel")
}

func TestFanoutDropsWhenSubscriberStalls(t *testing.T) {
	f := NewFanout(&fakeChannelSource{}, slog.Default())
	ch, cancel, err := f.Subscribe(context.Background(), "c")
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < subscriberBuffer+10; i++ {
		f.Dispatch("c", []byte{byte(i)})
	}
	assert.Len(t, ch, subscriberBuffer, "overflow payloads are dropped")
}

func TestFanoutSubscribeErrorCleansUp(t *testing.T) {
	src := &fakeChannelSource{fail: errors.New("listen failed")}
	f := NewFanout(src, slog.Default())

	_, _, err := f.Subscribe(context.Background(), "c")
	require.Error(t, err)

	// The failed registration is gone: a retry attempts LISTEN again.
	src.fail = nil
	_, cancel, err := f.Subscribe(context.Background(), "c")
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, src.listens)
	cancel()
}