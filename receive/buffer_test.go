package receive

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, s *BufferSink) []*Tick {
	t.Helper()
	var out []*Tick
	for s.Len() > 0 {
		tick, err := s.Next(context.Background())
		require.NoError(t, err)
		out = append(out, tick)
	}
	return out
}

func TestBufferSinkFIFO(t *testing.T) {
	s := NewBufferSink()
	reg := s.Registration()
	deliver(t, reg, speakingTick(1, 1, 1), speakingTick(2, 2, 1), speakingTick(3, 3, 1))

	got := drain(t, s)
	require.Len(t, got, 3)
	for i, tick := range got {
		assert.Equal(t, uint64(i+1), tick.Seq())
	}
	assert.Zero(t, s.Capacity())
}

func TestBufferSinkEvictionBound(t *testing.T) {
	for _, tc := range []struct{ seconds, rate, extra int }{
		{1, 2, 0}, {1, 2, 5}, {2, 5, 1}, {3, 4, 40},
	} {
		s := NewBufferSink(WithRetention(tc.seconds), WithTickRate(tc.rate))
		capacity := tc.seconds * tc.rate
		require.Equal(t, capacity, s.Capacity())

		total := capacity + tc.extra
		reg := s.Registration()
		for seq := 1; seq <= total; seq++ {
			deliver(t, reg, speakingTick(uint64(seq), 0, 1))
		}
		require.Equal(t, capacity, s.Len())

		got := drain(t, s)
		for i, tick := range got {
			assert.Equal(t, uint64(tc.extra+i+1), tick.Seq())
		}
		st := s.Stats()
		assert.Equal(t, uint64(total), st.Accepted)
		assert.Equal(t, uint64(tc.extra), st.Evicted)
	}
}

func TestBufferSinkNonPositiveRetentionIsUnbounded(t *testing.T) {
	for _, seconds := range []int{0, -3} {
		s := NewBufferSink(WithRetention(seconds))
		assert.Zero(t, s.Capacity(), "retention %d", seconds)
		for seq := uint64(1); seq <= 2*TicksPerSecond; seq++ {
			deliver(t, s.Registration(), speakingTick(seq, 1, 1))
		}
		assert.Equal(t, 2*TicksPerSecond, s.Len(), "retention %d", seconds)
		assert.Zero(t, s.Stats().Evicted, "retention %d", seconds)
	}
}

func TestBufferSinkStopDiscardsLaterTicks(t *testing.T) {
	s := NewBufferSink()
	reg := s.Registration()
	deliver(t, reg, speakingTick(1, 0, 1))
	s.Stop()
	s.Stop()
	deliver(t, reg, speakingTick(2, 0, 1))

	tick, err := s.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), tick.Seq())

	_, err = s.Next(context.Background())
	assert.ErrorIs(t, err, ErrExhausted)

	st := s.Stats()
	assert.True(t, st.Stopped)
	assert.Equal(t, uint64(1), st.Discarded)
}

func TestBufferSinkNextWaitsForTick(t *testing.T) {
	s := NewBufferSink()
	got := make(chan *Tick, 1)
	go func() {
		tick, err := s.Next(context.Background())
		if err == nil {
			got <- tick
		}
		close(got)
	}()

	select {
	case <-got:
		t.Fatal("Next returned before a tick was delivered")
	case <-time.After(20 * time.Millisecond):
	}
	deliver(t, s.Registration(), speakingTick(9, 0, 1))

	select {
	case tick := <-got:
		require.NotNil(t, tick)
		assert.Equal(t, uint64(9), tick.Seq())
	case <-time.After(time.Second):
		t.Fatal("Next did not wake up")
	}
}

func TestBufferSinkCloseReleasesWaiter(t *testing.T) {
	s := NewBufferSink()
	errc := make(chan error, 1)
	go func() {
		_, err := s.Next(context.Background())
		errc <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, s.Close())

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrExhausted)
	case <-time.After(time.Second):
		t.Fatal("Close did not release the waiting consumer")
	}
}

func TestBufferSinkNextCancelled(t *testing.T) {
	s := NewBufferSink()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := s.Next(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	deliver(t, s.Registration(), speakingTick(1, 0, 1))
	assert.Equal(t, 1, s.Len())
}

func TestBufferSinkKeyProjection(t *testing.T) {
	s := NewBufferSink()
	reg := s.Registration()
	silent := &VoiceTick{Seq: 2, Silent: map[uint32]struct{}{42: {}}}
	deliver(t, reg,
		&SpeakingUpdate{SSRC: 42, UserID: 7, HasUser: true},
		speakingTick(1, 5, 42),
		silent,
		speakingTick(3, 5, 99),
	)
	s.Stop()

	var got []KeyedPCM
	for kp := range s.Key(context.Background(), UserKey(7)) {
		got = append(got, kp)
	}
	require.Len(t, got, 3)
	assert.Equal(t, Speaking, got[0].Presence)
	assert.Equal(t, 4, got[0].PCM.Len())
	assert.Equal(t, Silent, got[1].Presence)
	assert.Equal(t, Absent, got[2].Presence)
	assert.Zero(t, s.Len())
}

func TestBufferSinkDisconnectPurgesResolver(t *testing.T) {
	s := NewBufferSink()
	reg := s.Registration()
	deliver(t, reg,
		&SpeakingUpdate{SSRC: 42, UserID: 7, HasUser: true},
		&SpeakingUpdate{SSRC: 43}, // no user: ignored
		&ClientDisconnect{UserID: 7},
		speakingTick(1, 0, 42),
	)
	assert.Zero(t, s.Resolver().Len())

	tick, err := s.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Key{UnknownKey(42)}, tick.SpeakingKeys())
}

func TestBufferSinkEndToEnd(t *testing.T) {
	s := NewBufferSink(WithRetention(1))
	require.Equal(t, 50, s.Capacity())
	unbounded := NewBufferSink()

	for _, reg := range []Registration{s.Registration(), unbounded.Registration()} {
		for seq := uint64(1); seq <= 75; seq++ {
			if seq == 10 {
				deliver(t, reg, &SpeakingUpdate{SSRC: 42, UserID: 7, HasUser: true, Flags: SpeakingMicrophone})
			}
			deliver(t, reg, speakingTick(seq, int16(seq), 42))
		}
	}
	s.Stop()
	unbounded.Stop()

	var seqs []uint64
	for tick := range s.All(context.Background()) {
		seqs = append(seqs, tick.Seq())
		assert.Equal(t, []Key{UserKey(7)}, tick.SpeakingKeys(), "tick %d", tick.Seq())
	}
	require.Len(t, seqs, 50)
	assert.Equal(t, uint64(26), seqs[0])
	assert.Equal(t, uint64(75), seqs[49])
	for i := 1; i < len(seqs); i++ {
		assert.Equal(t, seqs[i-1]+1, seqs[i])
	}
	assert.Equal(t, uint64(25), s.Stats().Evicted)

	for tick := range unbounded.All(context.Background()) {
		want := UserKey(7)
		if tick.Seq() < 10 {
			want = UnknownKey(42)
		}
		pcm, p := tick.Get(want)
		require.Equal(t, Speaking, p, "tick %d", tick.Seq())
		assert.Equal(t, int16(tick.Seq()), pcm.At(0))
	}
}
