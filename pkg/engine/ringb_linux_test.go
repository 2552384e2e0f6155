//go:build linux

package ioengine

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/adrabkin/iopulse/pkg/target"
)

func prepareRingB(t *testing.T, path string, size int64, qd int) Engine {
	t.Helper()
	eng, err := New(RingB)
	require.NoError(t, err)
	err = eng.Prepare(PrepareOptions{
		Binding:    target.Binding{Path: path, Lo: 0, Hi: size},
		QueueDepth: qd,
		BlockSize:  4096,
	})
	if err != nil {
		t.Skipf("linux aio unavailable: %v", err)
	}
	t.Cleanup(func() { eng.Teardown() })
	return eng
}

func TestRingBRoundTrip(t *testing.T) {
	const size, bs = 64 * 1024, 4096
	path := tempTarget(t, size)
	eng := prepareRingB(t, path, size, 8)

	const n = 4
	for i := 0; i < n; i++ {
		wr := &Op{
			Kind:     Write,
			Offset:   int64(i) * bs,
			Length:   bs,
			Buf:      bytes.Repeat([]byte{byte(i + 1)}, bs),
			UserData: uint64(i),
		}
		require.NoError(t, eng.Submit(wr))
	}
	require.Equal(t, n, eng.InFlight())
	for _, op := range reapAll(t, eng, n) {
		require.NoError(t, op.Err)
		require.False(t, op.DoneTime.Before(op.SubmitTime))
	}
	require.Equal(t, 0, eng.InFlight())

	for i := 0; i < n; i++ {
		rd := &Op{
			Kind:     Read,
			Offset:   int64(i) * bs,
			Length:   bs,
			Buf:      make([]byte, bs),
			UserData: uint64(i),
		}
		require.NoError(t, eng.Submit(rd))
	}
	for _, op := range reapAll(t, eng, n) {
		require.NoError(t, op.Err)
		want := bytes.Repeat([]byte{byte(op.Offset/bs + 1)}, bs)
		require.Equal(t, want, op.Buf, "payload at offset %d", op.Offset)
	}
}

func TestRingBBackpressureAtQueueDepth(t *testing.T) {
	const size, bs = 64 * 1024, 4096
	path := tempTarget(t, size)
	eng := prepareRingB(t, path, size, 2)

	for i := 0; i < 2; i++ {
		op := &Op{Kind: Write, Offset: int64(i) * bs, Length: bs,
			Buf: make([]byte, bs), UserData: uint64(i)}
		require.NoError(t, eng.Submit(op))
	}
	extra := &Op{Kind: Write, Offset: 2 * bs, Length: bs,
		Buf: make([]byte, bs), UserData: 2}
	require.Error(t, eng.Submit(extra), "submit past queue depth must be refused")

	reapAll(t, eng, 2)
	require.NoError(t, eng.Submit(extra), "slot freed by reap accepts the op again")
	reapAll(t, eng, 1)
}

func TestRingBEnforcesBinding(t *testing.T) {
	const size, bs = 8 * 1024, 4096
	path := tempTarget(t, size)
	eng := prepareRingB(t, path, size, 2)

	op := &Op{Kind: Read, Offset: size, Length: bs, Buf: make([]byte, bs)}
	require.Error(t, eng.Submit(op), "op past the binding's Hi must be refused")
}
