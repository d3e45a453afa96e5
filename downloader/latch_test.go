package downloader

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCountDownLatchReleasesOnCount(t *testing.T) {
	l := newCountDownLatch(3)
	done := make(chan struct{})
	go func() {
		l.Wait(time.Second)
		close(done)
	}()

	l.Done()
	l.Done()
	select {
	case <-done:
		t.Fatal("latch released before count reached zero")
	case <-time.After(20 * time.Millisecond):
	}

	l.Done()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("latch never released after reaching zero")
	}
}

func TestCountDownLatchTimesOut(t *testing.T) {
	l := newCountDownLatch(1)
	start := time.Now()
	l.Wait(30 * time.Millisecond)
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestCountDownLatchClampsCount(t *testing.T) {
	l := newCountDownLatch(0)
	require.Equal(t, 1, l.left)
}

func TestCountDownLatchIgnoresExtraDone(t *testing.T) {
	l := newCountDownLatch(1)
	l.Done()
	require.NotPanics(t, func() {
		l.Done()
		l.Done()
	})
}
