package keys

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func pendingWriters(c *Coordinator) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingWriters
}

func TestReadersShareTheLock(t *testing.T) {
	c := NewCoordinator("test", time.Second)
	inside := make(chan struct{})
	release := make(chan struct{})

	var g errgroup.Group
	for i := 0; i < 3; i++ {
		g.Go(func() error {
			_, err := ReadLocked(t.Context(), c, func() (int, error) {
				inside <- struct{}{}
				<-release
				return 0, nil
			})
			return err
		})
	}
	for i := 0; i < 3; i++ {
		<-inside
	}
	close(release)
	require.NoError(t, g.Wait())
}

func TestPendingWriterBlocksNewReaders(t *testing.T) {
	c := NewCoordinator("test", time.Second)
	holding := make(chan struct{})
	release := make(chan struct{})

	var g errgroup.Group
	g.Go(func() error {
		_, err := ReadLocked(t.Context(), c, func() (struct{}, error) {
			close(holding)
			<-release
			return struct{}{}, nil
		})
		return err
	})
	<-holding

	wrote := make(chan struct{})
	g.Go(func() error {
		_, err := WriteLocked(t.Context(), c, func() (struct{}, error) {
			close(wrote)
			return struct{}{}, nil
		})
		return err
	})
	require.Eventually(t, func() bool { return pendingWriters(c) == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	_, err := ReadLocked(ctx, c, func() (struct{}, error) { return struct{}{}, nil })
	assert.ErrorIs(t, err, ErrLockAcquisition)

	close(release)
	require.NoError(t, g.Wait())
	<-wrote

	_, err = ReadLocked(t.Context(), c, func() (struct{}, error) { return struct{}{}, nil })
	assert.NoError(t, err)
}

func TestWritersAreSerialized(t *testing.T) {
	c := NewCoordinator("test", 5*time.Second)
	active := 0
	maxActive := 0

	var g errgroup.Group
	for i := 0; i < 20; i++ {
		g.Go(func() error {
			_, err := WriteLocked(t.Context(), c, func() (struct{}, error) {
				active++
				maxActive = max(maxActive, active)
				time.Sleep(time.Millisecond)
				active--
				return struct{}{}, nil
			})
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 1, maxActive)
}

func TestLockTimeout(t *testing.T) {
	c := NewCoordinator("test", 20*time.Millisecond)
	holding := make(chan struct{})
	release := make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := WriteLocked(t.Context(), c, func() (struct{}, error) {
			close(holding)
			<-release
			return struct{}{}, nil
		})
		done <- err
	}()
	<-holding

	_, err := WriteLocked(t.Context(), c, func() (struct{}, error) { return struct{}{}, nil })
	assert.ErrorIs(t, err, ErrLockAcquisition)
	assert.Equal(t, 0, pendingWriters(c), "timed out writer must withdraw its announcement")

	close(release)
	require.NoError(t, <-done)

	_, err = ReadLocked(t.Context(), c, func() (struct{}, error) { return struct{}{}, nil })
	assert.NoError(t, err)
}

func TestActionErrorReleasesLock(t *testing.T) {
	c := NewCoordinator("test", 50*time.Millisecond)
	boom := errors.New("boom")

	_, err := WriteLocked(t.Context(), c, func() (int, error) { return 0, boom })
	assert.ErrorIs(t, err, boom)
	_, err = ReadLocked(t.Context(), c, func() (int, error) { return 0, boom })
	assert.ErrorIs(t, err, boom)

	v, err := WriteLocked(t.Context(), c, func() (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestPanicReleasesLock(t *testing.T) {
	c := NewCoordinator("test", 50*time.Millisecond)
	assert.Panics(t, func() {
		_, _ = WriteLocked(t.Context(), c, func() (int, error) { panic("boom") })
	})
	_, err := WriteLocked(t.Context(), c, func() (int, error) { return 0, nil })
	assert.NoError(t, err)
}
