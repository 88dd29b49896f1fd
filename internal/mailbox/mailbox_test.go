package mailbox

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMailbox_SendWakesReceive(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "ctl.sock")
	box, err := Listen(socketPath)
	require.NoError(t, err)
	defer box.Close()

	require.NoError(t, Send(socketPath, Trigger{Destination: "schedule"}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	destinations, err := box.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"schedule"}, destinations)
}

func TestMailbox_CoalescesTriggersArrivingBeforeReceive(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "ctl.sock")
	box, err := Listen(socketPath)
	require.NoError(t, err)
	defer box.Close()

	require.NoError(t, Send(socketPath, Trigger{Destination: "schedule"}))
	require.NoError(t, Send(socketPath, Trigger{Destination: "schedule"}))
	require.NoError(t, Send(socketPath, Trigger{Destination: "schedule"}))

	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	destinations, err := box.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"schedule"}, destinations, "three identical triggers should coalesce into one pending entry")
}

func TestMailbox_ReceiveReturnsOnContextCancellation(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "ctl.sock")
	box, err := Listen(socketPath)
	require.NoError(t, err)
	defer box.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = box.Receive(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestListen_RemovesPreExistingSocketFile(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "ctl.sock")

	first, err := Listen(socketPath)
	require.NoError(t, err)
	first.Close()

	second, err := Listen(socketPath)
	require.NoError(t, err)
	defer second.Close()
}
