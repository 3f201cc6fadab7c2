package daemon

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventLoopRun(t *testing.T) {
	d, _ := newTestDaemon(t, &stubRunner{})
	d.statsInterval = 10 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- d.runEventLoop(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("event loop did not stop")
	}
}

func TestReportStatsWithoutGateway(t *testing.T) {
	d, _ := newTestDaemon(t, &stubRunner{})
	assert.NotPanics(t, d.reportStats)
}
