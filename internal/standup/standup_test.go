package standup

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mtzanidakis/orkestra/internal/agent"
	"github.com/mtzanidakis/orkestra/internal/hub"
	"github.com/mtzanidakis/orkestra/internal/models"
	"github.com/mtzanidakis/orkestra/internal/provider"
	"github.com/mtzanidakis/orkestra/internal/schedule"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorGathersReplies(t *testing.T) {
	h := hub.New()
	c, err := NewCollector(h, time.Second)
	require.NoError(t, err)

	o := agent.NewOrchestrator(h, provider.Echo{}, time.Second)
	t.Cleanup(o.Stop)
	for _, id := range []string{"product", "design"} {
		require.NoError(t, o.StartAgent(context.Background(), models.Agent{ID: id, Capabilities: []string{id}, Capacity: 1}))
	}

	s, err := c.Run(context.Background(), []string{"t-9"})
	require.NoError(t, err)
	assert.Equal(t, 2, s.Expected)
	require.Len(t, s.Replies, 2)
	assert.Equal(t, "design", s.Replies[0].AgentID)
	assert.Equal(t, "product", s.Replies[1].AgentID)

	text := s.Text()
	assert.Contains(t, text, "2/2 agents replied")
	assert.Contains(t, text, "- product: 0 active, 0 completed, 0 failed")
	assert.Contains(t, text, "Blocked: 1 task(s) waiting for capacity: t-9")
}

func TestCollectorTimesOut(t *testing.T) {
	h := hub.New()
	c, err := NewCollector(h, 50*time.Millisecond)
	require.NoError(t, err)

	// An inbox nobody reads.
	require.NoError(t, h.RegisterAgent("silent"))

	s, err := c.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Expected)
	assert.Empty(t, s.Replies)
	assert.True(t, strings.HasPrefix(s.Text(), "Standup "))
}

func TestCollectorDuplicateMailbox(t *testing.T) {
	h := hub.New()
	_, err := NewCollector(h, time.Second)
	require.NoError(t, err)
	_, err = NewCollector(h, time.Second)
	assert.Error(t, err)
}

func TestRunnerFires(t *testing.T) {
	var runs atomic.Int32
	r := NewRunner(nil, func(context.Context) { runs.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Start(ctx)
	}()

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(0), runs.Load(), "no schedule, no runs")

	r.UpdateSchedule(&schedule.Schedule{Kind: "interval", IntervalMs: 10})
	require.Eventually(t, func() bool { return runs.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestSummaryBlockers(t *testing.T) {
	s := &Summary{Replies: []Reply{
		{AgentID: "design"},
		{AgentID: "engineering", Blockers: []string{"t-1", "t-4"}},
		{AgentID: "qa", Blockers: []string{"t-7"}},
	}}
	assert.Equal(t, []string{"t-1", "t-4", "t-7"}, s.Blockers())
	assert.Empty(t, (&Summary{}).Blockers())
}
