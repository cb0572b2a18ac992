package tui

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/pithecene-io/prospect/types"
)

type fakeSource struct {
	depths    map[string]int64
	states    map[types.JobState]int
	depthsErr error
	statesErr error
}

func (f *fakeSource) QueueDepths(context.Context) (map[string]int64, error) {
	return f.depths, f.depthsErr
}

func (f *fakeSource) JobStateCounts(context.Context) (map[types.JobState]int, error) {
	return f.states, f.statesErr
}

func sample() *fakeSource {
	return &fakeSource{
		depths: map[string]int64{
			"priority:high": 2,
			"engine:fast":   5,
		},
		states: map[types.JobState]int{
			types.JobStateQueued:    7,
			types.JobStateSucceeded: 41,
			types.JobStateFailed:    3,
		},
	}
}

func TestFetchGathersBothSources(t *testing.T) {
	stats := Fetch(context.Background(), sample())

	if stats.Err != nil {
		t.Fatalf("err = %v", stats.Err)
	}
	if stats.QueueDepths["engine:fast"] != 5 {
		t.Fatalf("depths = %v", stats.QueueDepths)
	}
	if stats.JobStates[types.JobStateSucceeded] != 41 {
		t.Fatalf("states = %v", stats.JobStates)
	}
	if stats.FetchedAt.IsZero() {
		t.Fatal("fetched_at not stamped")
	}
}

func TestFetchPartialFailureKeepsData(t *testing.T) {
	source := sample()
	source.depthsErr = errors.New("redis down")

	stats := Fetch(context.Background(), source)

	if stats.Err == nil {
		t.Fatal("error was swallowed")
	}
	if stats.JobStates[types.JobStateQueued] != 7 {
		t.Fatalf("states = %v", stats.JobStates)
	}
}

func TestViewRendersCountsAndQueues(t *testing.T) {
	model := NewStatsModel(sample(), time.Second)
	model.stats = Fetch(context.Background(), sample())

	view := model.View()
	for _, want := range []string{"Prospect Pipeline", "queued", "succeeded", "engine:fast", "41"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}
}

func TestViewRendersFetchError(t *testing.T) {
	source := sample()
	source.statesErr = errors.New("database locked")
	model := NewStatsModel(source, time.Second)
	model.stats = Fetch(context.Background(), source)

	if !strings.Contains(model.View(), "database locked") {
		t.Error("fetch error not surfaced")
	}
}

func TestUpdateQuitKey(t *testing.T) {
	model := NewStatsModel(sample(), time.Second)

	updated, cmd := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	if cmd == nil {
		t.Fatal("quit produced no command")
	}
	if updated.(StatsModel).View() != "" {
		t.Error("quitting model still renders")
	}
}

func TestUpdateStatsMsgSchedulesNextPoll(t *testing.T) {
	model := NewStatsModel(sample(), time.Second)

	updated, cmd := model.Update(statsMsg(Fetch(context.Background(), sample())))
	if cmd == nil {
		t.Fatal("no poll scheduled")
	}
	if updated.(StatsModel).stats.JobStates[types.JobStateQueued] != 7 {
		t.Fatal("stats not applied")
	}
}

func TestRenderStatsStatic(t *testing.T) {
	out := RenderStatsStatic(context.Background(), sample())
	if !strings.Contains(out, "Queues") {
		t.Error("static render missing queue section")
	}
}
