package tui

import (
	"context"

	"github.com/pithecene-io/prospect/coord"
	"github.com/pithecene-io/prospect/store"
	"github.com/pithecene-io/prospect/types"
)

// Stores adapts the coordination and persistent stores to Source.
type Stores struct {
	Coord *coord.Store
	Store *store.Store
}

func (s Stores) QueueDepths(ctx context.Context) (map[string]int64, error) {
	return s.Coord.QueueDepths(ctx)
}

func (s Stores) JobStateCounts(ctx context.Context) (map[types.JobState]int, error) {
	return s.Store.JobStateCounts(ctx)
}

var _ Source = Stores{}
