package listener

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Group runs one supervisor per account
type Group struct {
	supervisors []*Supervisor
}

// NewGroup creates a new Group
func NewGroup(supervisors ...*Supervisor) *Group {
	return &Group{supervisors: supervisors}
}

// Run starts every supervisor and returns when all have stopped
func (g *Group) Run(ctx context.Context) error {
	eg, egCtx := errgroup.WithContext(ctx)
	for _, s := range g.supervisors {
		s := s
		eg.Go(func() error {
			return s.Run(egCtx)
		})
	}
	return eg.Wait()
}

// Statuses returns a snapshot of every supervisor
func (g *Group) Statuses() []Status {
	out := make([]Status, 0, len(g.supervisors))
	for _, s := range g.supervisors {
		out = append(out, s.Status())
	}
	return out
}
