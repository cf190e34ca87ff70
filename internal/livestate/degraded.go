package livestate

import (
	"context"

	"web-eq/internal/status"
	"web-eq/models"
)

// Degraded answers every read as if the live queue were empty and drops
// every write. Durable storage stays the source of truth while it is in use.
type Degraded struct {
	perUserMinutes int
}

func NewDegraded(perUserMinutes int) *Degraded {
	if perUserMinutes <= 0 {
		perUserMinutes = 5
	}
	return &Degraded{perUserMinutes: perUserMinutes}
}

func (d *Degraded) QueueLength(context.Context, string, string) (int, error) {
	return 0, nil
}

func (d *Degraded) InProgressCount(context.Context, string, string) (int, error) {
	return 0, nil
}

func (d *Degraded) PositionOf(context.Context, string, string, string) (int, error) {
	return 0, status.ErrNotInQueue
}

func (d *Degraded) Enqueue(context.Context, string, string, Member) (EnqueueOutcome, error) {
	return EnqueueSkipped, nil
}

func (d *Degraded) EstimateWaitForRank(_ context.Context, _, _ string, rank int) (int, error) {
	if rank <= 1 {
		return 0, nil
	}
	return rank * d.perUserMinutes, nil
}

func (d *Degraded) NextToken(context.Context, string, string, models.Token) (models.Token, error) {
	return 0, nil
}

func (d *Degraded) CurrentToken(context.Context, string, string) (string, error) {
	return "", nil
}

func (d *Degraded) StartService(context.Context, string, string, string) error {
	return nil
}

func (d *Degraded) Finish(context.Context, string, string, string, models.EntryStatus) error {
	return nil
}

func (d *Degraded) Rebuild(context.Context, string, string, Snapshot) error {
	return nil
}

func (d *Degraded) Mode() string {
	return ModeDegraded
}

func (d *Degraded) Ping(context.Context) error {
	return nil
}

func (d *Degraded) Close() error {
	return nil
}
