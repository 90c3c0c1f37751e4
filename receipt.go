package rhi

import (
	"context"
	"fmt"
)

// Receipt identifies one submission. It is a small comparable value: copy
// it freely, pass it as a wait dependency of later submissions or of
// Display, or drop it.
//
// The zero Receipt is complete.
type Receipt struct {
	id  uint64
	dev *Device
}

// ID returns the submission id. Ids increase monotonically per device.
func (r Receipt) ID() uint64 { return r.id }

// Wait blocks until the submission has completed and been reclaimed.
func (r Receipt) Wait() error {
	return r.WaitContext(context.Background())
}

// WaitContext is like Wait but stops waiting when ctx is done. The
// submission itself is never cancelled.
func (r Receipt) WaitContext(ctx context.Context) error {
	if r.dev == nil {
		return nil
	}
	if err := r.dev.work.Wait(ctx, r.id); err != nil {
		return fmt.Errorf("rhi: wait for submission %d: %w", r.id, err)
	}
	r.dev.RemoveFinishedWork()
	return nil
}

// Done reports whether the GPU has finished the submission, without
// blocking.
func (r Receipt) Done() bool {
	if r.dev == nil {
		return true
	}
	return r.dev.work.IsDone(r.id)
}

// String returns the receipt as "receipt #id".
func (r Receipt) String() string {
	return fmt.Sprintf("receipt #%d", r.id)
}

// checkReceipts validates that receipts belong to d and returns the ids of
// non-zero ones.
func (d *Device) checkReceipts(receipts []Receipt) ([]uint64, error) {
	var ids []uint64
	for _, r := range receipts {
		if r.dev == nil {
			continue
		}
		if r.dev != d {
			return nil, fmt.Errorf("%w: %s", ErrForeignReceipt, r)
		}
		ids = append(ids, r.id)
	}
	return ids, nil
}
