package rhi

import (
	"fmt"
	"strings"

	"github.com/gogpu/wgpu/hal"
)

// SubmitGraphics submits the ended recordings of recorders as one batch and
// returns its receipt. Every recorder must be in the ended state; each one
// returns to the initial state and may Begin again immediately.
//
// Work submitted to the single graphics queue executes in submission order,
// so waitOn receipts from this device are always satisfied by the time the
// batch runs. A receipt from another device is rejected with
// ErrForeignReceipt.
//
// Resources referenced by the recordings stay alive until the batch
// completes and is reclaimed by RemoveFinishedWork, a Wait or WaitForIdle.
func (d *Device) SubmitGraphics(recorders []*CommandRecorder, waitOn ...Receipt) (Receipt, error) {
	if err := d.checkOpen(); err != nil {
		return Receipt{}, err
	}
	deps, err := d.checkReceipts(waitOn)
	if err != nil {
		return Receipt{}, err
	}
	if len(recorders) == 0 {
		return Receipt{}, nil
	}
	for _, r := range recorders {
		if r.dev != d {
			panic(fmt.Sprintf("rhi: SubmitGraphics: %s belongs to another device", r.label))
		}
	}

	recs := make([]*recording, len(recorders))
	cmds := make([]hal.CommandBuffer, len(recorders))
	labels := make([]string, len(recorders))
	for i, r := range recorders {
		recs[i] = r.take()
		cmds[i] = recs[i].cmd
		labels[i] = r.label
	}
	reclaim := func() {
		for _, rec := range recs {
			rec.reclaim()
		}
	}

	d.queueMu.Lock()
	serial, err := d.queue.Submit(cmds)
	if err != nil {
		d.queueMu.Unlock()
		for _, rec := range recs {
			rec.discard()
		}
		return Receipt{}, fmt.Errorf("rhi: submit: %w", err)
	}
	d.lastSerial.Store(serial)
	e := d.work.Push(serial, deps, strings.Join(labels, ","), reclaim)
	d.queueMu.Unlock()

	slogger().Debug("rhi: submitted",
		"id", e.ID,
		"serial", serial,
		"buffers", len(cmds),
		"waitOn", len(deps))

	d.RemoveFinishedWork()
	return Receipt{id: e.ID, dev: d}, nil
}

// Submit is SubmitGraphics for a single recorder.
func (d *Device) Submit(r *CommandRecorder, waitOn ...Receipt) (Receipt, error) {
	return d.SubmitGraphics([]*CommandRecorder{r}, waitOn...)
}
