package rhi

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gogpu/gputypes"
)

func submitCopy(t *testing.T, d *Device, src, dst *Buffer, waitOn ...Receipt) Receipt {
	t.Helper()
	rec := d.NewCommandRecorder()
	record(t, rec, func() {
		rec.CopyBufferToBuffer(src, dst)
	})
	r, err := d.Submit(rec, waitOn...)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	return r
}

func TestResourcesLiveUntilCompletion(t *testing.T) {
	d, q := openGated(t)

	src, err := d.CreateBuffer(0, MemoryHostVisible, 32)
	if err != nil {
		t.Fatal(err)
	}
	dst, err := d.CreateBuffer(0, MemoryHostVisible, 32)
	if err != nil {
		t.Fatal(err)
	}
	receipt := submitCopy(t, d, src, dst)

	// The caller drops its references while the GPU still owns the copy.
	src.Release()
	dst.Release()
	if got := src.RefCount(); got != 1 {
		t.Fatalf("src RefCount in flight = %d, want 1", got)
	}
	if n := d.RemoveFinishedWork(); n != 0 {
		t.Fatalf("RemoveFinishedWork reclaimed %d incomplete submissions", n)
	}
	if receipt.Done() {
		t.Fatal("receipt done before the queue completed it")
	}
	if got := d.WorkStats().Pending; got != 1 {
		t.Errorf("Pending = %d, want 1", got)
	}

	q.open()
	if n := d.RemoveFinishedWork(); n != 1 {
		t.Fatalf("RemoveFinishedWork = %d after completion, want 1", n)
	}
	if got := src.RefCount(); got != 0 {
		t.Errorf("src RefCount after reclaim = %d, want 0", got)
	}
	if got := d.MemoryStats().BufferCount; got != 1 {
		t.Errorf("BufferCount = %d, want 1 (null buffer only)", got)
	}
	if !receipt.Done() {
		t.Error("receipt not done after reclaim")
	}
}

func TestReceiptWait(t *testing.T) {
	d, q := openGated(t)
	src := newBuffer(t, d, 0, MemoryHostVisible, 16)
	dst := newBuffer(t, d, 0, MemoryHostVisible, 16)
	receipt := submitCopy(t, d, src, dst)

	go func() {
		time.Sleep(10 * time.Millisecond)
		q.open()
	}()
	if err := receipt.Wait(); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if !receipt.Done() {
		t.Error("Done() = false after Wait")
	}
	if got := d.WorkStats().Pending; got != 0 {
		t.Errorf("Pending = %d after Wait, want 0", got)
	}
}

func TestReceiptWaitContext(t *testing.T) {
	d, _ := openGated(t)
	src := newBuffer(t, d, 0, MemoryHostVisible, 16)
	dst := newBuffer(t, d, 0, MemoryHostVisible, 16)
	receipt := submitCopy(t, d, src, dst)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := receipt.WaitContext(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("WaitContext error = %v, want DeadlineExceeded", err)
	}
	if receipt.Done() {
		t.Error("receipt done while gated")
	}
}

func TestZeroReceipt(t *testing.T) {
	var r Receipt
	if !r.Done() {
		t.Error("zero Receipt not done")
	}
	if err := r.Wait(); err != nil {
		t.Errorf("zero Receipt Wait = %v", err)
	}

	// A zero receipt is accepted as a dependency.
	d := openDevice(t, BackendNoop)
	src := newBuffer(t, d, 0, MemoryHostVisible, 16)
	dst := newBuffer(t, d, 0, MemoryHostVisible, 16)
	submitCopy(t, d, src, dst, r)
}

func TestReceiptIDsIncrease(t *testing.T) {
	d := openDevice(t, BackendNoop)
	src := newBuffer(t, d, 0, MemoryHostVisible, 16)
	dst := newBuffer(t, d, 0, MemoryHostVisible, 16)

	var last uint64
	for range 4 {
		r := submitCopy(t, d, src, dst)
		if r.ID() <= last {
			t.Fatalf("receipt id %d not above %d", r.ID(), last)
		}
		last = r.ID()
	}
}

func TestForeignReceipt(t *testing.T) {
	a := openDevice(t, BackendNoop)
	b := openDevice(t, BackendNoop)

	srcA := newBuffer(t, a, 0, MemoryHostVisible, 16)
	dstA := newBuffer(t, a, 0, MemoryHostVisible, 16)
	foreign := submitCopy(t, a, srcA, dstA)

	rec := b.NewCommandRecorder()
	record(t, rec, func() {})
	defer rec.Discard()
	if _, err := b.Submit(rec, foreign); !errors.Is(err, ErrForeignReceipt) {
		t.Fatalf("Submit error = %v, want ErrForeignReceipt", err)
	}
	if err := b.Display(foreign); !errors.Is(err, ErrNoSurface) {
		t.Errorf("Display on headless device = %v, want ErrNoSurface", err)
	}
}

func TestWaitOnOrdering(t *testing.T) {
	d := openDevice(t, BackendSoftware)

	want := bytes.Repeat([]byte{0xAB, 0xCD}, 32)
	upload := newBuffer(t, d, 0, MemoryHostVisible, 64)
	mid := newBuffer(t, d, gputypes.BufferUsageStorage, MemoryDeviceLocal, 64)
	readback := newBuffer(t, d, 0, MemoryHostVisible, 64)
	if err := upload.Write(0, want); err != nil {
		t.Fatal(err)
	}

	first := submitCopy(t, d, upload, mid)
	second := submitCopy(t, d, mid, readback, first)
	if second.ID() <= first.ID() {
		t.Fatalf("second id %d not after first %d", second.ID(), first.ID())
	}
	if err := second.Wait(); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if !first.Done() {
		t.Error("dependency not done after dependent completed")
	}

	got := make([]byte, 64)
	if err := readback.Read(0, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("second submission read %v, want %v", got, want)
	}
}

func TestSubmitGraphicsBatch(t *testing.T) {
	d := openDevice(t, BackendNoop)
	src := newBuffer(t, d, 0, MemoryHostVisible, 16)
	dst := newBuffer(t, d, 0, MemoryHostVisible, 16)

	recs := make([]*CommandRecorder, 3)
	for i := range recs {
		recs[i] = d.NewCommandRecorder()
		record(t, recs[i], func() { recs[i].CopyBufferToBuffer(src, dst) })
	}
	r, err := d.SubmitGraphics(recs)
	if err != nil {
		t.Fatalf("SubmitGraphics failed: %v", err)
	}
	if err := r.Wait(); err != nil {
		t.Fatal(err)
	}
	if got := d.WorkStats().Submitted; got != 1 {
		t.Errorf("Submitted = %d, want one entry for the batch", got)
	}
	for _, rec := range recs {
		if rec.state != stateInitial {
			t.Errorf("%s state = %s after submit, want initial", rec.Label(), rec.state)
		}
	}
	if got := src.RefCount(); got != 1 {
		t.Errorf("src RefCount = %d after reclaim, want 1", got)
	}
}

func TestSubmitEmpty(t *testing.T) {
	d := openDevice(t, BackendNoop)
	r, err := d.SubmitGraphics(nil)
	if err != nil {
		t.Fatalf("SubmitGraphics(nil) failed: %v", err)
	}
	if r != (Receipt{}) {
		t.Errorf("empty submission receipt = %v, want zero", r)
	}
}

// Work submitted from one goroutine is reclaimed by another.
func TestCrossGoroutineReclaim(t *testing.T) {
	d, q := openGated(t)
	src := newBuffer(t, d, 0, MemoryHostVisible, 16)
	dst := newBuffer(t, d, 0, MemoryHostVisible, 16)

	const workers = 4
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := d.NewCommandRecorder()
			if err := rec.Begin(); err != nil {
				errs <- err
				return
			}
			rec.CopyBufferToBuffer(src, dst)
			if err := rec.End(); err != nil {
				errs <- err
				return
			}
			if _, err := d.Submit(rec); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("worker failed: %v", err)
	}

	if got := d.WorkStats().Pending; got != workers {
		t.Fatalf("Pending = %d, want %d", got, workers)
	}
	q.open()
	if n := d.RemoveFinishedWork(); n != workers {
		t.Errorf("RemoveFinishedWork = %d, want %d", n, workers)
	}
	if got := src.RefCount(); got != 1 {
		t.Errorf("src RefCount = %d, want 1", got)
	}
}

func TestWaitForIdle(t *testing.T) {
	d, q := openGated(t)
	src := newBuffer(t, d, 0, MemoryHostVisible, 16)
	dst := newBuffer(t, d, 0, MemoryHostVisible, 16)
	for range 3 {
		submitCopy(t, d, src, dst)
	}
	q.open()
	if err := d.WaitForIdle(); err != nil {
		t.Fatalf("WaitForIdle failed: %v", err)
	}
	if s := d.WorkStats(); s.Pending != 0 || s.Reclaimed != 3 {
		t.Errorf("WorkStats = %+v, want nothing pending and 3 reclaimed", s)
	}
}
