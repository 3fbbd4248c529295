package worker

import (
	"context"
	"testing"
	"time"

	"github.com/snaptrace/engine/iopath"
	"github.com/snaptrace/engine/iopath/iopathtest"
	"github.com/snaptrace/engine/ioqueue"
)

func TestForwardWorkerForwardsAsPassthrough(t *testing.T) {
	dev := iopathtest.NewMemDevice(1<<16, iopath.SectorSize)
	q := ioqueue.New()

	var gotPassthrough bool
	submit := iopath.SubmitterFunc(func(ctx context.Context, d iopath.BlockDevice, req *iopath.Request) error {
		gotPassthrough = req.Passthrough
		req.Complete(len(req.Data), nil)
		return nil
	})

	w := &ForwardWorker{Base: dev, Submit: submit, Queue: q}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	completed := make(chan struct{})
	req := &iopath.Request{
		Dir:         iopath.Write,
		StartSector: 0,
		Data:        make([]byte, iopath.SectorSize),
		OnComplete:  func(n int, err error) { close(completed) },
	}
	q.Enqueue(&ioqueue.Item{Kind: ioqueue.KindOrigBio, Req: req})

	select {
	case <-completed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for original bio to be forwarded")
	}

	cancel()
	<-done

	if !gotPassthrough {
		t.Fatal("forwarded request did not have Passthrough set")
	}
}

func TestForwardWorkerDrainRemainingCompletesWithCanceled(t *testing.T) {
	q := ioqueue.New()
	w := &ForwardWorker{Queue: q}

	var gotErr error
	req := &iopath.Request{OnComplete: func(n int, err error) { gotErr = err }}
	q.Enqueue(&ioqueue.Item{Kind: ioqueue.KindOrigBio, Req: req})

	w.drainRemaining()

	if gotErr != context.Canceled {
		t.Fatalf("drainRemaining completed with %v, want context.Canceled", gotErr)
	}
}
