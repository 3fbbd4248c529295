package worker

import (
	"context"
	"testing"
	"time"

	"github.com/snaptrace/engine/cowmgr"
	"github.com/snaptrace/engine/ioqueue"
)

func TestSSetWorkerStampsEveryCoveredBlock(t *testing.T) {
	mgr := newTestManager(t)
	q := ioqueue.New()

	w := &SSetWorker{Manager: mgr, Queue: q}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Spans blocks 0 and 1 (cowmgr.SectorsPerBlock sectors per block).
	q.Enqueue(&ioqueue.Item{
		Kind:        ioqueue.KindSectorSet,
		StartSector: 0,
		EndSector:   2 * cowmgr.SectorsPerBlock,
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		v0, _ := mgr.ReadMapping(ctx, 0)
		v1, _ := mgr.ReadMapping(ctx, 1)
		if v0 == cowmgr.MappingIncomplete && v1 == cowmgr.MappingIncomplete {
			break
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done

	v0, err := mgr.ReadMapping(context.Background(), 0)
	if err != nil || v0 != cowmgr.MappingIncomplete {
		t.Fatalf("mapping(0) = %v, err=%v, want MappingIncomplete", v0, err)
	}
	v1, err := mgr.ReadMapping(context.Background(), 1)
	if err != nil || v1 != cowmgr.MappingIncomplete {
		t.Fatalf("mapping(1) = %v, err=%v, want MappingIncomplete", v1, err)
	}
}
