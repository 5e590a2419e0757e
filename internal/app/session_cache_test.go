package app

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"tradeflow/api/internal/config"
	"tradeflow/api/internal/doctree"
	"tradeflow/api/internal/gitrepo"
	"tradeflow/api/internal/store"
)

// blockingStore parks GetTrade for one trade until release is closed.
type blockingStore struct {
	*store.MemoryStore
	block   string
	entered chan struct{}
	release chan struct{}
}

func (b *blockingStore) GetTrade(ctx context.Context, tradeID string) (store.Trade, error) {
	if tradeID == b.block {
		close(b.entered)
		<-b.release
	}
	return b.MemoryStore.GetTrade(ctx, tradeID)
}

// failingStore rejects snapshots while fail is set.
type failingStore struct {
	*store.MemoryStore
	fail atomic.Bool
}

func (f *failingStore) SaveSnapshot(ctx context.Context, trade store.Trade, docs []store.TradeDocument, pool map[string]string) error {
	if f.fail.Load() {
		return errors.New("write tcp: broken pipe")
	}
	return f.MemoryStore.SaveSnapshot(ctx, trade, docs, pool)
}

func (s *Service) evict(tradeID string) {
	s.mu.Lock()
	delete(s.workspaces, tradeID)
	s.mu.Unlock()
}

func TestLoadingOneTradeDoesNotBlockOthers(t *testing.T) {
	ctx := context.Background()
	bs := &blockingStore{
		MemoryStore: store.NewMemoryStore(),
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	svc := New(*config.Default(), bs, gitrepo.New(t.TempDir()), WithTemplates(testTemplates))
	slow := createTestTrade(t, svc)
	fast := createTestTrade(t, svc)

	svc.evict(slow)
	bs.block = slow
	loaded := make(chan error, 1)
	go func() {
		_, err := svc.workspace(ctx, slow)
		loaded <- err
	}()
	<-bs.entered

	done := make(chan error, 1)
	go func() {
		_, err := svc.workspace(ctx, fast)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("workspace(%s) error = %v", fast, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cached session lookup waited on another trade's load")
	}

	close(bs.release)
	if err := <-loaded; err != nil {
		t.Fatalf("workspace(%s) error = %v", slow, err)
	}
	first, _ := svc.workspace(ctx, slow)
	second, _ := svc.workspace(ctx, slow)
	if first != second {
		t.Fatal("reloaded session was not cached")
	}
}

func TestFailedPersistReloadsStoredSession(t *testing.T) {
	ctx := context.Background()
	fs := &failingStore{MemoryStore: store.NewMemoryStore()}
	core, logs := observer.New(zap.ErrorLevel)
	svc := New(*config.Default(), fs, gitrepo.New(t.TempDir()),
		WithTemplates(testTemplates),
		WithLogger(zap.New(core)),
	)
	tradeID := createTestTrade(t, svc)

	path := fieldPath(t, svc, tradeID, doctree.KindOffer, "buyer_name")
	if _, err := svc.Edit(ctx, tradeID, doctree.KindOffer, path, "Acme"); err != nil {
		t.Fatalf("Edit() error = %v", err)
	}

	fs.fail.Store(true)
	if _, err := svc.Navigate(ctx, tradeID, doctree.KindProforma, "Lin"); err == nil {
		t.Fatal("Navigate() should fail when the snapshot cannot be stored")
	}
	if n := logs.FilterMessage("checkpoint not persisted, session discarded").Len(); n != 1 {
		t.Fatalf("discard log entries = %d, want 1", n)
	}

	fs.fail.Store(false)
	ws, err := svc.workspace(ctx, tradeID)
	if err != nil {
		t.Fatalf("workspace() error = %v", err)
	}
	if ws.Active() != doctree.KindOffer {
		t.Fatalf("active = %s, want the stored step offer", ws.Active())
	}
}
