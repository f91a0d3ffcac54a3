package queries

import (
	"context"
	"fmt"
	"sync"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/storage"
)

// DatasetKey is a fresh blob key for one run of one signature. Runs never
// overwrite a payload another dataset row may still point to.
func DatasetKey(queryID uuid.UUID, hash string) string {
	return fmt.Sprintf("datasets/%s/%s/%s.json", queryID, hash, uuid.New())
}

// DocumentPrefix is the blob prefix of every document rendered from a
// dataset.
func DocumentPrefix(datasetID uuid.UUID) string {
	return fmt.Sprintf("documents/%s/", datasetID)
}

// blobBatch tracks the payloads written by a run so that they can be undone
// when the relational transaction rolls back, and the payloads they replace
// so that those are only removed after it commits.
type blobBatch struct {
	store  storage.Store
	logger ectologger.Logger

	mu       sync.Mutex
	written  []string
	replaced []string
	prefixes []string
}

func newBlobBatch(store storage.Store, logger ectologger.Logger) *blobBatch {
	return &blobBatch{store: store, logger: logger}
}

func (b *blobBatch) put(ctx context.Context, key string, data []byte, contentType string) error {
	if _, err := storage.PutBytes(ctx, b.store, key, data, contentType); err != nil {
		return err
	}
	b.mu.Lock()
	b.written = append(b.written, key)
	b.mu.Unlock()
	return nil
}

func (b *blobBatch) replace(key string) {
	if key == "" {
		return
	}
	b.mu.Lock()
	b.replaced = append(b.replaced, key)
	b.mu.Unlock()
}

// prune schedules the payloads and rendered documents of removed datasets.
func (b *blobBatch) prune(datasets []models.Dataset) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ds := range datasets {
		if ds.Value != "" {
			b.replaced = append(b.replaced, ds.Value)
		}
		b.prefixes = append(b.prefixes, DocumentPrefix(ds.ID))
	}
}

// rollback deletes what the run wrote.
func (b *blobBatch) rollback(ctx context.Context) {
	b.mu.Lock()
	keys := b.written
	b.written, b.replaced, b.prefixes = nil, nil, nil
	b.mu.Unlock()
	b.remove(ctx, keys)
}

// commit deletes what the run made unreachable.
func (b *blobBatch) commit(ctx context.Context) {
	b.mu.Lock()
	keys := b.replaced
	prefixes := b.prefixes
	b.written, b.replaced, b.prefixes = nil, nil, nil
	b.mu.Unlock()

	for _, prefix := range prefixes {
		infos, err := b.store.List(ctx, prefix)
		if err != nil {
			b.logger.WithContext(ctx).WithError(err).WithField("prefix", prefix).Warn("failed to list pruned documents")
			continue
		}
		for _, info := range infos {
			keys = append(keys, info.Key)
		}
	}
	b.remove(ctx, keys)
}

func (b *blobBatch) remove(ctx context.Context, keys []string) {
	for _, key := range keys {
		if err := b.store.Delete(ctx, key); err != nil {
			b.logger.WithContext(ctx).WithError(err).WithField("key", key).Warn("failed to delete blob")
		}
	}
}
