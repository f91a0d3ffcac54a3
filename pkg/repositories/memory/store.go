// Package memory implements the repositories on process memory. It backs
// tests and single-process development runs.
package memory

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/repositories"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

type txKey struct{}

type tables struct {
	queries       map[uuid.UUID]models.Query
	parametrizers map[uuid.UUID]models.Parametrizer
	datasets      map[uuid.UUID]models.Dataset
	formatters    map[uuid.UUID]models.Formatter
	reports       map[uuid.UUID]models.Report
	documents     map[uuid.UUID]models.ReportDocument
}

func newTables() tables {
	return tables{
		queries:       map[uuid.UUID]models.Query{},
		parametrizers: map[uuid.UUID]models.Parametrizer{},
		datasets:      map[uuid.UUID]models.Dataset{},
		formatters:    map[uuid.UUID]models.Formatter{},
		reports:       map[uuid.UUID]models.Report{},
		documents:     map[uuid.UUID]models.ReportDocument{},
	}
}

func (t tables) clone() tables {
	c := newTables()
	for k, v := range t.queries {
		c.queries[k] = v
	}
	for k, v := range t.parametrizers {
		c.parametrizers[k] = v
	}
	for k, v := range t.datasets {
		c.datasets[k] = v
	}
	for k, v := range t.formatters {
		c.formatters[k] = v
	}
	for k, v := range t.reports {
		c.reports[k] = v
	}
	for k, v := range t.documents {
		c.documents[k] = v
	}
	return c
}

// Store holds every table. Stored values are replaced, never mutated in
// place, so a transaction snapshot is a shallow copy of the maps.
//
// txMu is held for the whole of a transaction and for every write made
// outside one, so transactions are serializable. mu guards the maps.
type Store struct {
	txMu sync.Mutex
	mu   sync.RWMutex
	t    tables
}

func NewStore() *Store {
	return &Store{t: newTables()}
}

// New returns the memory repositories sharing one Store.
func New() *repositories.Repositories {
	return NewStore().Repositories()
}

func (s *Store) Repositories() *repositories.Repositories {
	return &repositories.Repositories{
		Transactor:    s,
		Queries:       &QueryRepository{s},
		Parametrizers: &ParametrizerRepository{s},
		Datasets:      &DatasetRepository{s},
		Formatters:    &FormatterRepository{s},
		Reports:       &ReportRepository{s},
		Documents:     &ReportDocumentRepository{s},
	}
}

func (s *Store) inTx(ctx context.Context) bool {
	owner, _ := ctx.Value(txKey{}).(*Store)
	return owner == s
}

// WithTx runs fn in a transaction. The tables are restored when fn fails
// or panics. Nested calls join the outer transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if s.inTx(ctx) {
		return fn(ctx)
	}

	ctx, span := tracing.StartSpan(ctx, "memory.Store.WithTx")
	defer span.End()

	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	snapshot := s.t.clone()
	s.mu.RUnlock()

	rollback := func() {
		s.mu.Lock()
		s.t = snapshot
		s.mu.Unlock()
	}

	defer func() {
		if p := recover(); p != nil {
			rollback()
			panic(p)
		}
	}()

	if err = fn(context.WithValue(ctx, txKey{}, s)); err != nil {
		rollback()
	}
	return err
}

func (s *Store) write(ctx context.Context, fn func(t *tables) error) error {
	if !s.inTx(ctx) {
		s.txMu.Lock()
		defer s.txMu.Unlock()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&s.t)
}

func (s *Store) read(fn func(t *tables) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&s.t)
}

func notFound(entity string, ref any) error {
	return repositories.NotFound("%s %v does not exist", entity, ref)
}

func conflict(entity, field string, value any) error {
	return httperror.NewHTTPError(http.StatusConflict, fmt.Sprintf("%s with %s %v already exists", entity, field, value))
}

// deleteDocumentsWhere removes every document match accepts.
func (t *tables) deleteDocumentsWhere(match func(models.ReportDocument) bool) {
	for id, doc := range t.documents {
		if match(doc) {
			delete(t.documents, id)
		}
	}
}
