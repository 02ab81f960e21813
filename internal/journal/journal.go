package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rickgao/dashlink/internal/dispatch"
	"github.com/rickgao/dashlink/internal/metrics"
)

// Config holds journal batching settings.
type Config struct {
	Table         string
	BatchSize     int
	FlushInterval time.Duration
	BufferSize    int // Upper bound on queued rows
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		Table:         "envelopes",
		BatchSize:     500,
		FlushInterval: time.Second,
		BufferSize:    1000,
	}
}

// DB is the subset of *pgxpool.Pool the journal uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Stats are running counters for one journal.
type Stats struct {
	Inserts   int64
	Conflicts int64
	Dropped   int64
	Errors    int64
	Flushes   int64
}

// row is one journaled envelope.
type row struct {
	ID         uuid.UUID
	Type       string
	Payload    json.RawMessage
	ReceivedAt time.Time
}

// Journal batches received payloads into a Postgres table.
type Journal struct {
	cfg     Config
	db      DB
	logger  *slog.Logger
	metrics *metrics.Metrics
	table   string // Sanitized identifier
	now     func() time.Time

	input *Buffer[row]
	kickc chan struct{} // Early flush request when a batch is full

	// Handlers keyed by message type, so repeated subscriptions share identity.
	handlersMu sync.Mutex
	handlers   map[string]*typeHandler

	// Serializes flushes and guards stats
	flushMu sync.Mutex
	stats   Stats

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a journal writing to db.
func New(cfg Config, db DB, logger *slog.Logger, m *metrics.Metrics) *Journal {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Table == "" {
		cfg.Table = def.Table
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.BufferSize < 1 {
		cfg.BufferSize = def.BufferSize
	}

	initial := cfg.BatchSize
	if initial > cfg.BufferSize {
		initial = cfg.BufferSize
	}

	return &Journal{
		cfg:      cfg,
		db:       db,
		logger:   logger.With("component", "journal", "table", cfg.Table),
		metrics:  m,
		table:    pgx.Identifier(strings.Split(cfg.Table, ".")).Sanitize(),
		now:      time.Now,
		input:    NewBuffer[row](initial, cfg.BufferSize),
		kickc:    make(chan struct{}, 1),
		handlers: make(map[string]*typeHandler),
	}
}

// EnsureSchema creates the journal table if it does not exist.
func (j *Journal) EnsureSchema(ctx context.Context) error {
	_, err := j.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+j.table+` (
			id          uuid PRIMARY KEY,
			type        text NOT NULL,
			payload     jsonb NOT NULL,
			received_at timestamptz NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create journal table: %w", err)
	}
	return nil
}

// Handler returns the dispatch handler that journals messages of msgType.
// The same value is returned for the same type.
func (j *Journal) Handler(msgType string) dispatch.Handler {
	j.handlersMu.Lock()
	defer j.handlersMu.Unlock()

	h, ok := j.handlers[msgType]
	if !ok {
		h = &typeHandler{journal: j, msgType: msgType}
		j.handlers[msgType] = h
	}
	return h
}

// Subscribe registers the journal for every type in types and returns a
// function that removes all of those subscriptions.
func (j *Journal) Subscribe(registry *dispatch.Registry, types ...string) func() {
	unsubs := make([]func(), 0, len(types))
	for _, t := range types {
		unsubs = append(unsubs, registry.Subscribe(t, j.Handler(t)))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Record queues one payload. It fails when the buffer is full or closed.
func (j *Journal) Record(msgType string, payload json.RawMessage) error {
	r := row{
		ID:         uuid.New(),
		Type:       msgType,
		Payload:    payload,
		ReceivedAt: j.now(),
	}
	if err := j.input.Push(r); err != nil {
		j.flushMu.Lock()
		j.stats.Dropped++
		j.flushMu.Unlock()
		j.metrics.JournalRows("dropped", 1)
		return err
	}

	if j.input.Len() >= j.cfg.BatchSize {
		select {
		case j.kickc <- struct{}{}:
		default:
		}
	}
	return nil
}

// Start begins the periodic flush loop.
func (j *Journal) Start(ctx context.Context) error {
	j.ctx, j.cancel = context.WithCancel(ctx)

	j.wg.Add(1)
	go j.flushLoop()

	j.logger.Info("journal started",
		"batch_size", j.cfg.BatchSize,
		"flush_interval", j.cfg.FlushInterval,
		"buffer_size", j.cfg.BufferSize,
	)
	return nil
}

// Stop stops accepting rows, waits for the flush loop, and writes whatever
// is still queued.
func (j *Journal) Stop(ctx context.Context) error {
	j.logger.Info("stopping journal")

	j.input.Close()
	if j.cancel != nil {
		j.cancel()
	}

	done := make(chan struct{})
	go func() {
		j.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		j.logger.Warn("journal stop timed out")
	}

	// Final flush
	for j.input.Len() > 0 {
		if err := j.flush(ctx); err != nil {
			dropped := j.input.Len()
			j.flushMu.Lock()
			j.stats.Dropped += int64(dropped)
			j.flushMu.Unlock()
			j.metrics.JournalRows("dropped", dropped)
			j.logger.Warn("journal stop dropped queued rows",
				"dropped", dropped,
				"error", err,
			)
			return err
		}
	}

	j.logger.Info("journal stopped")
	return nil
}

// Stats returns current counters.
func (j *Journal) Stats() Stats {
	j.flushMu.Lock()
	defer j.flushMu.Unlock()
	return j.stats
}

// Pending returns the number of queued rows.
func (j *Journal) Pending() int {
	return j.input.Len()
}

// flushLoop flushes on every tick and whenever a full batch is queued.
func (j *Journal) flushLoop() {
	defer j.wg.Done()

	ticker := time.NewTicker(j.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-j.ctx.Done():
			return
		case <-ticker.C:
			j.flush(j.ctx)
		case <-j.kickc:
			for j.input.Len() >= j.cfg.BatchSize && j.ctx.Err() == nil {
				if err := j.flush(j.ctx); err != nil {
					break
				}
			}
		}
	}
}

// flush writes at most one batch. Failed batches are counted and dropped.
func (j *Journal) flush(ctx context.Context) error {
	j.flushMu.Lock()
	defer j.flushMu.Unlock()

	batch := j.input.Drain(j.cfg.BatchSize)
	if len(batch) == 0 {
		return nil
	}

	start := time.Now()
	conflicts, err := j.batchInsert(ctx, batch)
	if err != nil {
		j.stats.Errors++
		j.metrics.JournalRows("failed", len(batch))
		j.logger.Error("batch insert failed", "error", err, "count", len(batch))
		return err
	}

	j.stats.Inserts += int64(len(batch) - conflicts)
	j.stats.Conflicts += int64(conflicts)
	j.stats.Flushes++
	j.metrics.JournalRows("inserted", len(batch)-conflicts)
	j.metrics.JournalRows("conflict", conflicts)
	j.metrics.JournalFlushed()

	j.logger.Debug("flushed envelopes",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
	return nil
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (j *Journal) batchInsert(ctx context.Context, rows []row) (conflicts int, err error) {
	query := `
		INSERT INTO ` + j.table + ` (id, type, payload, received_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING
	`

	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(query, r.ID, r.Type, string(r.Payload), r.ReceivedAt)
	}

	results := j.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}

// typeHandler adapts the journal to dispatch.Handler for one message type.
type typeHandler struct {
	journal *Journal
	msgType string
}

func (h *typeHandler) HandleMessage(payload json.RawMessage) error {
	return h.journal.Record(h.msgType, payload)
}
