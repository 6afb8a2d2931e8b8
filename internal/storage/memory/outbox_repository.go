package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/inventory/internal/domain"
)

const (
	outboxStatusPending = "pending"
	outboxStatusSent    = "sent"
	outboxStatusFailed  = "failed"
)

// outboxRecord хранит сообщение и служебные поля для in-memory реализации.
type outboxRecord struct {
	msg        domain.OutboxMessage
	seq        uint64
	status     string
	attemptCnt int
	updatedAt  time.Time
}

// outboxRepositoryInMemory — in-memory хранилище для transactional outbox.
type outboxRepositoryInMemory struct {
	mu      sync.RWMutex
	records map[string]*outboxRecord
	nextSeq uint64
}

// NewOutboxRepository создаёт in-memory реализацию outbox.
func NewOutboxRepository() *outboxRepositoryInMemory {
	return &outboxRepositoryInMemory{records: make(map[string]*outboxRecord)}
}

// Enqueue сохраняет событие со статусом `pending`.
func (r *outboxRepositoryInMemory) Enqueue(_ context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	r.nextSeq++
	r.records[msg.ID] = &outboxRecord{
		msg:       msg,
		seq:       r.nextSeq,
		status:    outboxStatusPending,
		updatedAt: now,
	}
	return msg, nil
}

// PullPending возвращает до limit самых старых сообщений со статусом `pending`.
func (r *outboxRepositoryInMemory) PullPending(_ context.Context, limit int) ([]domain.OutboxMessage, error) {
	if limit <= 0 {
		limit = 100
	}

	pending := r.pending()
	if len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

// Stats возвращает размер backlog и возраст самого старого сообщения.
func (r *outboxRepositoryInMemory) Stats(_ context.Context) (domain.OutboxStats, error) {
	pending := r.pending()
	stats := domain.OutboxStats{PendingCount: len(pending)}
	if len(pending) > 0 {
		stats.OldestPendingAt = pending[0].CreatedAt
	}
	return stats, nil
}

// MarkSent обновляет статус события после успешной публикации.
func (r *outboxRepositoryInMemory) MarkSent(_ context.Context, id string) error {
	return r.mark(id, outboxStatusSent)
}

// MarkFailed фиксирует ошибку публикации.
func (r *outboxRepositoryInMemory) MarkFailed(_ context.Context, id string) error {
	return r.mark(id, outboxStatusFailed)
}

// DeleteSent удаляет до limit самых старых отправленных сообщений.
func (r *outboxRepositoryInMemory) DeleteSent(_ context.Context, before time.Time, limit int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	expired := make([]*outboxRecord, 0)
	for _, rec := range r.records {
		if rec.status == outboxStatusSent && !rec.updatedAt.After(before) {
			expired = append(expired, rec)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].seq < expired[j].seq })
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	for _, rec := range expired {
		delete(r.records, rec.msg.ID)
	}
	return len(expired), nil
}

// AllPending возвращает копию всех сообщений со статусом `pending` (используется в тестах).
func (r *outboxRepositoryInMemory) AllPending() []domain.OutboxMessage {
	return r.pending()
}

func (r *outboxRepositoryInMemory) mark(id, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.records[id]
	if !ok {
		return domain.ErrOutboxPublish
	}
	record.status = status
	record.attemptCnt++
	record.updatedAt = time.Now().UTC()
	return nil
}

func (r *outboxRepositoryInMemory) pending() []domain.OutboxMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()

	records := make([]*outboxRecord, 0, len(r.records))
	for _, rec := range r.records {
		if rec.status == outboxStatusPending {
			records = append(records, rec)
		}
	}
	// При равном CreatedAt порядок определяет очередность Enqueue.
	sort.Slice(records, func(i, j int) bool {
		if !records[i].msg.CreatedAt.Equal(records[j].msg.CreatedAt) {
			return records[i].msg.CreatedAt.Before(records[j].msg.CreatedAt)
		}
		return records[i].seq < records[j].seq
	})

	result := make([]domain.OutboxMessage, 0, len(records))
	for _, rec := range records {
		result = append(result, rec.msg)
	}
	return result
}

var (
	_ domain.OutboxRepository = (*outboxRepositoryInMemory)(nil)
	_ domain.OutboxPurger     = (*outboxRepositoryInMemory)(nil)
)
