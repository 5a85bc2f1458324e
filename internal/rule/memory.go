package rule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aoxiansheng/stock-api-sub010/internal/observability"
)

// subscriberBuffer is the per-subscriber change channel capacity. A slow
// consumer drops events rather than blocking writers; consumers are expected
// to treat a drop like any other feed gap (the watcher's degraded polling
// covers correctness).
const subscriberBuffer = 64

// MemoryRepository is a map-backed Repository with a channel-based change
// feed. It backs tests and single-process deployments; production setups
// implement Repository against a CDC-capable store.
type MemoryRepository struct {
	logger observability.Logger

	mu    sync.RWMutex
	rules map[string]*MappingRule

	subMu       sync.Mutex
	subscribers map[int]chan ChangeEvent
	nextSubID   int
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository(logger observability.Logger) *MemoryRepository {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &MemoryRepository{
		logger:      logger,
		rules:       make(map[string]*MappingRule),
		subscribers: make(map[int]chan ChangeEvent),
	}
}

// FindByID returns the rule with the given id.
func (r *MemoryRepository) FindByID(_ context.Context, id string) (*MappingRule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rule, ok := r.rules[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	clone := *rule
	return &clone, nil
}

// FindMetadata returns the cheap version projection of a rule.
func (r *MemoryRepository) FindMetadata(_ context.Context, id string) (RuleMetadata, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rule, ok := r.rules[id]
	if !ok {
		return RuleMetadata{}, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	return RuleMetadata{
		ID:        rule.ID,
		Provider:  rule.Provider,
		UpdatedAt: rule.UpdatedAt,
		Active:    rule.Active,
	}, nil
}

// FindByProviderAndType returns all rules matching the provider and rule
// type. An empty apiType matches both connection styles.
func (r *MemoryRepository) FindByProviderAndType(
	_ context.Context, provider, ruleType string, apiType APIType,
) ([]*MappingRule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matches []*MappingRule
	for _, rule := range r.rules {
		if rule.Provider != provider || rule.RuleType != ruleType {
			continue
		}
		if apiType != "" && rule.APIType != apiType {
			continue
		}
		clone := *rule
		matches = append(matches, &clone)
	}
	return matches, nil
}

// WatchChanges subscribes to rule mutations. The returned channel is closed
// when the context is cancelled.
func (r *MemoryRepository) WatchChanges(ctx context.Context) (<-chan ChangeEvent, error) {
	r.subMu.Lock()
	id := r.nextSubID
	r.nextSubID++
	ch := make(chan ChangeEvent, subscriberBuffer)
	r.subscribers[id] = ch
	r.subMu.Unlock()

	go func() {
		<-ctx.Done()
		r.subMu.Lock()
		delete(r.subscribers, id)
		r.subMu.Unlock()
		close(ch)
	}()

	return ch, nil
}

// Insert stores a new rule, assigning an id when absent, and emits an insert
// event. It returns the stored rule's id.
func (r *MemoryRepository) Insert(_ context.Context, rule *MappingRule) (string, error) {
	if rule == nil {
		return "", ErrNilRule
	}

	stored := *rule
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = time.Now()
	}

	r.mu.Lock()
	r.rules[stored.ID] = &stored
	r.mu.Unlock()

	doc := stored
	r.broadcast(ChangeEvent{
		Operation:    OperationInsert,
		DocumentKey:  stored.ID,
		FullDocument: &doc,
	})
	return stored.ID, nil
}

// Update replaces an existing rule, bumps its version timestamp and emits an
// update event.
func (r *MemoryRepository) Update(_ context.Context, rule *MappingRule) error {
	if rule == nil {
		return ErrNilRule
	}

	r.mu.Lock()
	prev, ok := r.rules[rule.ID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRuleNotFound, rule.ID)
	}

	stored := *rule
	stored.UpdatedAt = time.Now()
	if !stored.UpdatedAt.After(prev.UpdatedAt) {
		// Clock granularity guard so the version always moves forward.
		stored.UpdatedAt = prev.UpdatedAt.Add(time.Nanosecond)
	}
	r.rules[stored.ID] = &stored
	r.mu.Unlock()

	doc := stored
	r.broadcast(ChangeEvent{
		Operation:    OperationUpdate,
		DocumentKey:  stored.ID,
		FullDocument: &doc,
	})
	return nil
}

// Delete removes a rule and emits a delete event.
func (r *MemoryRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	_, ok := r.rules[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	delete(r.rules, id)
	r.mu.Unlock()

	r.broadcast(ChangeEvent{
		Operation:   OperationDelete,
		DocumentKey: id,
	})
	return nil
}

// broadcast fans an event out to all subscribers without blocking.
func (r *MemoryRepository) broadcast(event ChangeEvent) {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	for id, ch := range r.subscribers {
		select {
		case ch <- event:
		default:
			r.logger.Warn("dropping change event for slow subscriber",
				observability.Int("subscriber", id),
				observability.String("documentKey", event.DocumentKey))
		}
	}
}
