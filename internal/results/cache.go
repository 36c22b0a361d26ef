// internal/results/cache.go

// Package results holds the replays sent during the current analysis run.
package results

import (
	"sync"

	"github.com/CodeMonkeyCybersecurity/authmatrix/pkg/types"
)

// Cache records one AnalysisRequest per (template, user) pair. The pair
// index is independent of record ids, so a pair is only ever recorded once
// no matter which replay produced it.
type Cache struct {
	mu      sync.RWMutex
	records []types.AnalysisRequest
	pairs   map[string]struct{}
}

func NewCache() *Cache {
	return &Cache{pairs: make(map[string]struct{})}
}

// NewRecord builds the record for a replay of templateID as userID.
func NewRecord(templateID, userID, requestID string) types.AnalysisRequest {
	return types.AnalysisRequest{
		ID:         templateID + "-" + userID + "-" + requestID,
		TemplateID: templateID,
		UserID:     userID,
		RequestID:  requestID,
	}
}

func pairKey(templateID, userID string) string {
	return templateID + "-" + userID
}

func (c *Cache) Exists(templateID, userID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.pairs[pairKey(templateID, userID)]
	return ok
}

// Add stores record unless its pair is already present. The first write wins.
func (c *Cache) Add(record types.AnalysisRequest) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := pairKey(record.TemplateID, record.UserID)
	if _, ok := c.pairs[key]; ok {
		return false
	}
	c.pairs[key] = struct{}{}
	c.records = append(c.records, record)
	return true
}

func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = nil
	c.pairs = make(map[string]struct{})
}

func (c *Cache) List() []types.AnalysisRequest {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]types.AnalysisRequest{}, c.records...)
}

// ForTemplate returns the records of one template in insertion order.
func (c *Cache) ForTemplate(templateID string) []types.AnalysisRequest {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []types.AnalysisRequest
	for _, r := range c.records {
		if r.TemplateID == templateID {
			out = append(out, r)
		}
	}
	return out
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}
