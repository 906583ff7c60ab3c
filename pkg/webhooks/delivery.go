package webhooks

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/platinummonkey/meter/pkg/providers"
)

// Delivery records one inbound webhook request and what was done with it
type Delivery struct {
	ID         string             `json:"id"`
	Provider   providers.Provider `json:"provider"`
	EventID    string             `json:"event_id,omitempty"`
	EventType  string             `json:"event_type,omitempty"`
	Outcome    Outcome            `json:"outcome"`
	StatusCode int                `json:"status_code"`
	Error      string             `json:"error,omitempty"`
	Duration   time.Duration      `json:"duration"`
	ReceivedAt time.Time          `json:"received_at"`
}

// DeliveryLog keeps the most recent inbound deliveries in memory for the
// admin endpoints. The oldest tenth is evicted when it is full.
type DeliveryLog struct {
	deliveries map[string]*Delivery
	mutex      sync.RWMutex
	maxEntries int
}

// NewDeliveryLog creates a DeliveryLog holding up to maxEntries, 1000 by default
func NewDeliveryLog(maxEntries int) *DeliveryLog {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &DeliveryLog{
		deliveries: make(map[string]*Delivery),
		maxEntries: maxEntries,
	}
}

// Add stores d, assigning an id when it has none
func (l *DeliveryLog) Add(d *Delivery) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.ReceivedAt.IsZero() {
		d.ReceivedAt = time.Now()
	}

	l.mutex.Lock()
	defer l.mutex.Unlock()

	if len(l.deliveries) >= l.maxEntries {
		l.evictOldest()
	}
	l.deliveries[d.ID] = d
}

// Get returns a delivery by id
func (l *DeliveryLog) Get(id string) (*Delivery, bool) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	d, ok := l.deliveries[id]
	return d, ok
}

// Recent returns deliveries newest first. An empty provider matches all.
func (l *DeliveryLog) Recent(provider providers.Provider, limit int) []*Delivery {
	l.mutex.RLock()
	result := make([]*Delivery, 0, len(l.deliveries))
	for _, d := range l.deliveries {
		if provider == "" || d.Provider == provider {
			result = append(result, d)
		}
	}
	l.mutex.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].ReceivedAt.After(result[j].ReceivedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

// ByEvent returns every delivery of one provider event, including redeliveries
func (l *DeliveryLog) ByEvent(provider providers.Provider, eventID string) []*Delivery {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	var result []*Delivery
	for _, d := range l.deliveries {
		if d.Provider == provider && d.EventID == eventID {
			result = append(result, d)
		}
	}
	return result
}

func (l *DeliveryLog) evictOldest() {
	all := make([]*Delivery, 0, len(l.deliveries))
	for _, d := range l.deliveries {
		all = append(all, d)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].ReceivedAt.Before(all[j].ReceivedAt)
	})

	n := len(all) / 10
	if n == 0 {
		n = 1
	}
	for i := 0; i < n && i < len(all); i++ {
		delete(l.deliveries, all[i].ID)
	}
}

// DeliveryStats summarises the deliveries held for a provider
type DeliveryStats struct {
	Provider        providers.Provider `json:"provider"`
	Total           int                `json:"total"`
	ByOutcome       map[Outcome]int    `json:"by_outcome"`
	Failed          int                `json:"failed"`
	FailureRate     float64            `json:"failure_rate"`
	AverageDuration time.Duration      `json:"average_duration"`
}

// Stats returns statistics for a provider
func (l *DeliveryLog) Stats(provider providers.Provider) DeliveryStats {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	stats := DeliveryStats{Provider: provider, ByOutcome: map[Outcome]int{}}
	var total time.Duration
	for _, d := range l.deliveries {
		if d.Provider != provider {
			continue
		}
		stats.Total++
		stats.ByOutcome[d.Outcome]++
		if d.StatusCode >= 400 {
			stats.Failed++
		}
		total += d.Duration
	}

	if stats.Total > 0 {
		stats.AverageDuration = total / time.Duration(stats.Total)
		stats.FailureRate = float64(stats.Failed) / float64(stats.Total)
	}
	return stats
}
