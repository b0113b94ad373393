package tracking

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the in-process Store implementation, used when no
// DATABASE_URL is configured or as the fallback when SQL init fails and
// TRACKING_ALLOW_IN_MEMORY_FALLBACK is set.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (m *MemoryStore) Create(ctx context.Context, record *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[record.ID] = record.Clone()
	return nil
}

func (m *MemoryStore) Update(ctx context.Context, record *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[record.ID]; !ok {
		return fmt.Errorf("tracking record %s not found", record.ID)
	}
	m.records[record.ID] = record.Clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("tracking record %s not found", id)
	}
	return r.Clone(), nil
}

func (m *MemoryStore) List(ctx context.Context, opts ListOptions) (*ListResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matches := make([]*Record, 0, len(m.records))
	for _, r := range m.records {
		if matchesFilters(r, opts) {
			matches = append(matches, r)
		}
	}

	sortRecords(matches, opts)

	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}

	offset := opts.Offset
	if offset > len(matches) {
		offset = len(matches)
	}
	end := offset + limit
	hasMore := end < len(matches)
	if end > len(matches) {
		end = len(matches)
	}

	page := make([]*Record, 0, end-offset)
	for _, r := range matches[offset:end] {
		page = append(page, r.Clone())
	}

	return &ListResult{Records: page, HasMore: hasMore, NextCursor: end}, nil
}

func matchesFilters(r *Record, opts ListOptions) bool {
	if opts.Path != "" && r.Path != opts.Path {
		return false
	}
	if opts.Method != "" && r.Method != opts.Method {
		return false
	}
	if opts.Payer != "" && (r.Payment == nil || r.Payment.Payer != opts.Payer) {
		return false
	}
	if opts.Network != "" && (r.Payment == nil || r.Payment.Network != opts.Network) {
		return false
	}
	if opts.Scheme != "" && (r.Payment == nil || r.Payment.Scheme != opts.Scheme) {
		return false
	}
	if opts.PaymentRequired != nil && r.PaymentRequired != *opts.PaymentRequired {
		return false
	}
	if opts.PaymentVerified != nil && r.PaymentVerified != *opts.PaymentVerified {
		return false
	}
	if opts.SettlementSuccess != nil {
		if r.Settlement == nil || r.Settlement.Success != *opts.SettlementSuccess {
			return false
		}
	}
	if !opts.Since.IsZero() && r.Timestamp.Before(opts.Since) {
		return false
	}
	if !opts.Until.IsZero() && r.Timestamp.After(opts.Until) {
		return false
	}
	if opts.MinResponseTimeMs > 0 && r.ResponseTimeMs < opts.MinResponseTimeMs {
		return false
	}
	if opts.MaxResponseTimeMs > 0 && r.ResponseTimeMs > opts.MaxResponseTimeMs {
		return false
	}
	return true
}

func sortRecords(records []*Record, opts ListOptions) {
	desc := opts.SortOrder != "asc"

	less := func(i, j int) bool {
		switch opts.SortBy {
		case "responseTimeMs":
			return records[i].ResponseTimeMs < records[j].ResponseTimeMs
		case "path":
			return records[i].Path < records[j].Path
		default:
			return records[i].Timestamp.Before(records[j].Timestamp)
		}
	}

	sort.Slice(records, func(i, j int) bool {
		if desc {
			return less(j, i)
		}
		return less(i, j)
	})
}

func (m *MemoryStore) GetStats(ctx context.Context, start, end time.Time) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &Stats{
		ByPath:               make(map[string]int64),
		ByNetwork:            make(map[string]int64),
		ByScheme:             make(map[string]int64),
		VolumeByNetwork:      make(map[string]string),
		VolumeByNetworkAsset: make(map[string]string),
	}

	volumeByNetwork := make(map[string]*big.Int)
	volumeByNetworkAsset := make(map[string]*big.Int)

	var responseTimes []int64

	for _, r := range m.records {
		if !start.IsZero() && r.Timestamp.Before(start) {
			continue
		}
		if !end.IsZero() && r.Timestamp.After(end) {
			continue
		}

		stats.Total++
		stats.ByPath[r.Path]++
		if r.PaymentRequired {
			stats.PaymentRequired++
		}
		if r.PaymentVerified {
			stats.Verified++
		}
		if r.Settlement != nil {
			if r.Settlement.Success {
				stats.Settled++
			} else {
				stats.Failed++
			}
		}
		responseTimes = append(responseTimes, r.ResponseTimeMs)

		if r.Payment != nil {
			stats.ByNetwork[r.Payment.Network]++
			stats.ByScheme[r.Payment.Scheme]++

			if amount, ok := new(big.Int).SetString(r.Payment.Amount, 10); ok {
				accumulate(volumeByNetwork, r.Payment.Network, amount)
				accumulate(volumeByNetworkAsset, r.Payment.Network+":"+r.Payment.Asset, amount)
			}
		}
	}

	if len(responseTimes) > 0 {
		var sum int64
		for _, t := range responseTimes {
			sum += t
		}
		stats.AvgResponseTimeMs = float64(sum) / float64(len(responseTimes))
		stats.P95ResponseTimeMs = percentile95(responseTimes)
	}

	for k, v := range volumeByNetwork {
		stats.VolumeByNetwork[k] = v.String()
	}
	for k, v := range volumeByNetworkAsset {
		stats.VolumeByNetworkAsset[k] = v.String()
	}

	return stats, nil
}

func accumulate(m map[string]*big.Int, key string, amount *big.Int) {
	if existing, ok := m[key]; ok {
		existing.Add(existing, amount)
		return
	}
	m[key] = new(big.Int).Set(amount)
}

func percentile95(values []int64) float64 {
	sorted := append([]int64(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(len(sorted)-1) * 0.95)
	if idx < 0 {
		idx = 0
	}
	return float64(sorted[idx])
}

func (m *MemoryStore) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var pruned int64
	for id, r := range m.records {
		if r.Timestamp.Before(olderThan) {
			delete(m.records, id)
			pruned++
		}
	}
	return pruned, nil
}
