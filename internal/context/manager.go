// Package context implements the kernel's two-tier virtual-memory-style
// context store: a bounded, access-ordered resident tier backed by
// hashicorp/golang-lru, and a durable swap tier backed by Storage. Pages
// move between the two on allocation pressure and on access, the same way
// an operating system pages process memory in and out of backing store.
package context

import (
	stdcontext "context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/agentkernel/kernel/internal/config"
	"github.com/agentkernel/kernel/internal/kernelerr"
	"github.com/agentkernel/kernel/internal/storage"
	"github.com/agentkernel/kernel/internal/tokenest"
	"github.com/agentkernel/kernel/internal/types"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Stats is a point-in-time snapshot of the context store.
type Stats struct {
	CurrentUsage  uint64
	MaxTokens     uint64
	UsagePercent  float64
	ResidentCount int
	SwappedCount  int
	ByType        map[types.PageType]int
	CacheHitRate  float64
}

// Manager owns both tiers and every agent's page index. All mutation
// happens under a single mutex; Storage calls never happen while mu is
// held, including swap-out writes triggered by the LRU eviction callback,
// which only queues victims onto pendingSwap for the caller to write out
// once mu is released. A failed swap-out write is recoverable: the page
// stays logically resident in the caller's view until the next successful
// attempt.
type Manager struct {
	cfg   *config.ContextConfig
	store storage.Store

	mu         sync.Mutex
	resident   *lru.Cache[types.PageID, *types.ContextPage]
	agentPages map[types.AgentPid][]types.PageID
	tokenUsage uint64
	hits       uint64
	faults     uint64

	// swappedCount tracks pages this manager has evicted to Storage, for
	// Stats reporting without a full table scan.
	swappedCount map[types.PageID]struct{}

	// pendingSwap accumulates pages evicted via onCapacityEvict during the
	// Add/Remove call in progress. golang-lru invokes the eviction callback
	// synchronously while mu is held, so the callback only updates in-memory
	// state and queues the page here; the caller drains it and performs the
	// Storage write itself after releasing mu.
	pendingSwap []*types.ContextPage
}

// NewManager constructs a Manager with a resident tier sized per
// cfg.ResidentCapacity.
func NewManager(cfg *config.ContextConfig, store storage.Store) (*Manager, error) {
	m := &Manager{
		cfg:          cfg,
		store:        store,
		agentPages:   make(map[types.AgentPid][]types.PageID),
		swappedCount: make(map[types.PageID]struct{}),
	}

	cache, err := lru.NewWithEvict(cfg.ResidentCapacity(), m.onCapacityEvict)
	if err != nil {
		return nil, err
	}
	m.resident = cache
	return m, nil
}

// onCapacityEvict runs when the resident tier's own capacity bound forces
// an eviction (distinct from the policy-driven token-threshold eviction in
// evict). Called while mu is already held (golang-lru invokes it
// synchronously from Add/Remove), so it only touches in-memory state and
// defers the durable swap-out write to the caller, via pendingSwap.
func (m *Manager) onCapacityEvict(id types.PageID, page *types.ContextPage) {
	page.Status = types.PageSwapped
	m.swappedCount[id] = struct{}{}
	m.removeFromAgentIndexLocked(page.AgentPid, id)
	if page.TokenCount > m.tokenUsage {
		m.tokenUsage = 0
	} else {
		m.tokenUsage -= uint64(page.TokenCount)
	}
	m.pendingSwap = append(m.pendingSwap, page)
}

// swapOutPending performs the durable Storage write for pages queued by
// onCapacityEvict during the most recent Add/Remove call. Must be called
// with mu released.
func (m *Manager) swapOutPending(ctx stdcontext.Context, pending []*types.ContextPage) {
	for _, page := range pending {
		if err := m.store.SavePage(ctx, page); err != nil {
			slog.Warn("context: swap-out write failed, page kept resident",
				"page_id", page.ID, "agent_pid", page.AgentPid, "error", err)
			m.mu.Lock()
			page.Status = types.PageInMemory
			delete(m.swappedCount, page.ID)
			m.resident.Add(page.ID, page)
			m.agentPages[page.AgentPid] = append(m.agentPages[page.AgentPid], page.ID)
			m.tokenUsage += uint64(page.TokenCount)
			m.mu.Unlock()
		}
	}
}

func (m *Manager) removeFromAgentIndexLocked(pid types.AgentPid, id types.PageID) {
	ids := m.agentPages[pid]
	for i, existing := range ids {
		if existing == id {
			m.agentPages[pid] = append(ids[:i], ids[i+1:]...)
			return
		}
	}
}

// AllocatePage estimates the page's token count, constructs it with
// clamped importance, inserts it into the resident tier, and triggers
// eviction if the manager is now over its token budget.
func (m *Manager) AllocatePage(ctx stdcontext.Context, pid types.AgentPid, content string, importance float64, pageType types.PageType) (types.PageID, error) {
	tokenCount := tokenest.Estimate(content)
	page := types.NewContextPage(pid, content, importance, pageType, tokenCount)

	m.mu.Lock()
	m.resident.Add(page.ID, page)
	m.agentPages[pid] = append(m.agentPages[pid], page.ID)
	m.tokenUsage += uint64(tokenCount)
	pending := m.pendingSwap
	m.pendingSwap = nil
	shouldEvict := m.tokenUsage > m.cfg.MaxContextTokens
	m.mu.Unlock()

	m.swapOutPending(ctx, pending)

	if shouldEvict {
		m.evict(ctx)
	}

	return page.ID, nil
}

// AccessPage simulates a page fault: a resident hit updates recency and
// returns a clone; a swap-tier hit loads from Storage, re-residents the
// page, and logs the fault; a miss on both tiers returns (nil, nil).
func (m *Manager) AccessPage(ctx stdcontext.Context, id types.PageID) (*types.ContextPage, error) {
	m.mu.Lock()
	if page, ok := m.resident.Get(id); ok {
		page.LastAccessed = time.Now().UTC()
		m.hits++
		clone := page.Clone()
		m.mu.Unlock()
		return clone, nil
	}
	m.mu.Unlock()

	loaded, err := m.store.LoadPage(ctx, id)
	if err != nil {
		return nil, kernelerr.WrapStorage("access page", err)
	}
	if loaded == nil {
		m.mu.Lock()
		m.faults++
		m.mu.Unlock()
		return nil, nil
	}

	loaded.Status = types.PageInMemory
	loaded.LastAccessed = time.Now().UTC()

	m.mu.Lock()
	m.faults++
	delete(m.swappedCount, id)
	m.resident.Add(id, loaded)
	m.agentPages[loaded.AgentPid] = append(m.agentPages[loaded.AgentPid], id)
	m.tokenUsage += uint64(loaded.TokenCount)
	pending := m.pendingSwap
	m.pendingSwap = nil
	m.mu.Unlock()

	m.swapOutPending(ctx, pending)

	slog.Info("context: page fault, loaded from storage", "page_id", id, "agent_pid", loaded.AgentPid)
	return loaded.Clone(), nil
}

// GetAgentContext assembles the agent's pages into ordered prompt
// messages. When optimizeForCache is true, pages sort by descending
// assembly priority (stable-prefix content first) then descending
// LastAccessed; otherwise by ascending CreatedAt. Accumulation stops
// before the running total would exceed MaxContextTokens.
func (m *Manager) GetAgentContext(ctx stdcontext.Context, pid types.AgentPid, optimizeForCache bool) ([]types.Message, error) {
	m.mu.Lock()
	ids := append([]types.PageID(nil), m.agentPages[pid]...)
	pages := make([]*types.ContextPage, 0, len(ids))
	var missing []types.PageID
	for _, id := range ids {
		if page, ok := m.resident.Peek(id); ok {
			pages = append(pages, page.Clone())
		} else {
			missing = append(missing, id)
		}
	}
	m.mu.Unlock()

	for _, id := range missing {
		page, err := m.store.LoadPage(ctx, id)
		if err != nil {
			return nil, kernelerr.WrapStorage("assemble context", err)
		}
		if page != nil {
			pages = append(pages, page)
		}
	}

	if optimizeForCache {
		sort.SliceStable(pages, func(i, j int) bool {
			pi, pj := types.AssemblyPriority(pages[i].PageType), types.AssemblyPriority(pages[j].PageType)
			if pi != pj {
				return pi > pj
			}
			return pages[i].LastAccessed.After(pages[j].LastAccessed)
		})
	} else {
		sort.SliceStable(pages, func(i, j int) bool {
			return pages[i].CreatedAt.Before(pages[j].CreatedAt)
		})
	}

	messages := make([]types.Message, 0, len(pages))
	var total uint64
	for _, page := range pages {
		if total+uint64(page.TokenCount) > m.cfg.MaxContextTokens {
			break
		}
		messages = append(messages, types.Message{
			Role:       page.PageType.Role(),
			Content:    page.Content,
			TokenCount: page.TokenCount,
		})
		total += uint64(page.TokenCount)
	}
	return messages, nil
}

// evict selects victims by the configured policy and removes them from
// the resident tier until usage falls to 90% of budget or no victims
// remain. Each removal runs through onCapacityEvict for the swap-out.
func (m *Manager) evict(ctx stdcontext.Context) int {
	m.mu.Lock()

	target := m.cfg.MaxContextTokens * 90 / 100
	if m.tokenUsage <= target {
		m.mu.Unlock()
		return 0
	}

	keys := m.resident.Keys()
	victims := make([]*types.ContextPage, 0, len(keys))
	for _, k := range keys {
		if page, ok := m.resident.Peek(k); ok {
			victims = append(victims, page)
		}
	}

	switch m.cfg.PageReplacementPolicy {
	case types.EvictionLru, types.EvictionSemanticSimilarity:
		sort.Slice(victims, func(i, j int) bool {
			return victims[i].LastAccessed.Before(victims[j].LastAccessed)
		})
	case types.EvictionLruImportance:
		sort.Slice(victims, func(i, j int) bool {
			si := float64(victims[i].LastAccessed.UnixMilli()) * victims[i].Importance
			sj := float64(victims[j].LastAccessed.UnixMilli()) * victims[j].Importance
			return si < sj
		})
	case types.EvictionImportance:
		sort.Slice(victims, func(i, j int) bool {
			return victims[i].Importance < victims[j].Importance
		})
	default:
		sort.Slice(victims, func(i, j int) bool {
			return victims[i].LastAccessed.Before(victims[j].LastAccessed)
		})
	}

	evicted := 0
	for _, victim := range victims {
		if m.tokenUsage <= target {
			break
		}
		// Remove triggers onCapacityEvict, which performs the swap-out,
		// index removal, and token-usage decrement.
		m.resident.Remove(victim.ID)
		evicted++
	}

	pending := m.pendingSwap
	m.pendingSwap = nil
	m.mu.Unlock()

	m.swapOutPending(ctx, pending)

	if evicted > 0 {
		slog.Info("context: evicted pages",
			"policy", m.cfg.PageReplacementPolicy, "victim_count", evicted)
	}
	return evicted
}

// Stats reports a point-in-time snapshot across both tiers.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	byType := make(map[types.PageType]int)
	for _, k := range m.resident.Keys() {
		if page, ok := m.resident.Peek(k); ok {
			byType[page.PageType]++
		}
	}

	residentCount := m.resident.Len()
	swappedCount := len(m.swappedCount)

	var hitRate float64
	if total := m.hits + m.faults; total > 0 {
		hitRate = float64(m.hits) / float64(total)
	}

	usagePercent := 0.0
	if m.cfg.MaxContextTokens > 0 {
		usagePercent = float64(m.tokenUsage) / float64(m.cfg.MaxContextTokens) * 100
	}

	return Stats{
		CurrentUsage:  m.tokenUsage,
		MaxTokens:     m.cfg.MaxContextTokens,
		UsagePercent:  usagePercent,
		ResidentCount: residentCount,
		SwappedCount:  swappedCount,
		ByType:        byType,
		CacheHitRate:  hitRate,
	}
}
