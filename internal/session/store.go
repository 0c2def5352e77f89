// Package session owns the per-conversation mutable state: carts and the
// bounded chat history. Both stores are keyed by Telegram chat id and safe
// for concurrent use across conversations.
package session

import "sync"

// CartStore maps a conversation to its cart (product id -> quantity).
// Stored quantities are always positive; entries that would drop to zero or
// below are removed instead.
type CartStore struct {
	mu    sync.RWMutex
	carts map[int64]map[int64]int
}

// NewCartStore creates an empty cart store.
func NewCartStore() *CartStore {
	return &CartStore{carts: make(map[int64]map[int64]int)}
}

// Add increments the quantity for a product, creating the cart and the
// entry lazily. Non-positive deltas that would empty the entry delete it.
func (s *CartStore) Add(chatID, productID int64, qty int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cart := s.carts[chatID]
	if cart == nil {
		cart = make(map[int64]int)
		s.carts[chatID] = cart
	}
	next := cart[productID] + qty
	if next <= 0 {
		delete(cart, productID)
		return
	}
	cart[productID] = next
}

// Items returns a copy of the conversation's cart. An empty map means an
// empty cart.
func (s *CartStore) Items(chatID int64) map[int64]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[int64]int, len(s.carts[chatID]))
	for pid, qty := range s.carts[chatID] {
		out[pid] = qty
	}
	return out
}

// Clear empties the conversation's cart unconditionally.
func (s *CartStore) Clear(chatID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.carts, chatID)
}

// Empty reports whether the conversation has no cart entries.
func (s *CartStore) Empty(chatID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.carts[chatID]) == 0
}

// Entry is one role-tagged message in the conversation history.
type Entry struct {
	Role    string
	Content string
}

// HistoryStore keeps a bounded, insertion-ordered history per conversation.
// Oldest entries are evicted first once the limit is reached. The history
// only feeds the casual-chat context; it is never authoritative for cart
// state.
type HistoryStore struct {
	mu    sync.Mutex
	max   int
	chats map[int64][]Entry
}

// NewHistoryStore creates a history store holding at most max entries per
// conversation.
func NewHistoryStore(max int) *HistoryStore {
	if max < 1 {
		max = 1
	}
	return &HistoryStore{max: max, chats: make(map[int64][]Entry)}
}

// Append records an entry, evicting the oldest one when the conversation
// is at capacity.
func (s *HistoryStore) Append(chatID int64, role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := append(s.chats[chatID], Entry{Role: role, Content: content})
	if len(entries) > s.max {
		entries = entries[len(entries)-s.max:]
	}
	s.chats[chatID] = entries
}

// Recent returns a copy of the conversation's history, oldest first.
func (s *HistoryStore) Recent(chatID int64) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, len(s.chats[chatID]))
	copy(out, s.chats[chatID])
	return out
}

// Clear drops the conversation's history.
func (s *HistoryStore) Clear(chatID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.chats, chatID)
}
