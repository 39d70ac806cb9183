package cases

// Store backs REQUEST_CASES: the full list, or a single case by id.
type Store interface {
	List() []Case
	FindByID(id string) (Case, bool)
}

// MemoryStore is a read-only Store built once from configuration.
type MemoryStore struct {
	items []Case
	byID  map[string]int
}

// NewMemoryStore indexes items by id. Entries without an id are skipped and
// a repeated id keeps its first entry.
func NewMemoryStore(items []Case) *MemoryStore {
	s := &MemoryStore{byID: make(map[string]int, len(items))}
	for _, item := range items {
		if item.ID == "" {
			continue
		}
		if _, dup := s.byID[item.ID]; dup {
			continue
		}
		s.byID[item.ID] = len(s.items)
		s.items = append(s.items, item)
	}
	return s
}

// List returns the cases in configuration order.
func (s *MemoryStore) List() []Case {
	return append([]Case(nil), s.items...)
}

func (s *MemoryStore) FindByID(id string) (Case, bool) {
	idx, ok := s.byID[id]
	if !ok {
		return Case{}, false
	}
	return s.items[idx], true
}
