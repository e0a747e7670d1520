package cpu

import (
	"fmt"
	"sort"
	"sync"
)

// MethodInfo names an instrumented method.
type MethodInfo struct {
	ID        uint32 `json:"id"`
	ClassName string `json:"class"`
	Method    string `json:"method"`
	Signature string `json:"signature,omitempty"`
}

// FullName returns "class.method".
func (m MethodInfo) FullName() string {
	switch {
	case m.ClassName == "":
		return m.Method
	case m.Method == "":
		return m.ClassName
	}
	return m.ClassName + "." + m.Method
}

// Resolver maps method ids to display names.
type Resolver interface {
	MethodName(id uint32) string
}

// MethodTable is a concurrent-safe id to method mapping. The agent sends it
// incrementally as classes are instrumented.
type MethodTable struct {
	mu      sync.RWMutex
	methods map[uint32]MethodInfo
}

// NewMethodTable creates an empty table.
func NewMethodTable() *MethodTable {
	return &MethodTable{methods: make(map[uint32]MethodInfo)}
}

// Add inserts or replaces entries.
func (t *MethodTable) Add(infos ...MethodInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range infos {
		t.methods[m.ID] = m
	}
}

// Lookup returns the entry for id.
func (t *MethodTable) Lookup(id uint32) (MethodInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.methods[id]
	return m, ok
}

// MethodName returns the full method name, or a placeholder for unknown ids.
func (t *MethodTable) MethodName(id uint32) string {
	if id == RootMethodID {
		return "<root>"
	}
	if m, ok := t.Lookup(id); ok {
		return m.FullName()
	}
	return fmt.Sprintf("method#%d", id)
}

// Len returns the number of known methods.
func (t *MethodTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.methods)
}

// All returns every entry ordered by id.
func (t *MethodTable) All() []MethodInfo {
	t.mu.RLock()
	out := make([]MethodInfo, 0, len(t.methods))
	for _, m := range t.methods {
		out = append(out, m)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Reset removes every entry.
func (t *MethodTable) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.methods = make(map[uint32]MethodInfo)
}
