package lead

import (
	"errors"
	"fmt"
	"sync"

	"github.com/shpitdev/leadgen-pipeline/pkg/pipeline/bulk"
)

var (
	ErrNotFound    = errors.New("lead not found")
	ErrDuplicateID = errors.New("duplicate lead id")
)

// Flag names a transient processing flag on a lead.
type Flag int

const (
	FlagEnriching Flag = iota
	FlagScoring
)

func (f Flag) String() string {
	switch f {
	case FlagEnriching:
		return "isEnriching"
	case FlagScoring:
		return "isScoring"
	default:
		return fmt.Sprintf("flag(%d)", int(f))
	}
}

// Collection is an ordered set of leads addressed by ID. It is owned by the caller and
// safe for concurrent readers while a single run writes through Target.
type Collection struct {
	mu    sync.RWMutex
	order []string
	byID  map[string]Lead
}

func NewCollection(leads ...Lead) (*Collection, error) {
	c := &Collection{byID: make(map[string]Lead, len(leads))}
	for _, l := range leads {
		if err := c.Add(l); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Add appends l. IDs must be non-empty and unique within the collection.
func (c *Collection) Add(l Lead) error {
	if l.ID == "" {
		return fmt.Errorf("add lead %q: empty id", l.Name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.byID[l.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateID, l.ID)
	}
	c.order = append(c.order, l.ID)
	c.byID[l.ID] = l
	return nil
}

// Replace swaps the full contents, e.g. after a new search.
func (c *Collection) Replace(leads []Lead) error {
	fresh, err := NewCollection(leads...)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order = fresh.order
	c.byID = fresh.byID
	return nil
}

func (c *Collection) Get(id string) (Lead, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	l, ok := c.byID[id]
	return l, ok
}

// All returns a copy of every lead in insertion order.
func (c *Collection) All() []Lead {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Lead, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id])
	}
	return out
}

func (c *Collection) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.order)
}

// Select returns copies of the leads matching pred, in order.
func (c *Collection) Select(pred Predicate) []Lead {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Lead
	for _, id := range c.order {
		if l := c.byID[id]; pred == nil || pred(l) {
			out = append(out, l)
		}
	}
	return out
}

// Update merges p into the lead with the given id.
func (c *Collection) Update(id string, p Patch) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	c.byID[id] = l.Apply(p)
	return nil
}

// SetFlag sets or clears a transient flag. Unknown IDs are ignored.
func (c *Collection) SetFlag(id string, f Flag, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.byID[id]
	if !ok {
		return
	}
	switch f {
	case FlagEnriching:
		l.IsEnriching = on
	case FlagScoring:
		l.IsScoring = on
	}
	c.byID[id] = l
}

// Target adapts the collection to the bulk runner, using f as the in-flight flag.
func (c *Collection) Target(f Flag) bulk.Target[Patch] {
	return &target{c: c, flag: f}
}

type target struct {
	c    *Collection
	flag Flag
}

func (t *target) MarkInFlight(id string, inFlight bool) {
	t.c.SetFlag(id, t.flag, inFlight)
}

func (t *target) Merge(id string, p Patch) error {
	return t.c.Update(id, p)
}
