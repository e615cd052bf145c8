package orders

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"chainfeed/internal/model"
)

// Basket is a named container of independently priced legs.
type Basket struct {
	Name      string      `json:"name"`
	Legs      []model.Leg `json:"legs"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// BasketRegistry owns all baskets. Appending to a basket that does not
// exist is a caller error, never an implicit create.
type BasketRegistry struct {
	mu      sync.Mutex
	baskets map[string]*Basket
	now     func() time.Time
}

// NewBasketRegistry creates an empty registry.
func NewBasketRegistry() *BasketRegistry {
	return &BasketRegistry{
		baskets: make(map[string]*Basket),
		now:     time.Now,
	}
}

// Create makes a new basket with the given legs. Creating over an existing
// name is rejected.
func (r *BasketRegistry) Create(name string, legs []model.Leg) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.baskets[name]; ok {
		return fmt.Errorf("orders: basket %q already exists", name)
	}
	now := r.now()
	r.baskets[name] = &Basket{
		Name:      name,
		Legs:      append([]model.Leg(nil), legs...),
		CreatedAt: now,
		UpdatedAt: now,
	}
	return nil
}

// Append adds legs to an existing basket.
func (r *BasketRegistry) Append(name string, legs []model.Leg) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.baskets[name]
	if !ok {
		return fmt.Errorf("orders: basket %q does not exist", name)
	}
	b.Legs = append(b.Legs, legs...)
	b.UpdatedAt = r.now()
	return nil
}

// Exists reports whether a basket with the name is registered.
func (r *BasketRegistry) Exists(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.baskets[name]
	return ok
}

// Get returns a copy of the named basket.
func (r *BasketRegistry) Get(name string) (Basket, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.baskets[name]
	if !ok {
		return Basket{}, false
	}
	out := *b
	out.Legs = append([]model.Leg(nil), b.Legs...)
	return out, true
}

// Names lists basket names, sorted.
func (r *BasketRegistry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.baskets))
	for n := range r.baskets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
