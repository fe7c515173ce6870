// Package memory provides an in-memory, transactional implementation of the
// donationcore document store used for tests, ephemeral environments, and as
// the working set of the snapshotting sqlite/postgres backends.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"donationcore/pkg/domain"

	"github.com/google/uuid"
)

// Compile-time contract assertion ensuring memory.Store satisfies the domain store.
var _ domain.Store = (*Store)(nil)

type memoryState struct {
	orders       map[string]domain.Order
	orderItems   map[string]domain.OrderItem
	transactions map[string]domain.Transaction
	templates    map[string]domain.EmailTemplate
	sends        map[string]domain.EmailSend
	campaigns    map[string]domain.Campaign
	people       map[string]domain.Person
	memberships  map[string]domain.Membership
}

// Snapshot captures a point-in-time clone of the store state.
type Snapshot struct {
	Orders       map[string]domain.Order         `json:"orders"`
	OrderItems   map[string]domain.OrderItem     `json:"order_items"`
	Transactions map[string]domain.Transaction   `json:"transactions"`
	Templates    map[string]domain.EmailTemplate `json:"email_templates"`
	Sends        map[string]domain.EmailSend     `json:"email_sends"`
	Campaigns    map[string]domain.Campaign      `json:"campaigns"`
	People       map[string]domain.Person        `json:"people"`
	Memberships  map[string]domain.Membership    `json:"memberships"`
}

func newMemoryState() memoryState {
	return memoryState{
		orders:       make(map[string]domain.Order),
		orderItems:   make(map[string]domain.OrderItem),
		transactions: make(map[string]domain.Transaction),
		templates:    make(map[string]domain.EmailTemplate),
		sends:        make(map[string]domain.EmailSend),
		campaigns:    make(map[string]domain.Campaign),
		people:       make(map[string]domain.Person),
		memberships:  make(map[string]domain.Membership),
	}
}

func cloneTable[T interface{ Clone() T }](in map[string]T) map[string]T {
	out := make(map[string]T, len(in))
	for k, v := range in {
		out[k] = v.Clone()
	}
	return out
}

func (s memoryState) clone() memoryState {
	return memoryState{
		orders:       cloneTable(s.orders),
		orderItems:   cloneTable(s.orderItems),
		transactions: cloneTable(s.transactions),
		templates:    cloneTable(s.templates),
		sends:        cloneTable(s.sends),
		campaigns:    cloneTable(s.campaigns),
		people:       cloneTable(s.people),
		memberships:  cloneTable(s.memberships),
	}
}

func snapshotFromMemoryState(state memoryState) Snapshot {
	cp := state.clone()
	return Snapshot{
		Orders:       cp.orders,
		OrderItems:   cp.orderItems,
		Transactions: cp.transactions,
		Templates:    cp.templates,
		Sends:        cp.sends,
		Campaigns:    cp.campaigns,
		People:       cp.people,
		Memberships:  cp.memberships,
	}
}

func memoryStateFromSnapshot(s Snapshot) memoryState {
	state := memoryState{
		orders:       s.Orders,
		orderItems:   s.OrderItems,
		transactions: s.Transactions,
		templates:    s.Templates,
		sends:        s.Sends,
		campaigns:    s.Campaigns,
		people:       s.People,
		memberships:  s.Memberships,
	}
	// nil buckets from older or partial snapshots become empty tables
	if state.orders == nil {
		state.orders = map[string]domain.Order{}
	}
	if state.orderItems == nil {
		state.orderItems = map[string]domain.OrderItem{}
	}
	if state.transactions == nil {
		state.transactions = map[string]domain.Transaction{}
	}
	if state.templates == nil {
		state.templates = map[string]domain.EmailTemplate{}
	}
	if state.sends == nil {
		state.sends = map[string]domain.EmailSend{}
	}
	if state.campaigns == nil {
		state.campaigns = map[string]domain.Campaign{}
	}
	if state.people == nil {
		state.people = map[string]domain.Person{}
	}
	if state.memberships == nil {
		state.memberships = map[string]domain.Membership{}
	}
	return state.clone()
}

// CommitHook persists a candidate snapshot before it becomes the committed
// state. Returning an error aborts the commit and leaves state untouched.
type CommitHook func(ctx context.Context, snapshot Snapshot) error

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// WithIDGenerator overrides record id generation.
func WithIDGenerator(gen func() string) Option {
	return func(s *Store) {
		if gen != nil {
			s.newID = gen
		}
	}
}

// WithCommitHook installs a hook invoked with the post-transaction snapshot.
func WithCommitHook(hook CommitHook) Option {
	return func(s *Store) { s.commitHook = hook }
}

// Store is a mutex-guarded transactional store. Every write runs through
// RunInTransaction so registered rules see the full candidate state.
type Store struct {
	mu         sync.RWMutex
	state      memoryState
	engine     *domain.RulesEngine
	nowFn      func() time.Time
	newID      func() string
	commitHook CommitHook
}

// NewStore constructs an in-memory store backed by the provided rules engine.
func NewStore(engine *domain.RulesEngine, opts ...Option) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	s := &Store{
		state:  newMemoryState(),
		engine: engine,
		nowFn:  func() time.Time { return time.Now().UTC() },
		newID:  func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ExportState clones the current store state for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotFromMemoryState(s.state)
}

// ImportState replaces the store state with the provided snapshot without
// invoking rules or the commit hook.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = memoryStateFromSnapshot(snapshot)
}

// RulesEngine exposes the configured engine.
func (s *Store) RulesEngine() *domain.RulesEngine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// Tx is a mutation set applied to a private copy of the store state.
type Tx struct {
	store   *Store
	state   memoryState
	changes []domain.Change
	now     time.Time
}

// Changes returns the changes recorded so far.
func (tx *Tx) Changes() []domain.Change {
	return append([]domain.Change(nil), tx.changes...)
}

func (tx *Tx) recordChange(change domain.Change) {
	tx.changes = append(tx.changes, change)
}

type transactionView struct {
	state *memoryState
}

func (v transactionView) FindOrder(id string) (domain.Order, bool) {
	o, ok := v.state.orders[id]
	if !ok {
		return domain.Order{}, false
	}
	return o.Clone(), true
}

func (v transactionView) ListTransactions() []domain.Transaction {
	out := make([]domain.Transaction, 0, len(v.state.transactions))
	for _, t := range v.state.transactions {
		out = append(out, t.Clone())
	}
	return out
}

func (v transactionView) FindEmailSend(id string) (domain.EmailSend, bool) {
	e, ok := v.state.sends[id]
	if !ok {
		return domain.EmailSend{}, false
	}
	return e.Clone(), true
}

// RunInTransaction executes fn within a transactional copy of the store state.
// Rules are evaluated against the candidate state; a blocking result aborts
// the commit with domain.RuleViolationError.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx *Tx) error) (domain.Result, error) {
	if err := ctx.Err(); err != nil {
		return domain.Result{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &Tx{
		store: s,
		state: s.state.clone(),
		now:   s.nowFn(),
	}

	if err := fn(tx); err != nil {
		return domain.Result{}, err
	}

	var result domain.Result
	if s.engine != nil {
		res, err := s.engine.Evaluate(ctx, transactionView{state: &tx.state}, tx.changes)
		if err != nil {
			return domain.Result{}, err
		}
		result = res
		if res.HasBlocking() {
			return res, domain.RuleViolationError{Result: res}
		}
	}

	if s.commitHook != nil && len(tx.changes) > 0 {
		if err := s.commitHook(ctx, snapshotFromMemoryState(tx.state)); err != nil {
			return result, fmt.Errorf("persist snapshot: %w", err)
		}
	}

	s.state = tx.state
	return result, nil
}

// View executes fn against a read-only snapshot of the store state.
func (s *Store) View(_ context.Context, fn func(domain.RuleView) error) error {
	s.mu.RLock()
	snapshot := s.state.clone()
	s.mu.RUnlock()
	return fn(transactionView{state: &snapshot})
}

// Orders returns the orders collection.
func (s *Store) Orders() domain.Collection[domain.Order] {
	return collection[domain.Order, *domain.Order]{store: s, entity: domain.EntityOrder,
		table: func(st *memoryState) map[string]domain.Order { return st.orders }}
}

// OrderItems returns the order items collection.
func (s *Store) OrderItems() domain.Collection[domain.OrderItem] {
	return collection[domain.OrderItem, *domain.OrderItem]{store: s, entity: domain.EntityOrderItem,
		table: func(st *memoryState) map[string]domain.OrderItem { return st.orderItems }}
}

// Transactions returns the payment ledger collection.
func (s *Store) Transactions() domain.Collection[domain.Transaction] {
	return collection[domain.Transaction, *domain.Transaction]{store: s, entity: domain.EntityTransaction,
		table: func(st *memoryState) map[string]domain.Transaction { return st.transactions }}
}

// EmailTemplates returns the email templates collection.
func (s *Store) EmailTemplates() domain.Collection[domain.EmailTemplate] {
	return collection[domain.EmailTemplate, *domain.EmailTemplate]{store: s, entity: domain.EntityEmailTemplate,
		table: func(st *memoryState) map[string]domain.EmailTemplate { return st.templates }}
}

// EmailSends returns the email send records collection.
func (s *Store) EmailSends() domain.Collection[domain.EmailSend] {
	return collection[domain.EmailSend, *domain.EmailSend]{store: s, entity: domain.EntityEmailSend,
		table: func(st *memoryState) map[string]domain.EmailSend { return st.sends }}
}

// Campaigns returns the campaigns collection.
func (s *Store) Campaigns() domain.Collection[domain.Campaign] {
	return collection[domain.Campaign, *domain.Campaign]{store: s, entity: domain.EntityCampaign,
		table: func(st *memoryState) map[string]domain.Campaign { return st.campaigns }}
}

// People returns the contacts collection.
func (s *Store) People() domain.Collection[domain.Person] {
	return collection[domain.Person, *domain.Person]{store: s, entity: domain.EntityPerson,
		table: func(st *memoryState) map[string]domain.Person { return st.people }}
}

// Memberships returns the memberships collection.
func (s *Store) Memberships() domain.Collection[domain.Membership] {
	return collection[domain.Membership, *domain.Membership]{store: s, entity: domain.EntityMembership,
		table: func(st *memoryState) map[string]domain.Membership { return st.memberships }}
}

type record[T any] interface {
	domain.Document
	Clone() T
}

type recordPtr[T any] interface {
	*T
	BaseRef() *domain.Base
}

type collection[T record[T], P recordPtr[T]] struct {
	store  *Store
	entity domain.EntityType
	table  func(*memoryState) map[string]T
}

func (c collection[T, P]) Find(ctx context.Context, q domain.Query) ([]T, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !q.OverrideAccess {
		return nil, fmt.Errorf("find %s: %w", c.entity, domain.ErrAccessDenied)
	}
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()

	var out []T
	for _, rec := range c.table(&c.store.state) {
		if q.Where.Matches(rec) {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		bi, bj := P(&out[i]).BaseRef(), P(&out[j]).BaseRef()
		if !bi.CreatedAt.Equal(bj.CreatedAt) {
			return bi.CreatedAt.Before(bj.CreatedAt)
		}
		return bi.ID < bj.ID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (c collection[T, P]) Create(ctx context.Context, rec T, q domain.Query) (T, error) {
	var created T
	if !q.OverrideAccess {
		return created, fmt.Errorf("create %s: %w", c.entity, domain.ErrAccessDenied)
	}
	_, err := c.store.RunInTransaction(ctx, func(tx *Tx) error {
		table := c.table(&tx.state)
		base := P(&rec).BaseRef()
		if base.ID == "" {
			base.ID = c.store.newID()
		}
		if _, exists := table[base.ID]; exists {
			return fmt.Errorf("create %s %q: %w", c.entity, base.ID, domain.ErrDuplicateID)
		}
		base.CreatedAt = tx.now
		base.UpdatedAt = tx.now
		table[base.ID] = rec.Clone()
		tx.recordChange(domain.Change{Entity: c.entity, Action: domain.ActionCreate, After: rec.Clone()})
		created = rec.Clone()
		return nil
	})
	return created, err
}

func (c collection[T, P]) Update(ctx context.Context, id string, q domain.Query, mutator func(*T) error) (T, error) {
	var updated T
	if !q.OverrideAccess {
		return updated, fmt.Errorf("update %s: %w", c.entity, domain.ErrAccessDenied)
	}
	_, err := c.store.RunInTransaction(ctx, func(tx *Tx) error {
		table := c.table(&tx.state)
		current, ok := table[id]
		if !ok {
			return fmt.Errorf("update %s %q: %w", c.entity, id, domain.ErrNotFound)
		}
		if len(q.Where) > 0 && !q.Where.Matches(current) {
			return fmt.Errorf("update %s %q: %w", c.entity, id, domain.ErrNotFound)
		}
		before := current.Clone()
		if err := mutator(&current); err != nil {
			return err
		}
		base := P(&current).BaseRef()
		base.ID = id
		base.CreatedAt = P(&before).BaseRef().CreatedAt
		base.UpdatedAt = tx.now
		table[id] = current.Clone()
		tx.recordChange(domain.Change{Entity: c.entity, Action: domain.ActionUpdate, Before: before, After: current.Clone()})
		updated = current.Clone()
		return nil
	})
	return updated, err
}

// BucketNames lists snapshot buckets in persistence order.
var BucketNames = []string{
	"orders",
	"order_items",
	"transactions",
	"email_templates",
	"email_sends",
	"campaigns",
	"people",
	"memberships",
}

// Bucket returns a pointer to the named bucket map, suitable for json encoding
// and decoding by snapshotting backends.
func (s *Snapshot) Bucket(name string) (any, bool) {
	switch name {
	case "orders":
		return &s.Orders, true
	case "order_items":
		return &s.OrderItems, true
	case "transactions":
		return &s.Transactions, true
	case "email_templates":
		return &s.Templates, true
	case "email_sends":
		return &s.Sends, true
	case "campaigns":
		return &s.Campaigns, true
	case "people":
		return &s.People, true
	case "memberships":
		return &s.Memberships, true
	}
	return nil, false
}
