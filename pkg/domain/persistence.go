package domain

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by Update when the target record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrAccessDenied is returned when a system operation omits OverrideAccess.
	ErrAccessDenied = errors.New("store access requires override")
	// ErrDuplicateID is returned by Create when the supplied id is taken.
	ErrDuplicateID = errors.New("record id already exists")
)

// Where is an exact-match filter over named record fields.
type Where map[string]string

// Matches reports whether every clause matches the record.
func (w Where) Matches(rec Document) bool {
	for field, want := range w {
		got, ok := rec.FieldValue(field)
		if !ok || got != want {
			return false
		}
	}
	return true
}

// Query scopes a find or write. OverrideAccess must be set by trusted system
// callers; row-level access control is bypassed only when it is.
type Query struct {
	Where          Where
	Limit          int
	OverrideAccess bool
}

// SystemQuery builds a trusted query with the given filter.
func SystemQuery(where Where) Query {
	return Query{Where: where, OverrideAccess: true}
}

// Document is the constraint satisfied by every stored record type.
type Document interface {
	RecordID() string
	FieldValue(field string) (string, bool)
}

// Collection is the narrow typed access surface the engines depend on.
type Collection[T Document] interface {
	Find(ctx context.Context, q Query) ([]T, error)
	Create(ctx context.Context, rec T, q Query) (T, error)
	Update(ctx context.Context, id string, q Query, mutator func(*T) error) (T, error)
}

// Store groups the typed collections used by the reconciliation and email engines.
type Store interface {
	Orders() Collection[Order]
	OrderItems() Collection[OrderItem]
	Transactions() Collection[Transaction]
	EmailTemplates() Collection[EmailTemplate]
	EmailSends() Collection[EmailSend]
	Campaigns() Collection[Campaign]
	People() Collection[Person]
	Memberships() Collection[Membership]
}

// FindOne returns the first record matching q, reporting whether one was found.
func FindOne[T Document](ctx context.Context, c Collection[T], q Query) (T, bool, error) {
	var zero T
	q.Limit = 1
	recs, err := c.Find(ctx, q)
	if err != nil {
		return zero, false, err
	}
	if len(recs) == 0 {
		return zero, false, nil
	}
	return recs[0], true, nil
}
