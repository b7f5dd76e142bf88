package detlog

import "errors"

// Store is an append-only sink for entries.
type Store interface {
	Append(e Entry) error
}

// Lister returns the newest entries of a store.
type Lister interface {
	Recent(limit int) ([]Entry, error)
}

// MultiStore appends every entry to each of its stores in order. A failing
// store does not stop the others; all failures are joined.
type MultiStore []Store

// Append implements Store.
func (m MultiStore) Append(e Entry) error {
	var errs []error
	for _, s := range m {
		if err := s.Append(e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
