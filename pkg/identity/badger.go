package identity

import (
	"context"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
)

// BadgerStore reads credential mappings from an embedded badger database.
// Keys are credential strings, values are identity tags.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadgerStore opens the credential database under dir.
func OpenBadgerStore(dir string) (*BadgerStore, error) {
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	if err != nil {
		return nil, errors.Wrapf(err, "open credential store at %s", dir)
	}
	return &BadgerStore{db: db}, nil
}

// NewBadgerStore wraps an already opened database.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

func (s *BadgerStore) FetchIdentity(ctx context.Context, credential string) (string, error) {
	var tag []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(credential))
		if err != nil {
			return err
		}
		tag, err = item.ValueCopy(nil)
		return err
	})
	switch {
	case err == nil:
		return string(tag), nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return "", ErrUnknownCredential
	default:
		return "", errors.Wrap(err, "credential store read")
	}
}

// PutIdentity provisions one credential. Used by seeding tools and tests,
// never on the request path.
func (s *BadgerStore) PutIdentity(credential, tag string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(credential), []byte(tag))
	})
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
