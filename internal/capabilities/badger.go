package capabilities

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"
)

// Badger persists capabilities across runs in a BadgerDB directory.
type Badger struct {
	db     *badger.DB
	logger *slog.Logger
}

// OpenBadger opens or creates the database at dir. An empty dir keeps the
// database in memory, which is mostly useful for tests.
func OpenBadger(dir string, logger *slog.Logger) (*Badger, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLoggingLevel(badger.WARNING)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open capability cache at %s: %w", dir, err)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Badger{db: db, logger: logger}, nil
}

func badgerKey(server string, c Capability) []byte {
	return []byte("cap/" + server + "/" + string(c))
}

// Get implements Store. Read errors are logged and reported as Unknown.
func (b *Badger) Get(server string, c Capability) Tri {
	v := Unknown
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(server, c))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) == 1 {
				v = Tri(val[0])
			}
			return nil
		})
	})
	if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		b.logger.Warn("capability lookup failed", "server", server, "capability", c, "error", err)
	}
	return v
}

// Set implements Store. Write errors are logged; the cache is best effort.
func (b *Badger) Set(server string, c Capability, v Tri) {
	err := b.db.Update(func(txn *badger.Txn) error {
		if v == Unknown {
			return txn.Delete(badgerKey(server, c))
		}
		return txn.Set(badgerKey(server, c), []byte{byte(v)})
	})
	if err != nil {
		b.logger.Warn("capability update failed", "server", server, "capability", c, "error", err)
	}
}

// Close flushes and closes the database.
func (b *Badger) Close() error {
	return b.db.Close()
}
