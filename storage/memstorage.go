package storage

import (
	"github.com/syndtr/goleveldb/leveldb/storage"
)

// storageMemStorage backs an in-memory partition, used when Provider is
// opened with an empty baseDir (unit tests, ephemeral verification runs).
// Each call returns a fresh store since goleveldb storage.Storage instances
// are not shared across opens.
func storageMemStorage() storage.Storage {
	return storage.NewMemStorage()
}
