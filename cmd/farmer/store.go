package main

import (
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"lukechampine.com/farm/storage"
)

type closingAdapter interface {
	storage.Adapter
	io.Closer
}

// openStore opens the shard database in dir using the named engine.
func openStore(engine, dir string) (closingAdapter, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errors.Wrap(err, "could not create data directory")
	}
	switch engine {
	case "bolt":
		db, err := storage.NewBoltAdapter(filepath.Join(dir, "shards.db"))
		if err != nil {
			return nil, err
		}
		return db, nil
	case "leveldb":
		db, err := storage.NewLevelDBAdapter(filepath.Join(dir, "shards.ldb"))
		if err != nil {
			return nil, err
		}
		return db, nil
	}
	return nil, errors.Errorf("unknown storage engine %q", engine)
}
