package main

import (
	"context"
	"fmt"

	"github.com/portfolio-tools/imgsync/internal/cache"
	"github.com/portfolio-tools/imgsync/internal/ledger"
	"github.com/portfolio-tools/imgsync/internal/sheet"
	"github.com/portfolio-tools/imgsync/internal/storage"
	imgsync "github.com/portfolio-tools/imgsync/internal/sync"
)

// engine bundles a sync engine with the resources it borrows.
type engine struct {
	*imgsync.Engine
	store *sheet.Store
}

func (e *engine) Close() error {
	return e.store.Close()
}

// openEngine wires the configured store, cache, ledger and object store.
func openEngine(ctx context.Context) (*engine, error) {
	book, err := sheet.Open(cfg.SheetStore)
	if err != nil {
		return nil, err
	}

	c, err := cache.Open(cfg.Cache(newLogger("cache")))
	if err != nil {
		book.Close()
		return nil, err
	}

	objects, err := storage.Open(ctx, cfg.StorageConfig(newLogger("storage")))
	if err != nil {
		book.Close()
		return nil, fmt.Errorf("failed to open object store: %w", err)
	}

	e := imgsync.New(cfg.Engine(newLogger("sync")), book, c, ledger.New(cfg.FailedFile), objects)
	return &engine{Engine: e, store: book}, nil
}
