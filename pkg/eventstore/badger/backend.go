// Package badger is the durable event store. Events are kept as JSON under a
// monotonic serial, with id, author, kind, author+kind, (tag name, tag value),
// content word and timestamp indexes so any filter resolves by range scans.
// The same database holds the registered user index, statistics, the relay
// directory, hashtag usage and the unattached media registry.
package badger

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/Hubmakerlabs/federatr/pkg/eventstore"
	"github.com/Hubmakerlabs/federatr/pkg/slog"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
)

var log, chk = slog.New(os.Stderr)

var _ eventstore.Store = (*Backend)(nil)

// retries bounds how often a transaction is retried after a conflict.
const retries = 16

type Backend struct {
	// Path is the data directory; empty opens an in-memory database.
	Path string
	// AdminPubkey signs user records; its kind 30361 events populate the
	// registered user index.
	AdminPubkey string
	// GCInterval is how often value log garbage collection runs.
	GCInterval time.Duration
	// BlockCacheSize is passed to badger.
	BlockCacheSize int64

	*badger.DB
	seq    *badger.Sequence
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns an unopened backend; call Init before use.
func New(path, adminPubkey string) *Backend {
	return &Backend{
		Path:           path,
		AdminPubkey:    adminPubkey,
		GCInterval:     5 * time.Minute,
		BlockCacheSize: 64 << 20,
	}
}

func (b *Backend) Init() (err error) {
	opts := badger.DefaultOptions(b.Path)
	if b.Path == "" {
		opts = opts.WithInMemory(true)
	} else {
		log.I.Ln("opening badger event store at", b.Path)
		opts.Compression = options.ZSTD
		opts.BlockCacheSize = b.BlockCacheSize
		opts.CompactL0OnClose = true
	}
	opts.Logger = slog.Badger{Log: log}
	if b.DB, err = badger.Open(opts); chk.E(err) {
		return
	}
	if b.seq, err = b.DB.GetSequence([]byte("events"), 1000); chk.E(err) {
		return
	}
	if err = b.runMigrations(); chk.E(err) {
		return log.E.Err("error running migrations: %w; %s", err, b.Path)
	}
	var c context.Context
	c, b.cancel = context.WithCancel(context.Background())
	if b.Path != "" && b.GCInterval > 0 {
		b.wg.Add(1)
		go b.gcLoop(c)
	}
	return
}

func (b *Backend) Close() {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
	if b.seq != nil {
		chk.E(b.seq.Release())
	}
	if b.DB != nil {
		chk.E(b.DB.Close())
	}
}

func (b *Backend) serial() (ser []byte, err error) {
	var s uint64
	if s, err = b.seq.Next(); chk.E(err) {
		return
	}
	return be64(s), nil
}

// update runs fn in a read-write transaction, retrying on conflicts with
// concurrent writers.
func (b *Backend) update(fn func(txn *badger.Txn) error) (err error) {
	for i := 0; i < retries; i++ {
		if err = b.DB.Update(fn); !errors.Is(err, badger.ErrConflict) {
			return
		}
		log.T.Ln("transaction conflict, retrying")
	}
	return
}

func (b *Backend) gcLoop(c context.Context) {
	defer b.wg.Done()
	tick := time.NewTicker(b.GCInterval)
	defer tick.Stop()
	for {
		select {
		case <-c.Done():
			return
		case <-tick.C:
			b.collectGarbage()
		}
	}
}

func (b *Backend) collectGarbage() {
	if b.Path == "" {
		return
	}
	for {
		if err := b.DB.RunValueLogGC(0.5); err != nil {
			if !errors.Is(err, badger.ErrNoRewrite) {
				log.D.Ln("value log gc:", err)
			}
			return
		}
	}
}
