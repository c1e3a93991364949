package app

import (
	"context"

	"github.com/Hubmakerlabs/federatr/pkg/eventstore/badger"
	"github.com/Hubmakerlabs/federatr/pkg/eventstore/cache"
	"github.com/Hubmakerlabs/federatr/pkg/eventstore/composite"
	"github.com/Hubmakerlabs/federatr/pkg/eventstore/federated"
	"github.com/Hubmakerlabs/federatr/pkg/lnurl"
	"github.com/Hubmakerlabs/federatr/pkg/registry"
	"github.com/Hubmakerlabs/federatr/pkg/relay"
	"github.com/Hubmakerlabs/federatr/pkg/reqmeister"
	"github.com/Hubmakerlabs/federatr/pkg/signer"
	"github.com/Hubmakerlabs/federatr/pkg/thread"
	"github.com/Hubmakerlabs/federatr/pkg/verifier"
)

// Node holds the process-wide services, built once and handed to every
// component that needs them.
type Node struct {
	Config    *Config
	Admin     *signer.Key
	DB        *badger.Backend
	Cache     *cache.T
	Federated *federated.Store
	Store     *composite.T
	Registry  *registry.Registry
	Wants     *reqmeister.T
	Pipeline  *Pipeline
	Threads   *thread.Resolver
	Relay     *relay.Relay

	cancel context.CancelFunc
}

// NewNode opens the database at dbPath ("" for memory) and wires the stores,
// registry and pipeline together. A nil pool connects to peers over the
// network.
func NewNode(c context.Context, cfg *Config, dbPath string,
	pool federated.Pool) (n *Node, err error) {

	n = &Node{Config: cfg}
	if cfg.SecKey == "" {
		n.Admin = signer.Generate()
		cfg.SecKey = n.Admin.Secret()
		log.W.Ln("no admin key configured, generated", n.Admin.PublicKey())
	} else if n.Admin, err = signer.New(cfg.SecKey); chk.E(err) {
		return
	}
	n.DB = badger.New(dbPath, n.Admin.PublicKey())
	if err = n.DB.Init(); chk.E(err) {
		return
	}
	c, n.cancel = context.WithCancel(c)
	if pool == nil {
		pool = federated.NewSimplePool(c)
	}
	n.Cache = cache.New(cfg.CacheSize)
	n.Cache.Locality = n.DB
	n.Federated = federated.New(pool, cfg.Peers...)
	n.Store = composite.New(n.Cache, n.DB, n.Federated)
	n.Registry = registry.New(n.DB)
	n.Wants = reqmeister.New(n.Federated, cfg.Peers...)
	var ln *lnurl.Client
	if ln, err = lnurl.NewClient(); chk.E(err) {
		n.Close()
		return nil, err
	}
	n.Pipeline = &Pipeline{
		Admin:           n.Admin,
		RelayURL:        cfg.URL,
		Verifier:        verifier.New(cfg.VerifyWorkers),
		Cache:           n.Cache,
		DB:              n.DB,
		Store:           n.Store,
		Federated:       n.Federated,
		Reqmeister:      n.Wants,
		Registry:        n.Registry,
		LNURL:           ln,
		FreshWindow:     cfg.FreshWindow,
		ResubmitTimeout: DefaultResubmitTimeout,
		MaxDepth:        DefaultMaxDepth,
	}
	n.Federated.Submitter = n.Pipeline
	n.Threads = thread.New(n.Store)
	go n.Wants.Run(c)
	return
}

func (n *Node) Close() {
	if n.cancel != nil {
		n.cancel()
	}
	if n.DB != nil && n.DB.DB != nil {
		n.DB.Close()
	}
}
