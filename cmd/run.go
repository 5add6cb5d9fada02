package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/offramp-labs/settlement-core/accounts"
	"github.com/offramp-labs/settlement-core/batch"
	"github.com/offramp-labs/settlement-core/chainadapter"
	"github.com/offramp-labs/settlement-core/config"
	"github.com/offramp-labs/settlement-core/db/pgstorage"
	"github.com/offramp-labs/settlement-core/events"
	"github.com/offramp-labs/settlement-core/fillerledger"
	"github.com/offramp-labs/settlement-core/log"
	"github.com/offramp-labs/settlement-core/matching"
	"github.com/offramp-labs/settlement-core/metrics"
	"github.com/offramp-labs/settlement-core/orders"
	"github.com/offramp-labs/settlement-core/proof"
	"github.com/offramp-labs/settlement-core/server"
	"github.com/urfave/cli/v2"
)

// stores bundles the five persistence interfaces the components consume,
// satisfied either by the in-memory implementations or by db/pgstorage.
type stores struct {
	orders   orders.Store
	accounts accounts.Store
	ledger   fillerledger.Store
	batches  batch.Store
	events   chainadapter.EventStore

	nextOnChainID uint64
}

func start(cliCtx *cli.Context) error {
	c, err := config.Load(cliCtx.String(flagCfg))
	if err != nil {
		return err
	}
	log.Init(c.Log)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := newStores(ctx, c)
	if err != nil {
		log.Error(err)
		return err
	}

	publisher, err := newPublisher(c)
	if err != nil {
		log.Error(err)
		return err
	}
	defer publisher.Close()

	prover := newProver(c)

	matcher := matching.NewEngine(st.orders, st.ledger, publisher, matching.Config{
		DiscoveryInterval: c.Matching.DiscoveryInterval.Duration,
		LockTimeout:       c.Matching.LockTimeout.Duration,
	})
	builder := batch.NewBuilder(st.batches, st.orders, st.accounts, st.ledger, prover, publisher,
		batch.Config{MaxOrdersPerBatch: c.Batch.MaxOrdersPerBatch}, st.nextOnChainID)

	go matcher.Run(ctx)
	go metrics.Run(ctx, metrics.Server(c.Metrics.Addr))

	if c.Chain.RPCURL != "" {
		client, err := ethclient.DialContext(ctx, c.Chain.RPCURL)
		if err != nil {
			log.Error(err)
			return err
		}
		watcher := chainadapter.NewWatcher(client, c.Chain.BridgeAddress, st.orders, st.accounts, st.events,
			publisher, c.Matching.DiscoveryInterval.Duration, 0)
		go watcher.Run(ctx)

		if c.Chain.OperatorKeyPath != "" {
			sender, err := chainadapter.NewEthTxSender(ctx, c.Chain.RPCURL, c.Chain.VerifierAddress,
				c.Chain.OperatorKeyPath, c.Chain.OperatorKeyPassword, c.Chain.Confirmations)
			if err != nil {
				log.Error(err)
				return err
			}
			submitter := chainadapter.NewSubmitter(st.batches, sender,
				c.Chain.SubmitPollInterval.Duration, c.Chain.SubmitMaxBackoff.Duration)
			go submitter.Run(ctx)
		} else {
			log.Warn("cmd: no operator key configured, chain submitter disabled")
		}
	} else {
		log.Warn("cmd: no chain RPC configured, chain adapter disabled")
	}

	handlers := server.NewHandlers(st.orders, st.accounts, st.ledger, matcher, builder)
	srv := &http.Server{Addr: c.Server.HTTPAddr, Handler: server.New(handlers)}
	log.Infof("cmd: settlement core serving on %s", c.Server.HTTPAddr)
	server.Run(ctx, srv)
	return nil
}

func newStores(ctx context.Context, c *config.Config) (*stores, error) {
	if c.Database.URL == "" {
		log.Warn("cmd: no database configured, using in-memory stores")
		return &stores{
			orders:        orders.NewMemory(),
			accounts:      accounts.NewMemory(),
			ledger:        fillerledger.NewMemory(),
			batches:       batch.NewMemory(),
			events:        chainadapter.NewMemoryEventStore(),
			nextOnChainID: 1,
		}, nil
	}

	if err := pgstorage.RunMigrations(c.Database.URL); err != nil {
		return nil, err
	}
	pool, err := pgstorage.Connect(ctx, c.Database.URL)
	if err != nil {
		return nil, err
	}
	batchStore := pgstorage.NewBatch(pool)
	nextID, err := batchStore.NextOnChainOrderID(ctx)
	if err != nil {
		return nil, err
	}
	return &stores{
		orders:        pgstorage.NewOrders(pool),
		accounts:      pgstorage.NewAccounts(pool),
		ledger:        pgstorage.NewFillerLedger(pool),
		batches:       batchStore,
		events:        pgstorage.NewEvents(pool),
		nextOnChainID: nextID,
	}, nil
}

func newPublisher(c *config.Config) (events.Publisher, error) {
	if c.Events.NATSURL == "" {
		return events.NoOp{}, nil
	}
	return events.NewNATSPublisher(c.Events.NATSURL)
}

func newProver(c *config.Config) proof.Prover {
	if c.Prover.Mode == "external" && c.Prover.Endpoint != "" {
		return proof.NewExternal(c.Prover.Endpoint)
	}
	return proof.MVP{}
}

func migrateCmd(cliCtx *cli.Context) error {
	c, err := config.Load(cliCtx.String(flagCfg))
	if err != nil {
		return err
	}
	log.Init(c.Log)
	return pgstorage.RunMigrations(c.Database.URL)
}
