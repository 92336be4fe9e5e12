package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/veilpool/veil-core/internal/applier"
	"github.com/veilpool/veil-core/internal/blobstore"
	"github.com/veilpool/veil-core/internal/chain"
	"github.com/veilpool/veil-core/internal/commitment"
	commitmentpg "github.com/veilpool/veil-core/internal/commitment/postgres"
	"github.com/veilpool/veil-core/internal/config"
	"github.com/veilpool/veil-core/internal/cursor"
	cursorpg "github.com/veilpool/veil-core/internal/cursor/postgres"
	"github.com/veilpool/veil-core/internal/deposit"
	depositpg "github.com/veilpool/veil-core/internal/deposit/postgres"
	"github.com/veilpool/veil-core/internal/eth"
	"github.com/veilpool/veil-core/internal/importer"
	"github.com/veilpool/veil-core/internal/keyvault"
	"github.com/veilpool/veil-core/internal/leases"
	leasespg "github.com/veilpool/veil-core/internal/leases/postgres"
	"github.com/veilpool/veil-core/internal/merkle"
	"github.com/veilpool/veil-core/internal/metrics"
	"github.com/veilpool/veil-core/internal/notify"
	"github.com/veilpool/veil-core/internal/protocol"
	"github.com/veilpool/veil-core/internal/queue"
	"github.com/veilpool/veil-core/internal/scanner"
	"github.com/veilpool/veil-core/internal/secrets"
	"github.com/veilpool/veil-core/internal/syncer"
)

type commitmentStore interface {
	commitment.Store
	commitment.NullifierStore
}

func main() {
	var (
		configPath  = flag.String("config", "", "path to the YAML chain config (required)")
		postgresDSN = flag.String("postgres-dsn", "", "Postgres DSN; empty keeps all state in memory (dev only)")
		owner       = flag.String("owner", "", "unique instance id used for leader election and status messages (default: hostname)")

		leaderElection = flag.Bool("leader-election", true, "elect a single importing instance through a Postgres lease")

		vaultPath        = flag.String("vault", "", "path to the account vault (required)")
		vaultPasswordRef = flag.String("vault-password", "env:VEIL_WALLET_PASSWORD", "secret reference (env:, file:, aws:) holding the vault password")
		sequencerToken   = flag.String("sequencer-token", "", "optional secret reference holding the sequencer bearer token")

		notifier     = flag.String("notifier", "none", "status notifier: none|kafka|nats")
		notifyTopic  = flag.String("notify-topic", "veil.sync.status.v1", "kafka topic or nats subject for sync statuses")
		kafkaBrokers = flag.String("kafka-brokers", "", "comma-separated kafka brokers")
		kafkaTLS     = flag.Bool("kafka-tls", false, "use TLS for kafka")
		natsURL      = flag.String("nats-url", "", "nats server url")

		blobDriver = flag.String("blob-driver", blobstore.DriverS3, "blob store driver for packer objects and merkle snapshots: s3|memory")
		blobBucket = flag.String("blob-bucket", "", "S3 bucket; empty disables the blob store")
		blobPrefix = flag.String("blob-prefix", "", "key prefix inside the bucket")
		awsRegion  = flag.String("aws-region", "", "AWS region for S3")
		s3Endpoint = flag.String("s3-endpoint", "", "optional S3-compatible endpoint")

		publishPrefix = flag.String("publish-packed-prefix", "", "when set, applied rpc/indexer/sequencer ranges are republished as packer objects under this blob prefix")

		metricsAddr = flag.String("metrics-addr", ":9464", "listen address for /metrics; empty disables it")
		once        = flag.Bool("once", false, "run a single pass and exit")
		resetChain  = flag.Uint64("reset-chain", 0, "delete the chain's mirrored commitments, rewind its cursors and exit")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *configPath == "" || *vaultPath == "" {
		fmt.Fprintln(os.Stderr, "error: --config and --vault are required")
		os.Exit(2)
	}
	if *leaderElection && *postgresDSN == "" {
		fmt.Fprintln(os.Stderr, "error: --leader-election needs --postgres-dsn")
		os.Exit(2)
	}
	if *owner == "" {
		h, err := os.Hostname()
		if err != nil || h == "" {
			fmt.Fprintln(os.Stderr, "error: --owner is required when the hostname is unavailable")
			os.Exit(2)
		}
		*owner = h
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("load config", "err", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sec := secrets.NewResolver()
	password, err := sec.Get(ctx, *vaultPasswordRef)
	if err != nil {
		log.Error("resolve vault password", "err", err)
		os.Exit(2)
	}
	var seqToken string
	if *sequencerToken != "" {
		if seqToken, err = sec.Get(ctx, *sequencerToken); err != nil {
			log.Error("resolve sequencer token", "err", err)
			os.Exit(2)
		}
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server", "err", err)
			}
		}()
		defer srv.Close()
	}

	var (
		commitments commitmentStore
		deposits    deposit.Store
		cursors     cursor.Store
		leaseStore  leases.Store
	)
	if *postgresDSN == "" {
		log.Warn("no --postgres-dsn; state is kept in memory")
		commitments = commitment.NewMemoryStore()
		deposits = deposit.NewMemoryStore()
		cursors = cursor.NewMemoryStore()
	} else {
		pool, err := pgxpool.New(ctx, *postgresDSN)
		if err != nil {
			log.Error("init pgx pool", "err", err)
			os.Exit(2)
		}
		defer pool.Close()

		cs, err := commitmentpg.New(pool)
		if err == nil {
			err = cs.EnsureSchema(ctx)
		}
		if err != nil {
			log.Error("init commitment store", "err", err)
			os.Exit(2)
		}
		ds, err := depositpg.New(pool)
		if err == nil {
			err = ds.EnsureSchema(ctx)
		}
		if err != nil {
			log.Error("init deposit store", "err", err)
			os.Exit(2)
		}
		cur, err := cursorpg.New(pool)
		if err == nil {
			err = cur.EnsureSchema(ctx)
		}
		if err != nil {
			log.Error("init cursor store", "err", err)
			os.Exit(2)
		}
		ls, err := leasespg.New(pool)
		if err == nil {
			err = ls.EnsureSchema(ctx)
		}
		if err != nil {
			log.Error("init lease store", "err", err)
			os.Exit(2)
		}
		commitments, deposits, cursors, leaseStore = cs, ds, cur, ls
	}

	var blobs blobstore.Store
	if *blobBucket != "" || *blobDriver == blobstore.DriverMemory {
		bc := blobstore.Config{Driver: *blobDriver, Prefix: *blobPrefix, Bucket: *blobBucket}
		if *blobDriver == blobstore.DriverS3 {
			if bc.S3Client, err = blobstore.NewS3Client(ctx, *awsRegion, *s3Endpoint); err != nil {
				log.Error("init s3 client", "err", err)
				os.Exit(2)
			}
		}
		if blobs, err = blobstore.New(bc); err != nil {
			log.Error("init blob store", "err", err)
			os.Exit(2)
		}
	}

	providers := make([]chain.Provider, 0, len(cfg.Chains))
	for _, ch := range cfg.Chains {
		p, closeFn, err := chain.Dial(ctx, ch, nil, eth.SenderConfig{})
		if err != nil {
			log.Error("dial chain", "chain_id", ch.ChainID, "err", err)
			os.Exit(2)
		}
		defer closeFn()
		providers = append(providers, p)
	}
	registry := chain.NewRegistry(providers...)

	vault, err := keyvault.Open(keyvault.Options{Path: *vaultPath})
	if err != nil {
		log.Error("open vault", "err", err)
		os.Exit(2)
	}
	crypto := protocol.NewKeccak()
	sc, err := scanner.New(scanner.Config{
		Commitments: commitments,
		Crypto:      crypto,
		Accounts:    keyvault.Unlocked{Vault: vault, Password: password},
		Concurrency: cfg.Sync.ScanConcurrency,
		Metrics:     m,
		Log:         log,
	})
	if err != nil {
		log.Error("init scanner", "err", err)
		os.Exit(2)
	}
	ap, err := applier.New(applier.Config{Config: cfg, Commitments: commitments, Deposits: deposits, Scanner: sc, Metrics: m, Log: log})
	if err != nil {
		log.Error("init applier", "err", err)
		os.Exit(2)
	}
	trees, err := merkle.NewService(merkle.ServiceConfig{Config: cfg, Providers: registry, Commitments: commitments, Snapshots: blobs, Log: log})
	if err != nil {
		log.Error("init merkle service", "err", err)
		os.Exit(2)
	}

	importers := make(map[uint64]syncer.ChainImporter, len(cfg.Chains))
	for i, ch := range cfg.Chains {
		src, catchUp, err := importer.NewSources(ch, providers[i], importer.SourceOptions{Blobs: blobs, SequencerToken: seqToken})
		if err != nil {
			log.Error("init event source", "chain_id", ch.ChainID, "err", err)
			os.Exit(2)
		}
		imp, err := importer.New(importer.Config{
			Chain:   ch,
			Head:    providers[i],
			Source:  src,
			CatchUp: catchUp,
			Cursors: cursors,
			Metrics: m,
			Log:     log,
		})
		if err != nil {
			log.Error("init importer", "chain_id", ch.ChainID, "err", err)
			os.Exit(2)
		}
		importers[ch.ChainID] = imp
	}

	var elector *leases.Elector
	if *leaderElection {
		if elector, err = leases.NewElector(leaseStore, cfg.Sync.LeaseName, *owner, cfg.Sync.LeaseTTL); err != nil {
			log.Error("init leader elector", "err", err)
			os.Exit(2)
		}
	}

	var nf notify.Notifier
	switch strings.ToLower(*notifier) {
	case "", "none":
	case "kafka":
		brokers := queue.SplitCommaList(*kafkaBrokers)
		producer, err := queue.NewProducer(queue.ProducerConfig{Driver: queue.DriverKafka, Brokers: brokers, TLS: *kafkaTLS})
		if err != nil {
			log.Error("init kafka producer", "err", err)
			os.Exit(2)
		}
		defer producer.Close()
		nf, err = notify.NewQueue(notify.QueueConfig{
			Topic:    *notifyTopic,
			Producer: producer,
			// One group per instance: every follower needs every status.
			Consumer: queue.ConsumerConfig{Driver: queue.DriverKafka, Brokers: brokers, TLS: *kafkaTLS, Group: "veil-sync-" + *owner},
			Log:      log,
		})
		if err != nil {
			log.Error("init kafka notifier", "err", err)
			os.Exit(2)
		}
	case "nats":
		conn, err := notify.DialNATS(*natsURL, 10*time.Second, log)
		if err != nil {
			log.Error("dial nats", "err", err)
			os.Exit(2)
		}
		defer conn.Close()
		if nf, err = notify.NewNATS(conn, *notifyTopic, log); err != nil {
			log.Error("init nats notifier", "err", err)
			os.Exit(2)
		}
	default:
		fmt.Fprintf(os.Stderr, "error: unknown --notifier %q\n", *notifier)
		os.Exit(2)
	}

	resetter, err := syncer.NewResetter(commitments, cursors, trees, log)
	if err != nil {
		log.Error("init resetter", "err", err)
		os.Exit(2)
	}
	var batches syncer.Applier = ap
	if *publishPrefix != "" {
		if blobs == nil {
			fmt.Fprintln(os.Stderr, "error: --publish-packed-prefix needs a blob store")
			os.Exit(2)
		}
		batches = &importer.Publisher{Next: ap, Store: blobs, Prefix: *publishPrefix}
	}
	var snapshots syncer.Snapshotter
	if blobs != nil && cfg.Merkle.Rehydration == config.RehydrateRemote {
		snapshots = trees
	}
	sched, err := syncer.New(syncer.Config{
		Config:    cfg,
		Importers: importers,
		Applier:   batches,
		Reset:     resetter,
		Snapshots: snapshots,
		Elector:   elector,
		Notifier:  nf,
		Owner:     *owner,
		Metrics:   m,
		Log:       log,
	})
	if err != nil {
		log.Error("init scheduler", "err", err)
		os.Exit(2)
	}
	sched.AddListener(func(ev syncer.Event) {
		log.Warn("chain sync failed", "chain_id", ev.ChainID, "err", ev.Err, "owner", ev.Owner, "mirrored", ev.Mirrored)
	}, syncer.EventChainFailed)

	switch {
	case *resetChain != 0:
		if err := sched.ResetChain(ctx, *resetChain); err != nil {
			log.Error("reset chain", "chain_id", *resetChain, "err", err)
			os.Exit(1)
		}
		log.Info("chain reset", "chain_id", *resetChain)
		return
	case *once:
		if err := sched.SyncOnce(ctx); err != nil {
			log.Error("sync pass", "err", err)
			os.Exit(1)
		}
		return
	}

	log.Info("veil-sync started",
		"owner", *owner,
		"chains", len(cfg.Chains),
		"interval", cfg.Sync.Interval.String(),
		"leaderElection", *leaderElection,
		"notifier", *notifier,
	)
	if err := sched.Run(ctx); err != nil {
		log.Error("scheduler", "err", err)
		os.Exit(1)
	}
	log.Info("shutdown", "reason", ctx.Err())
}
