package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/veilpool/veil-core/internal/chain"
	commitmentpg "github.com/veilpool/veil-core/internal/commitment/postgres"
	"github.com/veilpool/veil-core/internal/config"
	depositpg "github.com/veilpool/veil-core/internal/deposit/postgres"
	"github.com/veilpool/veil-core/internal/depositexec"
	"github.com/veilpool/veil-core/internal/engine"
	"github.com/veilpool/veil-core/internal/eth"
	"github.com/veilpool/veil-core/internal/keyvault"
	"github.com/veilpool/veil-core/internal/merkle"
	"github.com/veilpool/veil-core/internal/metrics"
	"github.com/veilpool/veil-core/internal/protocol"
	"github.com/veilpool/veil-core/internal/prover"
	"github.com/veilpool/veil-core/internal/queue"
	"github.com/veilpool/veil-core/internal/relayerclient"
	"github.com/veilpool/veil-core/internal/secrets"
	"github.com/veilpool/veil-core/internal/transaction"
	transactionpg "github.com/veilpool/veil-core/internal/transaction/postgres"
	"github.com/veilpool/veil-core/internal/txexec"
)

func main() {
	var (
		action      = flag.String("action", "", "deposit|transfer|withdraw|account-new|accounts (required)")
		quote       = flag.Bool("quote", false, "print the validated summary without sending")
		configPath  = flag.String("config", "", "path to the YAML chain config (required)")
		postgresDSN = flag.String("postgres-dsn", "", "Postgres DSN shared with veil-sync (required for deposit|transfer|withdraw)")

		vaultPath        = flag.String("vault", "", "path to the account vault (required)")
		vaultPasswordRef = flag.String("vault-password", "env:VEIL_WALLET_PASSWORD", "secret reference (env:, file:, aws:) holding the vault password")
		accountName      = flag.String("account-name", "", "name for account-new")
		signerKeyRef     = flag.String("signer-key", "", "secret reference holding the hex EVM private key that sends transactions")

		chainID     = flag.Uint64("chain-id", 0, "pool chain id (deposit: source chain)")
		dstChainID  = flag.Uint64("dst-chain-id", 0, "destination chain id for deposits (default: --chain-id)")
		asset       = flag.String("asset", "", "asset symbol")
		bridge      = flag.String("bridge", string(config.BridgeLoop), "bridge type")
		from        = flag.String("from", "", "sending shielded address (default: first vault account)")
		to          = flag.String("to", "", "shielded recipient (deposit|transfer) or 0x address (withdraw)")
		amount      = flag.String("amount", "", "decimal amount in asset units")
		rollupFee   = flag.String("rollup-fee", "", "rollup fee; empty uses the pool minimum")
		bridgeFee   = flag.String("bridge-fee", "", "bridge fee for cross-chain deposits")
		executorFee = flag.String("executor-fee", "", "executor fee for cross-chain deposits")

		relayerURL      = flag.String("relayer-url", "", "gas relayer base URL; set to submit through the relayer")
		relayerTokenRef = flag.String("relayer-token", "", "optional secret reference holding the relayer bearer token")
		relayerFee      = flag.String("relayer-fee", "", "relayer fee in asset units")
		relayerAddress  = flag.String("relayer-address", "", "relayer fee recipient")

		proverDriver       = flag.String("prover", "local", "proof backend: local|kafka")
		kafkaBrokers       = flag.String("kafka-brokers", "", "comma-separated kafka brokers")
		kafkaTLS           = flag.Bool("kafka-tls", false, "use TLS for kafka")
		proofRequestTopic  = flag.String("proof-request-topic", "veil.proof.requests.v1", "proof request topic")
		proofResultTopics  = flag.String("proof-result-topics", "veil.proof.fulfillments.v1,veil.proof.failures.v1", "comma-separated fulfillment and failure topics")
		proofConsumerGroup = flag.String("proof-consumer-group", "", "kafka consumer group for proof results (default: veil-send-<pid>)")
		proofAckTimeout    = flag.Duration("proof-ack-timeout", 5*time.Second, "timeout for acking proof result messages")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *vaultPath == "" {
		fmt.Fprintln(os.Stderr, "error: --vault is required")
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
	vault, err := keyvault.Open(keyvault.Options{Path: *vaultPath})
	if err != nil {
		log.Error("open vault", "err", err)
		os.Exit(2)
	}

	switch *action {
	case "account-new":
		if *accountName == "" {
			fmt.Fprintln(os.Stderr, "error: --account-name is required")
			os.Exit(2)
		}
		keys, seed, err := protocol.GenerateAccountKeys()
		if err != nil {
			log.Error("generate account", "err", err)
			os.Exit(1)
		}
		keys.Zero()
		addr, err := vault.Add(ctx, *accountName, password, seed)
		for i := range seed {
			seed[i] = 0
		}
		if err != nil {
			log.Error("add account", "err", err)
			os.Exit(1)
		}
		printJSON(map[string]string{"name": *accountName, "address": addr.String()})
		return
	case "accounts":
		out := make([]map[string]string, 0)
		for _, a := range vault.Accounts() {
			out = append(out, map[string]string{"name": a.Name, "address": a.Address.String()})
		}
		printJSON(out)
		return
	case "deposit", "transfer", "withdraw":
	default:
		fmt.Fprintln(os.Stderr, "error: --action must be one of deposit|transfer|withdraw|account-new|accounts")
		os.Exit(2)
	}

	if *configPath == "" || *postgresDSN == "" || *chainID == 0 || *asset == "" || *amount == "" {
		fmt.Fprintln(os.Stderr, "error: --config, --postgres-dsn, --chain-id, --asset and --amount are required")
		os.Exit(2)
	}
	useRelayer := *relayerURL != "" && *action != "deposit"
	if !useRelayer && *signerKeyRef == "" && !*quote {
		fmt.Fprintln(os.Stderr, "error: --signer-key is required unless the transaction goes through --relayer-url")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("load config", "err", err)
		os.Exit(2)
	}

	var signer eth.Signer
	if *signerKeyRef != "" {
		raw, err := sec.Get(ctx, *signerKeyRef)
		if err != nil {
			log.Error("resolve signer key", "err", err)
			os.Exit(2)
		}
		key, err := eth.ParsePrivateKeyHex(strings.TrimSpace(raw))
		if err != nil {
			log.Error("parse signer key", "err", err)
			os.Exit(2)
		}
		signer = eth.NewLocalSigner(key)
	}

	pool, err := pgxpool.New(ctx, *postgresDSN)
	if err != nil {
		log.Error("init pgx pool", "err", err)
		os.Exit(2)
	}
	defer pool.Close()

	commitments, err := commitmentpg.New(pool)
	if err == nil {
		err = commitments.EnsureSchema(ctx)
	}
	if err != nil {
		log.Error("init commitment store", "err", err)
		os.Exit(2)
	}
	deposits, err := depositpg.New(pool)
	if err == nil {
		err = deposits.EnsureSchema(ctx)
	}
	if err != nil {
		log.Error("init deposit store", "err", err)
		os.Exit(2)
	}
	transactions, err := transactionpg.New(pool)
	if err == nil {
		err = transactions.EnsureSchema(ctx)
	}
	if err != nil {
		log.Error("init transaction store", "err", err)
		os.Exit(2)
	}

	providers := make([]chain.Provider, 0, len(cfg.Chains))
	for _, ch := range cfg.Chains {
		p, closeFn, err := chain.Dial(ctx, ch, signer, eth.SenderConfig{})
		if err != nil {
			log.Error("dial chain", "chain_id", ch.ChainID, "err", err)
			os.Exit(2)
		}
		defer closeFn()
		providers = append(providers, p)
	}
	registry := chain.NewRegistry(providers...)

	var proofs protocol.Prover = &prover.Local{}
	switch strings.ToLower(*proverDriver) {
	case "", "local":
	case "kafka":
		brokers := queue.SplitCommaList(*kafkaBrokers)
		producer, err := queue.NewProducer(queue.ProducerConfig{Driver: queue.DriverKafka, Brokers: brokers, TLS: *kafkaTLS})
		if err != nil {
			log.Error("init kafka producer", "err", err)
			os.Exit(2)
		}
		defer producer.Close()
		group := *proofConsumerGroup
		if group == "" {
			group = fmt.Sprintf("veil-send-%d", os.Getpid())
		}
		consumer, err := queue.NewConsumer(ctx, queue.ConsumerConfig{
			Driver:  queue.DriverKafka,
			Brokers: brokers,
			Group:   group,
			TLS:     *kafkaTLS,
			Topics:  queue.SplitCommaList(*proofResultTopics),
		})
		if err != nil {
			log.Error("init kafka consumer", "err", err)
			os.Exit(2)
		}
		defer consumer.Close()
		if proofs, err = prover.NewQueueProver(prover.QueueConfig{
			RequestTopic: *proofRequestTopic,
			Producer:     producer,
			Consumer:     consumer,
			AckTimeout:   *proofAckTimeout,
			Log:          log,
		}); err != nil {
			log.Error("init queue prover", "err", err)
			os.Exit(2)
		}
	default:
		fmt.Fprintf(os.Stderr, "error: unknown --prover %q\n", *proverDriver)
		os.Exit(2)
	}

	var relayer txexec.Relayer
	if useRelayer {
		var token string
		if *relayerTokenRef != "" {
			if token, err = sec.Get(ctx, *relayerTokenRef); err != nil {
				log.Error("resolve relayer token", "err", err)
				os.Exit(2)
			}
		}
		rc, err := relayerclient.NewClient(*relayerURL, token)
		if err != nil {
			log.Error("init relayer client", "err", err)
			os.Exit(2)
		}
		relayer = rc
	}

	m := metrics.New(prometheus.NewRegistry())
	crypto := protocol.NewKeccak()
	accounts := keyvault.Unlocked{Vault: vault, Password: password}
	trees, err := merkle.NewService(merkle.ServiceConfig{Config: cfg, Providers: registry, Commitments: commitments, Log: log})
	if err != nil {
		log.Error("init merkle service", "err", err)
		os.Exit(2)
	}
	dx, err := depositexec.New(depositexec.Config{
		Config:      cfg,
		Providers:   registry,
		Deposits:    deposits,
		Commitments: commitments,
		Crypto:      crypto,
		Metrics:     m,
		Log:         log,
	})
	if err != nil {
		log.Error("init deposit engine", "err", err)
		os.Exit(2)
	}
	tx, err := txexec.New(txexec.Config{
		Config:       cfg,
		Providers:    registry,
		Commitments:  commitments,
		Transactions: transactions,
		Merkle:       trees,
		Crypto:       crypto,
		Prover:       proofs,
		Accounts:     accounts,
		Relayer:      relayer,
		Metrics:      m,
		Log:          log,
	})
	if err != nil {
		log.Error("init transaction engine", "err", err)
		os.Exit(2)
	}
	eng, err := engine.New(cfg, map[config.ProtocolVersion]engine.Executors{
		config.ProtocolV2: {Deposits: dx, Transactions: tx},
	})
	if err != nil {
		log.Error("init engine", "err", err)
		os.Exit(2)
	}

	if *action == "deposit" {
		recipient, err := shieldedOrDefault(*to, vault)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: --to: %v\n", err)
			os.Exit(2)
		}
		dst := *dstChainID
		if dst == 0 {
			dst = *chainID
		}
		opts := depositexec.Options{
			SrcChainID:  *chainID,
			DstChainID:  dst,
			AssetSymbol: *asset,
			BridgeType:  config.BridgeType(*bridge),
			Amount:      *amount,
			RollupFee:   *rollupFee,
			BridgeFee:   *bridgeFee,
			ExecutorFee: *executorFee,
			Recipient:   recipient,
		}
		if *quote {
			s, err := eng.DepositSummary(ctx, opts)
			if err != nil {
				log.Error("deposit summary", "err", err)
				os.Exit(1)
			}
			printJSON(s)
			return
		}
		d, err := eng.Deposit(ctx, opts)
		if err != nil {
			log.Error("deposit", "id", d.ID, "status", d.Status, "err", err)
			os.Exit(1)
		}
		log.Info("deposit queued", "id", d.ID, "src_tx", d.SrcTxHash, "commitment", d.CommitmentHash)
		printJSON(d)
		return
	}

	sender, err := shieldedOrDefault(*from, vault)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: --from: %v\n", err)
		os.Exit(2)
	}
	opts := txexec.Options{
		ChainID:     *chainID,
		AssetSymbol: *asset,
		BridgeType:  config.BridgeType(*bridge),
		Sender:      sender,
		Amount:      *amount,
		RollupFee:   *rollupFee,
		UseRelayer:  useRelayer,
		RelayerFee:  *relayerFee,
	}
	if useRelayer {
		if !common.IsHexAddress(*relayerAddress) {
			fmt.Fprintln(os.Stderr, "error: --relayer-address must be a 0x address when using --relayer-url")
			os.Exit(2)
		}
		opts.RelayerAddress = common.HexToAddress(*relayerAddress)
	}
	switch *action {
	case "transfer":
		opts.Type = transaction.TypeTransfer
		if opts.Recipient, err = protocol.ParseShieldedAddress(*to); err != nil {
			fmt.Fprintf(os.Stderr, "error: --to: %v\n", err)
			os.Exit(2)
		}
	case "withdraw":
		opts.Type = transaction.TypeWithdraw
		if !common.IsHexAddress(*to) {
			fmt.Fprintln(os.Stderr, "error: --to must be a 0x address for withdraw")
			os.Exit(2)
		}
		opts.PublicRecipient = common.HexToAddress(*to)
	}
	if *quote {
		s, err := eng.TransactionSummary(ctx, opts)
		if err != nil {
			log.Error("transaction summary", "err", err)
			os.Exit(1)
		}
		printJSON(s)
		return
	}
	t, err := eng.Transact(ctx, opts)
	if err != nil {
		log.Error(*action, "id", t.ID, "status", t.Status, "err", err)
		os.Exit(1)
	}
	log.Info(*action+" sent", "id", t.ID, "tx", t.TxHash, "relayer_job", t.RelayerJobID)
	printJSON(t)
}

func shieldedOrDefault(s string, vault *keyvault.Vault) (protocol.ShieldedAddress, error) {
	if s != "" {
		return protocol.ParseShieldedAddress(s)
	}
	infos := vault.Accounts()
	if len(infos) == 0 {
		return protocol.ShieldedAddress{}, fmt.Errorf("vault has no accounts")
	}
	return infos[0].Address, nil
}

func printJSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: encode output: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(out))
}
