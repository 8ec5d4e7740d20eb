package main

import (
	"context"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	nethttp "net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/layer-3/escrowd/adapters/events"
	"github.com/layer-3/escrowd/adapters/ledger"
	"github.com/layer-3/escrowd/adapters/signature"
	"github.com/layer-3/escrowd/adapters/signer"
	"github.com/layer-3/escrowd/adapters/store"
	"github.com/layer-3/escrowd/adapters/tokenizer"
	"github.com/layer-3/escrowd/core"
	"github.com/layer-3/escrowd/internal/config"
	"github.com/layer-3/escrowd/ports"
	"github.com/layer-3/escrowd/service"
	"github.com/layer-3/escrowd/transport/http"
	"github.com/redis/go-redis/v9"
)

// backends holds the optional infrastructure and its health checks
type backends struct {
	challenges ports.ChallengeStore
	identities ports.IdentityStore
	escrows    ports.EscrowStore
	requests   ports.PaymentRequestStore
	records    ports.PaymentRecordStore
	publisher  message.Publisher
	ledger     ports.Ledger
	custody    string

	health  map[string]func(context.Context) error
	closers []func()
}

func (b *backends) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("escrowd stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	b := &backends{health: map[string]func(context.Context) error{}}
	defer b.close()

	if err := setupStorage(ctx, cfg, logger, b); err != nil {
		return err
	}
	if err := setupLedger(ctx, cfg, logger, b); err != nil {
		return err
	}

	receiptKey, err := receiptSigningKey(cfg.Auth.ReceiptSigningKey)
	if err != nil {
		return err
	}
	if cfg.Auth.ReceiptSigningKey == "" {
		logger.Warn("RECEIPT_SIGNING_KEY not set, receipts will not survive a restart")
	}

	opts := []service.Option{
		service.WithLogger(logger),
		service.WithLedgerTimeout(cfg.Ledger.Timeout),
	}
	parties := signature.NewRegistry()
	eventPub := events.NewWatermillPublisher(b.publisher)

	authService := service.NewAuthService(
		b.challenges,
		b.identities,
		parties,
		tokenizer.NewJWTTokenizer(receiptKey),
		eventPub,
		b.ledger,
		service.AuthConfig{
			Domain:               cfg.Auth.Domain,
			URI:                  cfg.Auth.URI,
			ChainID:              cfg.Auth.ChainID,
			Statement:            cfg.Auth.Statement,
			ChallengeTTL:         cfg.Auth.ChallengeTTL,
			MaxChallengeTTL:      cfg.Auth.MaxChallengeTTL,
			ReceiptTTL:           cfg.Auth.ReceiptTTL,
			RequireLedgerAccount: cfg.Auth.RequireLedgerAccount,
		},
		opts...,
	)
	escrowService := service.NewEscrowService(b.escrows, b.ledger, parties, eventPub,
		service.EscrowConfig{DefaultTTL: cfg.Escrow.DefaultTTL, Custody: b.custody}, opts...)
	paymentService := service.NewPaymentService(b.requests, b.records, b.ledger, parties, eventPub,
		service.PaymentConfig{
			BaseURL:    cfg.PublicBaseURL,
			RequestTTL: cfg.Payments.RequestTTL,
			Retention:  cfg.Payments.Retention,
		}, opts...)

	deps := http.Dependencies{
		Auth:           authService,
		Escrows:        escrowService,
		Payments:       paymentService,
		Logger:         logger,
		RequireReceipt: cfg.Auth.RequireReceipt,
		HealthChecks:   b.health,
	}
	if cfg.Paywall.Enabled() {
		deps.Paywall = &http.Paywall{
			Amount: core.Amount{Value: cfg.Paywall.Amount, AssetCode: cfg.Paywall.Asset, AssetIssuer: cfg.Paywall.Issuer},
			Payee:  cfg.Paywall.Payee,
			TTL:    cfg.Payments.RequestTTL,
		}
	}

	sweeper := service.NewSweeper(escrowService, authService, paymentService, cfg.SweepInterval, logger)
	go sweeper.Run(ctx)

	srv := &nethttp.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           http.SetupRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("escrowd listening", "addr", cfg.HTTPAddr, "domain", cfg.Auth.Domain)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// setupStorage picks Redis for the auth stores and Postgres for escrows and
// payments, falling back to memory for whichever is not configured
func setupStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger, b *backends) error {
	wmLogger := watermill.NewSlogLogger(logger)

	if cfg.Storage.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.Storage.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to parse Redis URL: %w", err)
		}
		client := redis.NewClient(opts)
		b.closers = append(b.closers, func() { _ = client.Close() })

		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}

		publisher, err := redisstream.NewPublisher(redisstream.PublisherConfig{Client: client}, wmLogger)
		if err != nil {
			return fmt.Errorf("failed to create Redis publisher: %w", err)
		}
		b.closers = append(b.closers, func() { _ = publisher.Close() })

		b.challenges = store.NewRedisChallengeStore(client)
		b.identities = store.NewRedisIdentityStore(client)
		b.publisher = publisher
		b.health["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
	} else {
		logger.Warn("REDIS_URL not set, challenges and identities are kept in memory")
		channel := gochannel.NewGoChannel(gochannel.Config{}, wmLogger)
		b.closers = append(b.closers, func() { _ = channel.Close() })

		b.challenges = store.NewMemoryChallengeStore()
		b.identities = store.NewMemoryIdentityStore()
		b.publisher = channel
	}

	if cfg.Storage.PostgresDSN != "" {
		db, err := store.NewPostgres(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return fmt.Errorf("failed to connect to Postgres: %w", err)
		}
		b.closers = append(b.closers, db.Close)

		b.escrows = store.NewPostgresEscrowStore(db)
		b.requests = store.NewPostgresPaymentRequestStore(db)
		b.records = store.NewPostgresPaymentRecordStore(db)
		b.health["postgres"] = db.Ping
	} else {
		logger.Warn("POSTGRES_DSN not set, escrows and payments are kept in memory")
		b.escrows = store.NewMemoryEscrowStore()
		b.requests = store.NewMemoryPaymentRequestStore()
		b.records = store.NewMemoryPaymentRecordStore()
	}
	return nil
}

// setupLedger connects to the chain when ETH_RPC_URL is set. The custody
// account is the address of the signing key.
func setupLedger(ctx context.Context, cfg *config.Config, logger *slog.Logger, b *backends) error {
	if cfg.Ledger.RPCURL == "" {
		logger.Warn("ETH_RPC_URL not set, using the in-memory ledger")
		b.ledger = ledger.NewMemoryLedger("")
		return nil
	}

	client, err := ethclient.DialContext(ctx, cfg.Ledger.RPCURL)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", cfg.Ledger.RPCURL, err)
	}
	b.closers = append(b.closers, client.Close)

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("failed to read chain id: %w", err)
	}

	wallet, err := signer.NewLocalFromHex(cfg.Ledger.CustodyPrivateKey, chainID)
	if err != nil {
		return err
	}

	tokens := make([]ledger.Token, 0, len(cfg.Ledger.Tokens))
	for _, t := range cfg.Ledger.Tokens {
		if !common.IsHexAddress(t.Address) {
			return fmt.Errorf("invalid token address %s for %s", t.Address, t.Code)
		}
		tokens = append(tokens, ledger.Token{Code: t.Code, Address: common.HexToAddress(t.Address), Decimals: t.Decimals})
	}

	evm, err := ledger.NewEVM(client, wallet, ledger.EVMConfig{
		NativeAsset: cfg.Ledger.NativeAsset,
		Tokens:      tokens,
	})
	if err != nil {
		return err
	}

	b.ledger = evm
	b.custody = wallet.Address()
	b.health["ledger"] = func(ctx context.Context) error {
		_, err := client.BlockNumber(ctx)
		return err
	}

	logger.Info("connected to ledger", "chainId", chainID, "custody", b.custody, "tokens", len(tokens))
	return nil
}

// receiptSigningKey parses a hex P-256 scalar or generates a fresh key
func receiptSigningKey(hexKey string) (*ecdsa.PrivateKey, error) {
	if hexKey == "" {
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	}

	raw, err := hex.DecodeString(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid RECEIPT_SIGNING_KEY: %w", err)
	}
	// range check the scalar
	if _, err := ecdh.P256().NewPrivateKey(raw); err != nil {
		return nil, fmt.Errorf("invalid RECEIPT_SIGNING_KEY: %w", err)
	}

	curve := elliptic.P256()
	key := &ecdsa.PrivateKey{D: new(big.Int).SetBytes(raw)}
	key.PublicKey.Curve = curve
	key.PublicKey.X, key.PublicKey.Y = curve.ScalarBaseMult(raw)
	return key, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
