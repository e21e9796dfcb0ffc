package main

import (
	"context"
	"errors"
	"flag"
	"log"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/xtrntr/clearinghouse/internal/auth"
	"github.com/xtrntr/clearinghouse/internal/config"
	"github.com/xtrntr/clearinghouse/internal/logging"
	"github.com/xtrntr/clearinghouse/internal/models"
	"github.com/xtrntr/clearinghouse/internal/store"
)

type seedAccount struct {
	username string
	balance  uint64
	holdings uint64
}

// trader1 starts on the seller side, trader2 on the buyer side
var seedAccounts = []seedAccount{
	{username: "trader1", balance: 0, holdings: 1000},
	{username: "trader2", balance: 1000000, holdings: 0},
}

const seedPassword = "password123"

// Seed the partition store with funded demo accounts
func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	st, err := store.Open(store.Options{Dir: cfg.Store.Dir, InMemory: cfg.Store.InMemory}, logger)
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}
	defer st.Close()
	accounts := store.NewAccounts(st)

	ctx := context.Background()
	for _, sa := range seedAccounts {
		svc := auth.NewAuthService(accounts, auth.Options{
			Secret:          cfg.Auth.JWTSecret,
			TokenTTL:        cfg.Auth.TokenTTL,
			InitialBalance:  sa.balance,
			InitialHoldings: sa.holdings,
		})
		acct, err := svc.Register(ctx, sa.username, seedPassword)
		if errors.Is(err, models.ErrUsernameTaken) {
			logger.Info("account already exists, skipping", zap.String("username", sa.username))
			continue
		}
		if err != nil {
			logger.Fatal("failed to create account", zap.String("username", sa.username), zap.Error(err))
		}
		logger.Info("account created",
			zap.String("username", acct.Username),
			zap.String("id", acct.ID),
			zap.Uint64("balance", acct.Balance),
			zap.Uint64("holdings", acct.Holdings))
	}
}
