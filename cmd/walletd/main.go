package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/carlosnetto/ybank.me-wallet/internal/chain"
	"github.com/carlosnetto/ybank.me-wallet/internal/config"
	"github.com/carlosnetto/ybank.me-wallet/internal/emitters"
	"github.com/carlosnetto/ybank.me-wallet/internal/gateway"
	"github.com/carlosnetto/ybank.me-wallet/internal/health"
	"github.com/carlosnetto/ybank.me-wallet/internal/history"
	"github.com/carlosnetto/ybank.me-wallet/internal/logger"
	"github.com/carlosnetto/ybank.me-wallet/internal/metrics"
	"github.com/carlosnetto/ybank.me-wallet/internal/poller"
	"github.com/carlosnetto/ybank.me-wallet/internal/server"
	"github.com/carlosnetto/ybank.me-wallet/internal/wallet"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			logger.GetLogger().Error().Interface("panic", r).Msg("Application panicked, recovering")
		}
	}()

	cfg, err := config.Load()
	if err != nil {
		logger.GetLogger().Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger.Init(cfg.LogLevel)
	log := logger.GetLogger()

	w, err := openWallet(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open wallet")
	}
	log.Info().Str("address", w.Address().Hex()).Msg("Wallet ready")

	m := metrics.New(prometheus.DefaultRegisterer)

	client, err := chain.Dial(cfg, log, m)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to chain RPC")
	}
	defer client.Close()

	var emitter emitters.Emitter = emitters.LogEmitter{}
	if cfg.Kafka.BrokerAddress != "" {
		kafka := emitters.NewKafkaEmitter(cfg.Kafka.BrokerAddress, cfg.Kafka.Topic)
		defer kafka.Close()
		emitter = kafka
	}

	recon := history.New(client, history.Options{
		ExplorerBaseURL: cfg.Chain.ExplorerBaseURL,
	}, log, m)

	p := poller.New(client, recon, emitter, w.Address(), cfg.PollInterval, log, m)

	gw := gateway.NewClient(cfg.Gateway, log)

	srv := server.New(cfg.HTTP.Addr, w, client, p, gw, m, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go p.Run(ctx)
	health.WatchHead(ctx, client, 30*time.Second)
	health.SetReady(true)

	go func() {
		if err := srv.Start(); err != nil {
			log.Error().Err(err).Msg("API server stopped")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	health.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown failed")
	}
}

// openWallet loads the encrypted keystore, importing or generating a mnemonic
// on first run.
func openWallet(cfg *config.Config) (*wallet.Wallet, error) {
	w, err := wallet.Load(cfg.Wallet.KeystorePath, cfg.Wallet.Passphrase)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, wallet.ErrKeystoreNotFound) {
		return nil, err
	}

	mnemonic := os.Getenv("WALLET_MNEMONIC")
	if mnemonic == "" {
		mnemonic, err = wallet.NewMnemonic()
		if err != nil {
			return nil, err
		}
		logger.GetLogger().Warn().Msg("Generated new recovery phrase, back it up from the keystore")
	}

	w, err = wallet.FromMnemonic(mnemonic)
	if err != nil {
		return nil, err
	}
	if err := w.Save(cfg.Wallet.KeystorePath, cfg.Wallet.Passphrase); err != nil {
		return nil, err
	}
	return w, nil
}
