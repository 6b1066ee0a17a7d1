package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/omni/relay-server/config"
	"github.com/omni/relay-server/contract"
	"github.com/omni/relay-server/db"
	"github.com/omni/relay-server/ethclient"
	"github.com/omni/relay-server/gasprice"
	"github.com/omni/relay-server/keys"
	"github.com/omni/relay-server/logging"
	"github.com/omni/relay-server/presenter"
	"github.com/omni/relay-server/registration"
	"github.com/omni/relay-server/relay"
	"github.com/omni/relay-server/repository"
	"github.com/omni/relay-server/txmanager"
)

func main() {
	configPath := flag.String("config", "config.yml", "path to the relay config file")
	flag.Parse()

	logger := logging.New()

	cfg, err := config.ReadConfigFromFile(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("can't read config")
	}
	logger.SetLevel(cfg.LogLevel)

	var repo *repository.Repo
	if cfg.DBConfig != nil {
		dbConn, err2 := db.ConnectToDBAndMigrate(cfg.DBConfig)
		if err2 != nil {
			logger.WithError(err2).Fatal("can't connect to database and apply migrations")
		}
		defer dbConn.Close()
		repo = repository.NewRepo(dbConn)
	} else {
		logger.Warn("postgres is not configured, pending transactions are kept in memory only")
		repo = repository.NewMemoryRepo()
	}

	client, err := ethclient.NewClient(cfg.Chain.RPC.Host, cfg.Chain.RPC.Timeout, cfg.Chain.ChainID)
	if err != nil {
		logger.WithError(err).Fatal("can't dial rpc client")
	}
	chainID := client.ChainID()

	keyManager, err := keys.LoadOrCreate(cfg.Keystore.Dir, cfg.Keystore.Workers, chainID)
	if err != nil {
		logger.WithError(err).Fatal("can't load relay keys")
	}
	manager := keyManager.ManagerAddress()
	workers := keyManager.WorkerAddresses()

	relayCfg := cfg.Relay
	interactor := contract.NewInteractor(client, relayCfg.RelayHubAddress)
	pricer := gasprice.NewFetcher(logger.WithField("service", "gas_price"), relayCfg.GasPriceOracle, client)
	txm := txmanager.NewTxManager(logger.WithField("service", "tx_manager"), relayCfg, chainID, client, keyManager, pricer, repo.StoredTxs)
	reg := registration.NewManager(logger.WithField("service", "registration"), relayCfg, interactor, txm, pricer, repo.StoredTxs, manager, workers)
	server := relay.NewServer(logger.WithField("service", "relay"), relayCfg, chainID, interactor, txm, reg, pricer, repo.StoredTxs, repo.LogsCursors, manager, workers)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err = server.Init(ctx); err != nil {
		logger.WithError(err).Fatal("can't initialize relay server")
	}

	http.Handle("/metrics", promhttp.Handler())
	go func() {
		err2 := http.ListenAndServe(":2112", nil)
		if err2 != nil {
			logger.WithError(err2).Fatal("can't start listener for prometheus metrics")
		}
	}()

	g, ctx := errgroup.WithContext(ctx)
	if cfg.Presenter != nil {
		pr := presenter.NewPresenter(logger.WithField("service", "presenter"), server)
		srv := &http.Server{Addr: cfg.Presenter.Host, Handler: pr.Handler()}
		g.Go(func() error {
			logger.WithField("addr", srv.Addr).Info("starting presenter service")
			if err2 := srv.ListenAndServe(); !errors.Is(err2, http.ErrServerClosed) {
				return err2
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			return srv.Shutdown(context.Background())
		})
	}
	g.Go(func() error {
		return server.Start(ctx, cfg.Chain.PollInterval)
	})

	if err = g.Wait(); err != nil {
		logger.WithError(err).Fatal("relay server stopped")
	}
	logger.Warn("caught termination signal, gracefully terminated")
}
