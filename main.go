package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jwoglom/configportal/pkg/api"
	"github.com/jwoglom/configportal/pkg/bluetooth"
	"github.com/jwoglom/configportal/pkg/config"
	"github.com/jwoglom/configportal/pkg/finance"

	"github.com/sirupsen/logrus"
	log "github.com/sirupsen/logrus"
)

func main() {
	// if both verbose and quiet are chosen, e.g., -v -q, the verbose dominates
	var traceLevel = flag.Bool("v", false, "verbose off by default, TraceLevel")
	var infoLevel = flag.Bool("q", false, "quiet off by default, InfoLevel")
	var configPath = flag.String("config", "configportal.yaml", "path to the YAML configuration file")
	var simulate = flag.Bool("sim", false, "use the simulated bluetooth stack instead of an adapter")
	var addr = flag.String("addr", "", "API listen address (overrides api.addr)")

	flag.Parse()

	log.SetFormatter(&logrus.TextFormatter{
		DisableQuote: true,
		ForceColors:  true,
	})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Could not load configuration: %s", err)
	}

	if *traceLevel {
		log.SetLevel(log.TraceLevel)
	} else if *infoLevel {
		log.SetLevel(log.InfoLevel)
	} else if level, err := log.ParseLevel(cfg.Logger.Level); err == nil {
		log.SetLevel(level)
	} else {
		log.SetLevel(log.DebugLevel)
	}

	if *simulate {
		cfg.Bluetooth.Simulate = true
	}
	if *addr != "" {
		cfg.API.Addr = *addr
	}

	log.Infof("Starting Configuration Portal peripheral %q", cfg.Peripheral.Name)
	for _, s := range cfg.Peripheral.Services {
		log.Info("Service UUID: ", s.UUID)
		for _, c := range s.Characteristics {
			log.Infof("  %s %v", c.UUID, c.Properties)
		}
	}

	server := api.New()

	identity, err := buildIdentity(cfg.Peripheral, server)
	if err != nil {
		log.Fatalf("Invalid peripheral configuration: %s", err)
	}

	var factory bluetooth.StackFactory
	var sim *bluetooth.SimStack
	if cfg.Bluetooth.Simulate {
		log.Warn("Using simulated bluetooth stack")
		sim = bluetooth.NewSimStack()
		factory = func() (bluetooth.Stack, error) { return sim, nil }
	} else {
		gattOpts := bluetooth.DefaultGattOptions()
		gattOpts.DeviceID = cfg.Bluetooth.DeviceID
		gattOpts.AssumeBonded = cfg.Bluetooth.AssumeBonded
		factory = bluetooth.GattFactory(gattOpts)
	}

	var stack bluetooth.Stack
	open := func() (bluetooth.Stack, error) {
		st, err := factory()
		stack = st
		return st, err
	}

	coordinator, err := bluetooth.Open(open, identity, server.Confirmer(),
		bluetooth.WithRetryDelay(cfg.Bluetooth.RetryDelay),
		bluetooth.WithConfirmTimeout(cfg.Bluetooth.ConfirmTimeout),
		bluetooth.WithStateObserver(server.SendStateChange),
		bluetooth.WithFailureObserver(server.SendPairingFailure),
	)
	if err != nil {
		log.Fatalf("Could not start BLE: %s", err)
	}
	server.SetCoordinator(coordinator)
	if sim != nil {
		server.SetSimStack(sim)
	}
	if chars, ok := stack.(bluetooth.CharacteristicAccess); ok {
		server.SetCharacteristicAccess(chars)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var manager *finance.Manager
	if cfg.Finance.Enabled {
		manager, err = buildFinanceManager(cfg.Finance)
		if err != nil {
			log.Fatalf("Could not set up finance accounts: %s", err)
		}
		server.SetFinanceManager(manager)
		manager.Start(ctx)
	}

	if err := coordinator.StartAdvertising(); err != nil {
		log.Fatalf("Could not start advertising: %s", err)
	}
	log.Info("Bluetooth device initialized, waiting for connections...")

	go func() {
		if err := server.Start(cfg.API.Addr); err != nil {
			log.Errorf("API server stopped: %s", err)
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warnf("API shutdown: %s", err)
	}
	if manager != nil {
		manager.Stop()
	}
	if err := coordinator.Close(); err != nil {
		log.Warnf("Bluetooth shutdown: %s", err)
	}
}

func buildIdentity(cfg config.PeripheralConfig, server *api.Server) (*bluetooth.PeripheralIdentity, error) {
	services := make([]bluetooth.ServiceDescriptor, 0, len(cfg.Services))
	for _, s := range cfg.Services {
		sd := bluetooth.ServiceDescriptor{UUID: s.UUID}
		for _, c := range s.Characteristics {
			cd := bluetooth.CharacteristicDescriptor{UUID: c.UUID}
			for _, p := range c.Properties {
				switch p {
				case "read":
					cd.Properties |= bluetooth.PropRead
				case "write":
					cd.Properties |= bluetooth.PropWrite
				case "notify":
					cd.Properties |= bluetooth.PropNotify
				}
			}
			if c.Value != "" {
				value, err := hex.DecodeString(c.Value)
				if err != nil {
					return nil, fmt.Errorf("characteristic %s: %w", c.UUID, err)
				}
				cd.Value = value
			}
			if cd.Properties&bluetooth.PropWrite != 0 {
				uuid := c.UUID
				cd.OnWrite = func(connID string, data []byte) {
					log.Infof("Received write on %s from %s: %s", uuid, connID, hex.EncodeToString(data))
					server.SendWriteEvent(uuid, data)
				}
			}
			sd.Characteristics = append(sd.Characteristics, cd)
		}
		services = append(services, sd)
	}
	return bluetooth.NewPeripheralIdentity(cfg.Name, services)
}

func buildFinanceManager(cfg config.FinanceConfig) (*finance.Manager, error) {
	execScraper, err := finance.NewExecScraper(finance.ExecConfig{
		Command:       cfg.Command,
		ScreenshotDir: cfg.ScreenshotDir,
		Env:           cfg.Env,
		Timeout:       cfg.Timeout,
	})
	if err != nil {
		return nil, err
	}
	scraper := finance.NewAccountBreakers(execScraper, finance.BreakerConfig{
		MaxFailures: cfg.Breaker.MaxFailures,
		Timeout:     cfg.Breaker.Timeout,
		Interval:    cfg.Breaker.Interval,
	})

	accounts := make([]finance.AccountDescriptor, 0, len(cfg.Accounts))
	for _, a := range cfg.Accounts {
		accounts = append(accounts, finance.AccountDescriptor{
			Name:        a.Name,
			CompanyID:   a.CompanyID,
			Credentials: a.Credentials,
		})
	}
	return finance.NewManager(scraper, finance.ManagerConfig{
		Accounts:    accounts,
		MaxAge:      cfg.MaxAge,
		Lookback:    cfg.Lookback,
		Schedule:    cfg.Schedule,
		Screenshots: cfg.Screenshots,
	})
}
