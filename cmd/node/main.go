package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	svc "github.com/kardianos/service"
	"github.com/sirupsen/logrus"

	"github.com/Iploop/iploop-node/internal/agent"
	"github.com/Iploop/iploop-node/internal/api"
	"github.com/Iploop/iploop-node/internal/config"
	"github.com/Iploop/iploop-node/internal/logging"
	"github.com/Iploop/iploop-node/internal/store"
)

var version = "2.0.0"

type program struct {
	cfg       *config.Config
	agent     *agent.Agent
	statusAPI *api.Server
	stopWatch func()
	logger    *logrus.Entry
}

func (p *program) Start(s svc.Service) error {
	if err := p.agent.Start(); err != nil {
		return err
	}
	if p.statusAPI != nil {
		p.statusAPI.Start()
	}
	return nil
}

func (p *program) Stop(s svc.Service) error {
	if p.stopWatch != nil {
		p.stopWatch()
	}
	if p.statusAPI != nil {
		p.statusAPI.Stop()
	}
	p.agent.Stop()
	return nil
}

func main() {
	gateway := flag.String("gateway", "", "Gateway WebSocket URL (overrides GATEWAY_URL)")
	stateDir := flag.String("state-dir", "", "State directory (overrides STATE_DIR)")
	svcAction := flag.String("service", "", "Service action: install, uninstall, start, stop")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("iploop-node v%s\n", version)
		return
	}

	cfg := config.Load()
	if *gateway != "" {
		cfg.GatewayURL = *gateway
	}
	if *stateDir != "" {
		cfg.StateDir = *stateDir
	}

	logging.Setup(cfg.LogLevel, cfg.LogFile)
	logger := logging.Component("main")
	logger.Infof("IPLoop node v%s", version)

	st, err := openStore(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("State store unavailable")
	}

	nodeAgent, err := agent.New(cfg, st)
	if err != nil {
		logger.WithError(err).Fatal("Agent init failed")
	}

	p := &program{cfg: cfg, agent: nodeAgent, logger: logger}

	if cfg.StatusAddr != "" {
		p.statusAPI = api.NewServer(nodeAgent, cfg.StatusAddr, logging.Component("api"))
	}

	if stop, err := config.WatchEnvFile(".env", logger, logging.SetLevel); err == nil {
		p.stopWatch = stop
	}

	svcConfig := &svc.Config{
		Name:        "iploop-node",
		DisplayName: "IPLoop Node Agent",
		Description: "IPLoop residential proxy network node agent",
	}

	service, err := svc.New(p, svcConfig)
	if err != nil {
		logger.WithError(err).Fatal("Service setup failed")
	}

	if *svcAction != "" {
		if err := svc.Control(service, *svcAction); err != nil {
			logger.WithError(err).Fatalf("Service %s failed", *svcAction)
		}
		logger.Infof("Service %s done", *svcAction)
		return
	}

	if svc.Interactive() {
		runInteractive(p, logger)
		return
	}

	if err := service.Run(); err != nil {
		logger.WithError(err).Fatal("Service run failed")
	}
}

func runInteractive(p *program, logger *logrus.Entry) {
	if err := p.Start(nil); err != nil {
		logger.WithError(err).Fatal("Start failed")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("Shutting down...")
	p.Stop(nil)
}

func openStore(cfg *config.Config, logger *logrus.Entry) (store.Store, error) {
	if cfg.RedisAddr != "" {
		rs, err := store.NewRedisStore(cfg.RedisAddr, os.Getenv("REDIS_PASSWORD"), "")
		if err == nil {
			logger.Infof("Using Redis state store at %s", cfg.RedisAddr)
			return rs, nil
		}
		logger.WithError(err).Warn("Redis unavailable, falling back to file store")
	}
	return store.NewFileStore(cfg.StateDir)
}
