package main

import (
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/larchwood/larchwood/encrypted"
	"github.com/larchwood/larchwood/identity"
	"github.com/larchwood/larchwood/links"
	"github.com/larchwood/larchwood/network"
)

type multiFlag []string

func (m *multiFlag) String() string {
	return fmt.Sprint(*m)
}

func (m *multiFlag) Set(value string) error {
	*m = append(*m, value)
	return nil
}

var (
	keyfile = flag.String("keyfile", "larchwood.key", "path to the identity key, created if missing")
	metrics = flag.String("metrics", "", "listen address for prometheus metrics, disabled if empty")
	debug   = flag.Bool("debug", false, "enable debug logging")
)

func main() {
	var listen, peer multiFlag
	flag.Var(&listen, "listen", "transport URL to accept peers on, repeatable")
	flag.Var(&peer, "peer", "transport URL to dial a peer at, repeatable")
	flag.Parse()

	logger, err := zap.NewProduction()
	if *debug {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to create logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	keys, err := identity.LoadOrGenerateKeys(*keyfile)
	if err != nil {
		logger.Fatal("failed to load identity", zap.Error(err))
	}

	reg := prometheus.NewRegistry()
	pc, err := encrypted.NewPacketConn(keys.Private,
		encrypted.WithNetwork(
			network.WithLogger(logger),
			network.WithMetrics(reg),
		),
	)
	if err != nil {
		logger.Fatal("failed to create packetconn", zap.Error(err))
	}
	defer pc.Close()

	nodeID := identity.NodeIDFromPublicKey(keys.Public)
	addr := nodeID.Addr()
	logger.Info("node starting",
		zap.String("nodeID", nodeID.String()),
		zap.String("address", net.IP(addr[:]).String()))

	if *metrics != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			logger.Info("metrics listening", zap.String("addr", *metrics))
			if err := http.ListenAndServe(*metrics, mux); err != nil {
				logger.Warn("metrics server stopped", zap.Error(err))
			}
		}()
	}

	ln := links.New(pc, logger)
	defer ln.Close()
	for _, u := range listen {
		if err := ln.Listen(u); err != nil {
			logger.Fatal("failed to listen", zap.String("url", u), zap.Error(err))
		}
	}
	for _, u := range peer {
		if err := ln.Dial(u); err != nil {
			logger.Fatal("failed to dial", zap.String("url", u), zap.Error(err))
		}
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info("shutting down")
}
