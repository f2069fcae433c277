package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"attack-feed/internal/config"
	"attack-feed/internal/factory"
	"attack-feed/internal/util"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// Initialize factory (which loads config and builds the feed pipeline)
	f, err := factory.NewFactory()
	if err != nil {
		util.Fatal("Failed to initialize factory", util.ErrorField(err))
	}
	defer f.Close()

	cfg := f.Config()
	router := f.Router()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	var workers sync.WaitGroup
	f.Dispatcher().Start()
	workers.Add(1)
	go func() {
		defer workers.Done()
		f.Engine().Run(ctx)
	}()

	var serverAddr string
	if cfg.Server.EnableTLS {
		serverAddr = fmt.Sprintf(":%d", cfg.Server.TLSPort)
	} else {
		serverAddr = cfg.GetServerAddress()
	}

	// WriteTimeout stays zero: it would cut long-lived feed sockets.
	server := &http.Server{
		Addr:        serverAddr,
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
		IdleTimeout: cfg.Server.IdleTimeout,
	}

	servers := []*http.Server{server}
	if cfg.Server.EnableTLS {
		tlsManager := f.TLSManager()
		server.TLSConfig = tlsManager.TLSConfig()

		if acme := tlsManager.AutocertManager(); acme != nil {
			challenge := &http.Server{
				Addr:        cfg.GetServerAddress(),
				Handler:     acme.HTTPHandler(nil),
				ReadTimeout: cfg.Server.ReadTimeout,
			}
			servers = append(servers, challenge)
			go serve(challenge, false)
		}

		util.Info("Starting HTTPS server",
			util.String("environment", cfg.Environment),
			util.Int("port", cfg.Server.TLSPort),
			util.Bool("auto_cert", cfg.Server.AutoCert),
		)
	} else {
		util.Warn("Starting HTTP server - TLS is disabled",
			util.String("environment", cfg.Environment),
			util.Int("port", cfg.Server.Port),
		)
	}

	go serve(server, cfg.Server.EnableTLS)

	util.Info("Server started successfully",
		util.String("address", server.Addr),
		util.String("index", cfg.Elasticsearch.Index),
		util.Duration("poll_interval", cfg.Feed.PollInterval),
	)

	waitForShutdown(cfg, stop, &workers, servers...)
}

func serve(server *http.Server, useTLS bool) {
	var err error
	if useTLS {
		// Certificates come from TLSConfig.GetCertificate.
		err = server.ListenAndServeTLS("", "")
	} else {
		err = server.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		util.Fatal("Server failed to start", util.String("address", server.Addr), util.ErrorField(err))
	}
}

// waitForShutdown blocks until a signal, then stops the engine before the servers so
// no batch is broadcast into closing connections.
func waitForShutdown(cfg *config.Config, stopEngine context.CancelFunc, workers *sync.WaitGroup, servers ...*http.Server) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	sig := <-signalChan
	util.Info("Received shutdown signal",
		util.String("signal", sig.String()),
		util.String("environment", cfg.Environment),
	)

	stopEngine()
	workers.Wait()
	util.Info("Feed engine stopped")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			util.Error("Failed to shutdown server gracefully", util.ErrorField(err))
		} else {
			util.Info("Server shutdown completed", util.String("address", srv.Addr))
		}
	}
}
