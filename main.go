package main

import (
	"context"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/alitto/pond"
	"github.com/stereohaze/sitecache/pkg/config"
	"github.com/stereohaze/sitecache/pkg/logger"
	"go.uber.org/zap"
)

func main() {
	cli := &config.CLI{}
	arg.MustParse(cli)
	cli.File = os.ExpandEnv(cli.File)

	c, err := config.LoadFile(cli.File)
	if err != nil {
		panic(err)
	}

	if err := c.Prepare(); err != nil {
		log.Fatal(err)
	}

	proxy := NewProxy(c)
	proxy.setupLogger()
	proxy.setupStore()

	// Install must complete before this version takes over; a failed
	// precache leaves the previous cache generation untouched.
	installCtx, cancelInstall := context.WithTimeout(context.Background(), installTimeout)
	err = proxy.install(installCtx)
	cancelInstall()
	if err != nil {
		proxy.log.Fatal("install failed, previous cache generation stays active", zap.Error(err))
	}

	if err := proxy.activate(); err != nil {
		proxy.log.Fatal("activation failed", zap.Error(err))
	}

	go func() {
		t := time.Tick(5 * time.Second)
		for range t {
			if err := proxy.log.Sync(); err != nil {
				if err.Error() != "sync /dev/stderr: invalid argument" {
					log.Printf("failed to sync zap: %s", err)
				}
			}
		}
	}()

	// nolint
	defer proxy.log.Sync()

	const timeout = 15 * time.Minute

	srv := &http.Server{
		Handler:      proxy.router(),
		Addr:         proxy.config.Listen,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	}

	sc := make(chan os.Signal, 1)
	signal.Notify(
		sc,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGQUIT,
		syscall.SIGTERM,
	)

	go func() {
		proxy.log.Info("Server starting",
			zap.String("listen", proxy.config.Listen),
			zap.String("upstream", proxy.config.Upstream),
			zap.String("version", proxy.config.CacheVersion),
		)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			// Only log an error if it's not due to shutdown or close
			proxy.log.Fatal("error bringing up listener", zap.Error(err))
		}
	}()

	<-sc
	signal.Stop(sc)

	// Shutdown timeout should be max request timeout (with 1s buffer).
	ctxShutDown, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(ctxShutDown); err != nil {
		proxy.log.Fatal("server shutdown failed", zap.Error(err))
	}

	proxy.cachePool.StopAndWait()
	proxy.log.Info("server shutdown gracefully")
}

type Proxy struct {
	config *config.Config

	// derived from the above
	upstream *url.URL

	store *partitionStore

	log       *zap.Logger
	cachePool *pond.WorkerPool
}

func NewProxy(config *config.Config) *Proxy {
	devLog, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}

	return &Proxy{
		config:    config,
		upstream:  config.UpstreamURL(),
		log:       devLog,
		cachePool: pond.New(10, 1000),
	}
}

var (
	buildVersion = "dev"
	buildCommit  = "dirty"
)

func (proxy *Proxy) Version() string {
	return buildVersion + " (" + buildCommit + ")"
}

func (proxy *Proxy) setupLogger() {
	if log, err := logger.SetupLogger(proxy.config.LogMode, proxy.config.LogLevel); err != nil {
		panic(err)
	} else {
		proxy.log = log
	}
}

func (proxy *Proxy) setupStore() {
	store, err := newPartitionStore(proxy.config.Database)
	if err != nil {
		proxy.log.Fatal("failed opening partition store",
			zap.Error(err),
			zap.String("database", proxy.config.Database),
		)
	}

	proxy.store = store
}

// staticPartition et al implement the "<prefix>-<role>-<version>" naming
// contract. Bumping the configured version starts over with fresh partitions.
func (proxy *Proxy) staticPartition() string { return proxy.partitionName("static") }

func (proxy *Proxy) dynamicPartition() string { return proxy.partitionName("dynamic") }

func (proxy *Proxy) imagesPartition() string { return proxy.partitionName("images") }

func (proxy *Proxy) partitionName(role string) string {
	return proxy.config.CachePrefix + "-" + role + "-" + proxy.config.CacheVersion
}
