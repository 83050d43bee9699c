package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/pascaldekloe/metrics"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var installTimeout = 1 * time.Minute

const (
	msgSkipWaiting = "SKIP_WAITING"
	msgClearCache  = "CLEAR_CACHE"
)

var (
	metricPrecached = metrics.MustCounter("sitecache_precached", "Number of manifest entries written at install time")
	metricCleared   = metrics.MustCounter("sitecache_cleared", "Number of partitions deleted by the clear command")
)

// install precaches the manifest into the static partition. All entries are
// fetched before any is written: either every critical path resolves with a
// success status or the partition stays as it was.
func (proxy *Proxy) install(ctx context.Context) error {
	type staged struct {
		key   string
		entry *entry
	}

	captured := make([]staged, 0, len(proxy.config.Precache))

	for _, path := range proxy.config.Precache {
		u, err := proxy.upstream.Parse(path)
		if err != nil {
			return errors.WithMessagef(err, "parsing precache path %q", path)
		}

		e, err := proxy.fetch(ctx, u.String())
		if err != nil {
			return errors.WithMessagef(err, "precaching %q", path)
		}

		if e.Status/100 != 2 {
			return errors.Errorf("precaching %q: got status %d", path, e.Status)
		}

		captured = append(captured, staged{key: http.MethodGet + " " + path, entry: e})
	}

	partition := proxy.staticPartition()
	for _, s := range captured {
		if err := proxy.store.put(partition, s.key, s.entry); err != nil {
			return errors.WithMessagef(err, "storing precached %q", s.key)
		}
		metricPrecached.Add(1)
	}

	proxy.log.Info("installed",
		zap.String("partition", partition),
		zap.Int("precached", len(captured)),
	)

	return nil
}

// activate orphans every partition of a previous version and takes over
// traffic immediately, no waiting for clients to reload.
func (proxy *Proxy) activate() error {
	pruned, err := proxy.store.prunePartitions(proxy.config.CachePrefix, proxy.config.CacheVersion)
	if err != nil {
		return errors.WithMessage(err, "pruning stale partitions")
	}

	if len(pruned) > 0 {
		proxy.log.Info("pruned stale partitions", zap.Strings("partitions", pruned))
	}

	return nil
}

type message struct {
	Type string `json:"type"`
}

// handleMessage is the command channel. SKIP_WAITING forces activation,
// CLEAR_CACHE wipes every prefixed partition regardless of version, anything
// else is acknowledged and ignored.
func (proxy *Proxy) handleMessage(w http.ResponseWriter, r *http.Request) {
	msg := message{}
	if badRequest(w, errors.WithMessage(json.NewDecoder(r.Body).Decode(&msg), "decoding message")) {
		return
	}

	switch msg.Type {
	case msgSkipWaiting:
		if internalServerError(w, proxy.activate()) {
			return
		}
		answer(w, http.StatusOK, mimeText, "activated\n")
	case msgClearCache:
		cleared, err := proxy.store.clear(proxy.config.CachePrefix)
		if internalServerError(w, err) {
			return
		}
		metricCleared.Add(uint64(len(cleared)))
		proxy.log.Info("cleared cache", zap.Strings("partitions", cleared))
		answer(w, http.StatusOK, mimeText, "cleared\n")
	default:
		proxy.log.Debug("ignoring unknown message", zap.String("type", msg.Type))
		answer(w, http.StatusAccepted, mimeText, "ignored\n")
	}
}
