package main

import (
	"context"
	"net/http"

	"github.com/pascaldekloe/metrics"
	"go.uber.org/zap"
)

var (
	metricCacheHit      = metrics.MustCounter("sitecache_hit", "Number of requests served from a partition")
	metricCacheRemote   = metrics.MustCounter("sitecache_remote", "Number of requests served fresh from upstream")
	metricCacheFallback = metrics.MustCounter("sitecache_fallback", "Number of requests answered with the root document fallback")
	metricCacheError    = metrics.MustCounter("sitecache_fail", "Number of requests failed with no fallback left")
	metricPassthrough   = metrics.MustCounter("sitecache_passthrough", "Number of requests forwarded without caching")

	metricStoreOk   = metrics.MustCounter("sitecache_store_ok", "Number of completed background cache writes")
	metricStoreFail = metrics.MustCounter("sitecache_store_fail", "Number of failed background cache writes")
	metricEvicted   = metrics.MustCounter("sitecache_evicted", "Number of entries evicted from bounded partitions")
)

// cacheFirst serves straight from the partition when it can, with no
// freshness check. A miss goes to the network and the copy is written in the
// background, so the caller never waits on storage.
func (proxy *Proxy) cacheFirst(w http.ResponseWriter, r *http.Request, partition string, max int) {
	key := entryKey(r)

	cached, err := proxy.store.get(partition, key)
	if internalServerError(w, err) {
		return
	}

	if cached != nil {
		metricCacheHit.Add(1)
		writeEntry(w, cached, headerCacheHit)
		return
	}

	fresh, err := proxy.fetchUpstream(r.Context(), r)
	if err != nil {
		proxy.log.Debug("upstream fetch failed", zap.String("key", key), zap.Error(err))
		proxy.serveFallback(w, key, err)
		return
	}

	proxy.storeLater(&cacheWrite{partition: partition, key: key, entry: fresh, max: max})
	metricCacheRemote.Add(1)
	writeEntry(w, fresh, headerCacheRemote)
}

// networkFirst always tries upstream and writes through to the dynamic
// partition before answering, so a fresh page is available offline next
// time. Only when the network fails does the partition, then the root
// document, get a turn.
func (proxy *Proxy) networkFirst(w http.ResponseWriter, r *http.Request) {
	partition := proxy.dynamicPartition()
	key := entryKey(r)

	fresh, err := proxy.fetchUpstream(r.Context(), r)
	if err == nil {
		if perr := proxy.store.put(partition, key, fresh); perr != nil {
			proxy.log.Error("failed caching page", zap.Error(perr), zap.String("key", key))
		} else {
			proxy.enforceLimit(partition, proxy.config.DynamicMax)
		}
		metricCacheRemote.Add(1)
		writeEntry(w, fresh, headerCacheRemote)
		return
	}

	proxy.log.Debug("upstream fetch failed, trying cache", zap.String("key", key), zap.Error(err))

	cached, cerr := proxy.store.get(partition, key)
	if internalServerError(w, cerr) {
		return
	}
	if cached != nil {
		metricCacheHit.Add(1)
		writeEntry(w, cached, headerCacheHit)
		return
	}

	proxy.serveFallback(w, key, err)
}

// staleWhileRevalidate answers from the partition without waiting for the
// network and refreshes the entry in the background. The refreshed copy is
// only seen by the next request. Without a cached copy the caller gets the
// network outcome directly, so uncached resources behave network-first here.
func (proxy *Proxy) staleWhileRevalidate(w http.ResponseWriter, r *http.Request) {
	partition := proxy.dynamicPartition()
	key := entryKey(r)

	cached, err := proxy.store.get(partition, key)
	if internalServerError(w, err) {
		return
	}

	if cached != nil {
		proxy.storeLater(&cacheWrite{
			partition: partition,
			key:       key,
			url:       proxy.upstreamURLFor(r.URL),
			max:       proxy.config.DynamicMax,
		})
		metricCacheHit.Add(1)
		writeEntry(w, cached, headerCacheHit)
		return
	}

	fresh, ferr := proxy.fetchUpstream(r.Context(), r)
	if ferr != nil {
		metricCacheError.Add(1)
		answer(w, http.StatusBadGateway, mimeText, ferr.Error()+"\n")
		return
	}

	proxy.storeLater(&cacheWrite{partition: partition, key: key, entry: fresh, max: proxy.config.DynamicMax})
	metricCacheRemote.Add(1)
	writeEntry(w, fresh, headerCacheRemote)
}

// serveFallback answers from the static partition: the precached copy of
// the request itself when the manifest covered it, the root document
// otherwise. Only when both are missing does the original failure reach the
// caller.
func (proxy *Proxy) serveFallback(w http.ResponseWriter, key string, cause error) {
	static := proxy.staticPartition()

	for _, candidate := range []string{key, rootDocumentKey} {
		cached, err := proxy.store.get(static, candidate)
		if err != nil {
			proxy.log.Error("failed reading static partition", zap.Error(err), zap.String("key", candidate))
			break
		}
		if cached != nil {
			metricCacheFallback.Add(1)
			writeEntry(w, cached, headerCacheHit)
			return
		}
	}

	metricCacheError.Add(1)
	answer(w, http.StatusBadGateway, mimeText, cause.Error()+"\n")
}

type cacheWrite struct {
	partition string
	key       string
	// entry carries an already captured response; when nil, url is fetched
	// at write time instead.
	entry *entry
	url   string
	max   int
}

// storeLater queues a best-effort background write: attempted at most once,
// never retried, no ordering guarantee relative to other writes to the same
// key.
func (proxy *Proxy) storeLater(write *cacheWrite) {
	proxy.cachePool.Submit(func() {
		proxy.doCache(write)
	})
}

func (proxy *Proxy) doCache(write *cacheWrite) {
	e := write.entry
	if e == nil {
		var err error
		if e, err = proxy.fetch(context.Background(), write.url); err != nil {
			metricStoreFail.Add(1)
			proxy.log.Error("failed refreshing entry", zap.Error(err), zap.String("url", write.url))
			return
		}
	}

	if err := proxy.store.put(write.partition, write.key, e); err != nil {
		metricStoreFail.Add(1)
		proxy.log.Error("failed caching entry", zap.Error(err), zap.String("key", write.key))
		return
	}

	metricStoreOk.Add(1)
	proxy.enforceLimit(write.partition, write.max)
}

// enforceLimit runs after every write to a bounded partition. The cap is
// soft: concurrent writers can transiently exceed it by the number of
// in-flight writes.
func (proxy *Proxy) enforceLimit(partition string, max int) {
	if max <= 0 {
		return
	}

	evicted, err := proxy.store.trim(partition, max)
	if err != nil {
		proxy.log.Error("failed trimming partition", zap.Error(err), zap.String("partition", partition))
	} else if evicted > 0 {
		metricEvicted.Add(uint64(evicted))
		proxy.log.Debug("trimmed partition",
			zap.String("partition", partition),
			zap.Int("evicted", evicted),
		)
	}
}
