package main

import (
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/pascaldekloe/metrics"
)

func (proxy *Proxy) router() *mux.Router {
	r := mux.NewRouter()
	r.Use(withHTTPLogging(proxy.log))
	r.Use(handlers.ProxyHeaders)
	r.Use(handlers.RecoveryHandler())

	r.HandleFunc("/metrics", metrics.ServeHTTP).Methods("GET")
	r.HandleFunc("/-/message", proxy.handleMessage).Methods("POST")

	// everything else is the interception surface
	r.PathPrefix("/").HandlerFunc(proxy.serveFetch)

	return r
}
