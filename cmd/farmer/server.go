package main

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"lukechampine.com/farm/storage"
	"lukechampine.com/farm/tunnel"
)

type tunnelStatus interface {
	State() tunnel.State
	Channels() int
}

type contractSummary struct {
	Peer     string    `json:"peer"`
	StoreEnd time.Time `json:"store_end"`
	Expired  bool      `json:"expired"`
}

type shardSummary struct {
	Hash      string            `json:"hash"`
	Size      int               `json:"size"`
	Contracts []contractSummary `json:"contracts"`
}

func summarize(it *storage.Item, now time.Time) shardSummary {
	s := shardSummary{
		Hash:      it.Hash,
		Size:      len(it.Shard),
		Contracts: []contractSummary{},
	}
	for peer, c := range it.Contracts {
		s.Contracts = append(s.Contracts, contractSummary{
			Peer:     peer,
			StoreEnd: time.UnixMilli(c.StoreEnd).UTC(),
			Expired:  c.Expired(now),
		})
	}
	sort.Slice(s.Contracts, func(i, j int) bool {
		return s.Contracts[i].Peer < s.Contracts[j].Peer
	})
	return s
}

type tunnelSummary struct {
	State    string `json:"state"`
	Channels int    `json:"channels"`
}

type server struct {
	m      *storage.Manager
	tunnel tunnelStatus // nil if no relay is configured
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (s *server) handlerShard(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	it, err := s.m.Load(ps.ByName("hash"))
	if errors.Is(err, storage.ErrInvalidHash) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	} else if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	} else if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, summarize(it, time.Now()))
}

func (s *server) handlerClean(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	stats, err := s.m.Clean(req.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, stats)
}

func (s *server) handlerTunnel(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	if s.tunnel == nil {
		writeJSON(w, tunnelSummary{State: "disabled"})
		return
	}
	writeJSON(w, tunnelSummary{
		State:    s.tunnel.State().String(),
		Channels: s.tunnel.Channels(),
	})
}

func newServer(m *storage.Manager, tc tunnelStatus, g prometheus.Gatherer) http.Handler {
	srv := &server{m: m, tunnel: tc}
	mux := httprouter.New()
	mux.GET("/shards/:hash", srv.handlerShard)
	mux.POST("/clean", srv.handlerClean)
	mux.GET("/tunnel", srv.handlerTunnel)
	mux.Handler("GET", "/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return mux
}
