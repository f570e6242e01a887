// Package api exposes the exchange over REST and websocket. REST covers
// order submission, cancels, book snapshots, balances, funding, and
// settlement proofs; the websocket side bridges the engine's broadcast
// channels to subscribed clients.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/outcomex/clob/pkg/book"
	"github.com/outcomex/clob/pkg/broadcast"
	"github.com/outcomex/clob/pkg/core"
	"github.com/outcomex/clob/pkg/ledger"
	"github.com/outcomex/clob/pkg/metrics"
	"github.com/outcomex/clob/pkg/orders"
	"github.com/outcomex/clob/pkg/reconcile"
	"github.com/outcomex/clob/pkg/settlement"
)

// Server handles REST API and websocket connections.
type Server struct {
	svc    *orders.Service
	engine *book.Engine
	ledger *ledger.Ledger
	settle *settlement.Builder
	recon  *reconcile.Reconciler
	bcast  *broadcast.Broadcaster
	met    *metrics.Metrics
	router *mux.Router
	hub    *Hub
	log    *zap.Logger

	// bridges refcount broadcaster subscriptions per websocket channel.
	bridgeMu sync.Mutex
	bridges  map[string]*bridge

	quit chan struct{}
}

type bridge struct {
	id     broadcast.SubID
	cancel func()
	refs   int
}

// NewServer wires the HTTP surface. recon, bcast, and met may be nil.
func NewServer(svc *orders.Service, engine *book.Engine, led *ledger.Ledger, settle *settlement.Builder, recon *reconcile.Reconciler, bcast *broadcast.Broadcaster, met *metrics.Metrics, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		svc:     svc,
		engine:  engine,
		ledger:  led,
		settle:  settle,
		recon:   recon,
		bcast:   bcast,
		met:     met,
		router:  mux.NewRouter(),
		hub:     NewHub(log),
		log:     log.Named("api"),
		bridges: make(map[string]*bridge),
		quit:    make(chan struct{}),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/orders", s.handleSubmitOrder).Methods("POST")
	api.HandleFunc("/orders/{hash}", s.handleCancelOrder).Methods("DELETE")

	api.HandleFunc("/markets/{marketId}/book/{tokenId}", s.handleGetOrderbook).Methods("GET")

	api.HandleFunc("/accounts/{address}/balance/{tokenId}", s.handleGetBalance).Methods("GET")
	api.HandleFunc("/accounts/{address}/deposit", s.handleDeposit).Methods("POST")
	api.HandleFunc("/accounts/{address}/withdraw", s.handleWithdraw).Methods("POST")

	api.HandleFunc("/settlement/epochs/{epoch}", s.handleGetEpoch).Methods("GET")
	api.HandleFunc("/settlement/epochs/{epoch}/proof/{address}", s.handleGetProof).Methods("GET")
	api.HandleFunc("/settlement/unclaimed/{address}", s.handleGetUnclaimed).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
}

// Start runs the listener. Blocks until the listener fails.
func (s *Server) Start(addr string) error {
	go s.hub.Run()
	go s.heartbeatLoop()

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: false,
	})

	s.log.Info("server starting", zap.String("addr", addr))
	return http.ListenAndServe(addr, c.Handler(s.router))
}

// heartbeatLoop keeps the server's bridged broadcaster subscriptions alive
// while at least one websocket client holds them.
func (s *Server) heartbeatLoop() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
		}
		if s.bcast == nil {
			continue
		}
		s.bridgeMu.Lock()
		for _, br := range s.bridges {
			s.bcast.Heartbeat(br.id)
		}
		s.bridgeMu.Unlock()
	}
}

// Stop tears down background loops. The listener itself is process-scoped.
func (s *Server) Stop() {
	close(s.quit)
}

// retainChannel bridges one websocket channel name onto the broadcaster,
// creating the underlying subscription on first use.
func (s *Server) retainChannel(channel string) error {
	if s.bcast == nil {
		return fmt.Errorf("streaming disabled")
	}
	s.bridgeMu.Lock()
	defer s.bridgeMu.Unlock()

	if br, ok := s.bridges[channel]; ok {
		br.refs++
		return nil
	}

	fn := func(ev broadcast.Event) {
		s.hub.BroadcastToChannel(channel, ev)
	}

	var (
		id     broadcast.SubID
		cancel func()
	)
	parts := strings.Split(channel, ":")
	switch {
	case parts[0] == "book" && len(parts) == 3:
		tokenID, ok := new(big.Int).SetString(parts[2], 10)
		if !ok {
			return fmt.Errorf("invalid token id in channel %q", channel)
		}
		id, cancel = s.bcast.SubscribeOrderbook(common.HexToHash(parts[1]), tokenID, fn)
	case parts[0] == "balance" && len(parts) == 2:
		if !common.IsHexAddress(parts[1]) {
			return fmt.Errorf("invalid address in channel %q", channel)
		}
		id, cancel = s.bcast.SubscribeBalance(common.HexToAddress(parts[1]), fn)
	case channel == "settlement":
		id, cancel = s.bcast.SubscribeSettlement(fn)
	case parts[0] == "debate" && len(parts) == 2:
		id, cancel = s.bcast.SubscribeDebate(parts[1], fn)
	default:
		return fmt.Errorf("unknown channel %q", channel)
	}

	s.bridges[channel] = &bridge{id: id, cancel: cancel, refs: 1}
	return nil
}

// releaseChannel drops one reference, tearing down the broadcaster
// subscription when the last client leaves.
func (s *Server) releaseChannel(channel string) {
	s.bridgeMu.Lock()
	defer s.bridgeMu.Unlock()
	br, ok := s.bridges[channel]
	if !ok {
		return
	}
	br.refs--
	if br.refs <= 0 {
		br.cancel()
		delete(s.bridges, channel)
	}
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	so, err := req.ToSignedOrder()
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid order", err.Error())
		return
	}

	res := s.svc.Submit(so)
	s.observe("POST", "/orders", start)
	if res.Rejected {
		respondJSONStatus(w, http.StatusUnprocessableEntity, res)
		return
	}
	respondJSON(w, res)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	hashStr := vars["hash"]
	makerStr := r.URL.Query().Get("maker")
	if !common.IsHexAddress(makerStr) {
		respondError(w, http.StatusBadRequest, "invalid maker address", makerStr)
		return
	}

	err := s.svc.Cancel(common.HexToHash(hashStr), common.HexToAddress(makerStr))
	if err != nil {
		var rej *orders.Rejection
		if errors.As(err, &rej) {
			status := http.StatusUnprocessableEntity
			if rej.Code == orders.CodeOrderNotFound {
				status = http.StatusNotFound
			}
			respondJSONStatus(w, status, rej)
			return
		}
		respondError(w, http.StatusInternalServerError, "cancel failed", err.Error())
		return
	}
	respondJSON(w, map[string]string{"status": "cancelled", "orderHash": hashStr})
}

func (s *Server) handleGetOrderbook(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	tokenID, ok := new(big.Int).SetString(vars["tokenId"], 10)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid tokenId", vars["tokenId"])
		return
	}
	marketID := common.HexToHash(vars["marketId"])

	b := s.engine.Book(marketID, tokenID)
	bidLevels, askLevels := b.Snapshot()

	bids := make([]PriceLevel, len(bidLevels))
	for i, lv := range bidLevels {
		bids[i] = PriceLevel{Price: lv.Price.String(), Size: lv.Quantity.String()}
	}
	asks := make([]PriceLevel, len(askLevels))
	for i, lv := range askLevels {
		asks[i] = PriceLevel{Price: lv.Price.String(), Size: lv.Quantity.String()}
	}

	respondJSON(w, OrderbookSnapshot{
		MarketID:  marketID.Hex(),
		TokenID:   tokenID.String(),
		Bids:      bids,
		Asks:      asks,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if !common.IsHexAddress(vars["address"]) {
		respondError(w, http.StatusBadRequest, "invalid address", vars["address"])
		return
	}
	addr := common.HexToAddress(vars["address"])
	tokenID, ok := new(big.Int).SetString(vars["tokenId"], 10)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid tokenId", vars["tokenId"])
		return
	}

	bal := s.ledger.GetBalance(addr, tokenID)
	respondJSON(w, BalanceInfo{
		User:      core.LowerHex(addr),
		TokenID:   tokenID.String(),
		Available: bal.Available.String(),
		Locked:    bal.Locked.String(),
		Nonce:     s.ledger.GetNonce(addr).String(),
	})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	s.handleFunds(w, r, s.svc.Deposit)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	s.handleFunds(w, r, s.svc.Withdraw)
}

func (s *Server) handleFunds(w http.ResponseWriter, r *http.Request, apply func(common.Address, *big.Int, *big.Int) error) {
	vars := mux.Vars(r)
	if !common.IsHexAddress(vars["address"]) {
		respondError(w, http.StatusBadRequest, "invalid address", vars["address"])
		return
	}
	addr := common.HexToAddress(vars["address"])

	var req FundsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	tokenID, ok := new(big.Int).SetString(req.TokenID, 10)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid tokenId", req.TokenID)
		return
	}
	amount, err := req.ParseAmount()
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid amount", err.Error())
		return
	}

	if err := apply(addr, tokenID, amount); err != nil {
		var rej *orders.Rejection
		if errors.As(err, &rej) {
			respondJSONStatus(w, http.StatusUnprocessableEntity, rej)
			return
		}
		respondError(w, http.StatusUnprocessableEntity, "funds operation failed", err.Error())
		return
	}
	respondJSON(w, map[string]string{"status": "ok", "amount": amount.String()})
}

func (s *Server) handleGetEpoch(w http.ResponseWriter, r *http.Request) {
	epochID, err := strconv.ParseUint(mux.Vars(r)["epoch"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid epoch", err.Error())
		return
	}
	batch, err := s.settle.GetBatch(epochID)
	if err != nil {
		respondError(w, http.StatusNotFound, "epoch not found", "")
		return
	}
	respondJSON(w, batch)
}

func (s *Server) handleGetProof(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	epochID, err := strconv.ParseUint(vars["epoch"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid epoch", err.Error())
		return
	}
	if !common.IsHexAddress(vars["address"]) {
		respondError(w, http.StatusBadRequest, "invalid address", vars["address"])
		return
	}
	addr := common.HexToAddress(vars["address"])

	proof, err := s.settle.GetProof(epochID, addr)
	if err != nil {
		respondError(w, http.StatusNotFound, "proof not found", err.Error())
		return
	}
	batch, err := s.settle.GetBatch(epochID)
	if err != nil {
		respondError(w, http.StatusNotFound, "epoch not found", "")
		return
	}

	path := make([]string, len(proof.Path))
	for i, h := range proof.Path {
		path[i] = h.Hex()
	}
	respondJSON(w, ProofResponse{
		EpochID:    epochID,
		User:       core.LowerHex(addr),
		Amount:     proof.Amount.String(),
		Proof:      path,
		MerkleRoot: batch.MerkleRoot.Hex(),
	})
}

func (s *Server) handleGetUnclaimed(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if !common.IsHexAddress(vars["address"]) {
		respondError(w, http.StatusBadRequest, "invalid address", vars["address"])
		return
	}
	epochs := s.settle.GetUnclaimedEpochs(common.HexToAddress(vars["address"]))
	if epochs == nil {
		epochs = []uint64{}
	}
	respondJSON(w, map[string]interface{}{"epochs": epochs})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	healthy := s.recon == nil || s.recon.IsHealthy()
	status := map[string]interface{}{
		"status":  "ok",
		"paused":  s.svc.Paused(),
		"healthy": healthy,
	}
	if !healthy {
		respondJSONStatus(w, http.StatusServiceUnavailable, status)
		return
	}
	respondJSON(w, status)
}

func (s *Server) observe(method, path string, start time.Time) {
	if s.met == nil {
		return
	}
	s.met.RequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondJSONStatus(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, errMsg, message string) {
	respondJSONStatus(w, status, ErrorResponse{Error: errMsg, Message: message})
}
