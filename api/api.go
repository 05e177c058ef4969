// Package api serves read-only queries about the anchoring chain: current
// protocol state, lect logs and the latest anchor. It never mutates protocol
// state, so running it on auditors is safe.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/throttled/throttled/v2"
	"github.com/throttled/throttled/v2/store/memstore"

	"github.com/anchorbft/anchoring-core/anchor"
	"github.com/anchorbft/anchoring-core/lect"
	"github.com/anchorbft/anchoring-core/types"
	"github.com/anchorbft/anchoring-core/util"
)

type Server struct {
	engine *anchor.Engine
	config types.ServiceConfig
	logger log.Logger
}

func NewServer(engine *anchor.Engine, config types.ServiceConfig, logger log.Logger) *Server {
	return &Server{
		engine: engine,
		config: config,
		logger: logger,
	}
}

// respondJSON makes the response with payload as json format
func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	response, err := json.Marshal(payload)
	if util.LogError(err) != nil {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(err.Error()))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(response))
}

func (s *Server) HomeHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusTeapot)
	fmt.Fprintf(w, "This is the anchoring status API.")
}

// StatusResponse : protocol mode plus the latest committed anchor
type StatusResponse struct {
	Time          string `json:"time"`
	Network       string `json:"network"`
	State         string `json:"state"`
	AnchorHeight  int64  `json:"anchor_height"`
	AnchorTxID    string `json:"anchor_txid"`
	Confirmations int64  `json:"confirmations"`
	PendingTxID   string `json:"pending_txid,omitempty"`
}

func (s *Server) StatusHandler(w http.ResponseWriter, r *http.Request) {
	state, err := s.engine.CurrentState()
	if util.LoggerError(s.logger, err) != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": "Could not query for status"})
		return
	}
	anchorState, err := s.engine.AnchorState()
	if util.LoggerError(s.logger, err) != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": "Could not query for status"})
		return
	}
	status := StatusResponse{
		Time:          time.Now().UTC().Format("2006-01-02T15:04:05.999Z07:00"),
		Network:       s.config.Anchoring.Network,
		State:         state.String(),
		AnchorHeight:  anchorState.LatestAnchorHeight,
		AnchorTxID:    anchorState.LatestAnchorTxID,
		Confirmations: anchorState.Confirmations,
	}
	if anchorState.Pending != nil {
		if tx, err := types.DecodeTxHex(anchorState.Pending.TxHex); err == nil {
			status.PendingTxID = tx.TxHash().String()
		}
	}
	respondJSON(w, http.StatusOK, status)
}

// LectsHandler returns one validator's full append-only lect log.
func (s *Server) LectsHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	validator, err := strconv.Atoi(vars["validator"])
	if err != nil || validator < 0 {
		respondJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "validator must be a non-negative index"})
		return
	}
	entries, err := s.engine.Storage().Entries(validator)
	if util.LoggerError(s.logger, err) != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": "Could not read lect log"})
		return
	}
	respondJSON(w, http.StatusOK, entries)
}

// ChainClaim is one validator's current position in the anchoring chain.
type ChainClaim struct {
	Validator int    `json:"validator"`
	TxID      string `json:"txid,omitempty"`
	Count     int    `json:"count"`
}

// ChainResponse is the network's anchoring chain as this node sees it: every
// validator's latest claim plus the transaction a quorum currently agrees on.
type ChainResponse struct {
	CollectiveTxID string       `json:"collective_txid,omitempty"`
	Threshold      int          `json:"threshold"`
	Claims         []ChainClaim `json:"claims"`
}

func (s *Server) ChainHandler(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.engine.ActualConfig()
	if util.LoggerError(s.logger, err) != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": "Could not read anchoring config"})
		return
	}
	storage := s.engine.Storage()
	latest := map[int]*types.LectEntry{}
	claims := make([]ChainClaim, 0, len(cfg.AnchoringKeys))
	for v := 0; v < len(cfg.AnchoringKeys); v++ {
		entry, err := storage.Latest(v)
		if util.LoggerError(s.logger, err) != nil {
			respondJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": "Could not read lect log"})
			return
		}
		latest[v] = entry
		claim := ChainClaim{Validator: v}
		if entry != nil {
			claim.TxID = entry.TxID
			claim.Count = entry.Count
		}
		claims = append(claims, claim)
	}
	resp := ChainResponse{Threshold: cfg.Threshold(), Claims: claims}
	if agreed := lect.GroupClaims(latest, cfg.Threshold()); agreed != nil {
		resp.CollectiveTxID = agreed.TxID
	}
	respondJSON(w, http.StatusOK, resp)
}

// Router builds the rate-limited read-only API router.
func (s *Server) Router() (*mux.Router, error) {
	apiStore, err := memstore.New(65536)
	if err != nil {
		return nil, err
	}
	apiQuota := throttled.RateQuota{MaxRate: throttled.PerSec(15), MaxBurst: 50}
	apiLimiter, err := throttled.NewGCRARateLimiter(apiStore, apiQuota)
	if err != nil {
		return nil, err
	}
	apiRateLimiter := throttled.HTTPRateLimiter{
		RateLimiter: apiLimiter,
		VaryBy:      &throttled.VaryBy{RemoteAddr: true},
	}

	r := mux.NewRouter()
	r.Handle("/", apiRateLimiter.RateLimit(http.HandlerFunc(s.HomeHandler)))
	r.Handle("/status", apiRateLimiter.RateLimit(http.HandlerFunc(s.StatusHandler)))
	r.Handle("/lects/{validator}", apiRateLimiter.RateLimit(http.HandlerFunc(s.LectsHandler)))
	r.Handle("/chain", apiRateLimiter.RateLimit(http.HandlerFunc(s.ChainHandler)))
	return r, nil
}

// Serve runs the API server; blocks until the listener fails.
func (s *Server) Serve() error {
	router, err := s.Router()
	if err != nil {
		return err
	}
	server := &http.Server{
		Handler:      router,
		Addr:         ":" + s.config.APIPort,
		WriteTimeout: 15 * time.Second,
		ReadTimeout:  15 * time.Second,
	}
	return server.ListenAndServe()
}
