package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/coveswap/coveswap/params"
	"github.com/coveswap/coveswap/pkg/book"
	"github.com/coveswap/coveswap/pkg/crypto"
	"github.com/coveswap/coveswap/pkg/escrow"
	"github.com/coveswap/coveswap/pkg/exchange"
	"github.com/coveswap/coveswap/pkg/ledger"
)

// Server exposes order submission, book and ledger queries, and the
// escrow transition endpoints over REST, plus a WebSocket event stream.
type Server struct {
	exchange *exchange.Exchange
	escrows  *escrow.Engine
	router   *mux.Router
	hub      *Hub
	cfg      params.API
	log      *zap.SugaredLogger
}

func NewServer(ex *exchange.Exchange, esc *escrow.Engine, cfg params.API, log *zap.SugaredLogger) *Server {
	s := &Server{
		exchange: ex,
		escrows:  esc,
		router:   mux.NewRouter(),
		hub:      NewHub(log),
		cfg:      cfg,
		log:      log,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Orders
	api.HandleFunc("/orders", s.handleSubmitOrder).Methods("POST")
	api.HandleFunc("/orders/cancel", s.handleCancelOrder).Methods("POST")
	api.HandleFunc("/orders/{fingerprint}", s.handleGetOrder).Methods("GET")

	// Book and ledger
	api.HandleFunc("/book/{base}/{quote}", s.handleGetBook).Methods("GET")
	api.HandleFunc("/trades", s.handleGetTrades).Methods("GET")

	// Escrow lifecycle
	api.HandleFunc("/escrows", s.handleCreateEscrow).Methods("POST")
	api.HandleFunc("/escrows/{id}", s.handleGetEscrow).Methods("GET")
	api.HandleFunc("/escrows/{id}/deposit", s.handleEscrowDeposit).Methods("POST")
	api.HandleFunc("/escrows/{id}/confirm", s.handleEscrowConfirm).Methods("POST")
	api.HandleFunc("/escrows/{id}/release", s.handleEscrowRelease).Methods("POST")
	api.HandleFunc("/escrows/{id}/refund", s.handleEscrowRefund).Methods("POST")

	// Event stream
	s.router.HandleFunc("/ws", s.handleWebSocket)

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Start runs the hub, the event pumps and the HTTP listener. Blocks.
func (s *Server) Start(addr string) error {
	go s.hub.Run()
	go s.pumpTrades()
	go s.pumpEscrowEvents()

	c := cors.New(cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})

	s.log.Infow("api server starting", "addr", addr)
	return http.ListenAndServe(addr, c.Handler(s.router))
}

// pumpTrades forwards executed trades to WebSocket subscribers.
func (s *Server) pumpTrades() {
	for t := range s.exchange.TradeEvents() {
		s.hub.Broadcast(ChannelTrades, tradeInfo(t))
	}
}

// pumpEscrowEvents forwards escrow lifecycle events, mirroring the
// contract's log stream (name + indexed tradeId, amount, party).
func (s *Server) pumpEscrowEvents() {
	for ev := range s.escrows.Events() {
		amount := "0"
		if ev.Amount != nil {
			amount = ev.Amount.String()
		}
		msg := map[string]interface{}{
			"name":       ev.Name,
			"instanceId": ev.InstanceID.Hex(),
			"tradeId":    ev.TradeID.Hex(),
			"amount":     amount,
			"party":      crypto.Checksum(ev.Party),
			"at":         ev.At.UnixMilli(),
		}
		if ev.Op != "" {
			msg["op"] = ev.Op
		}
		if ev.Reason != "" {
			msg["reason"] = ev.Reason
		}
		s.hub.Broadcast(ChannelEscrow, msg)
	}
}

// ==============================
// Order handlers
// ==============================

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid JSON body")
		return
	}
	if req.Order == nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "order is required")
		return
	}

	o, err := req.Order.ToOrder()
	if err != nil {
		respondDomainError(w, err)
		return
	}
	signature, err := hexutil.Decode(req.Signature)
	if err != nil {
		respondError(w, http.StatusBadRequest, "MALFORMED_SIGNATURE", "signature must be 0x-prefixed hex")
		return
	}

	result, err := s.exchange.Submit(r.Context(), o, signature)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	trades := make([]TradeInfo, 0, len(result.Trades))
	for _, t := range result.Trades {
		trades = append(trades, tradeInfo(t))
	}
	respondJSON(w, SubmitResponse{
		Accepted:        true,
		OrderID:         result.Fingerprint.Hex(),
		Status:          result.Status,
		Trades:          trades,
		RemainingAmount: result.Remaining.String(),
	})
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid JSON body")
		return
	}
	requester, err := crypto.ParseAddress(req.Requester)
	if err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "requester is not a valid address")
		return
	}

	resident, err := s.exchange.Cancel(r.Context(), common.HexToHash(req.OrderID), requester)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, OrderInfo{
		OrderID:         resident.Fingerprint.Hex(),
		Signer:          crypto.Checksum(resident.Order.Signer),
		Status:          resident.Status,
		RemainingAmount: resident.Remaining.String(),
		AdmittedAt:      resident.AdmittedAt.UnixMilli(),
	})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	fp := common.HexToHash(mux.Vars(r)["fingerprint"])
	resident, ok := s.exchange.Order(fp)
	if !ok {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "no order with that fingerprint")
		return
	}
	respondJSON(w, OrderInfo{
		OrderID:         resident.Fingerprint.Hex(),
		Signer:          crypto.Checksum(resident.Order.Signer),
		Status:          resident.Status,
		RemainingAmount: resident.Remaining.String(),
		AdmittedAt:      resident.AdmittedAt.UnixMilli(),
	})
}

// ==============================
// Book and ledger handlers
// ==============================

func (s *Server) handleGetBook(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	base, err := crypto.ParseAddress(vars["base"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "base is not a valid asset address")
		return
	}
	quote, err := crypto.ParseAddress(vars["quote"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "quote is not a valid asset address")
		return
	}

	snap := s.exchange.Snapshot(base, quote)

	out := BookSnapshot{
		Pair:      snap.Pair,
		Bids:      make([]BookEntry, 0, len(snap.Bids)),
		Asks:      make([]BookEntry, 0, len(snap.Asks)),
		BidLevels: make([]BookLevel, 0, len(snap.BidLevels)),
		AskLevels: make([]BookLevel, 0, len(snap.AskLevels)),
		Timestamp: snap.TakenAt.UnixMilli(),
	}
	for _, e := range snap.Bids {
		out.Bids = append(out.Bids, bookEntry(e))
	}
	for _, e := range snap.Asks {
		out.Asks = append(out.Asks, bookEntry(e))
	}
	for _, l := range snap.BidLevels {
		out.BidLevels = append(out.BidLevels, BookLevel{
			PriceNum: l.PriceNum.String(), PriceDen: l.PriceDen.String(), Quantity: l.Quantity.String(),
		})
	}
	for _, l := range snap.AskLevels {
		out.AskLevels = append(out.AskLevels, BookLevel{
			PriceNum: l.PriceNum.String(), PriceDen: l.PriceDen.String(), Quantity: l.Quantity.String(),
		})
	}
	respondJSON(w, out)
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ledger.Filter{Pair: q.Get("pair")}
	if v := q.Get("orderId"); v != "" {
		filter.Order = common.HexToHash(v)
	}
	if v := q.Get("from"); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			filter.From = time.UnixMilli(ms)
		}
	}
	if v := q.Get("to"); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			filter.To = time.UnixMilli(ms)
		}
	}

	trades := s.exchange.Trades(filter)
	out := make([]TradeInfo, 0, len(trades))
	for _, t := range trades {
		out = append(out, tradeInfo(t))
	}
	respondJSON(w, out)
}

// ==============================
// Escrow handlers
// ==============================

func (s *Server) handleCreateEscrow(w http.ResponseWriter, r *http.Request) {
	var req CreateEscrowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid JSON body")
		return
	}

	depositor, err1 := crypto.ParseAddress(req.Depositor)
	counterparty, err2 := crypto.ParseAddress(req.Counterparty)
	arbiter, err3 := crypto.ParseAddress(req.Arbiter)
	asset, err4 := crypto.ParseAddress(req.Asset)
	for _, err := range []error{err1, err2, err3, err4} {
		if err != nil {
			respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
			return
		}
	}
	amount, err := parseAmount(req.Amount, "amount")
	if err != nil {
		respondDomainError(w, err)
		return
	}

	inst, err := s.escrows.Create(depositor, counterparty, arbiter, asset, amount, common.HexToHash(req.TradeHash))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, escrowInfo(inst))
}

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	inst, err := s.escrows.Get(common.HexToHash(mux.Vars(r)["id"]))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, escrowInfo(inst))
}

func (s *Server) handleEscrowDeposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid JSON body")
		return
	}
	caller, err := crypto.ParseAddress(req.Caller)
	if err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "caller is not a valid address")
		return
	}
	amount, err := parseAmount(req.Amount, "amount")
	if err != nil {
		respondDomainError(w, err)
		return
	}

	inst, err := s.escrows.Deposit(common.HexToHash(mux.Vars(r)["id"]), caller, amount)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, escrowInfo(inst))
}

func (s *Server) handleEscrowConfirm(w http.ResponseWriter, r *http.Request) {
	var req ConfirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid JSON body")
		return
	}
	caller, err := crypto.ParseAddress(req.Caller)
	if err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "caller is not a valid address")
		return
	}

	inst, err := s.escrows.Confirm(common.HexToHash(mux.Vars(r)["id"]), caller)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, escrowInfo(inst))
}

func (s *Server) handleEscrowRelease(w http.ResponseWriter, r *http.Request) {
	var req ReleaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid JSON body")
		return
	}
	to, err := crypto.ParseAddress(req.To)
	if err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "to is not a valid address")
		return
	}
	asset, err := crypto.ParseAddress(req.Asset)
	if err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "asset is not a valid address")
		return
	}
	amount, err := parseAmount(req.Amount, "amount")
	if err != nil {
		respondDomainError(w, err)
		return
	}
	signature, err := hexutil.Decode(req.Signature)
	if err != nil {
		respondError(w, http.StatusBadRequest, "MALFORMED_SIGNATURE", "signature must be 0x-prefixed hex")
		return
	}

	inst, err := s.escrows.ReleaseWithSignature(common.HexToHash(mux.Vars(r)["id"]), to, asset, amount, signature)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, escrowInfo(inst))
}

func (s *Server) handleEscrowRefund(w http.ResponseWriter, r *http.Request) {
	var req RefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid JSON body")
		return
	}
	caller, err := crypto.ParseAddress(req.Caller)
	if err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "caller is not a valid address")
		return
	}

	inst, err := s.escrows.Refund(common.HexToHash(mux.Vars(r)["id"]), caller)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, escrowInfo(inst))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Helpers
// ==============================

func bookEntry(e book.Entry) BookEntry {
	return BookEntry{
		OrderID:   e.Fingerprint,
		Signer:    e.Signer,
		Remaining: e.Remaining.String(),
		PriceNum:  e.PriceNum.String(),
		PriceDen:  e.PriceDen.String(),
	}
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, code string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Code: code, Message: message})
}

// respondDomainError maps a core error onto the stable taxonomy.
func respondDomainError(w http.ResponseWriter, err error) {
	status, code := errorCode(err)
	respondError(w, status, code, err.Error())
}
