package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"namemarket/market/purchase"
	"namemarket/market/register"
	"namemarket/market/renew"
	"namemarket/market/session"
	"namemarket/marketdb"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPollInterval = 250 * time.Millisecond
)

// sessionView is the wire shape for flow session state. Fields outside a
// session's kind are omitted.
type sessionView struct {
	ID    string `json:"id"`
	Kind  string `json:"kind"`
	Step  string `json:"step"`
	Error string `json:"error,omitempty"`
	Tx    string `json:"tx_hash,omitempty"`

	NeedsApproval *bool    `json:"needs_approval,omitempty"`
	GasEstimate   uint64   `json:"gas_estimate,omitempty"`
	Availability  string   `json:"availability,omitempty"`
	RemainingSecs *float64 `json:"remaining_seconds,omitempty"`
	Ready         *bool    `json:"ready,omitempty"`
	TotalUSD      float64  `json:"total_usd,omitempty"`
}

func viewOf(sess *session.Session) sessionView {
	view := sessionView{ID: sess.ID, Kind: string(sess.Kind)}
	switch sess.Kind {
	case session.KindPurchase:
		flow := sess.Purchase
		view.Step = string(flow.Step())
		view.Error = flow.Err()
		needs := flow.NeedsApproval()
		view.NeedsApproval = &needs
		view.GasEstimate = flow.GasEstimate()
		if tx := flow.TxHash(); tx != (common.Hash{}) {
			view.Tx = tx.Hex()
		}
	case session.KindRegister:
		flow := sess.Register
		view.Step = string(flow.Step())
		view.Error = flow.Err()
		view.Availability = availabilityString(flow.Availability())
		remaining := flow.Remaining().Seconds()
		view.RemainingSecs = &remaining
		ready := flow.Ready()
		view.Ready = &ready
		if tx := flow.RegisterTx(); tx != (common.Hash{}) {
			view.Tx = tx.Hex()
		}
	case session.KindRenew:
		flow := sess.Renew
		view.Step = string(flow.State())
		view.Error = flow.Err()
		view.GasEstimate = flow.GasEstimate()
		view.TotalUSD = flow.TotalUSD()
		if tx := flow.TxHash(); tx != (common.Hash{}) {
			view.Tx = tx.Hex()
		}
	}
	return view
}

func availabilityString(a register.Availability) string {
	switch a {
	case register.AvailabilityOpen:
		return "open"
	case register.AvailabilityTaken:
		return "taken"
	}
	return "unknown"
}

func terminal(sess *session.Session) bool {
	switch sess.Kind {
	case session.KindPurchase:
		return sess.Purchase.Step().Terminal()
	case session.KindRegister:
		return sess.Register.Step().Terminal()
	case session.KindRenew:
		state := sess.Renew.State()
		return state == renew.StateSuccess || state == renew.StateError
	}
	return false
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess, err := s.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return nil, false
	}
	return sess, true
}

// StartPurchase creates a purchase session from a stored listing and
// reports the upfront gas estimate and approval requirement.
func (s *Server) StartPurchase(w http.ResponseWriter, r *http.Request) {
	if _, err := CallerFrom(r.Context()); err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	var req struct {
		ListingID string `json:"listing_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	listingID, err := uuid.Parse(strings.TrimSpace(req.ListingID))
	if err != nil {
		http.Error(w, "invalid listing id", http.StatusBadRequest)
		return
	}
	row, err := s.store.GetListing(r.Context(), listingID)
	if err != nil {
		if errors.Is(err, marketdb.ErrNotFound) {
			http.Error(w, "listing not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load listing", http.StatusInternalServerError)
		return
	}
	listing, err := row.ToOrderListing()
	if err != nil {
		http.Error(w, "stored listing is malformed", http.StatusInternalServerError)
		return
	}
	flow, err := s.flows.Purchase(r.Context(), listing)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	flow.EstimateGas(r.Context())
	if err := flow.CheckApproval(r.Context()); err != nil {
		s.logger.Debug("approval probe failed", "listing", listing.ID, "error", err.Error())
	}
	sess := s.sessions.NewPurchase(flow, row.ID.String())
	s.writeJSON(w, http.StatusCreated, viewOf(sess))
}

// ApprovePurchase submits the ERC-20 approval and, once it confirms,
// continues straight into the purchase.
func (s *Server) ApprovePurchase(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	if sess.Kind != session.KindPurchase {
		http.Error(w, "not a purchase session", http.StatusBadRequest)
		return
	}
	err := sess.Purchase.Approve(r.Context())
	s.finishPurchase(r.Context(), sess, err)
	s.respondFlow(w, sess, err)
}

// SubmitPurchase simulates and submits the fulfillment transaction.
func (s *Server) SubmitPurchase(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	if sess.Kind != session.KindPurchase {
		http.Error(w, "not a purchase session", http.StatusBadRequest)
		return
	}
	err := sess.Purchase.Purchase(r.Context())
	s.finishPurchase(r.Context(), sess, err)
	s.respondFlow(w, sess, err)
}

// finishPurchase marks the listing fulfilled and records the sale after a
// confirmed purchase.
func (s *Server) finishPurchase(ctx context.Context, sess *session.Session, flowErr error) {
	if flowErr != nil || sess.Purchase.Step() != purchase.StepSuccess {
		return
	}
	listingID, err := uuid.Parse(sess.Ref)
	if err != nil {
		return
	}
	txHash := sess.Purchase.TxHash()
	if err := s.store.MarkFulfilled(ctx, listingID, txHash); err != nil {
		s.logger.Warn("mark listing fulfilled", "listing", sess.Ref, "error", err.Error())
		return
	}
	row, err := s.store.GetListing(ctx, listingID)
	if err != nil {
		return
	}
	listing, err := row.ToOrderListing()
	if err != nil {
		return
	}
	caller, err := CallerFrom(ctx)
	if err != nil {
		return
	}
	if err := s.store.RecordActivity(ctx, listing.Name, marketdb.ActivityPurchased, caller, listing.Price, txHash); err != nil {
		s.logger.Debug("record purchase activity", "error", err.Error())
	}
	// Ownership moves to the buyer; the registration expiry is untouched.
	if err := s.store.UpsertPortfolioName(ctx, listing.Name, caller, time.Time{}); err != nil {
		s.logger.Warn("transfer portfolio name", "name", listing.Name, "error", err.Error())
	}
}

// StartRegistration creates a commit-reveal registration session and
// probes availability up front.
func (s *Server) StartRegistration(w http.ResponseWriter, r *http.Request) {
	caller, err := CallerFrom(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	var req struct {
		Label    string `json:"label"`
		Quantity int64  `json:"duration_quantity"`
		Unit     string `json:"duration_unit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	duration, err := register.ForDuration(req.Quantity, register.Unit(strings.ToLower(req.Unit)))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	label := strings.ToLower(strings.TrimSpace(req.Label))
	if label == "" {
		http.Error(w, "label is required", http.StatusBadRequest)
		return
	}
	flow, err := s.flows.Registration(r.Context(), label, caller, duration)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if resumed, err := flow.Resume(r.Context()); err != nil {
		s.logger.Debug("resume registration", "label", label, "error", err.Error())
	} else if resumed {
		s.logger.Info("registration resumed from stored commitment", "label", label)
	}
	if _, err := flow.CheckAvailability(r.Context()); err != nil {
		s.logger.Debug("availability probe failed", "label", label, "error", err.Error())
	}
	sess := s.sessions.NewRegister(flow)
	s.writeJSON(w, http.StatusCreated, viewOf(sess))
}

// CommitRegistration submits the commitment transaction.
func (s *Server) CommitRegistration(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	if sess.Kind != session.KindRegister {
		http.Error(w, "not a registration session", http.StatusBadRequest)
		return
	}
	err := sess.Register.Commit(r.Context())
	s.respondFlow(w, sess, err)
}

// SubmitRegistration reveals the registration once the commitment has
// aged past the minimum window.
func (s *Server) SubmitRegistration(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	if sess.Kind != session.KindRegister {
		http.Error(w, "not a registration session", http.StatusBadRequest)
		return
	}
	err := sess.Register.Register(r.Context())
	if err == nil {
		flow := sess.Register
		if caller, cerr := CallerFrom(r.Context()); cerr == nil {
			if aerr := s.store.RecordActivity(r.Context(), flow.Label(), marketdb.ActivityRegistered, caller, nil, flow.RegisterTx()); aerr != nil {
				s.logger.Debug("record registration activity", "error", aerr.Error())
			}
			expiry := s.now().Add(flow.Duration())
			if perr := s.store.UpsertPortfolioName(r.Context(), flow.Label(), caller, expiry); perr != nil {
				s.logger.Warn("record portfolio name", "name", flow.Label(), "error", perr.Error())
			}
		}
	}
	s.respondFlow(w, sess, err)
}

// StartRenewal creates a bulk renewal session over names the caller owns.
func (s *Server) StartRenewal(w http.ResponseWriter, r *http.Request) {
	caller, err := CallerFrom(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	var req struct {
		Labels   []string `json:"labels"`
		Quantity int64    `json:"duration_quantity"`
		Unit     string   `json:"duration_unit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	duration, err := register.ForDuration(req.Quantity, register.Unit(strings.ToLower(req.Unit)))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(req.Labels) == 0 {
		http.Error(w, "labels are required", http.StatusBadRequest)
		return
	}
	owned, err := s.store.PortfolioOf(r.Context(), caller)
	if err != nil {
		http.Error(w, "failed to load portfolio", http.StatusInternalServerError)
		return
	}
	expiries := make(map[string]time.Time, len(owned))
	for _, n := range owned {
		expiries[n.Name] = n.ExpiresAt
	}
	domains := make([]renew.Domain, 0, len(req.Labels))
	for _, label := range req.Labels {
		label = strings.ToLower(strings.TrimSpace(label))
		expiry, ok := expiries[label]
		if !ok {
			http.Error(w, "name not in portfolio: "+label, http.StatusBadRequest)
			return
		}
		domains = append(domains, renew.Domain{Label: label, Expiry: expiry})
	}
	flow, err := s.flows.Renewal(r.Context(), caller, domains, duration)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sess := s.sessions.NewRenew(flow)
	s.writeJSON(w, http.StatusCreated, viewOf(sess))
}

// SubmitRenewal submits the batched renewal transaction.
func (s *Server) SubmitRenewal(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	if sess.Kind != session.KindRenew {
		http.Error(w, "not a renewal session", http.StatusBadRequest)
		return
	}
	err := sess.Renew.Renew(r.Context())
	if err == nil {
		flow := sess.Renew
		if caller, cerr := CallerFrom(r.Context()); cerr == nil {
			txHash := flow.TxHash()
			for _, d := range flow.Domains() {
				if aerr := s.store.RecordActivity(r.Context(), d.Label, marketdb.ActivityRenewed, caller, nil, txHash); aerr != nil {
					s.logger.Debug("record renewal activity", "name", d.Label, "error", aerr.Error())
				}
				if perr := s.store.UpsertPortfolioName(r.Context(), d.Label, caller, d.Expiry.Add(flow.Extension())); perr != nil {
					s.logger.Warn("extend portfolio name", "name", d.Label, "error", perr.Error())
				}
			}
		}
	}
	s.respondFlow(w, sess, err)
}

// SessionStatus reports current flow state for polling clients.
func (s *Server) SessionStatus(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, viewOf(sess))
}

// RetrySession returns an errored flow to its starting step.
func (s *Server) RetrySession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var err error
	switch sess.Kind {
	case session.KindPurchase:
		err = sess.Purchase.Retry()
	case session.KindRegister:
		err = sess.Register.Retry(r.Context())
	case session.KindRenew:
		err = sess.Renew.Retry()
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	s.writeJSON(w, http.StatusOK, viewOf(sess))
}

// ReleaseSession drops a session; sessions with a transaction awaiting
// confirmation are refused.
func (s *Server) ReleaseSession(w http.ResponseWriter, r *http.Request) {
	err := s.sessions.Release(chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, session.ErrNotFound):
		http.Error(w, "session not found", http.StatusNotFound)
	case errors.Is(err, session.ErrInFlight):
		http.Error(w, "transaction in flight", http.StatusConflict)
	case err != nil:
		http.Error(w, "failed to release session", http.StatusInternalServerError)
	default:
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
	}
}

// SessionEvents streams state snapshots over a websocket until the flow
// reaches a terminal step or the client disconnects.
func (s *Server) SessionEvents(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	if err := s.streamSession(r.Context(), conn, sess); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamSession(ctx context.Context, conn *websocket.Conn, sess *session.Session) error {
	ticker := time.NewTicker(wsPollInterval)
	defer ticker.Stop()

	var last []byte
	for {
		payload, err := json.Marshal(viewOf(sess))
		if err != nil {
			return err
		}
		if !bytes.Equal(payload, last) {
			writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				return err
			}
			last = payload
		}
		if terminal(sess) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Server) respondFlow(w http.ResponseWriter, sess *session.Session, flowErr error) {
	view := viewOf(sess)
	if flowErr != nil {
		s.writeJSON(w, http.StatusConflict, view)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}
