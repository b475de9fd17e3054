package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/vaxel-labs/callbridge-ai/src/logger"
	"github.com/vaxel-labs/callbridge-ai/src/pool"
	"github.com/vaxel-labs/callbridge-ai/src/transports"
)

// Config holds the ingress HTTP settings
type Config struct {
	ListenAddr string

	// PublicMediaURL is the externally reachable base for the media
	// WebSocket, e.g. "wss://bridge.example.com". The connect action in
	// the webhook ack appends /media/{callId}.
	PublicMediaURL string

	DedupTTL time.Duration
}

// Server is the call-control ingress: inbound-call webhooks, DTMF and
// hangup notifications, the side-channel context API and operational
// endpoints. It drives the session pool; it never owns sessions itself.
type Server struct {
	cfg       Config
	pool      *pool.Manager
	transport *transports.MediaTransport
	dedup     *DedupRegistry

	// admitMu serializes call admission so racing webhook deliveries
	// cannot slip past the dedup checks. byCaller maps a caller number to
	// the call id currently holding its one-session slot.
	admitMu  sync.Mutex
	byCaller map[string]string

	accMu sync.Mutex
	accs  map[string]*DTMFAccumulator

	server *http.Server

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewServer wires the ingress against a pool and media transport
func NewServer(cfg Config, p *pool.Manager, transport *transports.MediaTransport) *Server {
	s := &Server{
		cfg:       cfg,
		pool:      p,
		transport: transport,
		dedup:     NewDedupRegistry(cfg.DedupTTL),
		byCaller:  make(map[string]string),
		accs:      make(map[string]*DTMFAccumulator),
		stopCh:    make(chan struct{}),
	}

	p.OnSessionClosed = func(callID, caller, reason string) {
		// Release the caller slot only if this call still holds it; a
		// superseding call may already have claimed it.
		s.admitMu.Lock()
		if s.byCaller[caller] == callID {
			delete(s.byCaller, caller)
			s.dedup.Remove(callerKey(caller))
		}
		s.admitMu.Unlock()

		s.dedup.Remove(callID)
		s.dropAccumulator(callID)
	}

	return s
}

// Handler returns the ingress route table
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook/inbound-call", s.handleInboundCall)
	mux.HandleFunc("/webhook/notify", s.handleNotify)
	mux.HandleFunc("/api/context/", s.handleContext)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/media/", s.transport.HandleWebSocket)
	return mux
}

// Start begins serving in the background
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: s.Handler(),
	}

	go func() {
		logger.Info("[Ingress] Listening on %s", s.cfg.ListenAddr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("[Ingress] Server error: %v", err)
		}
	}()

	go s.sweepLoop()
	return nil
}

// Shutdown stops accepting requests and drains in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// inboundCallPayload is the provider's new-call webhook body
type inboundCallPayload struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Number struct {
		Caller   string `json:"caller"`
		Called   string `json:"called"`
		Asserted string `json:"asserted"`
	} `json:"number"`
}

// callAction is one entry in the call-control action list we return
type callAction struct {
	Name string            `json:"name"`
	Arg  map[string]string `json:"arg,omitempty"`
}

type inboundCallResponse struct {
	ID        string       `json:"id"`
	Duplicate bool         `json:"duplicate,omitempty"`
	Actions   []callAction `json:"actions"`
}

// handleInboundCall accepts a new call. The ack is synchronous and
// immediate; session bring-up happens in the background so a slow agent
// handshake can never stall the provider.
func (s *Server) handleInboundCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var payload inboundCallPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		logger.Warn("[Ingress] Malformed inbound-call payload: %v", err)
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}
	if payload.ID == "" || payload.Number.Caller == "" {
		http.Error(w, "missing call id or caller", http.StatusBadRequest)
		return
	}

	caller := payload.Number.Caller

	// Admission is one critical section: the duplicate check, the caller
	// slot claim and the dedup inserts must be indivisible or two racing
	// deliveries can both bridge.
	s.admitMu.Lock()
	if s.dedup.Contains(payload.ID) {
		s.admitMu.Unlock()
		logger.Debug("[Ingress] Duplicate delivery for call %s", payload.ID)
		writeJSON(w, inboundCallResponse{ID: payload.ID, Duplicate: true, Actions: []callAction{}})
		return
	}
	superseded := s.byCaller[caller]
	s.byCaller[caller] = payload.ID
	s.dedup.Add(payload.ID)
	s.dedup.Add(callerKey(caller))
	s.admitMu.Unlock()

	if superseded != "" {
		// A newer call from the same caller wins; the older session is
		// torn down before the new one carries audio
		if old, ok := s.pool.Get(superseded); ok {
			logger.Warn("[Ingress] Caller %s already active on call %s, superseding", caller, superseded)
			old.Close("superseded")
		}
		s.dedup.Remove(superseded)
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		sess, err := s.pool.Acquire(ctx, payload.ID, caller, payload.Number.Called)
		if err != nil {
			logger.Error("[Ingress] Failed to bridge call %s: %v", payload.ID, err)
			s.admitMu.Lock()
			if s.byCaller[caller] == payload.ID {
				delete(s.byCaller, caller)
				s.dedup.Remove(callerKey(caller))
			}
			s.admitMu.Unlock()
			s.dedup.Remove(payload.ID)
			return
		}

		// The caller may have rung again while this call was still being
		// bridged; the newer admission wins and this session goes down.
		s.admitMu.Lock()
		current := s.byCaller[caller]
		s.admitMu.Unlock()
		if current != payload.ID {
			logger.Warn("[Ingress] Call %s superseded during bring-up, closing", payload.ID)
			sess.Close("superseded")
		}
	}()

	writeJSON(w, inboundCallResponse{
		ID: payload.ID,
		Actions: []callAction{
			{
				Name: "connect",
				Arg: map[string]string{
					"url": fmt.Sprintf("%s/media/%s", strings.TrimRight(s.cfg.PublicMediaURL, "/"), payload.ID),
				},
			},
		},
	})
}

// notifyPayload carries in-call events: DTMF presses and hangup
type notifyPayload struct {
	Name string `json:"name"`
	Call struct {
		ID string `json:"id"`
	} `json:"call"`
	Arg struct {
		DTMFDigit string `json:"dtmf_digit"`
	} `json:"arg"`
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var payload notifyPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		logger.Warn("[Ingress] Malformed notify payload: %v", err)
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}
	if payload.Call.ID == "" {
		http.Error(w, "missing call id", http.StatusBadRequest)
		return
	}

	switch payload.Name {
	case "dtmf":
		s.handleDTMF(payload.Call.ID, payload.Arg.DTMFDigit)
	case "hangup":
		s.handleHangup(payload.Call.ID)
	default:
		logger.Debug("[Ingress] Ignoring notify event %q", payload.Name)
	}

	writeJSON(w, map[string]string{"status": "ok"})
}

// handleDTMF accumulates digits and reacts to the control digits. Star
// validates the buffered tail as a personal identity number; hash requests
// routing to a human. Either way the buffer is cleared and the agent gets
// an activity ping so it does not time the caller out mid-entry.
func (s *Server) handleDTMF(callID, digit string) {
	sess, ok := s.pool.Get(callID)
	if !ok {
		logger.Debug("[Ingress] DTMF %q for inactive call %s", digit, callID)
		return
	}

	acc := s.accumulator(callID)

	switch digit {
	case DigitConfirm:
		candidate := acc.Tail(12)
		acc.Clear()
		normalized, err := NormalizePersonnummer(candidate)
		if err != nil {
			logger.Warn("[Ingress] Call %s: invalid identity number entry: %v", callID, err)
			break
		}
		logger.Info("[Ingress] Call %s: identity number confirmed", callID)
		if err := sess.SendContextualUpdate("personnummer", normalized); err != nil {
			logger.Warn("[Ingress] Call %s: error forwarding identity: %v", callID, err)
		}

	case DigitRoute:
		acc.Clear()
		logger.Info("[Ingress] Call %s: routing to human requested", callID)
		if err := sess.SendContextualUpdate("routing", "caller requested transfer to a human agent"); err != nil {
			logger.Warn("[Ingress] Call %s: error forwarding routing request: %v", callID, err)
		}

	default:
		acc.Append(digit)
	}

	if err := sess.SendUserActivity(); err != nil {
		logger.Debug("[Ingress] Call %s: error sending activity ping: %v", callID, err)
	}
}

// handleHangup tears the call down immediately, bypassing graceful drains
func (s *Server) handleHangup(callID string) {
	s.dropAccumulator(callID)

	sess, ok := s.pool.Get(callID)
	if !ok {
		logger.Debug("[Ingress] Hangup for inactive call %s", callID)
		return
	}
	sess.Hangup("hangup")
}

// contextPayload is the side-channel body forwarded verbatim to the agent
type contextPayload struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// handleContext forwards an out-of-band contextual update to the agent
// side channel of an active call
func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	callID := strings.TrimPrefix(r.URL.Path, "/api/context/")
	if callID == "" || strings.Contains(callID, "/") {
		http.Error(w, "missing call id", http.StatusNotFound)
		return
	}

	sess, ok := s.pool.Get(callID)
	if !ok {
		http.Error(w, "call not active", http.StatusNotFound)
		return
	}

	var payload contextPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.Text == "" {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	if err := sess.SendContextualUpdate(payload.Type, payload.Text); err != nil {
		logger.Warn("[Ingress] Call %s: error forwarding context: %v", callID, err)
		http.Error(w, "forwarding failed", http.StatusBadGateway)
		return
	}

	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.pool.Stats())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

// accumulator returns the DTMF buffer for a call, creating it on first use
func (s *Server) accumulator(callID string) *DTMFAccumulator {
	s.accMu.Lock()
	defer s.accMu.Unlock()

	acc, ok := s.accs[callID]
	if !ok {
		acc = NewDTMFAccumulator()
		s.accs[callID] = acc
	}
	return acc
}

func (s *Server) dropAccumulator(callID string) {
	s.accMu.Lock()
	delete(s.accs, callID)
	s.accMu.Unlock()
}

// sweepLoop prunes expired dedup keys in the background
func (s *Server) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.dedup.Sweep()
		}
	}
}

func callerKey(caller string) string {
	return caller + "_active"
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("[Ingress] Error writing response: %v", err)
	}
}
