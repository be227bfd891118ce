//nolint:revive // api is a standard package name for API servers
package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jwoglom/configportal/pkg/bluetooth"
	"github.com/jwoglom/configportal/pkg/finance"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// Server provides the HTTP and WebSocket API for the portal
type Server struct {
	coordinator *bluetooth.Coordinator
	chars       bluetooth.CharacteristicAccess
	sim         *bluetooth.SimStack
	finance     *finance.Manager
	confirmer   *WebsocketConfirmer

	conn *websocket.Conn
	mtx  sync.Mutex

	httpServer *http.Server

	// cancelled by Shutdown; bounds work started from websocket commands
	ctx    context.Context
	cancel context.CancelFunc

	// Callback for commands the server does not handle itself
	commandHandler CommandHandler
}

// CommandHandler is called when an unknown command is received from the websocket
type CommandHandler func(command string, params map[string]interface{})

// BluetoothState is the coordinator state reported to clients
type BluetoothState struct {
	State      bluetooth.ConnectionState `json:"state"`
	Connection string                    `json:"connection,omitempty"`
}

// Event is pushed to websocket clients
type Event struct {
	Type           string                                 `json:"type"`
	State          *BluetoothState                        `json:"state,omitempty"`
	Change         *bluetooth.StateChange                 `json:"change,omitempty"`
	Request        *bluetooth.PasscodeConfirmationRequest `json:"request,omitempty"`
	Characteristic string                                 `json:"characteristic,omitempty"`
	Data           string                                 `json:"data,omitempty"`
	Account        *finance.Snapshot                      `json:"account,omitempty"`
	Message        string                                 `json:"message,omitempty"`
}

// New creates a new API server. The coordinator is attached with SetCoordinator
// once it has been built with Confirmer.
func New() *Server {
	s := &Server{}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.confirmer = newWebsocketConfirmer(s)
	return s
}

// Confirmer returns the passcode confirmer backed by the websocket client
func (s *Server) Confirmer() *WebsocketConfirmer {
	return s.confirmer
}

// SetCoordinator sets the pairing coordinator controlled by this server
func (s *Server) SetCoordinator(c *bluetooth.Coordinator) {
	s.coordinator = c
}

// SetCharacteristicAccess enables the notify and setCharacteristic commands
func (s *Server) SetCharacteristicAccess(chars bluetooth.CharacteristicAccess) {
	s.chars = chars
}

// SetSimStack enables the sim.* commands
func (s *Server) SetSimStack(sim *bluetooth.SimStack) {
	s.sim = sim
}

// SetFinanceManager sets the finance manager for this server
func (s *Server) SetFinanceManager(m *finance.Manager) {
	s.finance = m
}

// SetCommandHandler sets the callback for commands the server does not handle
func (s *Server) SetCommandHandler(handler CommandHandler) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.commandHandler = handler
}

// Start serves the API on addr until Shutdown is called
func (s *Server) Start(addr string) error {
	s.mtx.Lock()
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.httpServer
	s.mtx.Unlock()

	log.Infof("Configuration portal API listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server failed: %w", err)
	}
	return nil
}

// Shutdown stops the HTTP server, cancels running account refreshes and drops
// the websocket client
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()

	s.mtx.Lock()
	srv := s.httpServer
	conn := s.conn
	s.conn = nil
	s.mtx.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			log.Debugf("Error closing websocket: %v", err)
		}
	}
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Handler returns the routes of the API
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		if _, err := fmt.Fprint(w, "Configuration Portal API - Connect via WebSocket at /ws\n\nBluetooth API:\n  GET    /api/bluetooth/state\n  GET    /api/bluetooth/advertising\n  POST   /api/bluetooth/advertising\n  POST   /api/bluetooth/disconnect\n\nFinance API:\n  GET    /api/finance/accounts\n  POST   /api/finance/accounts/{name}/refresh\n"); err != nil {
			log.Warnf("Failed to write response: %v", err)
		}
	})
	mux.HandleFunc("/ws", s.serveWebsocket)
	mux.HandleFunc("/api/bluetooth/state", s.handleStateAPI)
	mux.HandleFunc("/api/bluetooth/advertising", s.handleAdvertisingAPI)
	mux.HandleFunc("/api/bluetooth/disconnect", s.handleDisconnectAPI)
	mux.HandleFunc("/api/finance/accounts", s.handleFinanceAPI)
	mux.HandleFunc("/api/finance/accounts/", s.handleFinanceAPI)
	return mux
}

// SendEvent sends an event to the connected websocket client
func (s *Server) SendEvent(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Errorf("Failed to marshal event: %v", err)
		return
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.conn == nil {
		return
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Errorf("Failed to send websocket message: %v", err)
	}
}

// SendStateChange is a bluetooth.StateObserver pushing transitions to the client
func (s *Server) SendStateChange(change bluetooth.StateChange) {
	s.SendEvent(Event{
		Type:   "state",
		State:  &BluetoothState{State: change.To, Connection: change.ConnectionID},
		Change: &change,
	})
}

// SendPairingFailure is a bluetooth.FailureObserver
func (s *Server) SendPairingFailure(connID string, err error) {
	s.SendEvent(Event{
		Type:    "pairing_failed",
		Message: fmt.Sprintf("%s: %v", connID, err),
	})
}

// SendWriteEvent reports data a central wrote to a characteristic
func (s *Server) SendWriteEvent(uuid string, data []byte) {
	s.SendEvent(Event{
		Type:           "write",
		Characteristic: uuid,
		Data:           hex.EncodeToString(data),
	})
}

func (s *Server) hasClient() bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.conn != nil
}

func (s *Server) serveWebsocket(w http.ResponseWriter, r *http.Request) {
	log.Infof("WebSocket connection from: %s", r.RemoteAddr)

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Errorf("WebSocket upgrade failed: %v", err)
		return
	}

	s.mtx.Lock()
	old := s.conn
	s.conn = ws
	s.mtx.Unlock()
	if old != nil {
		log.Infof("Replacing previous websocket client")
		if err := old.Close(); err != nil {
			log.Debugf("Error closing websocket: %v", err)
		}
	}

	// Send initial state
	s.sendState()

	// Listen for messages
	s.reader(ws)
}

func (s *Server) currentState() BluetoothState {
	if s.coordinator == nil {
		return BluetoothState{State: bluetooth.StateIdle}
	}
	state := BluetoothState{State: s.coordinator.State()}
	if conn := s.coordinator.ActiveConnection(); conn != nil {
		state.Connection = conn.ID()
	}
	return state
}

func (s *Server) sendState() {
	state := s.currentState()
	s.SendEvent(Event{Type: "state", State: &state})
}

func (s *Server) reader(conn *websocket.Conn) {
	defer func() {
		s.mtx.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mtx.Unlock()
		if err := conn.Close(); err != nil {
			log.Debugf("Error closing websocket: %v", err)
		}
		// pending confirmations cannot be answered without a client
		s.confirmer.rejectAll()
	}()

	for {
		_, p, err := conn.ReadMessage()
		if err != nil {
			log.Infof("WebSocket read error: %v", err)
			return
		}
		log.Debugf("Received WebSocket message: %s", string(p))
		s.handleCommand(p)
	}
}

func (s *Server) handleCommand(data []byte) {
	var msg map[string]interface{}
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Errorf("Failed to parse command: %v", err)
		return
	}

	command, ok := msg["command"].(string)
	if !ok {
		log.Error("Command field missing or not a string")
		return
	}

	if strings.HasPrefix(command, "sim.") {
		s.handleSimCommand(command, msg)
		return
	}

	switch command {
	case "getState":
		s.sendState()
		return
	case "confirmPasscode":
		id, _ := msg["id"].(string)
		accept, _ := msg["accept"].(bool)
		if !s.confirmer.resolve(id, accept) {
			s.sendError(fmt.Sprintf("no pending passcode request %q", id))
		}
		return
	case "startAdvertising":
		if err := s.withCoordinator(func(c *bluetooth.Coordinator) error { return c.StartAdvertising() }); err != nil {
			s.sendError(err.Error())
		}
		return
	case "stopAdvertising":
		if err := s.withCoordinator(func(c *bluetooth.Coordinator) error { return c.StopAdvertising() }); err != nil {
			s.sendError(err.Error())
		}
		return
	case "disconnect":
		if err := s.withCoordinator(func(c *bluetooth.Coordinator) error { c.Disconnect(); return nil }); err != nil {
			s.sendError(err.Error())
		}
		return
	case "notify":
		charUUID, _ := msg["characteristic"].(string)
		dataHex, _ := msg["data"].(string)
		s.handleNotifyCommand(charUUID, dataHex)
		return
	case "setCharacteristic":
		charUUID, _ := msg["characteristic"].(string)
		dataHex, _ := msg["data"].(string)
		s.handleSetCharacteristicCommand(charUUID, dataHex)
		return
	case "refreshAccount":
		name, _ := msg["name"].(string)
		go s.handleRefreshCommand(name)
		return
	}

	// Pass to custom handler
	s.mtx.Lock()
	handler := s.commandHandler
	s.mtx.Unlock()
	if handler != nil {
		handler(command, msg)
		return
	}
	s.sendError(fmt.Sprintf("unknown command %q", command))
}

func (s *Server) sendError(message string) {
	log.Warnf("Command failed: %s", message)
	s.SendEvent(Event{Type: "error", Message: message})
}

func (s *Server) withCoordinator(f func(c *bluetooth.Coordinator) error) error {
	if s.coordinator == nil {
		return errors.New("bluetooth coordinator not initialized")
	}
	return f(s.coordinator)
}

func (s *Server) handleNotifyCommand(charUUID string, dataHex string) {
	if s.chars == nil {
		s.sendError("characteristic access not available")
		return
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		s.sendError(fmt.Sprintf("invalid hex data: %v", err))
		return
	}
	if err := s.chars.Notify(charUUID, data); err != nil {
		s.sendError(fmt.Sprintf("failed to send notification: %v", err))
	}
}

func (s *Server) handleSetCharacteristicCommand(charUUID string, dataHex string) {
	if s.chars == nil {
		s.sendError("characteristic access not available")
		return
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		s.sendError(fmt.Sprintf("invalid hex data: %v", err))
		return
	}
	if err := s.chars.SetCharacteristicValue(charUUID, data); err != nil {
		s.sendError(fmt.Sprintf("failed to set characteristic: %v", err))
	}
}

func (s *Server) handleRefreshCommand(name string) {
	if s.finance == nil {
		s.sendError("finance manager not initialized")
		return
	}
	snap, err := s.finance.ForceRefresh(s.ctx, name)
	if err != nil {
		s.sendError(err.Error())
		return
	}
	s.SendEvent(Event{Type: "account", Account: &snap})
}

// handleStateAPI handles GET /api/bluetooth/state
func (s *Server) handleStateAPI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := json.NewEncoder(w).Encode(s.currentState()); err != nil {
		log.Errorf("Failed to encode state: %v", err)
	}
}

// handleAdvertisingAPI handles the advertising API
func (s *Server) handleAdvertisingAPI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if s.coordinator == nil {
		http.Error(w, "Bluetooth coordinator not initialized", http.StatusInternalServerError)
		return
	}

	switch r.Method {
	case http.MethodGet:
		if err := json.NewEncoder(w).Encode(map[string]interface{}{
			"advertising": s.coordinator.State() == bluetooth.StateAdvertising,
		}); err != nil {
			log.Errorf("Failed to encode advertising state: %v", err)
		}

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to read request body: %v", err), http.StatusBadRequest)
			return
		}
		defer func() {
			if err := r.Body.Close(); err != nil {
				log.Debugf("Error closing request body: %v", err)
			}
		}()

		var req struct {
			Enabled bool `json:"enabled"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, fmt.Sprintf("Failed to parse request: %v", err), http.StatusBadRequest)
			return
		}

		if req.Enabled {
			err = s.coordinator.StartAdvertising()
		} else {
			err = s.coordinator.StopAdvertising()
		}
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, bluetooth.ErrConnectionActive) || errors.Is(err, bluetooth.ErrClosed) {
				status = http.StatusConflict
			}
			http.Error(w, fmt.Sprintf("Failed to set advertising: %v", err), status)
			return
		}

		w.WriteHeader(http.StatusOK)
		if err := json.NewEncoder(w).Encode(map[string]interface{}{
			"status":  "success",
			"state":   s.coordinator.State(),
			"message": fmt.Sprintf("Advertising set to %v", req.Enabled),
		}); err != nil {
			log.Errorf("Failed to encode advertising response: %v", err)
		}

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleDisconnectAPI handles POST /api/bluetooth/disconnect
func (s *Server) handleDisconnectAPI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.coordinator == nil {
		http.Error(w, "Bluetooth coordinator not initialized", http.StatusInternalServerError)
		return
	}

	s.coordinator.Disconnect()
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "success",
		"state":  s.coordinator.State(),
	}); err != nil {
		log.Errorf("Failed to encode disconnect response: %v", err)
	}
}

// handleFinanceAPI handles the finance accounts API
func (s *Server) handleFinanceAPI(w http.ResponseWriter, r *http.Request) {
	if s.finance == nil {
		http.Error(w, "Finance manager not initialized", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	path := strings.TrimPrefix(r.URL.Path, "/api/finance/accounts")
	path = strings.Trim(path, "/")

	switch {
	case path == "" && r.Method == http.MethodGet:
		if err := json.NewEncoder(w).Encode(map[string]interface{}{
			"accounts":  s.finance.Accounts(),
			"snapshots": s.finance.Snapshot(),
		}); err != nil {
			log.Errorf("Failed to encode accounts: %v", err)
		}

	case strings.HasSuffix(path, "/refresh") && r.Method == http.MethodPost:
		name := strings.TrimSuffix(path, "/refresh")
		snap, err := s.finance.ForceRefresh(r.Context(), name)
		if err != nil {
			status := http.StatusBadGateway
			if errors.Is(err, finance.ErrUnknownAccount) {
				status = http.StatusNotFound
			}
			http.Error(w, fmt.Sprintf("Failed to refresh %s: %v", name, err), status)
			return
		}
		if err := json.NewEncoder(w).Encode(snap); err != nil {
			log.Errorf("Failed to encode snapshot: %v", err)
		}

	case path == "" || strings.HasSuffix(path, "/refresh"):
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)

	default:
		http.Error(w, "Invalid finance endpoint", http.StatusNotFound)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}
