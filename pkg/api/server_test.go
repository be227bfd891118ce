package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwoglom/configportal/pkg/bluetooth"
	"github.com/jwoglom/configportal/pkg/finance"
)

type harness struct {
	server *Server
	sim    *bluetooth.SimStack
	coord  *bluetooth.Coordinator
	http   *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	identity, err := bluetooth.NewPeripheralIdentity("Device", []bluetooth.ServiceDescriptor{{
		UUID: "abc12300-0000-1000-8000-00805f9b34fb",
		Characteristics: []bluetooth.CharacteristicDescriptor{
			{UUID: "abc12301-0000-1000-8000-00805f9b34fb", Properties: bluetooth.PropRead | bluetooth.PropNotify},
		},
	}})
	require.NoError(t, err)

	h := &harness{server: New(), sim: bluetooth.NewSimStack()}
	h.coord, err = bluetooth.New(h.sim, identity, h.server.Confirmer(),
		bluetooth.WithStateObserver(h.server.SendStateChange),
		bluetooth.WithFailureObserver(h.server.SendPairingFailure),
		bluetooth.WithConfirmTimeout(5*time.Second),
	)
	require.NoError(t, err)
	h.server.SetCoordinator(h.coord)
	h.server.SetSimStack(h.sim)
	h.server.SetCharacteristicAccess(h.sim)

	h.http = httptest.NewServer(h.server.Handler())
	t.Cleanup(func() {
		h.http.Close()
		_ = h.coord.Close()
	})
	return h
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, msg map[string]interface{}) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(msg))
}

// readUntil reads events until one matches
func readUntil(t *testing.T, ws *websocket.Conn, match func(Event) bool) Event {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var ev Event
		require.NoError(t, ws.ReadJSON(&ev))
		if match(ev) {
			return ev
		}
	}
}

func stateIs(state bluetooth.ConnectionState) func(Event) bool {
	return func(ev Event) bool {
		return ev.Type == "state" && ev.State != nil && ev.State.State == state
	}
}

func TestWebsocket_PairingFlowAccepted(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t)

	readUntil(t, ws, stateIs(bluetooth.StateIdle))

	send(t, ws, map[string]interface{}{"command": "startAdvertising"})
	readUntil(t, ws, stateIs(bluetooth.StateAdvertising))

	send(t, ws, map[string]interface{}{"command": "sim.connect"})
	ev := readUntil(t, ws, stateIs(bluetooth.StatePairing))
	require.NotEmpty(t, ev.State.Connection)
	conn := h.sim.Conn(ev.State.Connection)
	require.NotNil(t, conn)

	send(t, ws, map[string]interface{}{"command": "sim.passkey", "passcode": "482193"})
	ev = readUntil(t, ws, func(ev Event) bool { return ev.Type == "passcode_request" })
	require.NotNil(t, ev.Request)
	assert.Equal(t, "482193", ev.Request.Passcode)

	send(t, ws, map[string]interface{}{"command": "confirmPasscode", "id": ev.Request.ID, "accept": true})
	require.Eventually(t, func() bool { return conn.Security().Proceeds() == 1 }, 2*time.Second, 10*time.Millisecond)

	send(t, ws, map[string]interface{}{"command": "sim.pairingComplete"})
	readUntil(t, ws, stateIs(bluetooth.StateConnected))

	send(t, ws, map[string]interface{}{"command": "sim.disconnect"})
	readUntil(t, ws, stateIs(bluetooth.StateAdvertising))
	assert.Nil(t, h.coord.ActiveConnection())
}

func TestWebsocket_PairingFlowRejected(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t)
	require.NoError(t, h.coord.StartAdvertising())

	send(t, ws, map[string]interface{}{"command": "sim.connect"})
	ev := readUntil(t, ws, stateIs(bluetooth.StatePairing))
	conn := h.sim.Conn(ev.State.Connection)

	send(t, ws, map[string]interface{}{"command": "sim.passkey", "passcode": "482193"})
	ev = readUntil(t, ws, func(ev Event) bool { return ev.Type == "passcode_request" })
	send(t, ws, map[string]interface{}{"command": "confirmPasscode", "id": ev.Request.ID, "accept": false})

	readUntil(t, ws, func(ev Event) bool { return ev.Type == "pairing_failed" })
	assert.Equal(t, []bluetooth.SMPReason{bluetooth.ReasonNumericComparisonFailed}, conn.Security().PairingFailures())
	assert.Equal(t, bluetooth.StatePairing, h.coord.State())
}

func TestWebsocket_UnknownConfirmation(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t)

	send(t, ws, map[string]interface{}{"command": "confirmPasscode", "id": "nope", "accept": true})
	ev := readUntil(t, ws, func(ev Event) bool { return ev.Type == "error" })
	assert.Contains(t, ev.Message, "nope")
}

func TestWebsocket_CustomCommandHandler(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t)

	send(t, ws, map[string]interface{}{"command": "reboot"})
	ev := readUntil(t, ws, func(ev Event) bool { return ev.Type == "error" })
	assert.Contains(t, ev.Message, "reboot")

	got := make(chan string, 1)
	h.server.SetCommandHandler(func(command string, params map[string]interface{}) {
		got <- command
	})
	send(t, ws, map[string]interface{}{"command": "reboot"})
	select {
	case c := <-got:
		assert.Equal(t, "reboot", c)
	case <-time.After(2 * time.Second):
		t.Fatal("command handler not called")
	}
}

func TestWebsocket_CharacteristicCommands(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t)

	send(t, ws, map[string]interface{}{"command": "setCharacteristic", "characteristic": "abc12301-0000-1000-8000-00805f9b34fb", "data": "0a0b"})
	require.Eventually(t, func() bool {
		return bytes.Equal([]byte{0x0a, 0x0b}, h.sim.CharacteristicValue("abc12301-0000-1000-8000-00805f9b34fb"))
	}, 2*time.Second, 10*time.Millisecond)

	// no central connected yet
	send(t, ws, map[string]interface{}{"command": "notify", "characteristic": "abc12301-0000-1000-8000-00805f9b34fb", "data": "01"})
	readUntil(t, ws, func(ev Event) bool { return ev.Type == "error" })

	require.NoError(t, h.coord.StartAdvertising())
	_, err := h.sim.Connect()
	require.NoError(t, err)
	send(t, ws, map[string]interface{}{"command": "notify", "characteristic": "abc12301-0000-1000-8000-00805f9b34fb", "data": "01"})
	require.Eventually(t, func() bool { return len(h.sim.Notifications()) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestConfirmer_RejectsWithoutClient(t *testing.T) {
	s := New()
	err := s.Confirmer().ConfirmPasscode(context.Background(), bluetooth.PasscodeConfirmationRequest{ID: "x", Passcode: "123456"})
	assert.ErrorIs(t, err, ErrNoClient)
}

func TestConfirmer_ClientDisconnectRejects(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t)
	readUntil(t, ws, stateIs(bluetooth.StateIdle))

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.server.Confirmer().ConfirmPasscode(context.Background(), bluetooth.PasscodeConfirmationRequest{ID: "req-1", Passcode: "111111"})
	}()
	readUntil(t, ws, func(ev Event) bool { return ev.Type == "passcode_request" })
	require.NoError(t, ws.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrPasscodeRejected)
	case <-time.After(3 * time.Second):
		t.Fatal("confirmation did not resolve after client went away")
	}
}

func TestStateAPI(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.coord.StartAdvertising())

	resp, err := http.Get(h.http.URL + "/api/bluetooth/state")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var state BluetoothState
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&state))
	assert.Equal(t, bluetooth.StateAdvertising, state.State)
	assert.Empty(t, state.Connection)
}

func TestAdvertisingAPI(t *testing.T) {
	h := newHarness(t)
	post := func(enabled bool) *http.Response {
		body, _ := json.Marshal(map[string]bool{"enabled": enabled})
		resp, err := http.Post(h.http.URL+"/api/bluetooth/advertising", "application/json", bytes.NewReader(body))
		require.NoError(t, err)
		t.Cleanup(func() { _ = resp.Body.Close() })
		return resp
	}

	assert.Equal(t, http.StatusOK, post(true).StatusCode)
	assert.Equal(t, bluetooth.StateAdvertising, h.coord.State())

	assert.Equal(t, http.StatusOK, post(false).StatusCode)
	assert.Equal(t, bluetooth.StateIdle, h.coord.State())

	require.NoError(t, h.coord.StartAdvertising())
	_, err := h.sim.Connect()
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, post(false).StatusCode)

	resp, err := http.Post(h.http.URL+"/api/bluetooth/disconnect", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Nil(t, h.coord.ActiveConnection())
	assert.Equal(t, bluetooth.StateAdvertising, h.coord.State())
}

func TestFinanceAPI(t *testing.T) {
	h := newHarness(t)
	m, err := finance.NewManager(finance.ScraperFunc(func(context.Context, finance.ScrapeRequest) (*finance.ScrapeResult, error) {
		return &finance.ScrapeResult{Success: true, Accounts: []finance.Account{{
			AccountNumber: "1234",
			Txns:          []finance.Transaction{{ChargedAmount: -20}, {ChargedAmount: -5}},
		}}}, nil
	}), finance.ManagerConfig{Accounts: []finance.AccountDescriptor{{Name: "visa", CompanyID: "isracard"}}})
	require.NoError(t, err)
	h.server.SetFinanceManager(m)

	resp, err := http.Post(h.http.URL+"/api/finance/accounts/visa/refresh", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap finance.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.InDelta(t, -25.0, snap.Total, 1e-9)

	resp2, err := http.Post(h.http.URL+"/api/finance/accounts/nope/refresh", "application/json", nil)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)

	resp3, err := http.Get(h.http.URL + "/api/finance/accounts")
	require.NoError(t, err)
	defer resp3.Body.Close()
	var listing struct {
		Accounts  []string           `json:"accounts"`
		Snapshots []finance.Snapshot `json:"snapshots"`
	}
	require.NoError(t, json.NewDecoder(resp3.Body).Decode(&listing))
	assert.Equal(t, []string{"visa"}, listing.Accounts)
	require.Len(t, listing.Snapshots, 1)
	assert.Equal(t, "visa", listing.Snapshots[0].Name)
}

func TestShutdownCancelsRefresh(t *testing.T) {
	h := newHarness(t)
	started := make(chan struct{})
	cancelled := make(chan error, 1)
	m, err := finance.NewManager(finance.ScraperFunc(func(ctx context.Context, _ finance.ScrapeRequest) (*finance.ScrapeResult, error) {
		close(started)
		<-ctx.Done()
		cancelled <- ctx.Err()
		return nil, ctx.Err()
	}), finance.ManagerConfig{Accounts: []finance.AccountDescriptor{{Name: "visa", CompanyID: "isracard"}}})
	require.NoError(t, err)
	h.server.SetFinanceManager(m)
	ws := h.dial(t)

	send(t, ws, map[string]interface{}{"command": "refreshAccount", "name": "visa"})
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("refresh did not start")
	}

	require.NoError(t, h.server.Shutdown(context.Background()))
	select {
	case err := <-cancelled:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("refresh was not cancelled by Shutdown")
	}
}
