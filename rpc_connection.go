package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// RPCConnection wraps one WebSocket connection: its authentication state,
// read/write channels, and the lifecycle goroutines that pump bytes
// between the socket and the router.
type RPCConnection struct {
	connectionID string
	userID       string // authenticated user's identifier, empty until SetUserID

	websocketConn *websocket.Conn
	logger        Logger

	onMessageSentHandlers []func()

	writeSink   chan []byte
	processSink chan []byte
	closeConnCh chan struct{}

	userMu sync.RWMutex
}

// NewRPCConnection creates a connection wrapper ready for Serve.
func NewRPCConnection(connID, userID string, websocketConn *websocket.Conn, logger Logger, onMessageSentHandlers ...func()) *RPCConnection {
	if onMessageSentHandlers == nil {
		onMessageSentHandlers = []func(){}
	}

	return &RPCConnection{
		connectionID:          connID,
		userID:                userID,
		websocketConn:         websocketConn,
		logger:                logger.With("connectionID", connID),
		onMessageSentHandlers: onMessageSentHandlers,

		writeSink:   make(chan []byte, 10),
		processSink: make(chan []byte, 10),
		closeConnCh: make(chan struct{}),
	}
}

// Serve runs the connection's read, write, and close-wait loops until any
// one of them exits, then tears the other two down and closes the socket.
func (conn *RPCConnection) Serve(parentCtx context.Context, abortParents func()) {
	defer abortParents()

	ctx, cancel := context.WithCancel(parentCtx)
	wg := &sync.WaitGroup{}
	wg.Add(2)
	abortOthers := func() {
		cancel()
		wg.Done()
	}

	go conn.readMessages(cancel)
	go conn.writeMessages(ctx, abortOthers)
	go conn.waitForConnClose(ctx, abortOthers)

	wg.Wait()
	if err := conn.websocketConn.Close(); err != nil {
		conn.logger.Error("error closing WebSocket connection", "error", err)
	}
}

func (conn *RPCConnection) ConnectionID() string {
	return conn.connectionID
}

func (conn *RPCConnection) UserID() string {
	conn.userMu.RLock()
	defer conn.userMu.RUnlock()
	return conn.userID
}

func (conn *RPCConnection) SetUserID(userID string) {
	conn.userMu.Lock()
	defer conn.userMu.Unlock()
	conn.userID = userID
}

// ProcessSink is the channel the router reads decoded inbound frames from.
func (conn *RPCConnection) ProcessSink() <-chan []byte {
	return conn.processSink
}

// readMessages pumps frames off the socket onto processSink until the
// socket errors or closes.
func (conn *RPCConnection) readMessages(abortOthers func()) {
	defer abortOthers()
	defer close(conn.processSink)

	for {
		_, messageBytes, err := conn.websocketConn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				conn.logger.Error("WebSocket connection closed with unexpected reason", "error", err)
			}
			return
		}

		if len(messageBytes) == 0 {
			conn.logger.Debug("received empty message, skipping")
			continue
		}
		conn.processSink <- messageBytes
	}
}

// writeMessages drains writeSink onto the socket until ctx is canceled.
func (conn *RPCConnection) writeMessages(ctx context.Context, abortOthers context.CancelFunc) {
	defer abortOthers()

	for {
		select {
		case <-ctx.Done():
			conn.logger.Debug("context done, stopping message writing")
			return
		case messageBytes := <-conn.writeSink:
			if len(messageBytes) == 0 {
				continue
			}
			conn.writeFrame(messageBytes)
		}
	}
}

// writeFrame writes a single text frame and fires the sent-handlers on
// success.
func (conn *RPCConnection) writeFrame(messageBytes []byte) {
	w, err := conn.websocketConn.NextWriter(websocket.TextMessage)
	if err != nil {
		conn.logger.Error("error getting writer for response", "error", err)
		return
	}

	if _, err := w.Write(messageBytes); err != nil {
		conn.logger.Error("error writing response", "error", err)
		w.Close()
		return
	}

	if err := w.Close(); err != nil {
		conn.logger.Error("error closing writer for response", "error", err)
		return
	}

	for _, handler := range conn.onMessageSentHandlers {
		handler()
	}
}

// waitForConnClose blocks until either ctx is canceled or the connection
// is told to close from elsewhere (e.g. a write timeout in Write).
func (conn *RPCConnection) waitForConnClose(ctx context.Context, abortOthers context.CancelFunc) {
	defer abortOthers()

	select {
	case <-ctx.Done():
		conn.logger.Debug("context done, stopping connection close wait")
	case <-conn.closeConnCh:
		conn.logger.Info("WebSocket connection closed by server", "connectionID", conn.ConnectionID())
	}
}

// Write enqueues message for delivery. A client that isn't draining
// writeSink fast enough gets the connection torn down instead of blocking
// this call indefinitely.
func (conn *RPCConnection) Write(message []byte) {
	select {
	case <-time.After(defaultRPCMessageWriteDuration):
		conn.closeConnCh <- struct{}{}
	case conn.writeSink <- message:
	}
}

// rpcConnectionHub tracks every live RPCConnection and the set of
// connections each authenticated user currently has open — a user may hold
// more than one (multiple tabs, multiple devices), so Publish fans a
// message out to all of them.
type rpcConnectionHub struct {
	connections map[string]*RPCConnection
	authMapping map[string]map[string]bool // userID -> set of connection IDs

	mu sync.RWMutex
}

func newRPCConnectionHub() *rpcConnectionHub {
	return &rpcConnectionHub{
		connections: make(map[string]*RPCConnection),
		authMapping: make(map[string]map[string]bool),
	}
}

// Add registers a new connection, rejecting a duplicate connection ID.
func (hub *rpcConnectionHub) Add(conn *RPCConnection) error {
	connID := conn.ConnectionID()

	hub.mu.Lock()
	defer hub.mu.Unlock()

	if _, exists := hub.connections[connID]; exists {
		return fmt.Errorf("connection with ID %s already exists", connID)
	}

	hub.connections[connID] = conn
	hub.linkUserLocked(conn.UserID(), connID)
	return nil
}

// Reauthenticate moves connID from its previous user mapping (if any) to
// userID.
func (hub *rpcConnectionHub) Reauthenticate(connID, userID string) error {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	conn, exists := hub.connections[connID]
	if !exists {
		return fmt.Errorf("connection with ID %s does not exist", connID)
	}

	hub.unlinkUserLocked(conn.UserID(), connID)
	conn.SetUserID(userID)
	hub.linkUserLocked(userID, connID)
	return nil
}

// linkUserLocked adds connID to userID's connection set. Caller holds hub.mu.
func (hub *rpcConnectionHub) linkUserLocked(userID, connID string) {
	if userID == "" {
		return
	}
	if _, exists := hub.authMapping[userID]; !exists {
		hub.authMapping[userID] = make(map[string]bool)
	}
	hub.authMapping[userID][connID] = true
}

// unlinkUserLocked removes connID from userID's connection set, pruning the
// set entirely once empty. Caller holds hub.mu.
func (hub *rpcConnectionHub) unlinkUserLocked(userID, connID string) {
	if userID == "" {
		return
	}
	userConns, ok := hub.authMapping[userID]
	if !ok {
		return
	}
	delete(userConns, connID)
	if len(userConns) == 0 {
		delete(hub.authMapping, userID)
	}
}

// Get returns the connection for connID, or nil if it is not registered.
func (hub *rpcConnectionHub) Get(connID string) *RPCConnection {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return hub.connections[connID]
}

// Remove deregisters a connection and drops its user mapping.
func (hub *rpcConnectionHub) Remove(connID string) {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	conn, ok := hub.connections[connID]
	if !ok {
		return
	}

	delete(hub.connections, connID)
	hub.unlinkUserLocked(conn.UserID(), connID)
}

// Publish writes message to every connection currently open for userID. A
// user with no open connection silently drops the message.
func (hub *rpcConnectionHub) Publish(userID string, message []byte) {
	hub.mu.RLock()
	defer hub.mu.RUnlock()

	for connID := range hub.authMapping[userID] {
		if conn := hub.connections[connID]; conn != nil && conn.writeSink != nil {
			conn.Write(message)
		}
	}
}
