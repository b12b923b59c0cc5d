package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

func getValidator() *validator.Validate {
	validate := validator.New()

	if err := validate.RegisterValidation("bigint", func(fl validator.FieldLevel) bool {
		n := new(big.Int)
		_, ok := n.SetString(fmt.Sprint(fl.Field()), 10)
		return ok
	}); err != nil {
		panic(fmt.Sprintf("failed to register bigint validation: %v", err))
	}
	return validate
}

const defaultRPCErrorMessage = "an error occurred while processing the request"

const (
	rpcNodeGroupHandlerPrefix = "group."
	rpcNodeGroupRoot          = "root"
)

var defaultRPCMessageWriteDuration = 5 * time.Second

// RPCNode is the broker's WebSocket RPC server: it accepts connections,
// routes each inbound message through a middleware chain keyed by method
// name, and signs every outbound response and notification.
type RPCNode struct {
	upgrader websocket.Upgrader

	groupId      string
	handlerChain map[string][]RPCHandler
	routes       map[string][]string

	signer  *Signer
	connHub *rpcConnectionHub
	logger  Logger

	onConnectHandlers       []func(send SendRPCMessageFunc)
	onDisconnectHandlers    []func(userID string)
	onMessageSentHandlers   []func()
	onAuthenticatedHandlers []func(userID string, send SendRPCMessageFunc)
}

// NewRPCNode builds an RPCNode that signs outgoing traffic with signer.
func NewRPCNode(signer *Signer, logger Logger) *RPCNode {
	return &RPCNode{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},

		groupId:      rpcNodeGroupHandlerPrefix + rpcNodeGroupRoot,
		handlerChain: make(map[string][]RPCHandler),
		routes:       make(map[string][]string),

		signer:  signer,
		connHub: newRPCConnectionHub(),
		logger:  logger.NewSystem("rpc-node"),

		onConnectHandlers:       []func(send SendRPCMessageFunc){},
		onDisconnectHandlers:    []func(userID string){},
		onMessageSentHandlers:   []func(){},
		onAuthenticatedHandlers: []func(userID string, send SendRPCMessageFunc){},
	}
}

// HandleConnection upgrades r to a WebSocket, registers it with the
// connection hub, and runs its read/write loops until the socket closes.
// Blocks for the lifetime of the connection.
func (n *RPCNode) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := n.upgrader.Upgrade(w, r, nil)
	if err != nil {
		n.logger.Error("failed to upgrade connection to WebSocket", "error", err)
		return
	}
	defer conn.Close()

	connectionID := uuid.NewString()
	rpcConnection := NewRPCConnection(connectionID, "", conn, n.logger, n.onMessageSentHandlers...)
	if err := n.connHub.Add(rpcConnection); err != nil {
		n.logger.Error("failed to add connection to hub", "error", err, "connectionID", connectionID)
		return
	}

	for _, handler := range n.onConnectHandlers {
		handler(n.getSendMessageFunc(rpcConnection))
	}

	defer func() {
		userID := rpcConnection.UserID()
		n.connHub.Remove(connectionID)

		for _, handler := range n.onDisconnectHandlers {
			handler(userID)
		}
		n.logger.Info("connection closed", "connectionID", connectionID, "userID", userID)
	}()

	parentCtx, cancel := context.WithCancel(r.Context())
	wg := &sync.WaitGroup{}
	wg.Add(2)
	abortOthers := func() {
		cancel()
		wg.Done()
	}

	go rpcConnection.Serve(parentCtx, abortOthers)
	go n.processMessages(rpcConnection, parentCtx, abortOthers)

	wg.Wait()
}

// processMessages drains rpcConn's inbound message sink, dispatching each
// decoded request through its routed handler chain, until ctx is cancelled
// or the connection's sink closes.
func (n *RPCNode) processMessages(rpcConn *RPCConnection, ctx context.Context, abortOthers context.CancelFunc) {
	defer abortOthers()
	safeStorage := NewSafeStorage()

	for {
		messageBytes, ok := n.nextMessage(rpcConn, ctx)
		if !ok {
			return
		}

		msg, ok := n.decodeMessage(rpcConn, messageBytes)
		if !ok {
			continue
		}

		routeHandlers, ok := n.resolveHandlers(rpcConn, msg)
		if !ok {
			continue
		}

		n.dispatch(rpcConn, msg, routeHandlers, safeStorage)
	}
}

// nextMessage blocks until either a message arrives or ctx is done. The
// second return is false in both the cancellation case and the case where
// the sink yields an empty (connection-closed) payload.
func (n *RPCNode) nextMessage(rpcConn *RPCConnection, ctx context.Context) ([]byte, bool) {
	select {
	case <-ctx.Done():
		n.logger.Debug("context done, stopping message processing")
		return nil, false
	case messageBytes := <-rpcConn.ProcessSink():
		return messageBytes, len(messageBytes) > 0
	}
}

func (n *RPCNode) decodeMessage(rpcConn *RPCConnection, raw []byte) (RPCMessage, bool) {
	msg := RPCMessage{Req: &RPCData{}}
	if err := json.Unmarshal(raw, &msg); err != nil {
		n.logger.Debug("invalid message format", "error", err, "message", string(raw))
		n.sendErrorResponse(rpcConn, msg.Req.RequestID, "invalid message format")
		return msg, false
	}
	if err := getValidator().Struct(&msg); err != nil {
		n.logger.Debug("message validation failed", "error", err, "message", string(raw))
		n.sendErrorResponse(rpcConn, 0, "message validation failed")
		return msg, false
	}
	if msg.Req == nil {
		n.logger.Debug("message request is empty", "message", string(raw))
		n.sendErrorResponse(rpcConn, 0, "message request is empty")
		return msg, false
	}
	return msg, true
}

// resolveHandlers walks the group chain registered for msg's method and
// flattens it into a single ordered handler slice.
func (n *RPCNode) resolveHandlers(rpcConn *RPCConnection, msg RPCMessage) ([]RPCHandler, bool) {
	methodRoute, ok := n.routes[msg.Req.Method]
	if !ok || len(methodRoute) == 0 {
		n.logger.Debug("no handler found for method", "method", msg.Req.Method)
		n.sendErrorResponse(rpcConn, msg.Req.RequestID, fmt.Sprintf("unknown method: %s", msg.Req.Method))
		return nil, false
	}

	var routeHandlers []RPCHandler
	for _, groupID := range methodRoute {
		handlers, exists := n.handlerChain[groupID]
		if !exists || len(handlers) == 0 {
			n.logger.Error("no handlers found for id", "id", groupID)
			n.sendErrorResponse(rpcConn, msg.Req.RequestID, fmt.Sprintf("unknown method: %s", msg.Req.Method))
			return nil, false
		}
		routeHandlers = append(routeHandlers, handlers...)
	}
	return routeHandlers, true
}

// dispatch runs msg through routeHandlers, writes the signed response back
// to rpcConn, and fires re-authentication callbacks if the handler chain
// changed the connection's associated user.
func (n *RPCNode) dispatch(rpcConn *RPCConnection, msg RPCMessage, routeHandlers []RPCHandler, storage *SafeStorage) {
	n.logger.Info("processing message",
		"requestID", msg.Req.RequestID,
		"userID", rpcConn.UserID(),
		"method", msg.Req.Method,
		"route", n.routes[msg.Req.Method])

	ctx := &RPCContext{
		Context:  context.Background(),
		UserID:   rpcConn.UserID(),
		Signer:   n.signer,
		Message:  msg,
		handlers: routeHandlers,
		Storage:  storage,
	}
	ctx.Next()

	responseBytes, err := ctx.GetRawResponse()
	if err != nil {
		n.logger.Error("failed to prepare response", "error", err, "method", msg.Req.Method)
		return
	}
	rpcConn.Write(responseBytes)

	if rpcConn.UserID() != ctx.UserID {
		n.connHub.Reauthenticate(rpcConn.ConnectionID(), ctx.UserID)
		for _, handler := range n.onAuthenticatedHandlers {
			handler(ctx.UserID, n.getSendMessageFunc(rpcConn))
		}
	}
}

// RPCHandler processes one RPC request; it may call c.Next() to continue
// down the middleware chain.
type RPCHandler func(c *RPCContext)

// SendRPCMessageFunc pushes a server-initiated notification to a connection.
type SendRPCMessageFunc func(method string, params RPCDataParams)

// RPCContext carries one request through its handler chain and accumulates
// the response the chain produces.
type RPCContext struct {
	Context context.Context
	UserID  string
	Signer  *Signer
	Message RPCMessage
	Storage *SafeStorage

	handlers []RPCHandler
}

// Next invokes the next handler in the chain, if any remain.
func (c *RPCContext) Next() {
	if len(c.handlers) == 0 {
		return
	}

	handler := c.handlers[0]
	c.handlers = c.handlers[1:]
	handler(c)
}

func (c *RPCContext) newResponseEnvelope(method string, params RPCDataParams) *RPCData {
	return &RPCData{
		RequestID: c.Message.Req.RequestID,
		Method:    method,
		Params:    params,
		Timestamp: uint64(time.Now().UnixMilli()),
	}
}

// Succeed records a successful response for the request this context is
// handling.
func (c *RPCContext) Succeed(method string, params RPCDataParams) {
	c.Message.Res = c.newResponseEnvelope(method, params)
}

// Fail records an error response. If err is an RPCError its message is
// sent to the client verbatim; otherwise fallbackMessage is sent instead,
// so internal error detail never leaks unless the handler opted in via
// RPCError. If both are empty, a generic message is used.
func (c *RPCContext) Fail(err error, fallbackMessage string) {
	message := fallbackMessage
	if rpcErr, ok := err.(RPCError); ok {
		message = rpcErr.Error()
		LoggerFromContext(c.Context).Debug("rpc handler failed with client-facing error", "error", rpcErr)
	}
	if message == "" {
		message = defaultRPCErrorMessage
	}

	c.Message.Res = c.newResponseEnvelope("error", ErrorResponse{Error: message})
}

// GetRawResponse signs and serializes the accumulated response.
func (c *RPCContext) GetRawResponse() ([]byte, error) {
	return prepareRawRPCResponse(c.Signer, c.Message.Res)
}

// prepareRawRPCResponse marshals data, signs it with signer, and wraps both
// into the bytes sent on the wire.
func prepareRawRPCResponse(signer *Signer, data *RPCData) ([]byte, error) {
	if data == nil {
		return nil, fmt.Errorf("response data is nil")
	}

	resDataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response data: %w", err)
	}

	signature, err := signer.Sign(resDataBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to sign response data: %w", err)
	}

	responseMessage := &RPCMessage{
		Res: data,
		Sig: []Signature{signature},
	}
	resMessageBytes, err := json.Marshal(responseMessage)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response message: %w", err)
	}
	return resMessageBytes, nil
}

// prepareRawNotification builds and signs a server-initiated message that
// doesn't correspond to any client request (RequestID 0).
func prepareRawNotification(signer *Signer, method string, params RPCDataParams) ([]byte, error) {
	if params == nil {
		params = struct{}{}
	}

	data := &RPCData{
		RequestID: 0,
		Method:    method,
		Params:    params,
		Timestamp: uint64(time.Now().UnixMilli()),
	}
	return prepareRawRPCResponse(signer, data)
}

// NewGroup starts a handler group hanging off the node's root group.
func (wn *RPCNode) NewGroup(name string) *RPCHandlerGroup {
	return &RPCHandlerGroup{
		groupId:     rpcNodeGroupHandlerPrefix + name,
		routePrefix: []string{wn.groupId},
		root:        wn,
	}
}

// Handle registers a terminal handler for method at the root group.
func (wn *RPCNode) Handle(method string, handler RPCHandler) {
	wn.handle(method, handler)
	wn.routes[method] = []string{wn.groupId, method}
}

func (wn *RPCNode) handle(method string, handler RPCHandler) {
	if method == "" {
		panic("Websocket method cannot be empty")
	}
	if handler == nil {
		panic(fmt.Sprintf("Websocket handler cannot be nil for method %s", method))
	}

	wn.handlerChain[method] = []RPCHandler{handler}
}

// Use appends middleware to the root group's chain.
func (wn *RPCNode) Use(middleware RPCHandler) {
	wn.use(wn.groupId, middleware)
}

func (wn *RPCNode) use(groupId string, middleware RPCHandler) {
	if middleware == nil {
		panic("Websocket middleware handler cannot be nil for group")
	}
	wn.handlerChain[groupId] = append(wn.handlerChain[groupId], middleware)
}

func (wn *RPCNode) OnConnect(handler func(send SendRPCMessageFunc)) {
	wn.onConnectHandlers = append(wn.onConnectHandlers, handler)
}

func (wn *RPCNode) OnDisconnect(handler func(userID string)) {
	wn.onDisconnectHandlers = append(wn.onDisconnectHandlers, handler)
}

func (wn *RPCNode) OnMessageSent(handler func()) {
	wn.onMessageSentHandlers = append(wn.onMessageSentHandlers, handler)
}

func (wn *RPCNode) OnAuthenticated(handler func(userID string, send SendRPCMessageFunc)) {
	wn.onAuthenticatedHandlers = append(wn.onAuthenticatedHandlers, handler)
}

// Notify pushes method/params to userID's active connection, if any. A
// disconnected user silently drops the notification rather than erroring.
func (wn *RPCNode) Notify(userID, method string, params RPCDataParams) {
	message, err := prepareRawNotification(wn.signer, method, params)
	if err != nil {
		wn.logger.Error("failed to prepare notification message", "error", err, "userID", userID, "method", method)
		return
	}
	wn.connHub.Publish(userID, message)
}

func (wn *RPCNode) getSendMessageFunc(conn *RPCConnection) SendRPCMessageFunc {
	return func(method string, params RPCDataParams) {
		message, err := prepareRawNotification(wn.signer, method, params)
		if err != nil {
			wn.logger.Error("failed to prepare notification message", "error", err, "method", method)
			return
		}
		if conn == nil {
			wn.logger.Error("RPCConnection is nil, cannot send message", "method", method)
			return
		}
		conn.Write(message)
	}
}

// sendErrorResponse writes a protocol-level error directly to conn, for
// failures that happen before a handler chain ever runs.
func (wn *RPCNode) sendErrorResponse(conn *RPCConnection, requestID uint64, message string) {
	if requestID == 0 {
		requestID = uint64(time.Now().UnixMilli())
	}
	if conn == nil {
		wn.logger.Error("connection is nil, cannot send error response", "requestID", requestID)
		return
	}

	data := &RPCData{
		RequestID: requestID,
		Method:    "error",
		Params:    ErrorResponse{Error: message},
		Timestamp: uint64(time.Now().UnixMilli()),
	}

	responseBytes, err := prepareRawRPCResponse(wn.signer, data)
	if err != nil {
		wn.logger.Error("failed to prepare error response", "error", err)
		return
	}
	conn.Write(responseBytes)
}

// RPCHandlerGroup is a named point in the handler tree that bundles shared
// middleware for everything registered beneath it.
type RPCHandlerGroup struct {
	groupId     string
	routePrefix []string
	root        *RPCNode
}

// NewGroup nests a child group under hg, inheriting hg's route prefix.
func (hg *RPCHandlerGroup) NewGroup(name string) *RPCHandlerGroup {
	return &RPCHandlerGroup{
		groupId:     name,
		routePrefix: append(hg.routePrefix, hg.groupId),
		root:        hg.root,
	}
}

// Handle registers method's terminal handler under this group's prefix.
func (hg *RPCHandlerGroup) Handle(method string, handler RPCHandler) {
	hg.root.routes[method] = append(hg.routePrefix, hg.groupId, method)
	hg.root.handle(method, handler)
}

// Use appends middleware to this group's chain.
func (hg *RPCHandlerGroup) Use(middleware RPCHandler) {
	hg.root.use(hg.groupId, middleware)
}

// SafeStorage is a mutex-guarded key/value map scoped to one connection,
// used to carry authentication policy and other per-session state between
// middleware and handlers.
type SafeStorage struct {
	mu      sync.RWMutex
	storage map[string]any
}

func NewSafeStorage() *SafeStorage {
	return &SafeStorage{storage: make(map[string]any)}
}

func (s *SafeStorage) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.storage[key] = value
}

func (s *SafeStorage) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.storage[key]
	return v, ok
}
