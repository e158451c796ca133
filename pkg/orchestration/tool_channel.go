package orchestration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	jsonRPCVersion   = "2.0"
	toolInvokeMethod = "tools.invoke"
)

// ErrChannelClosed is returned by Invoke after the channel is closed.
var ErrChannelClosed = errors.New("tool channel closed")

// RPCError is a JSON-RPC error object returned by the tool server.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// ToolCallParams are the params of a tools.invoke request.
type ToolCallParams struct {
	Tool       string         `json:"tool"`
	Args       map[string]any `json:"args,omitempty"`
	ExecutorID string         `json:"executor_id"`
	Workdir    string         `json:"workdir"`
}

// ToolCallResult is the result of a tools.invoke request.
type ToolCallResult struct {
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output"`
}

// WebSocketToolChannelFactory opens JSON-RPC 2.0 channels over websocket to
// the address recorded in the workspace's endpoint sidecar.
type WebSocketToolChannelFactory struct {
	Dialer *websocket.Dialer
	Path   string
	logger Logger
}

// NewWebSocketToolChannelFactory returns a factory using the default dialer.
func NewWebSocketToolChannelFactory(logger Logger) *WebSocketToolChannelFactory {
	if logger == nil {
		logger = NewDefaultLogger()
	}
	return &WebSocketToolChannelFactory{
		Dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		Path:   "/rpc",
		logger: logger,
	}
}

// Open reads the endpoint sidecar and dials the tool server.
func (f *WebSocketToolChannelFactory) Open(ctx context.Context, ws *Workspace, handle *ExecutorHandle) (ToolChannel, error) {
	endpoint, err := ReadToolEndpoint(ws.Path)
	if err != nil {
		return nil, err
	}
	if endpoint.ExecutorID != handle.ID {
		return nil, fmt.Errorf("stale tool endpoint: written for executor %s, current is %s", shortID(endpoint.ExecutorID), shortID(handle.ID))
	}

	u := url.URL{Scheme: "ws", Host: endpoint.Address, Path: f.Path}
	conn, _, err := f.Dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial tool server %s: %w", u.String(), err)
	}

	ch := &wsToolChannel{
		conn:       conn,
		executorID: handle.ID,
		pending:    make(map[uint64]chan rpcResponse),
		done:       make(chan struct{}),
		logger:     f.logger,
	}
	go ch.readLoop()
	return ch, nil
}

type wsToolChannel struct {
	conn       *websocket.Conn
	executorID string
	nextID     atomic.Uint64
	logger     Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]chan rpcResponse
	readErr error

	doneOnce  sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

// Invoke calls a tool and waits for its result or ctx. An abandoned call is
// dropped from the pending table; a late response is discarded.
func (c *wsToolChannel) Invoke(ctx context.Context, tool string, args map[string]any) (*ToolResult, error) {
	id := c.nextID.Add(1)
	respCh := make(chan rpcResponse, 1)

	c.mu.Lock()
	if c.readErr != nil {
		err := c.readErr
		c.mu.Unlock()
		return nil, err
	}
	c.pending[id] = respCh
	c.mu.Unlock()
	defer c.forget(id)

	req := rpcRequest{
		JSONRPC: jsonRPCVersion,
		ID:      id,
		Method:  toolInvokeMethod,
		Params: ToolCallParams{
			Tool:       tool,
			Args:       args,
			ExecutorID: c.executorID,
			Workdir:    ContainerWorkdir,
		},
	}

	start := time.Now()
	if err := c.write(ctx, req); err != nil {
		return nil, fmt.Errorf("send %s: %w", tool, err)
	}

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("invoke %s: %w", tool, ctx.Err())
	case <-c.done:
		return nil, fmt.Errorf("invoke %s: %w", tool, c.closedErr())
	case resp := <-respCh:
		if resp.Error != nil {
			return nil, fmt.Errorf("invoke %s: %w", tool, resp.Error)
		}
		var result ToolCallResult
		if len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, &result); err != nil {
				return nil, fmt.Errorf("decode %s result: %w", tool, err)
			}
		}
		return &ToolResult{
			Tool:     tool,
			ExitCode: result.ExitCode,
			Output:   result.Output,
			Duration: time.Since(start),
		}, nil
	}
}

func (c *wsToolChannel) write(ctx context.Context, req rpcRequest) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(deadline)
	} else {
		c.conn.SetWriteDeadline(time.Time{})
	}
	return c.conn.WriteJSON(req)
}

func (c *wsToolChannel) readLoop() {
	for {
		var resp rpcResponse
		if err := c.conn.ReadJSON(&resp); err != nil {
			c.mu.Lock()
			c.readErr = fmt.Errorf("%w: %v", ErrChannelClosed, err)
			c.mu.Unlock()
			c.markDone()
			return
		}

		c.mu.Lock()
		respCh, ok := c.pending[resp.ID]
		c.mu.Unlock()
		if !ok {
			c.logger.Debug("discarding response for abandoned call", "id", resp.ID)
			continue
		}
		select {
		case respCh <- resp:
		default:
		}
	}
}

func (c *wsToolChannel) markDone() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *wsToolChannel) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *wsToolChannel) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil {
		return c.readErr
	}
	return ErrChannelClosed
}

// Close sends a close frame and closes the connection. Later calls are
// no-ops.
func (c *wsToolChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		c.markDone()
		err = c.conn.Close()
	})
	return err
}
