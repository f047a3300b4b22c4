// Package gateway implements the Gateway Dispatcher: the front face that
// owns the upstream Frame Codec, implements the MCP server role toward
// the upstream client, and exposes exactly the meta-tools use_tool,
// discover_backend_tools, and security_status. Grounded in
// cmtonkinson-brain/host-mcp-gateway's Gateway/routes dispatch table,
// adapted from net/http handlers to one-goroutine-per-upstream-frame
// since this gateway speaks only on its own stdio.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/triage-ai/mcp-gateway/internal/jsonrpc"
	"github.com/triage-ai/mcp-gateway/internal/registry"
	"github.com/triage-ai/mcp-gateway/internal/security"
	"github.com/triage-ai/mcp-gateway/internal/telemetry"
)

const protocolVersion = "2024-11-05"

// Dispatcher is the upstream-facing MCP server.
type Dispatcher struct {
	logger   *zap.Logger
	tracer   trace.Tracer
	metrics  *telemetry.Metrics
	registry *registry.Registry
	monitor  *security.Monitor
	schemas  *compiledSchemas

	writer *jsonrpc.Writer

	cancelMu sync.Mutex
	cancels  map[string]context.CancelFunc // keyed by upstream request id string
}

// New constructs a Dispatcher. out is the upstream stdout stream; every
// response and notification the Dispatcher emits is written there
// through a single mutex-guarded jsonrpc.Writer.
func New(out io.Writer, reg *registry.Registry, mon *security.Monitor, metrics *telemetry.Metrics, tracer trace.Tracer, logger *zap.Logger) (*Dispatcher, error) {
	schemas, err := compileMetaToolSchemas()
	if err != nil {
		return nil, fmt.Errorf("gateway: compile meta-tool schemas: %w", err)
	}
	return &Dispatcher{
		logger:   logger,
		tracer:   tracer,
		metrics:  metrics,
		registry: reg,
		monitor:  mon,
		schemas:  schemas,
		writer:   jsonrpc.NewWriter(out),
		cancels:  make(map[string]context.CancelFunc),
	}, nil
}

// Run reads frames from in until EOF, dispatching each on its own
// goroutine (per SPEC_FULL.md §4.5) and returns nil on a clean upstream
// EOF. It blocks until every in-flight handler goroutine has finished.
func (d *Dispatcher) Run(ctx context.Context, in io.Reader) error {
	reader := jsonrpc.NewReader(in)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		frame, err := reader.ReadFrame()
		if err != nil {
			if perr, ok := err.(*jsonrpc.ParseError); ok {
				d.logger.Warn("upstream_parse_error", zap.Error(perr.Err))
				d.writeFrame(jsonrpc.NewError(jsonrpc.ID{}, jsonrpc.CodeParseError, "parse error", nil))
				continue
			}
			if err == io.EOF {
				return nil
			}
			return err
		}

		if errObj := frame.Validate(); errObj != nil {
			d.writeFrame(jsonrpc.NewError(frame.RequestID(), errObj.Code, errObj.Message, nil))
			continue
		}

		wg.Add(1)
		go func(f *jsonrpc.Frame) {
			defer wg.Done()
			d.handleFrame(ctx, f)
		}(frame)
	}
}

func (d *Dispatcher) handleFrame(ctx context.Context, frame *jsonrpc.Frame) {
	if frame.IsNotification() {
		d.handleNotification(frame)
		return
	}
	if !frame.IsRequest() {
		// A response/result frame arriving upstream is not meaningful;
		// this gateway never issues requests to its own client.
		return
	}

	id := frame.RequestID()

	switch frame.Method {
	case "initialize":
		d.respond(id, d.handleInitialize())
	case "notifications/initialized":
		d.respond(id, json.RawMessage(`{}`))
	case "tools/list":
		d.respond(id, d.handleToolsList())
	case "ping":
		d.respond(id, json.RawMessage(`{}`))
	case "tools/call":
		d.handleToolsCall(ctx, id, frame)
	default:
		d.respondError(id, jsonrpc.CodeMethodNotFound, fmt.Sprintf("unknown method %q", frame.Method))
	}
}

func (d *Dispatcher) handleNotification(frame *jsonrpc.Frame) {
	switch frame.Method {
	case "notifications/cancelled":
		d.handleCancelled(frame)
	default:
		d.logger.Info("upstream_notification", zap.String("method", frame.Method))
	}
}

func (d *Dispatcher) handleCancelled(frame *jsonrpc.Frame) {
	var params struct {
		RequestID jsonrpc.ID `json:"requestId"`
	}
	if frame.Params != nil {
		if err := json.Unmarshal(frame.Params, &params); err != nil {
			d.logger.Warn("cancelled_notification_bad_params", zap.Error(err))
			return
		}
	}
	// Must key by the same rendering handleToolsCall registers under
	// (id.String()), not the raw JSON bytes of requestId: a JSON string id
	// round-trips through jsonrpc.ID.String() without its surrounding
	// quotes, so comparing raw bytes would never match.
	key := params.RequestID.String()

	d.cancelMu.Lock()
	cancel, ok := d.cancels[key]
	d.cancelMu.Unlock()
	if ok {
		cancel()
	}
}

func (d *Dispatcher) handleInitialize() json.RawMessage {
	result := map[string]any{
		"protocolVersion": protocolVersion,
		"serverInfo": map[string]string{
			"name":    "mcp-gateway",
			"version": "0.1.0",
		},
		"capabilities": map[string]any{
			"tools": map[string]any{},
		},
	}
	raw, _ := json.Marshal(result)
	return raw
}

func (d *Dispatcher) handleToolsList() json.RawMessage {
	tools := []map[string]any{
		{"name": "use_tool", "description": "Invoke a tool on a named backend MCP server.", "inputSchema": d.schemas.raw["use_tool"]},
		{"name": "discover_backend_tools", "description": "List tools exposed by one or all backend MCP servers.", "inputSchema": d.schemas.raw["discover_backend_tools"]},
		{"name": "security_status", "description": "Return the security monitor's current session snapshot.", "inputSchema": d.schemas.raw["security_status"]},
	}
	raw, _ := json.Marshal(map[string]any{"tools": tools})
	return raw
}

func (d *Dispatcher) writeFrame(f *jsonrpc.Frame) {
	if err := d.writer.WriteFrame(f); err != nil {
		d.logger.Error("upstream_write_failed", zap.Error(err))
	}
}

func (d *Dispatcher) respond(id jsonrpc.ID, result json.RawMessage) {
	if id.IsNull() {
		return
	}
	frame, err := jsonrpc.NewResult(id, result)
	if err != nil {
		d.logger.Error("upstream_encode_failed", zap.Error(err))
		return
	}
	d.writeFrame(frame)
}

func (d *Dispatcher) respondError(id jsonrpc.ID, code int, message string) {
	if id.IsNull() {
		return
	}
	d.writeFrame(jsonrpc.NewError(id, code, message, nil))
}

// toolResult builds the MCP tool-result envelope: error text vs. verbatim
// backend content, per spec.md §7 ("tool failures are data, not
// transport faults").
func toolResult(isError bool, content any) json.RawMessage {
	raw, _ := json.Marshal(map[string]any{
		"isError": isError,
		"content": content,
	})
	return raw
}

func toolErrorText(message string) json.RawMessage {
	return toolResult(true, []map[string]string{{"type": "text", "text": message}})
}

func recordMetric(ctx context.Context, counter metric.Int64Counter, attrs ...attribute.KeyValue) {
	if counter == nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(attrs...))
}
