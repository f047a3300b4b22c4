package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/triage-ai/mcp-gateway/internal/jsonrpc"
)

// toolsCallParams is the tools/call envelope's shape: a meta-tool name
// plus its raw arguments object.
type toolsCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (d *Dispatcher) handleToolsCall(ctx context.Context, id jsonrpc.ID, frame *jsonrpc.Frame) {
	var params toolsCallParams
	if frame.Params != nil {
		if err := json.Unmarshal(frame.Params, &params); err != nil {
			d.respondError(id, jsonrpc.CodeInvalidParams, "invalid tools/call params")
			return
		}
	}

	callCtx := ctx
	idKey := id.String()
	if !id.IsNull() {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithCancel(ctx)
		d.cancelMu.Lock()
		d.cancels[idKey] = cancel
		d.cancelMu.Unlock()
		defer func() {
			d.cancelMu.Lock()
			delete(d.cancels, idKey)
			d.cancelMu.Unlock()
			cancel()
		}()
	}

	var argsDecoded any
	if len(params.Arguments) > 0 {
		if err := json.Unmarshal(params.Arguments, &argsDecoded); err != nil {
			d.respondError(id, jsonrpc.CodeInvalidParams, "arguments is not valid JSON")
			return
		}
	} else {
		argsDecoded = map[string]any{}
	}

	switch params.Name {
	case "use_tool":
		d.respond(id, d.handleUseTool(callCtx, argsDecoded))
	case "discover_backend_tools":
		d.respond(id, d.handleDiscoverBackendTools(callCtx, argsDecoded))
	case "security_status":
		d.respond(id, d.handleSecurityStatus(argsDecoded))
	default:
		d.respondError(id, jsonrpc.CodeInvalidParams, fmt.Sprintf("unknown meta-tool %q", params.Name))
	}
}

type useToolArgs struct {
	BackendServer string         `json:"backend_server"`
	ServerTool    string         `json:"server_tool"`
	ToolArguments map[string]any `json:"tool_arguments"`
}

// handleUseTool implements spec.md §4.5's use_tool steps 1-5.
func (d *Dispatcher) handleUseTool(ctx context.Context, rawArgs any) json.RawMessage {
	var span trace.Span
	ctx, span = d.tracer.Start(ctx, "use_tool")
	defer span.End()

	// Step 1: validate arguments.
	if err := d.schemas.validate("use_tool", rawArgs); err != nil {
		span.SetStatus(codes.Error, "invalid arguments")
		return toolErrorText(fmt.Sprintf("invalid arguments: %v", err))
	}

	var args useToolArgs
	raw, _ := json.Marshal(rawArgs)
	if err := json.Unmarshal(raw, &args); err != nil {
		span.SetStatus(codes.Error, "invalid arguments")
		return toolErrorText(fmt.Sprintf("invalid arguments: %v", err))
	}
	span.SetAttributes(
		attribute.String("backend", args.BackendServer),
		attribute.String("tool", args.ServerTool),
	)

	// Backend must be known before consulting the monitor, so the
	// monitor's trace reflects only calls against real backends; an
	// unknown-backend error is not a security decision.
	backendCfg, known := d.registry.Backend(args.BackendServer)
	if !known {
		return toolErrorText(fmt.Sprintf("unknown backend %q", args.BackendServer))
	}

	// Step 2: consult Security Monitor.
	decision := d.monitor.Check(args.BackendServer, args.ServerTool, backendCfg.SecurityLevel, args.ToolArguments)
	if !decision.Allowed {
		recordMetric(ctx, d.metrics.Denials, attribute.String("backend", args.BackendServer))
		span.SetStatus(codes.Error, decision.Reason)
		return toolErrorText(decision.Reason)
	}

	// Step 3: Registry.get.
	sess, err := d.registry.Get(ctx, args.BackendServer)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return toolErrorText(fmt.Sprintf("unknown backend %q: %v", args.BackendServer, err))
	}

	// Step 4: Session.call.
	start := time.Now()
	result, err := sess.Call(ctx, "tools/call", map[string]any{
		"name":      args.ServerTool,
		"arguments": args.ToolArguments,
	}, backendCfg.Timeout)
	recordMetric(ctx, d.metrics.Requests, attribute.String("backend", args.BackendServer))
	if d.metrics.Latency != nil {
		d.metrics.Latency.Record(ctx, time.Since(start).Milliseconds())
	}
	if err != nil {
		recordMetric(ctx, d.metrics.Timeouts, attribute.String("backend", args.BackendServer))
		span.SetStatus(codes.Error, err.Error())
		return toolErrorText(fmt.Sprintf("backend call failed: %v", err))
	}

	// Step 5 (recording the access) already happened inside monitor.Check;
	// relay the backend's tool-result content verbatim.
	var backendResult struct {
		IsError bool `json:"isError"`
		Content any  `json:"content"`
	}
	if err := json.Unmarshal(result, &backendResult); err != nil {
		return toolResult(false, []map[string]string{{"type": "text", "text": string(result)}})
	}
	return toolResult(backendResult.IsError, backendResult.Content)
}

type discoverArgs struct {
	BackendName string `json:"backend_name,omitempty"`
}

type backendToolsResult struct {
	Description string           `json:"description,omitempty"`
	Tools       []map[string]any `json:"tools,omitempty"`
	Error       string           `json:"error,omitempty"`
}

// handleDiscoverBackendTools implements spec.md §4.5's discover_backend_tools.
func (d *Dispatcher) handleDiscoverBackendTools(ctx context.Context, rawArgs any) json.RawMessage {
	if err := d.schemas.validate("discover_backend_tools", rawArgs); err != nil {
		return toolErrorText(fmt.Sprintf("invalid arguments: %v", err))
	}
	var args discoverArgs
	raw, _ := json.Marshal(rawArgs)
	_ = json.Unmarshal(raw, &args)

	if args.BackendName != "" {
		result := d.discoverOne(ctx, args.BackendName)
		raw, _ := json.Marshal(map[string]backendToolsResult{args.BackendName: result})
		return toolResult(false, []map[string]any{{"type": "text", "text": string(raw)}})
	}

	names := d.registry.Names()
	results := make(map[string]backendToolsResult, len(names))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(n string) {
			defer wg.Done()
			r := d.discoverOne(ctx, n)
			mu.Lock()
			results[n] = r
			mu.Unlock()
		}(name)
	}
	wg.Wait()

	raw, _ = json.Marshal(results)
	return toolResult(false, []map[string]any{{"type": "text", "text": string(raw)}})
}

func (d *Dispatcher) discoverOne(ctx context.Context, name string) backendToolsResult {
	cfg, ok := d.registry.Backend(name)
	if !ok {
		return backendToolsResult{Error: "unknown backend"}
	}
	sess, err := d.registry.Get(ctx, name)
	if err != nil {
		return backendToolsResult{Description: cfg.Description, Error: err.Error()}
	}
	tools, err := sess.DiscoverTools(ctx)
	if err != nil {
		return backendToolsResult{Description: cfg.Description, Error: err.Error()}
	}
	return backendToolsResult{Description: cfg.Description, Tools: tools}
}

// handleSecurityStatus implements spec.md §4.5's security_status.
func (d *Dispatcher) handleSecurityStatus(rawArgs any) json.RawMessage {
	if err := d.schemas.validate("security_status", rawArgs); err != nil {
		return toolErrorText(fmt.Sprintf("invalid arguments: %v", err))
	}
	status := d.monitor.Status()
	raw, _ := json.Marshal(status)
	return toolResult(false, []map[string]any{{"type": "text", "text": string(raw)}})
}
