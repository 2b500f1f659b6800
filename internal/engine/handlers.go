package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Spartee/arcade-ai/internal/jsonrpc"
	"github.com/Spartee/arcade-ai/internal/logctx"
	"github.com/Spartee/arcade-ai/mcp"
	"github.com/Spartee/arcade-ai/mcpservice"
	"github.com/Spartee/arcade-ai/notify"
	"github.com/Spartee/arcade-ai/toolctx"
)

func cursorPtr(c string) *string {
	if c == "" {
		return nil
	}
	return &c
}

// listError maps capability errors from list operations onto JSON-RPC codes.
func listError(id *jsonrpc.RequestID, err error) *jsonrpc.Response {
	if errors.Is(err, mcpservice.ErrInvalidCursor) {
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInvalidParams, err.Error(), nil)
	}
	return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInternalError, "internal error", err.Error())
}

func (e *Engine) handleToolsList(ctx context.Context, sess *SessionHandle, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var params mcp.ListToolsRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
		}
	}

	cap, ok, err := e.srv.GetToolsCapability(ctx, sess)
	if err != nil {
		return nil, err
	}
	if !ok || cap == nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "tools capability not supported", nil), nil
	}

	page, err := cap.ListTools(ctx, sess, cursorPtr(params.Cursor))
	if err != nil {
		return listError(req.ID, err), nil
	}

	result := &mcp.ListToolsResult{Tools: page.Items}
	if page.NextCursor != nil {
		result.NextCursor = *page.NextCursor
	}
	return jsonrpc.NewResultResponse(req.ID, result)
}

func (e *Engine) handleResourcesList(ctx context.Context, sess *SessionHandle, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var params mcp.ListResourcesRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
		}
	}

	cap, ok, err := e.srv.GetResourcesCapability(ctx, sess)
	if err != nil {
		return nil, err
	}
	if !ok || cap == nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "resources capability not supported", nil), nil
	}

	page, err := cap.ListResources(ctx, sess, cursorPtr(params.Cursor))
	if err != nil {
		return listError(req.ID, err), nil
	}

	res := &mcp.ListResourcesResult{Resources: page.Items}
	if page.NextCursor != nil {
		res.NextCursor = *page.NextCursor
	}
	return jsonrpc.NewResultResponse(req.ID, res)
}

func (e *Engine) handleResourcesTemplatesList(ctx context.Context, sess *SessionHandle, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var params mcp.ListResourceTemplatesRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
		}
	}

	cap, ok, err := e.srv.GetResourcesCapability(ctx, sess)
	if err != nil {
		return nil, err
	}
	if !ok || cap == nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "resources capability not supported", nil), nil
	}

	page, err := cap.ListResourceTemplates(ctx, sess, cursorPtr(params.Cursor))
	if err != nil {
		return listError(req.ID, err), nil
	}

	res := &mcp.ListResourceTemplatesResult{ResourceTemplates: page.Items}
	if page.NextCursor != nil {
		res.NextCursor = *page.NextCursor
	}
	return jsonrpc.NewResultResponse(req.ID, res)
}

func (e *Engine) handleResourcesRead(ctx context.Context, sess *SessionHandle, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var params mcp.ReadResourceRequest
	if err := json.Unmarshal(req.Params, &params); err != nil || params.URI == "" {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}

	cap, ok, err := e.srv.GetResourcesCapability(ctx, sess)
	if err != nil {
		return nil, err
	}
	if !ok || cap == nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "resources capability not supported", nil), nil
	}

	contents, err := cap.ReadResource(ctx, sess, params.URI)
	if err != nil {
		if errors.Is(err, mcpservice.ErrResourceNotFound) {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, err.Error(), nil), nil
		}
		return nil, err
	}

	return jsonrpc.NewResultResponse(req.ID, &mcp.ReadResourceResult{Contents: contents})
}

func (e *Engine) handleResourcesSubscribe(ctx context.Context, sess *SessionHandle, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var params mcp.SubscribeRequest
	if err := json.Unmarshal(req.Params, &params); err != nil || params.URI == "" {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}

	resCap, ok, err := e.srv.GetResourcesCapability(ctx, sess)
	if err != nil {
		return nil, err
	}
	if !ok || resCap == nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "resources capability not supported", nil), nil
	}
	subCap, hasSub, err := resCap.GetSubscriptionCapability(ctx, sess)
	if err != nil {
		return nil, err
	}
	if !hasSub || subCap == nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "subscriptions not supported", nil), nil
	}

	// Idempotency: if already subscribed, succeed.
	sessID := sess.SessionID()
	e.subMu.Lock()
	if _, ok := e.subCancels[sessID]; !ok {
		e.subCancels[sessID] = make(map[string]mcpservice.CancelSubscription)
	}
	if _, exists := e.subCancels[sessID][params.URI]; exists {
		e.subMu.Unlock()
		return jsonrpc.NewResultResponse(req.ID, &mcp.EmptyResult{})
	}
	e.subMu.Unlock()

	// Updates for the same URI coalesce within the debounce window,
	// last write wins.
	emit := func(cbCtx context.Context, uri string) {
		e.notifier.Publish(context.WithoutCancel(cbCtx), notify.Notification{
			Method:    mcp.ResourcesUpdatedNotificationMethod,
			Params:    mcp.ResourceUpdatedNotification{URI: uri},
			Key:       "resources/updated:" + uri,
			Debounce:  e.cfg.DefaultDebounce(),
			SessionID: sessID,
		})
	}

	cancel, err := subCap.Subscribe(ctx, sess, params.URI, emit)
	if err != nil {
		e.log.InfoContext(ctx, "engine.resources.subscribe.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}

	e.subMu.Lock()
	e.subCancels[sessID][params.URI] = cancel
	e.subMu.Unlock()

	return jsonrpc.NewResultResponse(req.ID, &mcp.EmptyResult{})
}

func (e *Engine) handleResourcesUnsubscribe(ctx context.Context, sess *SessionHandle, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var params mcp.UnsubscribeRequest
	if err := json.Unmarshal(req.Params, &params); err != nil || params.URI == "" {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}

	sessID := sess.SessionID()
	e.subMu.Lock()
	if m := e.subCancels[sessID]; m != nil {
		if cancel, ok := m[params.URI]; ok && cancel != nil {
			_ = cancel(context.WithoutCancel(ctx))
			delete(m, params.URI)
		}
		if len(m) == 0 {
			delete(e.subCancels, sessID)
		}
	}
	e.subMu.Unlock()

	// Unsubscribing an unknown URI is a no-op.
	return jsonrpc.NewResultResponse(req.ID, &mcp.EmptyResult{})
}

func (e *Engine) handlePromptsList(ctx context.Context, sess *SessionHandle, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var params mcp.ListPromptsRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
		}
	}

	cap, ok, err := e.srv.GetPromptsCapability(ctx, sess)
	if err != nil {
		return nil, err
	}
	if !ok || cap == nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "prompts capability not supported", nil), nil
	}

	page, err := cap.ListPrompts(ctx, sess, cursorPtr(params.Cursor))
	if err != nil {
		return listError(req.ID, err), nil
	}

	res := &mcp.ListPromptsResult{Prompts: page.Items}
	if page.NextCursor != nil {
		res.NextCursor = *page.NextCursor
	}
	return jsonrpc.NewResultResponse(req.ID, res)
}

func (e *Engine) handlePromptsGet(ctx context.Context, sess *SessionHandle, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var params mcp.GetPromptRequestReceived
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}

	cap, ok, err := e.srv.GetPromptsCapability(ctx, sess)
	if err != nil {
		return nil, err
	}
	if !ok || cap == nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "prompts capability not supported", nil), nil
	}

	result, err := cap.GetPrompt(ctx, sess, &params)
	if err != nil {
		if errors.Is(err, mcpservice.ErrPromptNotFound) {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, err.Error(), nil), nil
		}
		return nil, err
	}
	return jsonrpc.NewResultResponse(req.ID, result)
}

func (e *Engine) handleSetLoggingLevel(ctx context.Context, sess *SessionHandle, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var params mcp.SetLevelRequest
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}

	cap, ok, err := e.srv.GetLoggingCapability(ctx, sess)
	if err != nil {
		return nil, err
	}
	if !ok || cap == nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "logging not supported", nil), nil
	}

	if err := cap.SetLevel(ctx, sess, params.Level); err != nil {
		if errors.Is(err, mcpservice.ErrInvalidLoggingLevel) {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
		}
		return nil, err
	}

	return jsonrpc.NewResultResponse(req.ID, &mcp.EmptyResult{})
}

func (e *Engine) handleCompletionsComplete(ctx context.Context, sess *SessionHandle, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var params mcp.CompleteRequest
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}

	cap, ok, err := e.srv.GetCompletionsCapability(ctx, sess)
	if err != nil {
		return nil, err
	}
	if !ok || cap == nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "completions capability not supported", nil), nil
	}

	result, err := cap.Complete(ctx, sess, &params)
	if err != nil {
		return nil, err
	}
	return jsonrpc.NewResultResponse(req.ID, result)
}

// --- tools/call ---

func (e *Engine) handleToolCall(ctx context.Context, sess *SessionHandle, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var params mcp.CallToolRequestReceived
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}

	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: params.Name})

	cap, ok, err := e.srv.GetToolsCapability(ctx, sess)
	if err != nil {
		return nil, err
	}
	if !ok || cap == nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "tools capability not supported", nil), nil
	}

	reqID := req.ID.String()
	if reqID == "" {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "missing request ID", nil), nil
	}

	// Register the progress token for the lifetime of the call.
	var progressToken mcp.ProgressToken
	if params.Meta != nil && params.Meta.ProgressToken != nil {
		progressToken = params.Meta.ProgressToken
		tokenKey := fmt.Sprintf("%v", progressToken)
		sess.addProgressToken(tokenKey)
		defer sess.removeProgressToken(tokenKey)
	}

	toolCtx, toolCancel := context.WithCancelCause(ctx)
	defer toolCancel(context.Canceled)

	if !e.registerCancel(reqID, toolCancel) {
		// Request ids are unique per peer; a duplicate means a protocol bug.
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "duplicate request ID", nil), nil
	}
	defer e.unregisterCancel(reqID)

	tc := e.buildToolContext(ctx, sess, reqID, progressToken)
	toolCtx = toolctx.WithContext(toolCtx, tc)

	res, err := cap.CallTool(toolCtx, sess, &params)
	if err != nil {
		switch {
		case errors.Is(err, mcpservice.ErrToolNotFound),
			errors.Is(err, mcpservice.ErrInvalidArguments),
			errors.Is(err, mcpservice.ErrAuthTokenMissing),
			errors.Is(err, mcpservice.ErrSecretUnavailable):
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, err.Error(), nil), nil
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			if _, was := sess.wasCancelled(reqID); was {
				// The tool consumed the client's cancellation; the client has
				// abandoned correlation, so no response is produced.
				return nil, nil
			}
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "cancelled", nil), nil
		default:
			return nil, err
		}
	}

	// The tool may have completed despite a cancellation that arrived late;
	// in that case the response is still sent.
	sess.wasCancelled(reqID)

	return jsonrpc.NewResultResponse(req.ID, res)
}

// buildToolContext assembles the per-call tool context from the engine's
// collaborators and the session's negotiated surface.
func (e *Engine) buildToolContext(ctx context.Context, sess *SessionHandle, reqID string, progressToken mcp.ProgressToken) *toolctx.Context {
	cfg := toolctx.Config{
		Session:       sess,
		RequestID:     reqID,
		ProgressToken: progressToken,
		Notifier:      e.notifier,
		Secrets:       e.secrets,
		Metadata:      e.metadata,
		AuthToken:     BearerFromContext(ctx),
		CallTimeout:   e.cfg.RequestTimeout(),
	}
	if d := sess.Outbound(); d != nil {
		cfg.Caller = d
	}
	if ccap, ok, err := e.srv.GetCompletionsCapability(ctx, sess); err == nil && ok && ccap != nil {
		cfg.Complete = func(cctx context.Context, req *mcp.CompleteRequest) (*mcp.CompleteResult, error) {
			return ccap.Complete(cctx, sess, req)
		}
	}
	return toolctx.New(cfg)
}
