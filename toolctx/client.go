package toolctx

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Spartee/arcade-ai/elicitation"
	"github.com/Spartee/arcade-ai/mcp"
)

// CreateMessage asks the client to run model sampling. Requires the client to
// have advertised the sampling capability during initialize.
func (tc *Context) CreateMessage(ctx context.Context, req *mcp.CreateMessageRequest) (*mcp.CreateMessageResult, error) {
	if tc.sess == nil || !tc.sess.ClientCapabilities().Sampling {
		return nil, fmt.Errorf("%w: sampling", ErrCapabilityUnavailable)
	}
	resp, err := tc.call(ctx, string(mcp.SamplingCreateMessageMethod), req)
	if err != nil {
		return nil, err
	}
	var out mcp.CreateMessageResult
	if err := json.Unmarshal(resp, &out); err != nil {
		return nil, fmt.Errorf("decode createMessage result: %w", err)
	}
	return &out, nil
}

// ListRoots asks the client for its workspace roots. Requires the roots
// capability.
func (tc *Context) ListRoots(ctx context.Context) (*mcp.ListRootsResult, error) {
	if tc.sess == nil || !tc.sess.ClientCapabilities().Roots {
		return nil, fmt.Errorf("%w: roots", ErrCapabilityUnavailable)
	}
	resp, err := tc.call(ctx, string(mcp.RootsListMethod), mcp.ListRootsRequest{})
	if err != nil {
		return nil, err
	}
	var out mcp.ListRootsResult
	if err := json.Unmarshal(resp, &out); err != nil {
		return nil, fmt.Errorf("decode roots result: %w", err)
	}
	return &out, nil
}

// Elicit prompts the user for structured input matching the struct pointed to
// by dst. On accept the struct is populated in place. Requires the
// elicitation capability.
func (tc *Context) Elicit(ctx context.Context, message string, dst any, opts ...elicitation.DecodeOption) (ElicitAction, error) {
	if tc.sess == nil || !tc.sess.ClientCapabilities().Elicitation {
		return "", fmt.Errorf("%w: elicitation", ErrCapabilityUnavailable)
	}
	schema, err := elicitation.DeriveSchema(dst)
	if err != nil {
		return "", err
	}
	resp, err := tc.call(ctx, string(mcp.ElicitationCreateMethod), mcp.ElicitRequest{
		Message:         message,
		RequestedSchema: schema,
	})
	if err != nil {
		return "", err
	}
	var out mcp.ElicitResult
	if err := json.Unmarshal(resp, &out); err != nil {
		return "", fmt.Errorf("decode elicit result: %w", err)
	}
	action := ElicitAction(out.Action)
	switch action {
	case ElicitActionAccept:
		if err := elicitation.Decode(out.Content, dst, opts...); err != nil {
			return action, err
		}
		return action, nil
	case ElicitActionDecline, ElicitActionCancel:
		return action, nil
	default:
		return action, fmt.Errorf("unrecognized elicit action %q", out.Action)
	}
}

// Complete requests argument completion. The operation is served by the
// server's completions capability; it is never routed to the client.
func (tc *Context) Complete(ctx context.Context, req *mcp.CompleteRequest) (*mcp.CompleteResult, error) {
	if tc.complete == nil {
		return nil, fmt.Errorf("%w: completions", ErrCapabilityUnavailable)
	}
	return tc.complete(ctx, req)
}

// call issues the request through the outbound dispatcher and unwraps the
// JSON-RPC response envelope.
func (tc *Context) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if tc.caller == nil {
		return nil, fmt.Errorf("%w: no outbound channel", ErrCapabilityUnavailable)
	}
	resp, err := tc.caller.Call(ctx, method, params, tc.callTimeout)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("%w: %s (code %d)", ErrClientError, resp.Error.Message, resp.Error.Code)
	}
	return resp.Result, nil
}
