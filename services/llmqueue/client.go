package llmqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls QueueService over a gRPC connection.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient creates a client on conn.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

func (c *Client) call(ctx context.Context, method string, req, resp any) error {
	in, err := toStruct(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out); err != nil {
		return err
	}
	return fromStruct(out, resp)
}

func (c *Client) Submit(ctx context.Context, req SubmitRequest) (*Request, error) {
	var resp requestResponse
	if err := c.call(ctx, "Submit", req, &resp); err != nil {
		return nil, err
	}
	return resp.Request, nil
}

func (c *Client) Get(ctx context.Context, id string) (*Request, error) {
	var resp requestResponse
	if err := c.call(ctx, "Get", idRequest{ID: id}, &resp); err != nil {
		return nil, err
	}
	return resp.Request, nil
}

func (c *Client) Status(ctx context.Context, scope Scope) (Status, error) {
	var st Status
	err := c.call(ctx, "Status", scopeRequest{Scope: scope}, &st)
	return st, err
}

func (c *Client) History(ctx context.Context, limit int) ([]*Request, error) {
	return c.list(ctx, "History", limit)
}

func (c *Client) Pending(ctx context.Context, limit int) ([]*Request, error) {
	return c.list(ctx, "Pending", limit)
}

func (c *Client) Retryable(ctx context.Context, limit int) ([]*Request, error) {
	return c.list(ctx, "Retryable", limit)
}

func (c *Client) list(ctx context.Context, method string, limit int) ([]*Request, error) {
	var resp requestsResponse
	if err := c.call(ctx, method, listRequest{Limit: limit}, &resp); err != nil {
		return nil, err
	}
	return resp.Requests, nil
}

func (c *Client) StatsByScope(ctx context.Context) ([]ScopeStats, error) {
	var resp statsResponse
	if err := c.call(ctx, "StatsByScope", struct{}{}, &resp); err != nil {
		return nil, err
	}
	return resp.Stats, nil
}

func (c *Client) Pause(ctx context.Context) error {
	return c.call(ctx, "Pause", struct{}{}, &pausedResponse{})
}

func (c *Client) Resume(ctx context.Context) error {
	return c.call(ctx, "Resume", struct{}{}, &pausedResponse{})
}

func (c *Client) Clear(ctx context.Context, scope Scope) (int, error) {
	var resp clearResponse
	err := c.call(ctx, "Clear", scopeRequest{Scope: scope}, &resp)
	return resp.Cleared, err
}

func (c *Client) Retry(ctx context.Context, id string, resetAttempts bool) (string, error) {
	var resp retryResponse
	err := c.call(ctx, "Retry", retryRequest{ID: id, ResetAttempts: resetAttempts}, &resp)
	return resp.ID, err
}

func (c *Client) Cancel(ctx context.Context, id string) (bool, error) {
	var resp cancelResponse
	err := c.call(ctx, "Cancel", idRequest{ID: id}, &resp)
	return resp.Cancelled, err
}

func (c *Client) Health(ctx context.Context) ([]ProviderHealth, error) {
	var resp healthResponse
	if err := c.call(ctx, "Health", struct{}{}, &resp); err != nil {
		return nil, err
	}
	return resp.Providers, nil
}

// ResetHealth clears providerID, or every provider when providerID is empty.
func (c *Client) ResetHealth(ctx context.Context, providerID string) ([]ProviderHealth, error) {
	var resp healthResponse
	req := providerRequest{ProviderID: providerID, All: providerID == ""}
	if err := c.call(ctx, "ResetHealth", req, &resp); err != nil {
		return nil, err
	}
	return resp.Providers, nil
}

// TestConnection returns the probe error reported by the server, if any.
func (c *Client) TestConnection(ctx context.Context, providerID string) error {
	var resp connectionResponse
	if err := c.call(ctx, "TestConnection", providerRequest{ProviderID: providerID}, &resp); err != nil {
		return err
	}
	if !resp.OK {
		return errors.New(resp.Error)
	}
	return nil
}

// Watch calls fn for each event until the stream ends, ctx is done, or fn
// returns an error.
func (c *Client) Watch(ctx context.Context, req WatchRequest, fn func(Event) error) error {
	stream, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], "/"+ServiceName+"/Watch")
	if err != nil {
		return err
	}
	in, err := toStruct(req)
	if err != nil {
		return err
	}
	if err := stream.SendMsg(in); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}

	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		var e Event
		if err := fromStruct(msg, &e); err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
}

func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("failed to convert request: %w", err)
	}
	return out, nil
}

func fromStruct(in *structpb.Struct, dst any) error {
	data, err := protojson.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to convert response: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}
