package connection

import (
	"context"
	"fmt"

	"github.com/nodesync/nodesync/pkg/constants"
)

// Send calls method and decodes the result into res.
func Send[Result any](c Connection, ctx context.Context, res *RPCResponse[Result], method string, params any) error {
	rawRes, err := c.Send(ctx, method, params)
	if err != nil {
		return err
	}

	if res == nil {
		return nil
	}

	res.ID = rawRes.ID
	res.Error = rawRes.Error

	if rawRes.Result == nil {
		res.Result = nil
		return nil
	}

	var r Result
	if err := c.GetUnmarshaler().Unmarshal(*rawRes.Result, &r); err != nil {
		return fmt.Errorf("Send: error unmarshaling result: %w", err)
	}

	res.Result = &r

	return nil
}

// Pull requests the next items of a stream.
func Pull(c Connection, ctx context.Context, req *PullRequest) (*PullResponse, error) {
	var res RPCResponse[PullResponse]
	if err := Send(c, ctx, &res, constants.MethodPull, req); err != nil {
		return nil, err
	}
	if res.Result == nil {
		return nil, fmt.Errorf("pull: empty result")
	}
	return res.Result, nil
}

// Mutate submits a batch of mutations. Results come back in submission order.
func Mutate(c Connection, ctx context.Context, req *MutateRequest) (*MutateResponse, error) {
	var res RPCResponse[MutateResponse]
	if err := Send(c, ctx, &res, constants.MethodMutate, req); err != nil {
		return nil, err
	}
	if res.Result == nil || len(res.Result.Results) != len(req.Mutations) {
		return nil, fmt.Errorf("mutate: expected %d results", len(req.Mutations))
	}
	return res.Result, nil
}

func Ping(c Connection, ctx context.Context) error {
	return Send[PingResponse](c, ctx, nil, constants.MethodPing, nil)
}
