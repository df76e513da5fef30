package p2p

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"runtime/debug"

	"github.com/cmwaters/chorus/network"
	"github.com/cmwaters/chorus/pkg/group"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/rs/zerolog"
)

// Client queries peers that serve predictions over libp2p. The endpoint of
// each peer is resolved with ResolveEndpoint.
type Client struct {
	Host        host.Host
	NetworkName string
	// ModelName is sent with every request. Defaults to network.DefaultModelName.
	ModelName string
	Logger    zerolog.Logger
}

func (c *Client) Predict(ctx context.Context, p group.Peer, features []float64) (_ []float64, _err error) {
	defer func() {
		if perr := recover(); perr != nil {
			_err = fmt.Errorf("panicked requesting prediction from peer %s: %v", p.ID, perr)
			c.Logger.Error().Err(_err).Str("stack", string(debug.Stack())).Msg("predict client panic")
		}
	}()

	id, err := ResolveEndpoint(c.Host, p.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("resolving endpoint of %s: %w", p.ID, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := c.Host.NewStream(ctx, id, PredictProtocolName(c.NetworkName))
	if err != nil {
		return nil, err
	}
	defer func() { _ = stream.Close() }()
	// Reset the stream if the context is canceled while we wait on the peer.
	context.AfterFunc(ctx, func() { _ = stream.Reset() })

	if deadline, ok := ctx.Deadline(); ok {
		// Not all transports support deadlines.
		_ = stream.SetDeadline(deadline)
	}

	modelName := c.ModelName
	if modelName == "" {
		modelName = network.DefaultModelName
	}
	bw := bufio.NewWriter(stream)
	if err := json.NewEncoder(bw).Encode(network.PredictRequest{ModelName: modelName, Features: features}); err != nil {
		return nil, err
	}
	if err := bw.Flush(); err != nil {
		return nil, err
	}
	if err := stream.CloseWrite(); err != nil {
		return nil, err
	}

	var resp network.PredictResponse
	if err := json.NewDecoder(io.LimitReader(bufio.NewReader(stream), maxMessageSize)).Decode(&resp); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.Logger.Debug().Err(err).Str("peer", p.ID).Msg("failed to read predict response")
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%s: %s", p.ID, resp.Error)
	}
	if resp.Prediction == nil {
		return nil, errors.New("response carries no prediction")
	}
	return resp.Prediction, nil
}
