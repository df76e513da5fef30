package p2p

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cmwaters/chorus/network"
	"github.com/libp2p/go-libp2p/core/host"
	libp2pnet "github.com/libp2p/go-libp2p/core/network"
	"github.com/rs/zerolog"
)

// Server serves named models over the libp2p predict protocol.
type Server struct {
	// Request timeouts. If non-zero, requests will be canceled after the specified duration.
	RequestTimeout time.Duration
	NetworkName    string
	Host           host.Host
	Models         map[string]network.Model
	Logger         zerolog.Logger

	// - held (read) by all active requests.
	// - taken (write) on shutdown to block until said requests complete.
	runningLk sync.RWMutex
	stopFunc  context.CancelFunc
}

func (s *Server) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.RequestTimeout > 0 {
		return context.WithTimeout(ctx, s.RequestTimeout)
	}
	return ctx, func() {}
}

func (s *Server) handleRequest(ctx context.Context, stream libp2pnet.Stream) (_err error) {
	defer func() {
		if perr := recover(); perr != nil {
			_err = fmt.Errorf("panicked in server response: %v", perr)
			s.Logger.Error().Err(_err).Str("stack", string(debug.Stack())).Msg("predict server panic")
		}
	}()

	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetDeadline(deadline)
	}

	var req network.PredictRequest
	if err := json.NewDecoder(io.LimitReader(bufio.NewReader(stream), maxMessageSize)).Decode(&req); err != nil {
		s.Logger.Debug().Err(err).Msg("failed to read predict request from stream")
		return err
	}

	var resp network.PredictResponse
	if model, ok := s.Models[req.ModelName]; !ok {
		resp.Error = fmt.Sprintf("%s: %q", network.ErrUnknownModel, req.ModelName)
	} else if prediction, err := model.Predict(ctx, req.Features); err != nil {
		resp.Error = err.Error()
	} else {
		resp.Prediction = prediction
	}

	bw := bufio.NewWriter(stream)
	if err := json.NewEncoder(bw).Encode(resp); err != nil {
		return err
	}
	return bw.Flush()
}

// Start the server.
func (s *Server) Start(context.Context) error {
	s.runningLk.Lock()
	defer s.runningLk.Unlock()
	if s.stopFunc != nil {
		return errors.New("predict server already running")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.stopFunc = cancel
	s.Host.SetStreamHandler(PredictProtocolName(s.NetworkName), func(stream libp2pnet.Stream) {
		// a failed try-lock means we are shutting down
		if !s.runningLk.TryRLock() {
			_ = stream.Reset()
			return
		}
		defer s.runningLk.RUnlock()

		if ctx.Err() != nil {
			_ = stream.Reset()
			return
		}

		// Kill the stream if/when we shutdown the server.
		defer context.AfterFunc(ctx, func() { _ = stream.Reset() })()

		ctx, cancel := s.withDeadline(ctx)
		defer cancel()

		if err := s.handleRequest(ctx, stream); err != nil {
			_ = stream.Reset()
		} else {
			_ = stream.Close()
		}
	})
	return nil
}

// Stop the server and wait for in-flight requests to return.
func (s *Server) Stop(context.Context) error {
	s.runningLk.RLock()
	if s.stopFunc != nil {
		s.stopFunc()
	}
	s.runningLk.RUnlock()

	s.runningLk.Lock()
	defer s.runningLk.Unlock()
	if s.stopFunc == nil {
		return nil
	}
	s.stopFunc = nil
	s.Host.RemoveStreamHandler(PredictProtocolName(s.NetworkName))
	return nil
}
