package network

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/cmwaters/chorus/pkg/group"
)

// maxResponseSize bounds how much of a peer's response is read
const maxResponseSize = 1 << 20

// HTTPClient queries peers that serve predictions over HTTP. A peer's
// endpoint is its base URL: the request is posted to endpoint + "/predict".
type HTTPClient struct {
	// Client defaults to http.DefaultClient. Deadlines are taken from the
	// context of each query.
	Client *http.Client
	// ModelName is sent with every request. Defaults to DefaultModelName.
	ModelName string
}

func NewHTTPClient(modelName string) *HTTPClient {
	if modelName == "" {
		modelName = DefaultModelName
	}
	return &HTTPClient{
		Client:    &http.Client{},
		ModelName: modelName,
	}
}

func (c *HTTPClient) Predict(ctx context.Context, peer group.Peer, features []float64) ([]float64, error) {
	if peer.Endpoint == "" {
		return nil, fmt.Errorf("peer %s has no endpoint", peer.ID)
	}
	modelName := c.ModelName
	if modelName == "" {
		modelName = DefaultModelName
	}
	body, err := json.Marshal(PredictRequest{ModelName: modelName, Features: features})
	if err != nil {
		return nil, err
	}

	url := strings.TrimSuffix(peer.Endpoint, "/") + "/predict"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", peer.ID, err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out PredictResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&out); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("%s: unexpected status %d", peer.ID, resp.StatusCode)
		}
		return nil, fmt.Errorf("decoding response from %s: %w", peer.ID, err)
	}
	if resp.StatusCode != http.StatusOK {
		if out.Error != "" {
			return nil, fmt.Errorf("%s: status %d: %s", peer.ID, resp.StatusCode, out.Error)
		}
		return nil, fmt.Errorf("%s: unexpected status %d", peer.ID, resp.StatusCode)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("%s: %s", peer.ID, out.Error)
	}
	if out.Prediction == nil {
		return nil, errors.New("response carries no prediction")
	}
	return out.Prediction, nil
}
