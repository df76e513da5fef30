package network

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"
)

// Handler serves named models over HTTP with the same wire shape the
// HTTPClient speaks. It is what a peer runs to take part in rounds.
type Handler struct {
	models map[string]Model
	logger zerolog.Logger
	mux    *http.ServeMux
}

func NewHandler(models map[string]Model, logger zerolog.Logger) *Handler {
	h := &Handler{
		models: models,
		logger: logger,
		mux:    http.NewServeMux(),
	}
	h.mux.HandleFunc("POST /predict", h.handlePredict)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handlePredict(w http.ResponseWriter, r *http.Request) {
	var req PredictRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxResponseSize)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, PredictResponse{Error: "No input data provided."})
		return
	}
	if req.ModelName == "" || len(req.Features) == 0 {
		writeJSON(w, http.StatusBadRequest, PredictResponse{Error: "'model_name' and 'features' are required."})
		return
	}

	model, ok := h.models[req.ModelName]
	if !ok {
		writeJSON(w, http.StatusOK, PredictResponse{Error: fmt.Sprintf("%s: %q", ErrUnknownModel, req.ModelName)})
		return
	}
	prediction, err := model.Predict(r.Context(), req.Features)
	if err != nil {
		h.logger.Debug().Err(err).Str("model", req.ModelName).Msg("prediction failed")
		writeJSON(w, http.StatusOK, PredictResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, PredictResponse{Prediction: prediction})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
