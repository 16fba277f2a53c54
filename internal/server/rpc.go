package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/gaspardpetit/stdiobridge/core/logx"
	"github.com/gaspardpetit/stdiobridge/internal/metrics"
	"github.com/gaspardpetit/stdiobridge/internal/stdiorpc"
)

// rpcHandler accepts one JSON-RPC request, forwards it over the subprocess
// channel and replies with the correlated subprocess response verbatim.
func rpcHandler(br Bridge, maxBytes int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))
		body, err := io.ReadAll(r.Body)
		if err != nil {
			metrics.RecordRPCRequest("bad_request")
			writeError(w, http.StatusBadRequest, "bad_request", "unreadable or oversized body")
			return
		}

		var env struct {
			JSONRPC string          `json:"jsonrpc"`
			ID      json.RawMessage `json:"id"`
		}
		if err := json.Unmarshal(body, &env); err != nil {
			metrics.RecordRPCRequest("bad_request")
			writeError(w, http.StatusBadRequest, "bad_request", "body must be a JSON object")
			return
		}
		if env.JSONRPC != "2.0" {
			metrics.RecordRPCRequest("bad_request")
			writeError(w, http.StatusBadRequest, "bad_request", `field "jsonrpc" must be "2.0"`)
			return
		}
		if len(env.ID) == 0 || string(env.ID) == "null" {
			metrics.RecordRPCRequest("bad_request")
			writeError(w, http.StatusBadRequest, "bad_request", `field "id" must be present and non-null`)
			return
		}

		start := time.Now()
		resp, err := br.Call(r.Context(), env.ID, body)
		if err != nil {
			switch {
			case errors.Is(err, stdiorpc.ErrDuplicateID):
				metrics.RecordRPCRequest("duplicate")
				logx.Log.Warn().Str("req_id", reqID).Str("rpc_id", string(env.ID)).Msg("duplicate correlation id")
				writeError(w, http.StatusConflict, "duplicate_id", "a call with this id is already in flight")
			case errors.Is(err, stdiorpc.ErrTimeout):
				metrics.RecordRPCRequest("timeout")
				logx.Log.Warn().Str("req_id", reqID).Str("rpc_id", string(env.ID)).Dur("waited", time.Since(start)).Msg("timeout waiting for subprocess reply")
				writeError(w, http.StatusGatewayTimeout, "timeout", "no subprocess reply before the deadline")
			default:
				metrics.RecordRPCRequest("rejected")
				logx.Log.Error().Str("req_id", reqID).Str("rpc_id", string(env.ID)).Err(err).Msg("subprocess channel failure")
				writeError(w, http.StatusGatewayTimeout, "subprocess_failure", err.Error())
			}
			return
		}

		metrics.RecordRPCRequest("ok")
		metrics.ObserveRPCDuration(time.Since(start))
		logx.Log.Info().Str("req_id", reqID).Str("rpc_id", string(env.ID)).Int("req_bytes", len(body)).Int("resp_bytes", len(resp)).Dur("duration", time.Since(start)).Msg("rpc complete")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(resp)
	}
}
