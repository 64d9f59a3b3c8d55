package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/INLOpen/nexuskv/api/wire"
	"github.com/INLOpen/nexuskv/core"
	"github.com/INLOpen/nexuskv/engine"
	"github.com/INLOpen/nexuskv/replication"
)

// Handler dispatches wire requests against the engine and the replication
// manager. The message set is closed: anything outside it gets a typed error
// reply, never a silent fallthrough.
type Handler struct {
	eng    engine.StorageEngineInterface
	repl   *replication.Manager // nil in standalone mode
	logger *slog.Logger
}

// NewHandler creates a request handler. repl may be nil for a standalone
// node, which then accepts all mutations.
func NewHandler(eng engine.StorageEngineInterface, repl *replication.Manager, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		eng:    eng,
		repl:   repl,
		logger: logger.With("component", "Handler"),
	}
}

// Handle processes one request and returns the reply to send.
func (h *Handler) Handle(ctx context.Context, req wire.Request) wire.Response {
	if req.Type != "" {
		return h.handleCluster(ctx, req)
	}

	switch req.Command {
	case wire.CmdSet:
		if resp, ok := h.requirePrimary(); !ok {
			return resp
		}
		if err := h.eng.Set(ctx, req.Key, req.Value); err != nil {
			return h.mutationError("set", err)
		}
		return wire.OKResponse()

	case wire.CmdGet:
		value, err := h.eng.Get(ctx, req.Key)
		if errors.Is(err, core.ErrNotFound) {
			return wire.Response{Status: wire.StatusOK, Found: false}
		}
		if err != nil {
			return wire.ErrorResponse(err.Error())
		}
		return wire.Response{Status: wire.StatusOK, Found: true, Value: value}

	case wire.CmdDelete:
		if resp, ok := h.requirePrimary(); !ok {
			return resp
		}
		if err := h.eng.Delete(ctx, req.Key); err != nil {
			return h.mutationError("delete", err)
		}
		return wire.OKResponse()

	case wire.CmdBulkSet:
		if resp, ok := h.requirePrimary(); !ok {
			return resp
		}
		pairs := make([]core.KVPair, len(req.Items))
		for i, item := range req.Items {
			pairs[i] = core.KVPair{Key: item[0], Value: item[1]}
		}
		if err := h.eng.BulkSet(ctx, pairs); err != nil {
			return h.mutationError("bulk_set", err)
		}
		return wire.OKResponse()

	case wire.CmdSearchText:
		keys := h.eng.SearchText(ctx, strings.Fields(req.Query))
		return wire.Response{Status: wire.StatusOK, Keys: keys}

	case wire.CmdSearchSimilar:
		topK := req.TopK
		if topK <= 0 {
			topK = 10
		}
		scored := h.eng.SearchSimilar(ctx, req.Query, topK)
		results := make([]wire.ScoredResult, len(scored))
		for i, s := range scored {
			results[i] = wire.ScoredResult{Key: s.Key, Score: s.Score}
		}
		return wire.Response{Status: wire.StatusOK, Results: results}

	case wire.CmdGetAllKeys:
		return wire.Response{Status: wire.StatusOK, Keys: h.eng.GetAllKeys(ctx)}

	default:
		return wire.ErrorResponse(fmt.Sprintf("unknown command %q", req.Command))
	}
}

func (h *Handler) handleCluster(ctx context.Context, req wire.Request) wire.Response {
	if h.repl == nil {
		return wire.ErrorResponse("replication not configured")
	}
	switch req.Type {
	case wire.MsgHeartbeat:
		return h.repl.HandleHeartbeat(req)
	case wire.MsgVoteRequest:
		return h.repl.HandleVoteRequest(req)
	case wire.MsgReplicate:
		return h.repl.HandleReplicate(ctx, req)
	default:
		return wire.ErrorResponse(fmt.Sprintf("unknown message type %q", req.Type))
	}
}

// requirePrimary rejects mutations on a non-primary node, naming the known
// leader so clients can redirect.
func (h *Handler) requirePrimary() (wire.Response, bool) {
	if h.repl == nil || h.repl.IsPrimary() {
		return wire.Response{}, true
	}
	resp := wire.ErrorResponse(core.ErrNotPrimary.Error())
	resp.LeaderID = h.repl.LeaderID()
	return resp, false
}

func (h *Handler) mutationError(op string, err error) wire.Response {
	var derr *core.DurabilityError
	if errors.As(err, &derr) {
		h.logger.Error("Mutation failed to reach stable storage", "op", op, "error", err)
	}
	return wire.ErrorResponse(err.Error())
}
