package shard

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/internal/index"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/internal/query"
	apperrors "github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/grpc"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Distributed-TopK-Search/pkg/proto"
)

// RPC method names served by shard nodes.
const (
	MethodExecute = "ShardService.Execute"
	MethodSwap    = "ShardService.Swap"
	MethodHealth  = "ShardService.Health"
)

// Service exposes a Node over the RPC server.
type Service struct {
	node *Node
}

// RegisterService registers the shard methods on srv.
func RegisterService(srv *grpc.Server, node *Node) *Service {
	s := &Service{node: node}
	srv.Register(MethodExecute, s.execute)
	srv.Register(MethodSwap, s.swap)
	srv.Register(MethodHealth, s.health)
	return s
}

func (s *Service) execute(ctx context.Context, raw json.RawMessage) (any, error) {
	var req proto.ShardRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("%w: decoding shard request: %v", apperrors.ErrInvalidInput, err)
	}
	ctx = logger.WithQueryID(ctx, req.QueryID)

	a, err := s.node.Route(req.ShardID)
	if err != nil {
		return FailureResponse(req.ShardID, apperrors.ClassifyShardError(req.ShardID, err)), nil
	}
	resp, err := a.Execute(ctx, Request{QueryID: req.QueryID, Query: QueryFromWire(req)})
	if err != nil {
		return FailureResponse(req.ShardID, apperrors.ClassifyShardError(req.ShardID, err)), nil
	}
	logger.FromContext(ctx).Debug("shard request served",
		"shard_id", req.ShardID, "generation", resp.Generation, "hits", len(resp.Hits))
	return ResponseToWire(resp), nil
}

func (s *Service) swap(ctx context.Context, raw json.RawMessage) (any, error) {
	var req proto.SwapRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("%w: decoding swap request: %v", apperrors.ErrInvalidInput, err)
	}
	path := req.Path
	if path == "" {
		path = index.SegmentPath(s.node.dataDir, req.ShardID, req.Generation)
	}
	gen, err := s.node.Load(ctx, req.ShardID, path)
	if err != nil {
		return nil, err
	}
	return proto.SwapResponse{ShardID: req.ShardID, Generation: gen}, nil
}

func (s *Service) health(ctx context.Context, raw json.RawMessage) (any, error) {
	var req proto.HealthRequest
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, fmt.Errorf("%w: decoding health request: %v", apperrors.ErrInvalidInput, err)
		}
	}
	var resp proto.HealthResponse
	for _, st := range s.node.Statuses(ctx) {
		if req.ShardID != nil && *req.ShardID != st.ShardID {
			continue
		}
		resp.Shards = append(resp.Shards, proto.ShardHealth{
			ShardID:    st.ShardID,
			Generation: st.Generation,
			Healthy:    st.Healthy && st.Loaded,
			InFlight:   st.InFlight,
			Reason:     st.Reason,
		})
	}
	return resp, nil
}

// QueryFromWire converts a dispatch to a query with an absolute deadline.
func QueryFromWire(req proto.ShardRequest) query.Query {
	q := query.Query{K: req.K, Deadline: proto.Deadline(req.DeadlineUnixNano)}
	q.Terms = make([]query.TermWeight, len(req.Terms))
	for i, t := range req.Terms {
		q.Terms[i] = query.TermWeight{TermID: t.TermID, Weight: t.Weight}
	}
	return q
}

// ResponseToWire converts an actor response to its wire form.
func ResponseToWire(r Response) proto.ShardResponse {
	if r.Failure != nil {
		out := FailureResponse(r.ShardID, r.Failure)
		out.Generation = r.Generation
		return out
	}
	out := proto.ShardResponse{ShardID: r.ShardID, Generation: r.Generation, Results: make([]proto.Hit, len(r.Hits))}
	for i, h := range r.Hits {
		out.Results[i] = proto.Hit{ShardID: h.ShardID, DocID: h.DocID, Score: h.Score}
	}
	return out
}

// ResponseFromWire is the inverse of ResponseToWire.
func ResponseFromWire(w proto.ShardResponse) Response {
	r := Response{ShardID: w.ShardID, Generation: w.Generation}
	if w.Failure != nil {
		r.Failure = apperrors.NewShardFailure(apperrors.ParseFailureKind(w.Failure.Kind), w.ShardID,
			fmt.Errorf("remote: %s", w.Failure.Message))
		return r
	}
	r.Hits = make([]query.ScoredResult, len(w.Results))
	for i, h := range w.Results {
		r.Hits[i] = query.ScoredResult{ShardID: h.ShardID, DocID: h.DocID, Score: h.Score}
	}
	return r
}

// FailureResponse builds the wire form of a shard failure.
func FailureResponse(shardID uint32, f *apperrors.ShardFailure) proto.ShardResponse {
	msg := ""
	if f.Err != nil {
		msg = f.Err.Error()
	}
	return proto.ShardResponse{ShardID: shardID, Failure: &proto.ShardFailure{Kind: string(f.Kind), Message: msg}}
}

// RequestToWire builds the dispatch for one shard.
func RequestToWire(queryID string, shardID uint32, q query.Query) proto.ShardRequest {
	req := proto.ShardRequest{
		QueryID:          queryID,
		ShardID:          shardID,
		K:                q.K,
		DeadlineUnixNano: proto.UnixNano(q.Deadline),
		Terms:            make([]proto.TermWeight, len(q.Terms)),
	}
	for i, t := range q.Terms {
		req.Terms[i] = proto.TermWeight{TermID: t.TermID, Weight: t.Weight}
	}
	return req
}
