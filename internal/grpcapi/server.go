package grpcapi

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jmerrifield20/EvidenceAnchor/internal/anchoring/model"
	"github.com/jmerrifield20/EvidenceAnchor/internal/anchoring/service"
	"github.com/jmerrifield20/EvidenceAnchor/internal/ledger"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Server implements VerifierServer on top of a service.Verifier.
type Server struct {
	verifier *service.Verifier
	logger   *zap.Logger
}

// NewServer creates a Server.
func NewServer(v *service.Verifier, logger *zap.Logger) *Server {
	return &Server{verifier: v, logger: logger}
}

// Verify expects {"fingerprint": "...", "expected_timestamp": N} and answers
// with the verification result plus the disclaimer.
func (s *Server) Verify(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	fp, expected, err := parseItem(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	res, err := s.verifier.Verify(ctx, fp, expected)
	if err != nil {
		return nil, toStatus(err)
	}

	m := resultMap(res)
	m["disclaimer"] = model.VerifyDisclaimer
	return structpb.NewStruct(m)
}

// VerifyBatch expects {"items": [{...}, ...]}. Items are answered in order;
// a malformed or failed item carries its own error.
func (s *Server) VerifyBatch(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	raw := in.GetFields()["items"].GetListValue().GetValues()
	if len(raw) == 0 {
		return nil, status.Error(codes.InvalidArgument, "items are required")
	}
	if len(raw) > ledger.MaxBatchSize {
		return nil, status.Errorf(codes.InvalidArgument, "maximum %d items per batch", ledger.MaxBatchSize)
	}

	results := make([]any, len(raw))
	var items []service.VerifyItem
	var positions []int
	for i, v := range raw {
		entry := map[string]any{"index": i}
		results[i] = entry
		fp, expected, err := parseItem(v.GetStructValue())
		if err != nil {
			entry["error"] = err.Error()
			continue
		}
		items = append(items, service.VerifyItem{Fingerprint: fp, ExpectedTimestamp: expected})
		positions = append(positions, i)
	}

	for j, o := range s.verifier.VerifyBatch(ctx, items) {
		entry := results[positions[j]].(map[string]any)
		if o.Err != nil {
			entry["error"] = o.Err.Error()
			continue
		}
		entry["result"] = resultMap(o.Result)
	}

	return structpb.NewStruct(map[string]any{
		"results":    results,
		"count":      len(results),
		"disclaimer": model.VerifyDisclaimer,
	})
}

func parseItem(in *structpb.Struct) (ledger.Fingerprint, uint64, error) {
	if in == nil {
		return ledger.Fingerprint{}, 0, fmt.Errorf("item must be an object")
	}
	fields := in.GetFields()
	fp, err := ledger.ParseFingerprint(fields["fingerprint"].GetStringValue())
	if err != nil {
		return ledger.Fingerprint{}, 0, err
	}
	expected, err := timestampValue(fields["expected_timestamp"])
	if err != nil {
		return ledger.Fingerprint{}, 0, err
	}
	return fp, expected, nil
}

// timestampValue accepts a JSON number or a decimal string; absent means 0.
func timestampValue(v *structpb.Value) (uint64, error) {
	switch k := v.GetKind().(type) {
	case nil, *structpb.Value_NullValue:
		return 0, nil
	case *structpb.Value_NumberValue:
		if k.NumberValue < 0 || k.NumberValue != float64(uint64(k.NumberValue)) {
			return 0, fmt.Errorf("expected_timestamp must be a non-negative integer")
		}
		return uint64(k.NumberValue), nil
	case *structpb.Value_StringValue:
		if k.StringValue == "" {
			return 0, nil
		}
		ts, err := strconv.ParseUint(k.StringValue, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("expected_timestamp must be a non-negative integer")
		}
		return ts, nil
	default:
		return 0, fmt.Errorf("expected_timestamp must be a non-negative integer")
	}
}

func resultMap(r *model.VerificationResult) map[string]any {
	return map[string]any{
		"fingerprint":      r.Fingerprint.String(),
		"is_anchored":      r.IsAnchored,
		"chain_timestamp":  float64(r.ChainTimestamp),
		"matches_expected": r.MatchesExpected,
	}
}

func toStatus(err error) error {
	if model.IsValidation(err) {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return status.FromContextError(err).Err()
	}
	return status.Errorf(codes.Unavailable, "ledger query failed: %v", err)
}

// LoggingInterceptor logs every unary RPC with its status code and latency.
func LoggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Info("grpc",
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("latency", time.Since(start)),
		)
		return resp, err
	}
}
