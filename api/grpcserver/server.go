// Package grpcserver exposes the service over gRPC.
package grpcserver

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"strconv"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"limitbook/domain/orderbook"
	"limitbook/infra/memory"
	"limitbook/service"
)

// Server adapts service.Service to LevelService.
type Server struct {
	svc *service.Service
}

func NewServer(svc *service.Service) *Server {
	return &Server{svc: svc}
}

// -------------------- Commands --------------------

func (s *Server) Submit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	side, err := sideField(req)
	if err != nil {
		return nil, err
	}
	price, err := numberField(req, "price")
	if err != nil {
		return nil, err
	}
	shares, err := uint32Field(req, "shares")
	if err != nil {
		return nil, err
	}

	seq, err := s.svc.Submit(side, price, shares)
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{"seq": formatSeq(seq)})
}

func (s *Server) Fill(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	seq, err := seqField(req)
	if err != nil {
		return nil, err
	}
	qty, err := uint32Field(req, "qty")
	if err != nil {
		return nil, err
	}

	rem, st, err := s.svc.Fill(seq, qty)
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{
		"seq":       formatSeq(seq),
		"remaining": float64(rem),
		"status":    st.String(),
	})
}

func (s *Server) Cancel(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	seq, err := seqField(req)
	if err != nil {
		return nil, err
	}
	e, err := s.svc.Cancel(seq)
	if err != nil {
		return nil, toStatus(err)
	}
	return entryStruct(e, orderbook.Cancel)
}

func (s *Server) ConsumeHead(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	side, err := sideField(req)
	if err != nil {
		return nil, err
	}
	price, err := numberField(req, "price")
	if err != nil {
		return nil, err
	}
	e, err := s.svc.ConsumeHead(side, price)
	if err != nil {
		return nil, toStatus(err)
	}
	return entryStruct(e, orderbook.Full)
}

// -------------------- Queries --------------------

func (s *Server) Depth(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	side, err := sideField(req)
	if err != nil {
		return nil, err
	}
	n := 0
	if _, ok := req.GetFields()["levels"]; ok {
		v, err := uint32Field(req, "levels")
		if err != nil {
			return nil, err
		}
		n = int(v)
	}

	depth := s.svc.Depth(side, n)
	levels := make([]any, 0, len(depth))
	for _, d := range depth {
		levels = append(levels, map[string]any{
			"price":    d.Price,
			"orders":   float64(d.Orders),
			"volume":   float64(d.Volume),
			"notional": d.Notional.String(),
		})
	}
	return structpb.NewStruct(map[string]any{
		"side":   side.String(),
		"levels": levels,
	})
}

// -------------------- Logging --------------------

// LoggingInterceptor logs every call with its code and latency.
func LoggingInterceptor(log *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)
		level := slog.LevelDebug
		if code == codes.Internal || code == codes.FailedPrecondition {
			level = slog.LevelError
		}
		log.Log(ctx, level, "grpc call",
			"method", info.FullMethod,
			"code", code.String(),
			"duration", time.Since(start),
			"err", err,
		)
		return resp, err
	}
}

// -------------------- Converters --------------------

func toStatus(err error) error {
	var code codes.Code
	switch {
	case errors.Is(err, orderbook.ErrInvalidOrder),
		errors.Is(err, orderbook.ErrInvalidStatus):
		code = codes.InvalidArgument
	case errors.Is(err, service.ErrUnknownOrder),
		errors.Is(err, orderbook.ErrLevelEmpty):
		code = codes.NotFound
	case errors.Is(err, orderbook.ErrInvariant):
		code = codes.FailedPrecondition
	case errors.Is(err, memory.ErrArenaExhausted),
		errors.Is(err, memory.ErrRetireRingFull):
		code = codes.ResourceExhausted
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}

func entryStruct(e orderbook.Entry, st orderbook.Status) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"seq":    formatSeq(e.Sequence),
		"side":   e.Side.String(),
		"price":  e.Price,
		"shares": float64(e.Shares),
		"status": st.String(),
	})
}

func invalid(format string, args ...any) error {
	return status.Errorf(codes.InvalidArgument, format, args...)
}

func sideField(req *structpb.Struct) (orderbook.Side, error) {
	v, ok := req.GetFields()["side"]
	if !ok {
		return 0, invalid("side is required")
	}
	side, err := orderbook.ParseSide(v.GetStringValue())
	if err != nil {
		return 0, invalid("%v", err)
	}
	return side, nil
}

func numberField(req *structpb.Struct, name string) (float64, error) {
	v, ok := req.GetFields()[name]
	if !ok {
		return 0, invalid("%s is required", name)
	}
	if _, isNum := v.GetKind().(*structpb.Value_NumberValue); !isNum {
		return 0, invalid("%s must be a number", name)
	}
	return v.GetNumberValue(), nil
}

func uint32Field(req *structpb.Struct, name string) (uint32, error) {
	f, err := numberField(req, name)
	if err != nil {
		return 0, err
	}
	if f < 0 || f > math.MaxUint32 || f != math.Trunc(f) {
		return 0, invalid("%s must be a whole number in uint32 range", name)
	}
	return uint32(f), nil
}

// seqField accepts a decimal string, which keeps all 64 bits, or a
// whole number.
func seqField(req *structpb.Struct) (uint64, error) {
	v, ok := req.GetFields()["seq"]
	if !ok {
		return 0, invalid("seq is required")
	}
	switch k := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		seq, err := strconv.ParseUint(k.StringValue, 10, 64)
		if err != nil {
			return 0, invalid("seq: %v", err)
		}
		return seq, nil
	case *structpb.Value_NumberValue:
		f := k.NumberValue
		if f < 0 || f > 1<<53 || f != math.Trunc(f) {
			return 0, invalid("seq must be a whole number")
		}
		return uint64(f), nil
	}
	return 0, invalid("seq must be a string or number")
}

func formatSeq(seq uint64) string {
	return strconv.FormatUint(seq, 10)
}

var _ LevelServiceServer = (*Server)(nil)
