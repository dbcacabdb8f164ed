package grpc

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/fjod/go_cart/checkout-engine/internal/domain"
	"github.com/fjod/go_cart/checkout-engine/internal/reservation"
	s "github.com/fjod/go_cart/checkout-engine/internal/service"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

type CheckoutService interface {
	ReserveAndCommit(ctx context.Context, req s.CheckoutRequest) (*domain.Order, error)
	CheckAvailability(ctx context.Context, demands []domain.Demand) ([]domain.Shortfall, error)
}

type CheckoutServiceServer struct {
	service CheckoutService
	logger  *zap.Logger
}

func NewCheckoutServiceServer(service CheckoutService, log *zap.Logger) *CheckoutServiceServer {
	return &CheckoutServiceServer{
		service: service,
		logger:  log,
	}
}

type reserveRequest struct {
	UserID        int64               `json:"user_id"`
	LineIDs       []int64             `json:"line_ids"`
	Receiver      domain.Receiver     `json:"receiver"`
	PaymentMethod string              `json:"payment_method"`
	ExternalRef   string              `json:"external_ref"`
	ClientTotal   decimal.NullDecimal `json:"client_total"`
}

type availabilityRequest struct {
	Items []domain.Demand `json:"items"`
}

type availabilityResponse struct {
	Available  bool               `json:"available"`
	Shortfalls []domain.Shortfall `json:"shortfalls"`
}

func (h *CheckoutServiceServer) ReserveAndCommit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req reserveRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "malformed request: %v", err)
	}

	// Validate
	if req.UserID <= 0 {
		return nil, status.Error(codes.InvalidArgument, "user_id must be greater than 0")
	}
	if req.PaymentMethod == "" {
		req.PaymentMethod = domain.PaymentMethodCOD
	}

	order, err := h.service.ReserveAndCommit(ctx, s.CheckoutRequest{
		UserID:        req.UserID,
		LineIDs:       req.LineIDs,
		Receiver:      req.Receiver,
		PaymentMethod: req.PaymentMethod,
		ExternalRef:   req.ExternalRef,
		ClientTotal:   req.ClientTotal,
	})
	if err != nil {
		return nil, h.toStatus(err)
	}
	return toStruct(order)
}

func (h *CheckoutServiceServer) CheckAvailability(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req availabilityRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "malformed request: %v", err)
	}
	if len(req.Items) == 0 {
		return nil, status.Error(codes.InvalidArgument, "items must not be empty")
	}

	shortfalls, err := h.service.CheckAvailability(ctx, req.Items)
	if err != nil {
		return nil, h.toStatus(err)
	}
	if shortfalls == nil {
		shortfalls = []domain.Shortfall{}
	}
	return toStruct(availabilityResponse{
		Available:  len(shortfalls) == 0,
		Shortfalls: shortfalls,
	})
}

// toStatus maps service errors to gRPC codes. Shortfalls travel as a Struct
// detail on FailedPrecondition.
func (h *CheckoutServiceServer) toStatus(err error) error {
	var stockErr *reservation.InsufficientStockError
	if errors.As(err, &stockErr) {
		st := status.New(codes.FailedPrecondition, "insufficient stock")
		detail, convErr := toStruct(map[string]interface{}{"shortfalls": stockErr.Shortfalls})
		if convErr != nil {
			return st.Err()
		}
		if withDetail, detErr := st.WithDetails(detail); detErr == nil {
			return withDetail.Err()
		}
		return st.Err()
	}

	switch {
	case errors.Is(err, s.ErrCartNotFound):
		return status.Error(codes.NotFound, "cart not found")
	case errors.Is(err, s.ErrCartEmpty), errors.Is(err, s.ErrNoItemsSelected):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, s.ErrDuplicatePaymentRef):
		return status.Error(codes.AlreadyExists, "payment reference already used")
	case errors.Is(err, domain.ErrInvalidQuantity):
		return status.Error(codes.InvalidArgument, err.Error())
	case s.IsRetryable(err):
		return status.Error(codes.Aborted, "stock is busy, retry the request")
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, "request canceled")
	}

	h.logger.Error("checkout rpc failed", zap.Error(err))
	return status.Error(codes.Internal, "internal error")
}

func fromStruct(in *structpb.Struct, v interface{}) error {
	data, err := json.Marshal(in.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func toStruct(v interface{}) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}
