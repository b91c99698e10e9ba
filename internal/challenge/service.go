package challenge

import (
	"context"
	"encoding/base64"
	stderrors "errors"
	"time"

	"github.com/ahwlsqja/nonce-guard/internal/common/errors"
	"github.com/ahwlsqja/nonce-guard/internal/common/middleware"
	"github.com/ahwlsqja/nonce-guard/pkg/nonce"
	"go.uber.org/zap"
)

// NonceManager is the subset of *nonce.Manager the service depends on
type NonceManager interface {
	Issue(salt []byte) (string, error)
	Validate(ctx context.Context, nonce string, salt []byte, nonceCount int64) (bool, error)
	ValidityPeriod() time.Duration
}

// Compile-time interface compliance check
var _ NonceManager = (*nonce.Manager)(nil)

// Service handles nonce issuance and validation requests
type Service struct {
	manager NonceManager
	logger  *zap.Logger
}

// NewService creates a new challenge service
func NewService(manager NonceManager, logger *zap.Logger) *Service {
	return &Service{
		manager: manager,
		logger:  logger,
	}
}

// IssueNonce issues a nonce bound to the optional salt
func (s *Service) IssueNonce(ctx context.Context, req *IssueNonceRequest) (*NonceResponse, error) {
	salt, err := decodeSalt(req.Salt)
	if err != nil {
		return nil, err
	}

	value, err := s.manager.Issue(salt)
	if err != nil {
		if stderrors.Is(err, nonce.ErrManagerClosed) {
			return nil, errors.ServiceClosed()
		}
		s.logger.Error("failed to issue nonce",
			zap.String("request_id", middleware.RequestIDFromContext(ctx)),
			zap.Error(err),
		)
		return nil, errors.Internal("Failed to issue nonce").WithError(err)
	}

	return &NonceResponse{
		Nonce:            value,
		ExpiresInSeconds: int64(s.manager.ValidityPeriod() / time.Second),
	}, nil
}

// ValidateNonce checks a presented nonce. Security rejections are returned as
// Accepted=false, never as errors.
func (s *Service) ValidateNonce(ctx context.Context, req *ValidateNonceRequest) (*ValidationResponse, error) {
	salt, err := decodeSalt(req.Salt)
	if err != nil {
		return nil, err
	}

	accepted, err := s.manager.Validate(ctx, req.Nonce, salt, req.NonceCount)
	if err != nil {
		if stderrors.Is(err, nonce.ErrMalformedNonce) {
			return nil, errors.MalformedNonce(err)
		}
		s.logger.Error("failed to validate nonce",
			zap.String("request_id", middleware.RequestIDFromContext(ctx)),
			zap.Error(err),
		)
		return nil, errors.Internal("Failed to validate nonce").WithError(err)
	}

	if !accepted {
		s.logger.Info("nonce rejected",
			zap.String("request_id", middleware.RequestIDFromContext(ctx)),
		)
	}
	return &ValidationResponse{Accepted: accepted}, nil
}

func decodeSalt(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	salt, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, errors.InvalidInput("Salt must be base64 encoded")
	}
	return salt, nil
}
