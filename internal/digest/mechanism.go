package digest

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"

	apperrors "github.com/ahwlsqja/nonce-guard/internal/common/errors"
	"github.com/ahwlsqja/nonce-guard/internal/common/middleware"
	"github.com/ahwlsqja/nonce-guard/pkg/nonce"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	// DefaultAlgorithm is the response digest advertised in challenges
	DefaultAlgorithm = "SHA-256"

	challengeHeader = "WWW-Authenticate"
)

// NonceManager is the subset of *nonce.Manager the mechanism depends on
type NonceManager interface {
	Issue(salt []byte) (string, error)
	Validate(ctx context.Context, nonce string, salt []byte, nonceCount int64) (bool, error)
}

// Compile-time interface compliance check
var _ NonceManager = (*nonce.Manager)(nil)

// Config holds mechanism settings
type Config struct {
	Realm     string
	Algorithm string
}

// Mechanism authenticates requests with HTTP Digest. Nonces are salted with
// the realm so a nonce issued for one realm is useless in another.
type Mechanism struct {
	realm       string
	algorithm   string
	manager     NonceManager
	credentials CredentialSource
	logger      *zap.Logger
}

// NewMechanism validates cfg and creates a mechanism.
func NewMechanism(cfg Config, manager NonceManager, credentials CredentialSource, logger *zap.Logger) (*Mechanism, error) {
	if cfg.Algorithm == "" {
		cfg.Algorithm = DefaultAlgorithm
	}
	if _, _, err := responseHash(cfg.Algorithm); err != nil {
		return nil, err
	}
	if cfg.Realm == "" {
		return nil, errors.New("digest realm must not be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mechanism{
		realm:       cfg.Realm,
		algorithm:   cfg.Algorithm,
		manager:     manager,
		credentials: credentials,
		logger:      logger,
	}, nil
}

// Middleware rejects requests without valid Digest credentials and stores the
// authenticated username under middleware.AuthUserKey.
func (m *Mechanism) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			m.challenge(c, false)
			return
		}

		auth, err := ParseAuthorization(header)
		if errors.Is(err, ErrNotDigest) {
			m.challenge(c, false)
			return
		}
		if err != nil {
			m.logger.Debug("invalid digest authorization",
				zap.String("request_id", middleware.GetRequestID(c)),
				zap.Error(err),
			)
			middleware.RespondError(c, apperrors.InvalidInput("Invalid Digest authorization header"))
			c.Abort()
			return
		}

		if auth.Realm != m.realm || !m.algorithmMatches(auth.Algorithm) {
			m.challenge(c, false)
			return
		}

		ctx := c.Request.Context()
		password, found, err := m.credentials.Password(ctx, auth.Realm, auth.Username)
		if err != nil {
			m.logger.Error("credential lookup failed",
				zap.String("request_id", middleware.GetRequestID(c)),
				zap.String("username", auth.Username),
				zap.Error(err),
			)
			middleware.RespondError(c, apperrors.DBError(err))
			c.Abort()
			return
		}
		if !found {
			m.fail(c, auth, "unknown user")
			return
		}

		expected, err := ExpectedResponse(m.algorithm, c.Request.Method, password, auth)
		if err != nil {
			middleware.RespondError(c, apperrors.UnsupportedAlgorithm(err))
			c.Abort()
			return
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(strings.ToLower(auth.Response))) != 1 {
			m.fail(c, auth, "response mismatch")
			return
		}

		ok, err := m.manager.Validate(ctx, auth.Nonce, []byte(m.realm), auth.NonceCount)
		if err != nil {
			m.fail(c, auth, "malformed nonce")
			return
		}
		if !ok {
			m.logger.Debug("digest nonce not usable",
				zap.String("request_id", middleware.GetRequestID(c)),
				zap.String("username", auth.Username),
			)
			m.challenge(c, true)
			return
		}

		c.Set(middleware.AuthUserKey, auth.Username)
		c.Next()
	}
}

// algorithmMatches treats an absent algorithm as MD5, per RFC 7616.
func (m *Mechanism) algorithmMatches(algorithm string) bool {
	if algorithm == "" {
		algorithm = "MD5"
	}
	return strings.EqualFold(algorithm, m.algorithm)
}

func (m *Mechanism) fail(c *gin.Context, auth *Authorization, reason string) {
	m.logger.Info("digest authentication failed",
		zap.String("request_id", middleware.GetRequestID(c)),
		zap.String("username", auth.Username),
		zap.String("reason", reason),
	)
	m.challenge(c, false)
}

func (m *Mechanism) challenge(c *gin.Context, stale bool) {
	value, err := m.manager.Issue([]byte(m.realm))
	if err != nil {
		if errors.Is(err, nonce.ErrManagerClosed) {
			middleware.RespondError(c, apperrors.ServiceClosed())
		} else {
			middleware.RespondError(c, apperrors.Internal("Failed to issue nonce").WithError(err))
		}
		c.Abort()
		return
	}

	c.Header(challengeHeader, Challenge{
		Realm:     m.realm,
		Nonce:     value,
		Algorithm: m.algorithm,
		Stale:     stale,
	}.String())
	middleware.RespondError(c, apperrors.Unauthorized("Authentication required"))
	c.Abort()
}

// WhoAmIResponse reports the authenticated user
type WhoAmIResponse struct {
	Username string `json:"username" example:"alice"`
	Realm    string `json:"realm" example:"nonce-guard"`
}

// RegisterRoutes registers routes guarded by the mechanism
func (m *Mechanism) RegisterRoutes(rg *gin.RouterGroup) {
	protected := rg.Group("/protected", m.Middleware())
	{
		protected.GET("/whoami", m.WhoAmI)
	}
}

// WhoAmI godoc
// @Summary Current digest user
// @Description Returns the username authenticated through HTTP Digest
// @Tags digest
// @Produce json
// @Success 200 {object} middleware.SuccessResponse{data=WhoAmIResponse}
// @Failure 401 {object} middleware.ErrorResponse "Digest challenge"
// @Router /api/v1/protected/whoami [get]
func (m *Mechanism) WhoAmI(c *gin.Context) {
	middleware.RespondOK(c, WhoAmIResponse{
		Username: c.GetString(middleware.AuthUserKey),
		Realm:    m.realm,
	})
}
