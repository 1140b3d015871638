// ABOUTME: Identity gate classifying inbound connections as agent or visitor
// ABOUTME: Agents verify a bearer token outright; visitors bind to a company via API key later

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/2389/hearth/internal/store"
)

// Verification failure codes surfaced to the visitor as verify_failed reasons.
const (
	ReasonInvalidAPIKey    = "INVALID_API_KEY"
	ReasonCompanyNotActive = "COMPANY_NOT_ACTIVE"
)

// API key errors
var (
	ErrInvalidAPIKey    = errors.New("invalid api key")
	ErrCompanyNotActive = errors.New("company not active")
)

// CompanyStore is what the gate needs from storage.
type CompanyStore interface {
	GetCompanyByAPIKey(ctx context.Context, apiKey string) (*store.Company, error)
}

// Gate validates connection credentials.
//
// A connection presenting agent-looking credentials (a bearer token) is
// either verified or rejected outright; a bad token never downgrades to a
// visitor classification. A connection with no credentials is a visitor
// whose company binding is deferred to its first verify message.
type Gate struct {
	verifier TokenVerifier
	store    CompanyStore
	logger   *slog.Logger
}

// NewGate creates a gate. Pass nil logger for default.
func NewGate(verifier TokenVerifier, companies CompanyStore, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		verifier: verifier,
		store:    companies,
		logger:   logger.With("component", "gate"),
	}
}

// VerifyAgent validates an agent bearer token.
func (g *Gate) VerifyAgent(token string) (*AgentIdentity, error) {
	identity, err := g.verifier.Verify(token)
	if err != nil {
		g.logger.Debug("agent token rejected", "error", err)
		return nil, err
	}
	return identity, nil
}

// VerifyCompanyKey validates a visitor's company API key. No visitor or
// session state is created on failure.
func (g *Gate) VerifyCompanyKey(ctx context.Context, apiKey string) (*store.Company, error) {
	if apiKey == "" {
		return nil, ErrInvalidAPIKey
	}

	company, err := g.store.GetCompanyByAPIKey(ctx, apiKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidAPIKey
		}
		return nil, fmt.Errorf("looking up company: %w", err)
	}

	if !company.Active {
		return nil, ErrCompanyNotActive
	}

	return company, nil
}

// FailureReason maps a key verification error to its wire reason code.
// Unknown errors map to INVALID_API_KEY rather than leaking internals.
func FailureReason(err error) string {
	if errors.Is(err, ErrCompanyNotActive) {
		return ReasonCompanyNotActive
	}
	return ReasonInvalidAPIKey
}
