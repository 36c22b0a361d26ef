// internal/service/analysis.go
package service

import (
	"context"
	"errors"

	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/analysis"
	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/core"
	"github.com/CodeMonkeyCybersecurity/authmatrix/pkg/types"
)

// RunAnalysis replays every template as every user and reclassifies the
// rules. Concurrent calls fail with core.ErrAnalysisRunning.
func (s *Service) RunAnalysis(ctx context.Context) (*analysis.Summary, error) {
	summary, err := s.orchestrator.Run(ctx)
	if errors.Is(err, core.ErrNoProject) {
		return nil, nil
	}
	return summary, err
}

func (s *Service) AnalysisRunning() bool {
	return s.orchestrator.Running()
}

func (s *Service) GetResults(ctx context.Context) []types.AnalysisRequest {
	return s.results.List()
}

// GetRequestResponse returns the raw request and response behind requestID.
func (s *Service) GetRequestResponse(ctx context.Context, requestID string) (*types.RequestResponse, error) {
	exchange, err := s.transport.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}

	out := &types.RequestResponse{
		Request: types.RawMessage{ID: exchange.ID, Raw: exchange.Request.Raw},
	}
	if exchange.Response != nil {
		out.Response = &types.RawMessage{ID: exchange.ID, Raw: exchange.Response.Raw}
	}
	return out, nil
}

// OnInterceptResponse feeds an exchange observed by a proxy into capture.
func (s *Service) OnInterceptResponse(ctx context.Context, exchange *types.Exchange) (*types.Template, error) {
	return s.capture.OnInterceptResponse(ctx, exchange)
}

// IngestCapture records a raw request/response pair and runs it through capture.
func (s *Service) IngestCapture(ctx context.Context, rawRequest, rawResponse string, isTLS bool) (*types.Exchange, *types.Template, error) {
	return s.capture.Ingest(ctx, rawRequest, rawResponse, isTLS)
}
