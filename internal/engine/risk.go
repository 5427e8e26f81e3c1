package engine

import (
	"context"
	"math"

	"trackline/internal/domain"
)

// RiskAggregator supplies raw completion counts. repo.Repo is the default.
type RiskAggregator interface {
	RiskCounts(ctx context.Context, assetID string) (domain.RiskSummary, error)
	RiskCountsByAsset(ctx context.Context) ([]domain.RiskSummary, error)
}

const (
	RiskNone   = "None"
	RiskLow    = "Low"
	RiskMedium = "Medium"
	RiskHigh   = "High"
)

// RiskByAsset scores the outstanding work of one asset.
func (e Engine) RiskByAsset(ctx context.Context, assetID string) (domain.RiskSummary, error) {
	if assetID == "" {
		return domain.RiskSummary{}, invalid("assetId", "is required")
	}
	s, err := e.Risk.RiskCounts(ctx, assetID)
	if err != nil {
		return domain.RiskSummary{}, err
	}
	return e.score(s), nil
}

// OverallRisk scores every asset and their union.
func (e Engine) OverallRisk(ctx context.Context) (domain.OverallRisk, error) {
	assets, err := e.Risk.RiskCountsByAsset(ctx)
	if err != nil {
		return domain.OverallRisk{}, err
	}
	var total domain.RiskSummary
	out := domain.OverallRisk{Assets: make([]domain.RiskSummary, 0, len(assets))}
	for _, a := range assets {
		total.Total += a.Total
		total.Completed += a.Completed
		total.EvidenceUploaded += a.EvidenceUploaded
		out.Assets = append(out.Assets, e.score(a))
	}
	total.Outstanding = total.Total - total.Completed
	out.RiskSummary = e.score(total)
	return out, nil
}

func (e Engine) score(s domain.RiskSummary) domain.RiskSummary {
	if s.Total == 0 {
		s.RiskLevel = RiskNone
		return s
	}
	s.RiskScore = round2(100 * float64(s.Total-s.Completed) / float64(s.Total))
	s.CompletionPercent = round2(100 * float64(s.Completed) / float64(s.Total))
	high, medium := 70.0, 30.0
	if e.Config != nil {
		high, medium = e.Config.Risk.HighThreshold, e.Config.Risk.MediumThreshold
	}
	switch {
	case s.RiskScore >= high:
		s.RiskLevel = RiskHigh
	case s.RiskScore >= medium:
		s.RiskLevel = RiskMedium
	default:
		s.RiskLevel = RiskLow
	}
	return s
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
