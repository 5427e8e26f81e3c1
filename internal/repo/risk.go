package repo

import (
	"context"

	"trackline/internal/domain"
)

// RiskCounts returns completion counts for one asset. Scores are derived by
// the caller.
func (r Repo) RiskCounts(ctx context.Context, assetID string) (domain.RiskSummary, error) {
	s := domain.RiskSummary{AssetID: assetID}
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(is_completed),0), COALESCE(SUM(is_evidence_uploaded),0)
FROM completion_statuses WHERE asset_id=?`, assetID).Scan(&s.Total, &s.Completed, &s.EvidenceUploaded)
	if err != nil {
		return s, err
	}
	s.Outstanding = s.Total - s.Completed
	return s, nil
}

// RiskCountsByAsset returns completion counts grouped per asset, ordered by
// asset id.
func (r Repo) RiskCountsByAsset(ctx context.Context) ([]domain.RiskSummary, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT asset_id, COUNT(*), COALESCE(SUM(is_completed),0), COALESCE(SUM(is_evidence_uploaded),0)
FROM completion_statuses GROUP BY asset_id ORDER BY asset_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.RiskSummary
	for rows.Next() {
		var s domain.RiskSummary
		if err := rows.Scan(&s.AssetID, &s.Total, &s.Completed, &s.EvidenceUploaded); err != nil {
			return nil, err
		}
		s.Outstanding = s.Total - s.Completed
		out = append(out, s)
	}
	return out, rows.Err()
}
