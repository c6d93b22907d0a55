package remediation

import (
	"context"
	"fmt"

	"github.com/railzwaylabs/dirsync/internal/domain/discrepancy"
	"github.com/railzwaylabs/dirsync/internal/domain/errs"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// ListRequest filters the discrepancies of one connector. Type and Status
// are raw request values; empty matches everything.
type ListRequest struct {
	ConnectorID string
	RunID       int64
	Type        string
	Status      string
	Limit       int
	Offset      int
}

type Page struct {
	Items  []*discrepancy.Discrepancy `json:"items"`
	Total  int64                      `json:"total"`
	Limit  int                        `json:"limit"`
	Offset int                        `json:"offset"`
}

// List returns discrepancies of a connector in detection order.
func (s *Service) List(ctx context.Context, req ListRequest) (*Page, error) {
	filter := discrepancy.Filter{ConnectorID: req.ConnectorID, RunID: req.RunID, Limit: req.Limit, Offset: req.Offset}
	if req.Type != "" {
		t, err := discrepancy.ParseType(req.Type)
		if err != nil {
			return nil, errs.Wrap(errs.KindValidation, err, "type")
		}
		filter.Type = t
	}
	if req.Status != "" {
		st, err := discrepancy.ParseResolutionStatus(req.Status)
		if err != nil {
			return nil, errs.Wrap(errs.KindValidation, err, "status")
		}
		filter.Status = st
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultPageSize
	}
	if filter.Limit > maxPageSize {
		filter.Limit = maxPageSize
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	items, total, err := s.discrepancies.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list discrepancies: %w", err)
	}
	return &Page{Items: items, Total: total, Limit: filter.Limit, Offset: filter.Offset}, nil
}
