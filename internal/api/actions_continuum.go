package api

import (
	"context"
	"errors"
	"fmt"

	"github.com/mirahq/mira/internal/continuum"
)

func (a *Actions) continuumAction(ctx context.Context, action string, data map[string]any) (any, error) {
	switch action {
	case "postpone_collapse":
		return a.continuumPostpone(ctx, data)
	case "collapse_segment":
		return a.continuumCollapse(ctx, data)
	default:
		return nil, unknownAction("continuum", action)
	}
}

// resolveContinuumID takes the caller's continuum_id when given, otherwise
// the ambient user's primary continuum.
func (a *Actions) resolveContinuumID(ctx context.Context, data map[string]any) (string, error) {
	id, err := optionalString(data, "continuum_id")
	if err != nil {
		return "", err
	}
	if id != "" {
		return id, nil
	}
	rec, err := a.continuums.PrimaryForUser(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve primary continuum: %w", err)
	}
	return rec.ID, nil
}

func (a *Actions) continuumPostpone(ctx context.Context, data map[string]any) (any, error) {
	minutes, err := intField(data, "minutes")
	if err != nil {
		return nil, err
	}
	continuumID, err := a.resolveContinuumID(ctx, data)
	if err != nil {
		return nil, err
	}
	until, err := a.continuums.PostponeCollapse(ctx, continuumID, minutes)
	if err != nil {
		return nil, err
	}
	a.logger.WithContext(ctx).Info("collapse postponed",
		"continuum_id", continuumID, "postponed_until", until)
	return map[string]any{"continuum_id": continuumID, "postponed_until": until}, nil
}

func (a *Actions) continuumCollapse(ctx context.Context, data map[string]any) (any, error) {
	continuumID, err := a.resolveContinuumID(ctx, data)
	if err != nil {
		return nil, err
	}
	segmentID, err := optionalString(data, "segment_id")
	if err != nil {
		return nil, err
	}
	if segmentID == "" {
		sentinel, ok, err := a.continuums.ActiveSentinel(ctx, continuumID)
		if err != nil {
			return nil, fmt.Errorf("find active segment: %w", err)
		}
		if !ok {
			return nil, notFound("no active segment to collapse")
		}
		segmentID = sentinel.SegmentID()
	}
	if err := a.collapser.CollapseSegment(ctx, continuumID, segmentID); err != nil {
		if errors.Is(err, continuum.ErrEmptySegment) {
			return nil, notFound(fmt.Sprintf("segment %s has no substantive messages", segmentID))
		}
		return nil, err
	}
	return map[string]any{"collapsed": true, "segment_id": segmentID}, nil
}
