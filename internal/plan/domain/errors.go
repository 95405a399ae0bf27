package domain

import "errors"

var (
	ErrInvalidName              = errors.New("invalid_name")
	ErrInvalidMetric            = errors.New("invalid_metric")
	ErrInvalidLimit             = errors.New("invalid_limit")
	ErrInvalidTenant            = errors.New("invalid_tenant")
	ErrManualPlanRequiresTenant = errors.New("manual_plan_requires_tenant")
	ErrManualPlanConflict       = errors.New("manual_plan_conflict")
)
