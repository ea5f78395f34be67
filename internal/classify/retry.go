package classify

import "github.com/fyrsmithlabs/evolvd/internal/evolution"

// Strategy names the recovery path for a failure category.
type Strategy string

const (
	StrategyAutoFixSyntax     Strategy = "auto_fix_syntax"
	StrategyFixTestLogic      Strategy = "fix_test_logic"
	StrategyReplanPerformance Strategy = "replan_performance"
	StrategyHumanEscalation   Strategy = "human_escalation"
	StrategyManualReview      Strategy = "manual_review"
)

// Route is the controller stage a retry is dispatched to.
type Route string

const (
	RouteResolve  Route = "resolve"
	RouteReplan   Route = "replan"
	RouteEscalate Route = "escalate"
)

// RetryPlan is the recovery decision for one failure category.
type RetryPlan struct {
	Strategy  Strategy `json:"strategy"`
	AutoRetry bool     `json:"auto_retry"`
	Route     Route    `json:"route"`
}

var retryTable = map[evolution.FailureType]RetryPlan{
	evolution.FailureSyntax:      {StrategyAutoFixSyntax, true, RouteResolve},
	evolution.FailureImport:      {StrategyAutoFixSyntax, true, RouteResolve},
	evolution.FailureAttribute:   {StrategyAutoFixSyntax, true, RouteResolve},
	evolution.FailureTest:        {StrategyFixTestLogic, true, RouteResolve},
	evolution.FailurePerformance: {StrategyReplanPerformance, true, RouteReplan},
	evolution.FailureSecurity:    {StrategyHumanEscalation, false, RouteEscalate},
	evolution.FailureUnknown:     {StrategyManualReview, false, RouteEscalate},
}

// PlanRetry maps a failure category to its retry plan. Unrecognized
// categories are treated as unknown.
func PlanRetry(t evolution.FailureType) RetryPlan {
	if p, ok := retryTable[t]; ok {
		return p
	}
	return retryTable[evolution.FailureUnknown]
}
