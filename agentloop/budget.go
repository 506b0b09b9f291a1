package agentloop

// BudgetLevel classifies context usage against the model's window.
type BudgetLevel int

const (
	BudgetNone BudgetLevel = iota
	BudgetWarning
	BudgetCritical
)

func (l BudgetLevel) String() string {
	switch l {
	case BudgetWarning:
		return "warning"
	case BudgetCritical:
		return "critical"
	default:
		return "none"
	}
}

// Usage percentages that trigger compaction, and the targets compaction aims for.
const (
	warningPercent  = 75
	criticalPercent = 90

	warningTargetPercent  = 80
	criticalTargetPercent = 60
)

// CheckLevel classifies current against maxTokens: warning at 75% or more,
// critical at 90% or more. A non-positive maxTokens is always critical.
func CheckLevel(current, maxTokens int) BudgetLevel {
	if maxTokens <= 0 {
		return BudgetCritical
	}
	used := current * 100
	switch {
	case used >= maxTokens*criticalPercent:
		return BudgetCritical
	case used >= maxTokens*warningPercent:
		return BudgetWarning
	default:
		return BudgetNone
	}
}

// ShouldCompact reports whether the level calls for pruning.
func (l BudgetLevel) ShouldCompact() bool {
	return l != BudgetNone
}

// TargetTokens returns the token target the pruner should reach.
func (l BudgetLevel) TargetTokens(maxTokens int) int {
	switch l {
	case BudgetCritical:
		return maxTokens * criticalTargetPercent / 100
	case BudgetWarning:
		return maxTokens * warningTargetPercent / 100
	default:
		return maxTokens
	}
}
