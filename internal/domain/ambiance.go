package domain

// LevelGroup names the grouping a level belongs to in the plan layout.
const (
	LevelGroupStages = "STAGES"
	LevelGroupSteps  = "STEPS"
)

// Level is one frame of the ambiance level stack: the position of a node
// execution within the static plan, from pipeline root down to the node.
type Level struct {
	SetupID      string       `json:"setup_id"`
	RuntimeID    string       `json:"runtime_id"`
	Identifier   string       `json:"identifier"`
	Group        string       `json:"group,omitempty"`
	StepCategory StepCategory `json:"step_category"`
}

// Ambiance is the execution context snapshot threaded through a node
// execution: scope identifiers, the expression functor token, and the level
// stack locating the node in the plan.
type Ambiance struct {
	PlanExecutionID        string  `json:"plan_execution_id"`
	AccountID              string  `json:"account_id"`
	OrgID                  string  `json:"org_id"`
	ProjectID              string  `json:"project_id"`
	ExpressionFunctorToken int64   `json:"expression_functor_token"`
	Levels                 []Level `json:"levels"`
}

// CurrentLevel returns the innermost level, or a zero Level for an empty
// stack.
func (a Ambiance) CurrentLevel() Level {
	if len(a.Levels) == 0 {
		return Level{}
	}
	return a.Levels[len(a.Levels)-1]
}

// IsCurrentStrategyLevelAtStage reports whether the innermost level is a
// strategy sitting directly under the stages group, i.e. a matrix/looping
// strategy wrapping a stage rather than a step.
func (a Ambiance) IsCurrentStrategyLevelAtStage() bool {
	if len(a.Levels) < 2 {
		return false
	}
	current := a.Levels[len(a.Levels)-1]
	parent := a.Levels[len(a.Levels)-2]
	return current.StepCategory == CategoryStrategy && parent.Group == LevelGroupStages
}
