package domain

// Field names a projectable NodeExecution field. The values double as the
// store column names, keeping projections typed end to end instead of
// passing ad-hoc string collections.
type Field string

const (
	FieldStatus                 Field = "status"
	FieldMode                   Field = "mode"
	FieldOldRetry               Field = "old_retry"
	FieldPreviousID             Field = "previous_id"
	FieldNextID                 Field = "next_id"
	FieldStartTS                Field = "start_ts"
	FieldEndTS                  Field = "end_ts"
	FieldLastUpdatedAt          Field = "last_updated_at"
	FieldAmbiance               Field = "ambiance"
	FieldResolvedStepParameters Field = "resolved_step_parameters"
	FieldExecutableResponses    Field = "executable_responses"
	FieldProgressData           Field = "progress_data"
	FieldUnitProgresses         Field = "unit_progresses"
	FieldFailureInfo            Field = "failure_info"
	FieldAdviserResponse        Field = "adviser_response"
	FieldInterruptHistories     Field = "interrupt_histories"
)

// PayloadFields are the large optional payloads that are never loaded
// unless a projection asks for them. Order here is the canonical select
// order in the store.
var PayloadFields = []Field{
	FieldResolvedStepParameters,
	FieldExecutableResponses,
	FieldProgressData,
	FieldUnitProgresses,
	FieldFailureInfo,
	FieldAdviserResponse,
	FieldInterruptHistories,
}

// GraphFields are the fields whose mutation must be replayed to the graph
// log stream. An update that touches none of them skips the internal log
// publish.
var GraphFields = NewFieldSet(
	FieldStatus,
	FieldEndTS,
	FieldResolvedStepParameters,
	FieldExecutableResponses,
	FieldProgressData,
	FieldUnitProgresses,
	FieldFailureInfo,
	FieldAdviserResponse,
	FieldInterruptHistories,
)

// AllPayloads projects every payload field. Point lookups that genuinely
// need the whole record use this; multi-result queries should not.
var AllPayloads = NewFieldSet(PayloadFields...)

// TreeFields is the projection used by subtree reconstruction: interrupt
// histories ride along so abort-cascade enrichment needs no second fetch.
var TreeFields = NewFieldSet(FieldInterruptHistories)

// FieldSet is an ordered, duplicate-free projection of NodeExecution
// fields. An empty set is deliberately not constructible through use at the
// service boundary: unscoped projections are rejected there to bound
// record size on wide graphs.
type FieldSet struct {
	members []Field
	index   map[Field]struct{}
}

func NewFieldSet(fields ...Field) FieldSet {
	set := FieldSet{index: make(map[Field]struct{}, len(fields))}
	for _, field := range fields {
		if _, ok := set.index[field]; ok {
			continue
		}
		set.index[field] = struct{}{}
		set.members = append(set.members, field)
	}
	return set
}

func (s FieldSet) Has(field Field) bool {
	_, ok := s.index[field]
	return ok
}

func (s FieldSet) Empty() bool { return len(s.members) == 0 }

// Fields returns the members in insertion order as a copy.
func (s FieldSet) Fields() []Field {
	out := make([]Field, len(s.members))
	copy(out, s.members)
	return out
}

// Intersects reports whether the two sets share any member.
func (s FieldSet) Intersects(other FieldSet) bool {
	for _, field := range s.members {
		if other.Has(field) {
			return true
		}
	}
	return false
}
