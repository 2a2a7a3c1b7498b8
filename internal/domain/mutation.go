package domain

import (
	"encoding/json"
	"time"
)

// MutationOp is the kind of change applied to a single field.
type MutationOp int

const (
	// OpSet overwrites the field value.
	OpSet MutationOp = iota
	// OpAppend appends to a list-valued payload field.
	OpAppend
)

// MutationEntry is one field change within a mutation.
type MutationEntry struct {
	Field Field
	Op    MutationOp
	Value any
}

// Mutation is a typed descriptor of the field changes an update applies.
// Carrying the changed field names explicitly (rather than introspecting a
// store-specific update document) makes "does this touch graph fields" a
// pure set intersection.
type Mutation struct {
	entries []MutationEntry
	touched map[Field]struct{}
}

func NewMutation() *Mutation {
	return &Mutation{touched: make(map[Field]struct{})}
}

func (m *Mutation) add(field Field, op MutationOp, value any) *Mutation {
	m.entries = append(m.entries, MutationEntry{Field: field, Op: op, Value: value})
	m.touched[field] = struct{}{}
	return m
}

func (m *Mutation) SetStatus(status Status) *Mutation {
	return m.add(FieldStatus, OpSet, string(status))
}

func (m *Mutation) SetOldRetry(oldRetry bool) *Mutation {
	return m.add(FieldOldRetry, OpSet, oldRetry)
}

func (m *Mutation) SetPreviousID(id string) *Mutation {
	return m.add(FieldPreviousID, OpSet, id)
}

func (m *Mutation) SetNextID(id string) *Mutation {
	return m.add(FieldNextID, OpSet, id)
}

func (m *Mutation) SetStartTS(ts time.Time) *Mutation {
	return m.add(FieldStartTS, OpSet, ts.UTC())
}

func (m *Mutation) SetEndTS(ts time.Time) *Mutation {
	return m.add(FieldEndTS, OpSet, ts.UTC())
}

func (m *Mutation) SetLastUpdatedAt(ts time.Time) *Mutation {
	return m.add(FieldLastUpdatedAt, OpSet, ts.UTC())
}

func (m *Mutation) SetResolvedStepParameters(raw json.RawMessage) *Mutation {
	return m.add(FieldResolvedStepParameters, OpSet, []byte(raw))
}

func (m *Mutation) SetExecutableResponses(raw json.RawMessage) *Mutation {
	return m.add(FieldExecutableResponses, OpSet, []byte(raw))
}

func (m *Mutation) SetProgressData(raw json.RawMessage) *Mutation {
	return m.add(FieldProgressData, OpSet, []byte(raw))
}

func (m *Mutation) SetUnitProgresses(raw json.RawMessage) *Mutation {
	return m.add(FieldUnitProgresses, OpSet, []byte(raw))
}

func (m *Mutation) SetFailureInfo(raw json.RawMessage) *Mutation {
	return m.add(FieldFailureInfo, OpSet, []byte(raw))
}

func (m *Mutation) SetAdviserResponse(raw json.RawMessage) *Mutation {
	return m.add(FieldAdviserResponse, OpSet, []byte(raw))
}

// AddInterruptHistory appends an interrupt effect to the execution's
// interrupt history.
func (m *Mutation) AddInterruptHistory(effect InterruptEffect) (*Mutation, error) {
	encoded, err := json.Marshal([]InterruptEffect{effect})
	if err != nil {
		return m, err
	}
	return m.add(FieldInterruptHistories, OpAppend, encoded), nil
}

// Entries returns the recorded changes in application order.
func (m *Mutation) Entries() []MutationEntry {
	if m == nil {
		return nil
	}
	out := make([]MutationEntry, len(m.entries))
	copy(out, m.entries)
	return out
}

// Fields returns the set of fields this mutation touches.
func (m *Mutation) Fields() FieldSet {
	if m == nil {
		return FieldSet{}
	}
	fields := make([]Field, 0, len(m.entries))
	for _, entry := range m.entries {
		fields = append(fields, entry.Field)
	}
	return NewFieldSet(fields...)
}

// Touches reports whether the mutation changes any field in the given set.
func (m *Mutation) Touches(fields FieldSet) bool {
	if m == nil {
		return false
	}
	for field := range m.touched {
		if fields.Has(field) {
			return true
		}
	}
	return false
}

func (m *Mutation) Empty() bool { return m == nil || len(m.entries) == 0 }
