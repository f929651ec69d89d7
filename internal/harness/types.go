package harness

// Trace event types.
const (
	EventDispatch  = "dispatch"
	EventExecution = "execution"
)

// TraceEvent is one line of a scenario trace: either a dispatch or one of
// the executions it produced.
type TraceEvent struct {
	Type string `json:"type"` // "dispatch" or "execution"
	Step int    `json:"step"` // 1-based flow step

	// Dispatch fields.
	Agent   string `json:"agent,omitempty"`
	Action  string `json:"action,omitempty"`
	Matched int    `json:"matched,omitempty"`

	// Execution fields.
	RuleID    string `json:"rule_id,omitempty"`
	Status    string `json:"status,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Order     int64  `json:"order,omitempty"`
	Error     string `json:"error,omitempty"`

	Seq int64 `json:"seq"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace holds dispatches and executions in the order they happened.
	Trace []TraceEvent `json:"trace"`

	// Errors holds expectation and assertion failures. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) nextSeq() int64 {
	return int64(len(r.Trace)) + 1
}

// AddDispatchTrace adds a dispatch to the trace.
func (r *Result) AddDispatchTrace(step int, agent, action string, matched int) {
	r.Trace = append(r.Trace, TraceEvent{
		Type:    EventDispatch,
		Step:    step,
		Agent:   agent,
		Action:  action,
		Matched: matched,
		Seq:     r.nextSeq(),
	})
}

// AddExecutionTrace adds one execution outcome to the trace.
func (r *Result) AddExecutionTrace(step int, ruleID, status string, duplicate bool, order int64, errMsg string) {
	r.Trace = append(r.Trace, TraceEvent{
		Type:      EventExecution,
		Step:      step,
		RuleID:    ruleID,
		Status:    status,
		Duplicate: duplicate,
		Order:     order,
		Error:     errMsg,
		Seq:       r.nextSeq(),
	})
}

// Executions returns the execution events of the trace.
func (r *Result) Executions() []TraceEvent {
	var out []TraceEvent
	for _, ev := range r.Trace {
		if ev.Type == EventExecution {
			out = append(out, ev)
		}
	}
	return out
}
