package engine

import (
	"context"
	"sync"

	"github.com/roach88/agentsync/internal/ir"
)

// OperationTicket is the operation type of the default handler.
const OperationTicket = "dispatch_ticket"

// Request is what an operation receives for one claimed execution.
type Request struct {
	Rule        ir.Rule
	Event       Event
	ExecutionID string
	Order       int64
}

// Output is what an operation reports back.
type Output struct {
	Result                string
	SensitiveDataAccessed bool
	Justification         string
	Metadata              ir.IRObject
}

// Operation is the action a matched rule performs.
//
// FilePath, when set, is checksummed before and after Run.
// A nil Run succeeds with an empty result.
type Operation struct {
	Type     string
	FilePath string
	Run      func(ctx context.Context, req Request) (Output, error)
}

// HandlerFunc builds the operation for one matched rule and event.
type HandlerFunc func(rule ir.Rule, ev Event) Operation

// HandlerTable maps "target_agent/target_action" to a handler. Rules are
// data; the table only decides what a target does once a rule fires.
//
// Thread-safety: HandlerTable is safe for concurrent use.
type HandlerTable struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	fallback HandlerFunc
}

// NewHandlerTable returns a table whose default handler writes a dispatch
// ticket naming the target.
func NewHandlerTable() *HandlerTable {
	return &HandlerTable{
		handlers: make(map[string]HandlerFunc),
		fallback: ticketHandler,
	}
}

// Register sets the handler for a target agent and action.
func (h *HandlerTable) Register(agentID, action string, fn HandlerFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[handlerKey(agentID, action)] = fn
}

// SetDefault replaces the handler used when no target entry exists.
func (h *HandlerTable) SetDefault(fn HandlerFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if fn != nil {
		h.fallback = fn
	}
}

// Resolve returns the operation for rule and ev.
func (h *HandlerTable) Resolve(rule ir.Rule, ev Event) Operation {
	h.mu.RLock()
	fn, ok := h.handlers[targetKey(rule)]
	if !ok {
		fn = h.fallback
	}
	h.mu.RUnlock()
	return fn(rule, ev)
}

func handlerKey(agentID, action string) string {
	return agentID + "/" + action
}

func targetKey(rule ir.Rule) string {
	if rule.Target == nil {
		return ""
	}
	return handlerKey(rule.Target.AgentID, rule.Target.Action)
}

// ticketHandler records that the target was told to act. The ticket is the
// canonical JSON of target and trigger, stored as the execution result.
func ticketHandler(rule ir.Rule, ev Event) Operation {
	return Operation{
		Type:     OperationTicket,
		FilePath: snapshotFilePath(ev.Snapshot),
		Run: func(_ context.Context, req Request) (Output, error) {
			ticket := ir.IRObject{
				"execution_id":   ir.IRString(req.ExecutionID),
				"trigger_agent":  ir.IRString(req.Event.AgentID),
				"trigger_action": ir.IRString(req.Event.Action),
			}
			if req.Rule.Target != nil {
				ticket["target_agent"] = ir.IRString(req.Rule.Target.AgentID)
				ticket["target_action"] = ir.IRString(req.Rule.Target.Action)
			}
			result, err := ir.CanonicalString(ticket)
			if err != nil {
				return Output{}, err
			}
			return Output{Result: result}, nil
		},
	}
}

// snapshotFilePath returns snapshot["file_path"] when it is a string.
func snapshotFilePath(snapshot ir.IRObject) string {
	if s, ok := snapshot["file_path"].(ir.IRString); ok {
		return string(s)
	}
	return ""
}
