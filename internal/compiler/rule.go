// Package compiler turns rule files written in CUE into registry requests.
//
// A rule file declares reactive rules under the top-level "rule" struct:
//
//	package rules
//
//	rule: "release-on-gate": {
//		category: "quality_gate"
//		pattern:  "quality_gate_passed"
//		when: {
//			agent:  "qa"
//			action: "gate_passed"
//			match: branch: "main"
//		}
//		then: {
//			agent:  "release"
//			action: "notify"
//		}
//		priority: 200
//	}
//
// The label is the rule id. Compilation only reads values; nothing is
// written until the requests are registered.
package compiler

import (
	"fmt"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/agentsync/internal/ir"
	"github.com/roach88/agentsync/internal/registry"
)

// CompileRule parses one rule value into a RuleRequest.
// Uses CUE SDK's Go API directly (not CLI subprocess).
//
// The CUE value should be the rule struct itself, e.g.:
//
//	ctx := cuecontext.New()
//	v := ctx.CompileString(`rule: "r1": { ... }`)
//	req, err := CompileRule(v.LookupPath(cue.ParsePath(`rule."r1"`)))
func CompileRule(v cue.Value) (registry.RuleRequest, error) {
	if err := v.Err(); err != nil {
		return registry.RuleRequest{}, formatCUEError(err)
	}

	req := registry.RuleRequest{}

	// `rule: "release-on-gate": {...}` → id is "release-on-gate"
	labels := v.Path().Selectors()
	if len(labels) > 0 {
		req.ID = strings.Trim(labels[len(labels)-1].String(), `"`)
	}

	var err error
	if req.Category, err = requiredString(v, "category"); err != nil {
		return registry.RuleRequest{}, err
	}
	if req.Pattern, err = requiredString(v, "pattern"); err != nil {
		return registry.RuleRequest{}, err
	}

	if req.Trigger, err = parseWhen(v); err != nil {
		return registry.RuleRequest{}, err
	}
	if req.Target, err = parseThen(v); err != nil {
		return registry.RuleRequest{}, err
	}

	for _, f := range []struct {
		path string
		dst  *string
	}{
		{"worktree", &req.WorktreePath},
		{"agent", &req.AgentID},
		{"source", &req.SourceLocation},
		{"target", &req.TargetLocation},
	} {
		if *f.dst, err = optionalString(v, f.path); err != nil {
			return registry.RuleRequest{}, err
		}
	}

	if pv := v.LookupPath(cue.ParsePath("priority")); pv.Exists() {
		n, err := pv.Int64()
		if err != nil {
			return registry.RuleRequest{}, &CompileError{Field: "priority", Message: "priority must be an integer", Pos: pv.Pos()}
		}
		p := int(n)
		req.Priority = &p
	}

	if ev := v.LookupPath(cue.ParsePath("enabled")); ev.Exists() {
		b, err := ev.Bool()
		if err != nil {
			return registry.RuleRequest{}, &CompileError{Field: "enabled", Message: "enabled must be a boolean", Pos: ev.Pos()}
		}
		req.Enabled = &b
	}

	if mv := v.LookupPath(cue.ParsePath("metadata")); mv.Exists() {
		obj, err := objectValue(mv, "metadata")
		if err != nil {
			return registry.RuleRequest{}, err
		}
		req.Metadata = obj
	}

	return req, nil
}

// parseWhen extracts the trigger from the when clause.
func parseWhen(v cue.Value) (ir.Trigger, error) {
	whenVal := v.LookupPath(cue.ParsePath("when"))
	if !whenVal.Exists() {
		return ir.Trigger{}, &CompileError{Field: "when", Message: "when clause is required", Pos: v.Pos()}
	}

	agent, err := requiredString(whenVal, "agent", "when")
	if err != nil {
		return ir.Trigger{}, err
	}
	action, err := requiredString(whenVal, "action", "when")
	if err != nil {
		return ir.Trigger{}, err
	}

	trigger := ir.Trigger{AgentID: agent, Action: action}
	if mv := whenVal.LookupPath(cue.ParsePath("match")); mv.Exists() {
		obj, err := objectValue(mv, "when.match")
		if err != nil {
			return ir.Trigger{}, err
		}
		trigger.Pattern = obj
	}
	return trigger, nil
}

// parseThen extracts the target from the then clause.
func parseThen(v cue.Value) (ir.Target, error) {
	thenVal := v.LookupPath(cue.ParsePath("then"))
	if !thenVal.Exists() {
		return ir.Target{}, &CompileError{Field: "then", Message: "then clause is required", Pos: v.Pos()}
	}

	agent, err := requiredString(thenVal, "agent", "then")
	if err != nil {
		return ir.Target{}, err
	}
	action, err := requiredString(thenVal, "action", "then")
	if err != nil {
		return ir.Target{}, err
	}
	return ir.Target{AgentID: agent, Action: action}, nil
}

// requiredString reads a string field; prefix qualifies the field name in
// errors (e.g. "when.agent").
func requiredString(v cue.Value, name string, prefix ...string) (string, error) {
	field := qualify(name, prefix)
	fv := v.LookupPath(cue.ParsePath(name))
	if !fv.Exists() {
		return "", &CompileError{Field: field, Message: field + " is required", Pos: v.Pos()}
	}
	s, err := fv.String()
	if err != nil {
		return "", &CompileError{Field: field, Message: field + " must be a string", Pos: fv.Pos()}
	}
	if strings.TrimSpace(s) == "" {
		return "", &CompileError{Field: field, Message: field + " must not be empty", Pos: fv.Pos()}
	}
	return s, nil
}

func optionalString(v cue.Value, name string) (string, error) {
	fv := v.LookupPath(cue.ParsePath(name))
	if !fv.Exists() {
		return "", nil
	}
	s, err := fv.String()
	if err != nil {
		return "", &CompileError{Field: name, Message: name + " must be a string", Pos: fv.Pos()}
	}
	return s, nil
}

func qualify(name string, prefix []string) string {
	if len(prefix) == 0 {
		return name
	}
	return strings.Join(prefix, ".") + "." + name
}

// objectValue converts a concrete CUE struct into an IRObject.
func objectValue(v cue.Value, field string) (ir.IRObject, error) {
	val, err := toIR(v, field)
	if err != nil {
		return nil, err
	}
	obj, ok := val.(ir.IRObject)
	if !ok {
		return nil, &CompileError{Field: field, Message: field + " must be a struct", Pos: v.Pos()}
	}
	return obj, nil
}

// toIR converts a concrete CUE value to the IR value model. Incomplete
// values (bare types like `string`) are rejected.
func toIR(v cue.Value, field string) (ir.IRValue, error) {
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, &CompileError{Field: field, Message: "value must be concrete", Pos: v.Pos()}
	}

	switch v.Kind() {
	case cue.NullKind:
		return ir.IRNull{}, nil
	case cue.BoolKind:
		b, err := v.Bool()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return ir.IRBool(b), nil
	case cue.StringKind:
		s, err := v.String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return ir.IRString(s), nil
	case cue.IntKind:
		n, err := v.Int64()
		if err != nil {
			return nil, &CompileError{Field: field, Message: "integer out of range", Pos: v.Pos()}
		}
		return ir.IRInt(n), nil
	case cue.FloatKind, cue.NumberKind:
		f, err := v.Float64()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return ir.IRFloat(f), nil
	case cue.ListKind:
		iter, err := v.List()
		if err != nil {
			return nil, formatCUEError(err)
		}
		arr := ir.IRArray{}
		for i := 0; iter.Next(); i++ {
			elem, err := toIR(iter.Value(), fmt.Sprintf("%s[%d]", field, i))
			if err != nil {
				return nil, err
			}
			arr = append(arr, elem)
		}
		return arr, nil
	case cue.StructKind:
		iter, err := v.Fields()
		if err != nil {
			return nil, formatCUEError(err)
		}
		obj := ir.IRObject{}
		for iter.Next() {
			key := iter.Label()
			elem, err := toIR(iter.Value(), field+"."+key)
			if err != nil {
				return nil, err
			}
			obj[key] = elem
		}
		return obj, nil
	default:
		return nil, &CompileError{Field: field, Message: fmt.Sprintf("unsupported value kind %s", v.Kind()), Pos: v.Pos()}
	}
}

// CompileError represents a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	// CUE errors may contain multiple errors
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	firstErr := errs[0]
	positions := errors.Positions(firstErr)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}

	return err
}
