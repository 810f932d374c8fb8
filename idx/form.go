package idx

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// Form is the ordered field tree a remediation asks the caller to fill in
// before it can be submitted.
type Form struct {
	Fields []*FormValue
}

// Field returns the top-level field with the given name, or nil.
func (f *Form) Field(name string) *FormValue {
	if f == nil {
		return nil
	}
	for _, fv := range f.Fields {
		if fv.Name == name {
			return fv
		}
	}
	return nil
}

// FormValue is a single form field: either a leaf carrying a value or a
// composite carrying a nested Form, never both. Fields with Options expect
// the caller to pick one of the server-declared choices.
type FormValue struct {
	Name     string
	Label    string
	Type     string
	Value    interface{}
	Required bool
	Secret   bool
	Visible  bool
	Mutable  bool

	// Form is the nested sub-form for composite fields.
	Form *Form

	// Options lists the selectable choices for enumerated fields.
	Options []*FormValue

	// Messages carries field-scoped server messages, typically validation
	// errors from a prior submit.
	Messages []Message

	// RelatesTo is the authenticator this field describes, when the server
	// linked one.
	RelatesTo *Authenticator

	// set records an explicit caller write, which reconciliation
	// distinguishes from a server-supplied default.
	set bool
}

// SetValue records an explicit caller-supplied value for the field. The
// value participates in the next proceed and is never overridden by
// capability hooks.
func (fv *FormValue) SetValue(v interface{}) {
	fv.Value = v
	fv.set = true
}

// SelectOption records the caller's choice among the field's Options. The
// submitted value is the option's canonical value: its leaf value when it
// has one, otherwise the defaults of its nested form.
func (fv *FormValue) SelectOption(opt *FormValue) error {
	const op = "FormValue.SelectOption"
	if opt == nil {
		return fmt.Errorf("%s: option is nil: %w", op, ErrNilParameter)
	}
	for _, candidate := range fv.Options {
		if candidate != opt {
			continue
		}
		if opt.Form != nil {
			fv.SetValue(opt.Form.defaults())
			return nil
		}
		fv.SetValue(opt.Value)
		return nil
	}
	return fmt.Errorf("%s: option %q is not one of the field's choices: %w", op, opt.Label, ErrInvalidParameter)
}

// defaults collects the server-populated values of a form, recursing into
// composites. Used when an option's value is itself a form (e.g. an
// authenticator choice carrying {id, methodType}).
func (f *Form) defaults() map[string]interface{} {
	out := map[string]interface{}{}
	for _, fv := range f.Fields {
		switch {
		case fv.Form != nil:
			if nested := fv.Form.defaults(); len(nested) > 0 {
				out[fv.Name] = nested
			}
		case fv.Value != nil:
			out[fv.Name] = fv.Value
		}
	}
	return out
}

// reconcile merges caller-supplied values into the form's declared fields
// and produces the submit payload. Violations accumulate rather than
// failing one at a time, so a caller sees every problem in one pass:
//
//   - a supplied key the form never declared is ErrInvalidParameter
//   - a supplied value for an immutable field that already has a server
//     default is ErrParameterImmutable
//   - a required field left with no value at all is
//     ErrMissingRequiredParameter
//
// Composite fields recurse with the corresponding nested value map.
func (f *Form) reconcile(supplied map[string]interface{}) (*requestValues, error) {
	const op = "Form.reconcile"

	var errs *multierror.Error
	declared := map[string]bool{}
	rv := newRequestValues()

	for _, fv := range f.Fields {
		if fv.Name == "" && fv.Form != nil {
			// nameless composites flatten into the parent payload
			nested, err := fv.Form.reconcile(nil)
			if err != nil {
				errs = multierror.Append(errs, err)
				continue
			}
			for k, v := range nested.values {
				rv.values[k] = v
				if nested.callerSet[k] {
					rv.callerSet[k] = true
				}
			}
			continue
		}
		declared[fv.Name] = true

		value, valueSupplied := (interface{})(nil), false
		if supplied != nil {
			value, valueSupplied = supplied[fv.Name]
		}

		switch {
		case fv.Form != nil:
			var nestedSupplied map[string]interface{}
			if valueSupplied {
				m, ok := value.(map[string]interface{})
				if !ok {
					errs = multierror.Append(errs, fmt.Errorf("%s: field %q expects nested values: %w", op, fv.Name, ErrInvalidParameter))
					continue
				}
				nestedSupplied = m
			}
			nested, err := fv.Form.reconcile(nestedSupplied)
			if err != nil {
				errs = multierror.Append(errs, err)
				continue
			}
			if len(nested.values) > 0 || fv.Required {
				rv.values[fv.Name] = nested.values
			}
			for k := range nested.callerSet {
				rv.callerSet[fv.Name+"."+k] = true
			}

		case valueSupplied:
			if !fv.Mutable && fv.Value != nil {
				errs = multierror.Append(errs, fmt.Errorf("%s: field %q: %w", op, fv.Name, ErrParameterImmutable))
				continue
			}
			rv.values[fv.Name] = value
			rv.callerSet[fv.Name] = true

		case fv.set:
			rv.values[fv.Name] = fv.Value
			rv.callerSet[fv.Name] = true

		case fv.Value != nil:
			rv.values[fv.Name] = fv.Value

		case fv.Required:
			errs = multierror.Append(errs, fmt.Errorf("%s: field %q: %w", op, fv.Name, ErrMissingRequiredParameter))
		}
	}

	for name := range supplied {
		if !declared[name] {
			errs = multierror.Append(errs, fmt.Errorf("%s: field %q is not part of the form: %w", op, name, ErrInvalidParameter))
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}
	return rv, nil
}

// requestValues is the reconciled payload handed to capability willProceed
// hooks before encoding. Hooks inject through Set, which never overrides a
// value the caller explicitly supplied.
type requestValues struct {
	values    map[string]interface{}
	callerSet map[string]bool
}

func newRequestValues() *requestValues {
	return &requestValues{
		values:    map[string]interface{}{},
		callerSet: map[string]bool{},
	}
}

// Set writes a value at a dot-separated path ("credentials.signatureData"),
// creating intermediate objects as needed. Paths the caller explicitly set
// are left untouched.
func (rv *requestValues) Set(path string, v interface{}) {
	if rv.callerSet[path] {
		return
	}
	cur := rv.values
	keys := splitPath(path)
	for i, k := range keys {
		if i == len(keys)-1 {
			cur[k] = v
			return
		}
		next, ok := cur[k].(map[string]interface{})
		if !ok {
			next = map[string]interface{}{}
			cur[k] = next
		}
		cur = next
	}
}

func splitPath(path string) []string {
	var out []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			out = append(out, path[start:i])
			start = i + 1
		}
	}
	return append(out, path[start:])
}
