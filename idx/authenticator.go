package idx

import (
	"fmt"

	"github.com/tidwall/gjson"
)

// AuthenticatorState is the lifecycle state of an authenticator within one
// response. States are ranked by specificity: when the same authenticator is
// described at several JSON locations, the most specific state wins.
type AuthenticatorState int

const (
	StateNormal AuthenticatorState = iota
	StateEnrolled
	StateRecovery
	StateEnrolling
	StateAuthenticating
)

// String implements fmt.Stringer.
func (s AuthenticatorState) String() string {
	switch s {
	case StateNormal:
		return "normal"
	case StateEnrolled:
		return "enrolled"
	case StateRecovery:
		return "recovery"
	case StateEnrolling:
		return "enrolling"
	case StateAuthenticating:
		return "authenticating"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Authenticator is a server-described factor (password, email, phone,
// security key, ...) the user can verify with. One logical authenticator may
// be referenced from several locations of a single response; those
// references are merged into one Authenticator.
type Authenticator struct {
	ID          string
	Type        string
	Key         string
	DisplayName string
	Methods     []string
	Profile     map[string]string
	State       AuthenticatorState

	Capabilities []AuthenticatorCapability

	// raws holds the JSON fragment from every location that described this
	// authenticator, most specific first. Capability resolution scans them
	// in order.
	raws []gjson.Result
}

// HasMethod reports whether the authenticator lists the given method.
func (a *Authenticator) HasMethod(method string) bool {
	for _, m := range a.Methods {
		if m == method {
			return true
		}
	}
	return false
}

// Sendable returns the authenticator's send capability, or nil.
func (a *Authenticator) Sendable() *Sendable {
	for _, c := range a.Capabilities {
		if v, ok := c.(*Sendable); ok {
			return v
		}
	}
	return nil
}

// Resendable returns the authenticator's resend capability, or nil.
func (a *Authenticator) Resendable() *Resendable {
	for _, c := range a.Capabilities {
		if v, ok := c.(*Resendable); ok {
			return v
		}
	}
	return nil
}

// Recoverable returns the authenticator's recover capability, or nil.
func (a *Authenticator) Recoverable() *Recoverable {
	for _, c := range a.Capabilities {
		if v, ok := c.(*Recoverable); ok {
			return v
		}
	}
	return nil
}

// Pollable returns the authenticator's poll capability, or nil.
func (a *Authenticator) Pollable() *Pollable {
	for _, c := range a.Capabilities {
		if v, ok := c.(*Pollable); ok {
			return v
		}
	}
	return nil
}

// ProfileData returns the authenticator's profile capability, or nil.
func (a *Authenticator) ProfileData() *Profile {
	for _, c := range a.Capabilities {
		if v, ok := c.(*Profile); ok {
			return v
		}
	}
	return nil
}

// PasswordSettings returns the password policy capability, or nil.
func (a *Authenticator) PasswordSettings() *PasswordSettings {
	for _, c := range a.Capabilities {
		if v, ok := c.(*PasswordSettings); ok {
			return v
		}
	}
	return nil
}

// OTP returns the one-time-passcode enrollment capability, or nil.
func (a *Authenticator) OTP() *OTP {
	for _, c := range a.Capabilities {
		if v, ok := c.(*OTP); ok {
			return v
		}
	}
	return nil
}

// NumberChallenge returns the number-challenge capability, or nil.
func (a *Authenticator) NumberChallenge() *NumberChallenge {
	for _, c := range a.Capabilities {
		if v, ok := c.(*NumberChallenge); ok {
			return v
		}
	}
	return nil
}

// Duo returns the Duo capability, or nil.
func (a *Authenticator) Duo() *Duo {
	for _, c := range a.Capabilities {
		if v, ok := c.(*Duo); ok {
			return v
		}
	}
	return nil
}

// authenticatorCandidate is one JSON location describing an authenticator,
// captured during the first parse pass before merging.
type authenticatorCandidate struct {
	path  string
	state AuthenticatorState
	raw   gjson.Result
}

// mergeAuthenticators folds all candidate locations into one Authenticator
// per id, ranking lifecycle state by specificity and unioning methods and
// profile data. Candidates sharing an id but disagreeing on type indicate a
// protocol version this client cannot safely interpret.
func mergeAuthenticators(candidates []authenticatorCandidate) ([]*Authenticator, map[string]int, error) {
	const op = "mergeAuthenticators"

	var arena []*Authenticator
	byID := map[string]int{}
	byPath := map[string]int{}

	for _, cand := range candidates {
		id := cand.raw.Get("id").String()
		typ := cand.raw.Get("type").String()
		if id == "" && typ == "" {
			continue
		}
		// anonymous entries (no id) merge by type instead
		key := id
		if key == "" {
			key = "type:" + typ
		}

		idx, seen := byID[key]
		if !seen {
			arena = append(arena, &Authenticator{
				ID:      id,
				Type:    typ,
				Key:     cand.raw.Get("key").String(),
				State:   cand.state,
				Profile: map[string]string{},
			})
			idx = len(arena) - 1
			byID[key] = idx
		}
		a := arena[idx]
		byPath[cand.path] = idx

		if seen && typ != "" && a.Type != "" && a.Type != typ {
			return nil, nil, fmt.Errorf("%s: authenticator %s described as both %q and %q: %w",
				op, key, a.Type, typ, ErrResponseValidation)
		}
		if a.Type == "" {
			a.Type = typ
		}
		if a.ID == "" {
			a.ID = id
		}
		if k := cand.raw.Get("key").String(); a.Key == "" {
			a.Key = k
		}
		if n := cand.raw.Get("displayName").String(); n != "" {
			a.DisplayName = n
		}
		if cand.state > a.State {
			a.State = cand.state
		}
		cand.raw.Get("methods").ForEach(func(_, m gjson.Result) bool {
			method := m.Get("type").String()
			if method != "" && !a.HasMethod(method) {
				a.Methods = append(a.Methods, method)
			}
			return true
		})
		cand.raw.Get("profile").ForEach(func(k, v gjson.Result) bool {
			a.Profile[k.String()] = v.String()
			return true
		})

		// most specific fragment first so capability resolution prefers it
		if cand.state >= a.State {
			a.raws = append([]gjson.Result{cand.raw}, a.raws...)
		} else {
			a.raws = append(a.raws, cand.raw)
		}
	}
	return arena, byPath, nil
}
