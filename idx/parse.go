package idx

import (
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// authenticatorLocations describes where a response may reference
// authenticators and the lifecycle state each location implies. The order is
// least specific first so merging ranks states correctly regardless of
// document order.
var authenticatorLocations = []struct {
	path    string
	wrapped bool
	state   AuthenticatorState
}{
	{"authenticators", true, StateNormal},
	{"authenticatorEnrollments", true, StateEnrolled},
	{"recoveryAuthenticator", false, StateRecovery},
	{"currentAuthenticatorEnrollment", false, StateEnrolling},
	{"currentAuthenticator", false, StateAuthenticating},
}

// parseResponse builds the Response model from one raw ION document.
// Authenticators are built and merged first, then remediations resolve their
// relatesTo references through a JSON-path lookup table, then capabilities
// are resolved from the retained raw fragments.
func parseResponse(c *Client, body []byte) (*Response, error) {
	const op = "parseResponse"
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%s: body is not JSON: %w", op, ErrInvalidResponseData)
	}
	doc := gjson.ParseBytes(body)
	if !doc.Get("version").Exists() && !doc.Get("stateHandle").Exists() {
		return nil, fmt.Errorf("%s: body is not an ION response: %w", op, ErrInvalidResponseData)
	}

	resp := &Response{
		StateHandle: doc.Get("stateHandle").String(),
		Version:     doc.Get("version").String(),
		Intent:      doc.Get("intent").String(),
		Messages:    parseMessages(doc.Get("messages")),
		client:      c,
	}
	if v := doc.Get("expiresAt").String(); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			resp.ExpiresAt = ts
		}
	}
	if app := doc.Get("app.value"); app.Exists() {
		resp.App = &App{
			ID:    app.Get("id").String(),
			Label: app.Get("label").String(),
			Name:  app.Get("name").String(),
		}
	}
	if user := doc.Get("user.value"); user.Exists() {
		resp.User = &User{
			ID:         user.Get("id").String(),
			Identifier: user.Get("identifier").String(),
		}
	}

	// pass 1: authenticators, merged across every location
	var candidates []authenticatorCandidate
	for _, loc := range authenticatorLocations {
		node := doc.Get(loc.path)
		if !node.Exists() {
			continue
		}
		if loc.wrapped {
			i := 0
			node.Get("value").ForEach(func(_, item gjson.Result) bool {
				candidates = append(candidates, authenticatorCandidate{
					path:  fmt.Sprintf("%s.value[%d]", loc.path, i),
					state: loc.state,
					raw:   item,
				})
				i++
				return true
			})
			continue
		}
		raw := node
		if v := node.Get("value"); v.Exists() && v.IsObject() {
			raw = v
		}
		candidates = append(candidates, authenticatorCandidate{
			path:  loc.path,
			state: loc.state,
			raw:   raw,
		})
	}
	arena, byPath, err := mergeAuthenticators(candidates)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	resp.Authenticators = arena

	// pass 2: remediations, with relatesTo resolved through the path table
	doc.Get("remediation.value").ForEach(func(_, item gjson.Result) bool {
		resp.Remediations = append(resp.Remediations, parseRemediation(c, arena, byPath, item, ""))
		return true
	})
	if cancel := doc.Get("cancel"); cancel.Exists() {
		resp.cancelForm = parseRemediation(c, arena, byPath, cancel, "cancel")
	}
	if success := doc.Get("successWithInteractionCode"); success.Exists() {
		resp.successWithInteractionCode = parseRemediation(c, arena, byPath, success, "successWithInteractionCode")
	}

	// pass 3: capabilities, from the raw fragments retained per entity
	for _, a := range arena {
		a.Capabilities = resolveAuthenticatorCapabilities(c, arena, byPath, a)
	}
	for _, rem := range resp.Remediations {
		rem.Capabilities = resolveRemediationCapabilities(c, rem)
	}
	return resp, nil
}

func parseMessages(node gjson.Result) []Message {
	var out []Message
	node.Get("value").ForEach(func(_, item gjson.Result) bool {
		out = append(out, Message{
			Class: item.Get("class").String(),
			Key:   item.Get("i18n.key").String(),
			Text:  item.Get("message").String(),
		})
		return true
	})
	return out
}

// parseRemediation builds one Remediation from its ION form object.
// nameFallback covers top-level forms ("cancel") whose name field may be
// absent.
func parseRemediation(c *Client, arena []*Authenticator, byPath map[string]int, raw gjson.Result, nameFallback string) *Remediation {
	name := raw.Get("name").String()
	if name == "" {
		name = nameFallback
	}
	rem := &Remediation{
		Name:    name,
		Type:    RemediationTypeOf(name),
		Method:  raw.Get("method").String(),
		Href:    raw.Get("href").String(),
		Accepts: raw.Get("accepts").String(),
		Form:    parseForm(arena, byPath, raw.Get("value")),
		client:  c,
		arena:   arena,
		raw:     raw,
	}
	if ms := raw.Get("refresh").Int(); ms > 0 {
		rem.RefreshInterval = time.Duration(ms) * time.Millisecond
	}
	raw.Get("relatesTo").ForEach(func(_, ref gjson.Result) bool {
		// unresolvable references are forward-looking protocol extensions,
		// dropped rather than failed
		if i, ok := byPath[normalizeJSONPath(ref.String())]; ok {
			rem.relatesTo = append(rem.relatesTo, i)
		}
		return true
	})
	return rem
}

func parseForm(arena []*Authenticator, byPath map[string]int, values gjson.Result) *Form {
	if !values.Exists() {
		return &Form{}
	}
	f := &Form{}
	values.ForEach(func(_, item gjson.Result) bool {
		f.Fields = append(f.Fields, parseFormValue(arena, byPath, item))
		return true
	})
	return f
}

func parseFormValue(arena []*Authenticator, byPath map[string]int, raw gjson.Result) *FormValue {
	fv := &FormValue{
		Name:     raw.Get("name").String(),
		Label:    raw.Get("label").String(),
		Type:     raw.Get("type").String(),
		Required: raw.Get("required").Bool(),
		Secret:   raw.Get("secret").Bool(),
		Visible:  boolOr(raw.Get("visible"), true),
		Mutable:  boolOr(raw.Get("mutable"), true),
		Messages: parseMessages(raw.Get("messages")),
	}
	if v := raw.Get("value"); v.Exists() {
		if nested := v.Get("form.value"); nested.Exists() {
			fv.Form = parseForm(arena, byPath, nested)
		} else if !v.IsObject() || !raw.Get("form").Exists() {
			fv.Value = v.Value()
		}
	}
	if nested := raw.Get("form.value"); nested.Exists() && fv.Form == nil {
		fv.Form = parseForm(arena, byPath, nested)
	}
	raw.Get("options").ForEach(func(_, opt gjson.Result) bool {
		fv.Options = append(fv.Options, parseFormValue(arena, byPath, opt))
		return true
	})
	if ref := raw.Get("relatesTo"); ref.Exists() {
		if i, ok := byPath[normalizeJSONPath(ref.String())]; ok {
			fv.RelatesTo = arena[i]
		}
	}
	return fv
}

func boolOr(v gjson.Result, def bool) bool {
	if !v.Exists() {
		return def
	}
	return v.Bool()
}

// normalizeJSONPath canonicalizes a relatesTo reference ("$.currentAuthenticator",
// "authenticatorEnrollments.value[0]") to the path-table key form.
func normalizeJSONPath(p string) string {
	p = strings.TrimPrefix(p, "$.")
	return strings.TrimPrefix(p, "$")
}

// resolveAuthenticatorCapabilities derives the capability set for one merged
// authenticator by scanning its raw fragments, most specific first. A
// capability whose requirements are not met is simply absent.
func resolveAuthenticatorCapabilities(c *Client, arena []*Authenticator, byPath map[string]int, a *Authenticator) []AuthenticatorCapability {
	var caps []AuthenticatorCapability

	if raw, ok := firstFragment(a, "send"); ok {
		caps = append(caps, &Sendable{rem: parseRemediation(c, arena, byPath, raw, "send")})
	}
	if raw, ok := firstFragment(a, "resend"); ok {
		caps = append(caps, &Resendable{rem: parseRemediation(c, arena, byPath, raw, "resend")})
	}
	if raw, ok := firstFragment(a, "recover"); ok {
		caps = append(caps, &Recoverable{rem: parseRemediation(c, arena, byPath, raw, "recover")})
	}
	if raw, ok := firstFragment(a, "poll"); ok {
		rem := parseRemediation(c, arena, byPath, raw, "poll")
		caps = append(caps, &Pollable{
			client:            c,
			authenticatorType: a.Type,
			rem:               rem,
			refresh:           rem.RefreshInterval,
		})
	}
	if len(a.Profile) > 0 {
		caps = append(caps, &Profile{Values: a.Profile})
	}
	if raw, ok := firstFragment(a, "settings"); ok && a.Type == "password" {
		caps = append(caps, parsePasswordSettings(raw))
	}
	if otp := resolveOTP(a); otp != nil {
		caps = append(caps, otp)
	}
	if answer, ok := firstFragment(a, "contextualData.correctAnswer"); ok {
		caps = append(caps, &NumberChallenge{CorrectAnswer: answer.String()})
	}
	if duo := resolveDuo(a); duo != nil {
		caps = append(caps, duo)
	}
	return caps
}

// firstFragment returns the named sub-value from the most specific raw
// fragment that carries it.
func firstFragment(a *Authenticator, path string) (gjson.Result, bool) {
	for _, raw := range a.raws {
		if v := raw.Get(path); v.Exists() {
			return v, true
		}
	}
	return gjson.Result{}, false
}

func parsePasswordSettings(raw gjson.Result) *PasswordSettings {
	s := &PasswordSettings{
		DaysToExpiry: int(raw.Get("daysToExpiry").Int()),
		Complexity: PasswordComplexity{
			MinLength:       int(raw.Get("complexity.minLength").Int()),
			MinLowerCase:    int(raw.Get("complexity.minLowerCase").Int()),
			MinUpperCase:    int(raw.Get("complexity.minUpperCase").Int()),
			MinNumber:       int(raw.Get("complexity.minNumber").Int()),
			MinSymbol:       int(raw.Get("complexity.minSymbol").Int()),
			ExcludeUsername: raw.Get("complexity.excludeUsername").Bool(),
		},
		Age: PasswordAge{
			MinAgeMinutes: int(raw.Get("age.minAgeMinutes").Int()),
			HistoryCount:  int(raw.Get("age.historyCount").Int()),
		},
	}
	raw.Get("complexity.excludeAttributes").ForEach(func(_, attr gjson.Result) bool {
		s.Complexity.ExcludeAttributes = append(s.Complexity.ExcludeAttributes, attr.String())
		return true
	})
	return s
}

// resolveOTP applies the embedded-QR requirement: the authenticator must
// list an otp/totp method and its contextual data must carry an inline
// image. Out-of-band QR delivery is unsupported and yields no capability.
func resolveOTP(a *Authenticator) *OTP {
	if !a.HasMethod("otp") && !a.HasMethod("totp") {
		return nil
	}
	qr, ok := firstFragment(a, "contextualData.qrcode")
	if !ok || qr.Get("method").String() != "embedded" {
		return nil
	}
	href := qr.Get("href").String()
	data := href
	if i := strings.Index(href, ";base64,"); i >= 0 {
		data = href[i+len(";base64,"):]
	}
	otp := &OTP{
		MimeType:  qr.Get("type").String(),
		ImageData: data,
	}
	if secret, ok := firstFragment(a, "contextualData.sharedSecret"); ok {
		otp.SharedSecret = secret.String()
	}
	return otp
}

// resolveDuo requires the duo method plus the host/signedToken/script
// contextual triple.
func resolveDuo(a *Authenticator) *Duo {
	if !a.HasMethod("duo") {
		return nil
	}
	ctxData, ok := firstFragment(a, "contextualData")
	if !ok {
		return nil
	}
	host := ctxData.Get("host").String()
	signedToken := ctxData.Get("signedToken").String()
	script := ctxData.Get("script").String()
	if host == "" || signedToken == "" || script == "" {
		return nil
	}
	return &Duo{Host: host, SignedToken: signedToken, Script: script}
}

// resolveRemediationCapabilities derives the capability set for one
// remediation from its type and its related authenticators.
func resolveRemediationCapabilities(c *Client, rem *Remediation) []RemediationCapability {
	var caps []RemediationCapability

	if rem.Type == TypeEnrollPoll || rem.Type == TypeChallengePoll {
		authenticatorType := ""
		if a := rem.Authenticator(); a != nil {
			authenticatorType = a.Type
		}
		caps = append(caps, &Pollable{
			client:            c,
			authenticatorType: authenticatorType,
			rem:               rem,
			refresh:           rem.RefreshInterval,
		})
	}
	if idp := resolveSocialIDP(rem); idp != nil {
		caps = append(caps, idp)
	}
	if wa := resolveWebAuthnAuthentication(c, rem); wa != nil {
		caps = append(caps, wa)
	}
	if wr := resolveWebAuthnRegistration(c, rem); wr != nil {
		caps = append(caps, wr)
	}
	return caps
}
