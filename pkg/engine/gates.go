package engine

// Gates are derived from the last completed result. They guard actions the
// caller cannot take back, such as publishing artifacts.
type Gates struct {
	ValidationPassed bool `json:"validation_passed"`
	ReadinessPassed  bool `json:"readiness_passed"`
	SecretsSatisfied bool `json:"secrets_satisfied"`
	Overall          bool `json:"overall"`
}

// ComputeGates returns all-false gates for a nil result. A smoke test that ran
// and failed also fails the overall gate.
func ComputeGates(r *Result) Gates {
	if r == nil {
		return Gates{}
	}
	g := Gates{
		ValidationPassed: r.Validation != nil && r.Validation.Valid,
		ReadinessPassed:  r.Readiness != nil && r.Readiness.Ready,
		SecretsSatisfied: r.Preflight && len(MissingSecrets(r)) == 0,
	}
	g.Overall = g.ValidationPassed && g.ReadinessPassed && g.SecretsSatisfied
	if r.SmokeTest != nil && !r.SmokeTest.Passed {
		g.Overall = false
	}
	return g
}

// Permit reports whether the guarded action may proceed. override lets the
// caller proceed past failed gates; it does not change the gates themselves.
func (g Gates) Permit(override bool) bool {
	return g.Overall || override
}

// Failed names the gates that did not pass.
func (g Gates) Failed() []string {
	var out []string
	if !g.ValidationPassed {
		out = append(out, "validation")
	}
	if !g.ReadinessPassed {
		out = append(out, "readiness")
	}
	if !g.SecretsSatisfied {
		out = append(out, "secrets")
	}
	return out
}

// MissingSecrets lists required secrets that have no value yet.
func MissingSecrets(r *Result) []SecretStatus {
	if r == nil {
		return nil
	}
	var out []SecretStatus
	for _, s := range r.Secrets {
		if s.Required && !s.HasValue {
			out = append(out, s)
		}
	}
	return out
}

// FilterSecrets drops blank values so a re-run leaves already satisfied
// secrets untouched on the server. It returns nil when nothing is left.
func FilterSecrets(in map[string]string) map[string]string {
	var out map[string]string
	for k, v := range in {
		if isBlank(v) {
			continue
		}
		if out == nil {
			out = map[string]string{}
		}
		out[k] = v
	}
	return out
}
