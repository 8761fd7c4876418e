// Package batch renders Slurm batch scripts from job parameters.
//
// Rendering is pure: the same template and parameters always produce the
// same bytes. Typed parameters are coerced before substitution so that a
// bad value fails with a TemplateError instead of producing a script the
// scheduler rejects later.
package batch

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"text/template"
)

// TemplateError reports a missing placeholder or a parameter that failed
// coercion.
type TemplateError struct {
	Param  string
	Reason string
	Err    error
}

func (e *TemplateError) Error() string {
	if e.Param == "" {
		return "template: " + e.Reason
	}
	return fmt.Sprintf("template parameter %q: %s", e.Param, e.Reason)
}

func (e *TemplateError) Unwrap() error { return e.Err }

// Parameter names with coercion rules.
const (
	ParamWallTime  = "wall_time"
	ParamCPUs      = "cpus"
	ParamMemory    = "memory_mb"
	ParamMemPerCPU = "mem_per_cpu"
	ParamPort      = "port"
)

var intParams = []string{ParamCPUs, ParamMemory, ParamMemPerCPU, ParamPort}

var (
	wallClockRe  = regexp.MustCompile(`^\d+:[0-5]\d:[0-5]\d$`)
	missingKeyRe = regexp.MustCompile(`map has no entry for key "([^"]+)"`)
)

// Render fills tmpl ({{.name}} placeholders) with params. Values must be
// strings, numbers or booleans.
func Render(tmpl string, params map[string]any) (string, error) {
	values, err := coerce(params)
	if err != nil {
		return "", err
	}
	t, err := template.New("batch").Option("missingkey=error").Parse(tmpl)
	if err != nil {
		return "", &TemplateError{Reason: "parse: " + err.Error(), Err: err}
	}
	var b strings.Builder
	if err := t.Execute(&b, values); err != nil {
		if m := missingKeyRe.FindStringSubmatch(err.Error()); m != nil {
			return "", &TemplateError{Param: m[1], Reason: "required placeholder has no value", Err: err}
		}
		return "", &TemplateError{Reason: err.Error(), Err: err}
	}
	return b.String(), nil
}

func coerce(params map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(params))
	for k, v := range params {
		switch v.(type) {
		case string, bool, int, int32, int64, uint, uint32, uint64, float32, float64:
		default:
			return nil, &TemplateError{Param: k, Reason: fmt.Sprintf("unsupported value type %T", v)}
		}
		out[k] = v
	}
	if v, ok := out[ParamWallTime]; ok {
		norm, err := NormalizeWallTime(v)
		if err != nil {
			return nil, err
		}
		out[ParamWallTime] = norm
	}
	for _, name := range intParams {
		v, ok := out[name]
		if !ok {
			continue
		}
		n, err := toInt(v)
		if err != nil {
			return nil, &TemplateError{Param: name, Reason: "expected an integer", Err: err}
		}
		out[name] = n
	}
	return out, nil
}

func toInt(v any) (int64, error) {
	switch x := v.(type) {
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case uint:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint64:
		return int64(x), nil
	case float32:
		return floatToInt(float64(x))
	case float64:
		return floatToInt(x)
	case string:
		return strconv.ParseInt(strings.TrimSpace(x), 10, 64)
	}
	return 0, fmt.Errorf("not numeric: %T", v)
}

func floatToInt(f float64) (int64, error) {
	if f != math.Trunc(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%v is not a whole number", f)
	}
	return int64(f), nil
}

// NormalizeWallTime converts hours (int or float) or an H:MM:SS string into a
// zero-padded HH:MM:SS string. Fractional hours are rounded to the nearest
// whole second once and then decomposed, so repeated renders never drift.
func NormalizeWallTime(v any) (string, error) {
	switch x := v.(type) {
	case string:
		s := strings.TrimSpace(x)
		if wallClockRe.MatchString(s) {
			return s, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return "", &TemplateError{Param: ParamWallTime, Reason: fmt.Sprintf("%q is neither hours nor HH:MM:SS", x), Err: err}
		}
		return hoursToClock(f)
	case int:
		return hoursToClock(float64(x))
	case int32:
		return hoursToClock(float64(x))
	case int64:
		return hoursToClock(float64(x))
	case float32:
		return hoursToClock(float64(x))
	case float64:
		return hoursToClock(x)
	}
	return "", &TemplateError{Param: ParamWallTime, Reason: fmt.Sprintf("unsupported type %T", v)}
}

func hoursToClock(hours float64) (string, error) {
	if math.IsNaN(hours) || math.IsInf(hours, 0) || hours <= 0 {
		return "", &TemplateError{Param: ParamWallTime, Reason: fmt.Sprintf("%v hours is not a positive duration", hours)}
	}
	total := int64(math.Round(hours * 3600))
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s), nil
}

// IsTemplateError reports whether err is (or wraps) a TemplateError.
func IsTemplateError(err error) bool {
	var te *TemplateError
	return errors.As(err, &te)
}
