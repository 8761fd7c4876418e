package batch

import (
	"errors"
	"strings"
	"testing"
)

func TestNormalizeWallTime(t *testing.T) {
	cases := []struct {
		in   any
		want string
	}{
		{1.5, "01:30:00"},
		{4, "04:00:00"},
		{"2:00:00", "2:00:00"},
		{"12:05:09", "12:05:09"},
		{0.25, "00:15:00"},
		{"1.5", "01:30:00"},
		{int64(36), "36:00:00"},
		// 1/3 hour rounds to whole seconds exactly once.
		{1.0 / 3.0, "00:20:00"},
	}
	for _, tc := range cases {
		got, err := NormalizeWallTime(tc.in)
		if err != nil {
			t.Fatalf("NormalizeWallTime(%v): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("NormalizeWallTime(%v)=%q want %q", tc.in, got, tc.want)
		}
	}
}

func TestNormalizeWallTimeRejects(t *testing.T) {
	for _, in := range []any{"soon", "1:99:00", -2, 0, true, []int{1}} {
		_, err := NormalizeWallTime(in)
		var te *TemplateError
		if !errors.As(err, &te) {
			t.Fatalf("NormalizeWallTime(%v): expected TemplateError, got %v", in, err)
		}
		if te.Param != ParamWallTime {
			t.Fatalf("param=%q", te.Param)
		}
	}
}

func TestRenderDeterministic(t *testing.T) {
	tmpl := "#SBATCH --time={{.wall_time}}\n#SBATCH --cpus-per-task={{.cpus}}\n{{.cmd}}\n"
	params := map[string]any{"wall_time": 1.5, "cpus": 4, "cmd": "echo hi"}
	first, err := Render(tmpl, params)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := Render(tmpl, params)
		if err != nil {
			t.Fatalf("render: %v", err)
		}
		if again != first {
			t.Fatalf("render not deterministic:\n%s\nvs\n%s", first, again)
		}
	}
	if !strings.Contains(first, "--time=01:30:00") || !strings.Contains(first, "--cpus-per-task=4") {
		t.Fatalf("unexpected output:\n%s", first)
	}
	if params["wall_time"] != 1.5 {
		t.Fatalf("Render mutated its input")
	}
}

func TestRenderMissingPlaceholder(t *testing.T) {
	_, err := Render("#SBATCH --job-name={{.job_name}}\n", map[string]any{})
	var te *TemplateError
	if !errors.As(err, &te) {
		t.Fatalf("expected TemplateError, got %v", err)
	}
	if te.Param != "job_name" {
		t.Fatalf("param=%q", te.Param)
	}
}

func TestRenderCoercionFailures(t *testing.T) {
	cases := []map[string]any{
		{"wall_time": "tomorrow"},
		{"cpus": "four"},
		{"cpus": 2.5},
		{"port": true},
		{"other": struct{}{}},
	}
	for _, params := range cases {
		if _, err := Render("x", params); !IsTemplateError(err) {
			t.Fatalf("Render(%v): expected TemplateError, got %v", params, err)
		}
	}
}

func TestRenderCoercesNumericStrings(t *testing.T) {
	out, err := Render("{{.cpus}}/{{.memory_mb}}", map[string]any{"cpus": "8", "memory_mb": 16000.0})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if out != "8/16000" {
		t.Fatalf("got %q", out)
	}
}
