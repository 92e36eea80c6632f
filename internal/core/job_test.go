package core

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestParsePriority(t *testing.T) {
	cases := map[string]Priority{
		"":       PriorityNormal,
		"normal": PriorityNormal,
		"HIGH":   PriorityHigh,
		" low ":  PriorityLow,
	}
	for in, want := range cases {
		got, err := ParsePriority(in)
		if err != nil {
			t.Errorf("ParsePriority(%q): %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParsePriority(%q) = %s, want %s", in, got, want)
		}
	}
	if _, err := ParsePriority("urgent"); !errors.Is(err, ErrInvalidSpec) {
		t.Errorf("unknown priority: err = %v", err)
	}
}

func TestPriorityJSON(t *testing.T) {
	var body struct {
		Priority Priority `json:"priority"`
	}
	if err := json.Unmarshal([]byte(`{"priority":"high"}`), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Priority != PriorityHigh {
		t.Errorf("priority = %s", body.Priority)
	}
	out, _ := json.Marshal(body)
	if string(out) != `{"priority":"high"}` {
		t.Errorf("marshal = %s", out)
	}
	if err := json.Unmarshal([]byte(`{"priority":"soon"}`), &body); err == nil {
		t.Error("expected error for unknown priority")
	}
}

func TestParseCategory(t *testing.T) {
	for _, c := range Categories {
		if got, err := ParseCategory(string(c)); err != nil || got != c {
			t.Errorf("ParseCategory(%q) = %q, %v", c, got, err)
		}
	}
	if _, err := ParseCategory("audio"); !errors.Is(err, ErrInvalidSpec) {
		t.Errorf("err = %v", err)
	}
}

func TestJobTransitions(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	j := newJob("a", 1, JobSpec{Category: CategoryImage, Target: "/x.png", Operation: "resize"}, now)

	if err := j.complete(Result{}, now); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("queued -> completed: err = %v", err)
	}
	if err := j.fail("x", now); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("queued -> failed: err = %v", err)
	}
	if err := j.start(now); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := j.start(now); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("double start: err = %v", err)
	}
	later := now.Add(time.Second)
	if err := j.complete(Result{"w": 10}, later); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := j.fail("late", later); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("terminal jobs must not move: err = %v", err)
	}
	if j.snapshot().Duration() != time.Second {
		t.Errorf("duration = %s", j.snapshot().Duration())
	}
}

func TestJobSnapshotIsACopy(t *testing.T) {
	opts := Options{"width": 100}
	j := newJob("a", 1, JobSpec{Category: CategoryImage, Target: "/x.png", Operation: "resize", Options: opts}, time.Now())
	opts["width"] = 1

	s := j.snapshot()
	if s.Options["width"] != 100 {
		t.Errorf("job options alias the caller's map: %v", s.Options)
	}
	s.Options["width"] = 5
	if j.Options["width"] != 100 {
		t.Error("snapshot options alias the job's map")
	}
}

func TestJobOrdering(t *testing.T) {
	now := time.Now()
	mk := func(seq uint64, p Priority) *Job {
		return newJob("", seq, JobSpec{Priority: p}, now)
	}
	if !mk(5, PriorityHigh).before(mk(1, PriorityNormal)) {
		t.Error("higher priority must go first regardless of age")
	}
	if !mk(1, PriorityLow).before(mk(2, PriorityLow)) {
		t.Error("older job must go first within a tier")
	}
	if mk(2, PriorityLow).before(mk(1, PriorityLow)) {
		t.Error("newer job must not overtake within a tier")
	}
}

func TestOptionsAccessors(t *testing.T) {
	o := Options{"w": float64(320), "h": "240", "q": 80, "gray": "true", "fmt": "", "flip": true}
	if o.Int("w", 0) != 320 || o.Int("h", 0) != 240 || o.Int("q", 0) != 80 {
		t.Errorf("Int accessors: %d %d %d", o.Int("w", 0), o.Int("h", 0), o.Int("q", 0))
	}
	if o.Int("missing", 7) != 7 {
		t.Error("Int fallback")
	}
	if !o.Bool("gray", false) || !o.Bool("flip", false) || o.Bool("missing", false) {
		t.Error("Bool accessors")
	}
	if o.String("fmt", "png") != "png" {
		t.Error("empty string should fall back")
	}
	if o.String("w", "") != "320" {
		t.Errorf("String of number = %q", o.String("w", ""))
	}
}
