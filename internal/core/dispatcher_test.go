package core

import (
	"context"
	"errors"
	"testing"
)

func TestDispatcher_RoutesByCategoryAndOperation(t *testing.T) {
	d := NewDispatcher()
	var called string
	d.Register(CategoryImage, "resize", func(_ context.Context, target string, opts Options) (Result, error) {
		called = "image/resize"
		return Result{"target": target, "width": opts.Int("width", 0)}, nil
	})
	d.Register(CategoryMedia, "resize", func(context.Context, string, Options) (Result, error) {
		called = "media/resize"
		return Result{}, nil
	})

	res, err := d.Dispatch(context.Background(), CategoryImage, "resize", "/a.png", Options{"width": 64})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if called != "image/resize" || res["width"] != 64 {
		t.Errorf("called %s, result %v", called, res)
	}
}

func TestDispatcher_UnsupportedFailsFast(t *testing.T) {
	d := NewDispatcher()
	calls := 0
	d.Register(CategoryImage, "resize", func(context.Context, string, Options) (Result, error) {
		calls++
		return Result{}, nil
	})

	_, err := d.Dispatch(context.Background(), CategoryDocument, "resize", "/a.pdf", nil)
	if !errors.Is(err, ErrUnsupportedOperation) {
		t.Fatalf("err = %v, want ErrUnsupportedOperation", err)
	}
	if calls != 0 {
		t.Error("no processor should run for an unsupported pair")
	}
	if d.Supports(CategoryDocument, "resize") || !d.Supports(CategoryImage, "resize") {
		t.Error("Supports disagrees with registrations")
	}
}

func TestDispatcher_NilOptionsBecomeEmpty(t *testing.T) {
	d := NewDispatcher()
	d.Register(CategoryDocument, "extract", func(_ context.Context, _ string, opts Options) (Result, error) {
		if opts == nil {
			t.Error("processor received nil options")
		}
		return nil, nil
	})
	if _, err := d.Dispatch(context.Background(), CategoryDocument, "extract", "/a.txt", nil); err != nil {
		t.Fatal(err)
	}
}

func TestDispatcher_OperationsSorted(t *testing.T) {
	d := NewDispatcher()
	noop := func(context.Context, string, Options) (Result, error) { return nil, nil }
	d.Register(CategoryMedia, "probe", noop)
	d.Register(CategoryImage, "thumbnail", noop)
	d.Register(CategoryImage, "convert", noop)
	d.Register(CategoryDocument, "compress", noop)

	want := []Operation{
		{CategoryDocument, "compress"},
		{CategoryImage, "convert"},
		{CategoryImage, "thumbnail"},
		{CategoryMedia, "probe"},
	}
	got := d.Operations()
	if len(got) != len(want) {
		t.Fatalf("operations = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("operations[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}
