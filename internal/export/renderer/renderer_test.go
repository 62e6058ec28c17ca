package renderer

import (
	"bytes"
	"context"
	"fmt"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"monkids/internal/export/enginetest"
	"monkids/internal/export/lease"
	"monkids/internal/models"
	"monkids/internal/pkg/errors"
)

type stubMarkup struct{}

func (stubMarkup) Render(job models.Job) (string, error) {
	return "<div id=\"receipt-root\">" + job.Record.FileStem() + "</div>", nil
}

func teacherJob(name string) models.Job {
	p := models.Period{Month: 5, Year: 2025}
	rec := &models.Teacher{ID: "t-" + name, TeacherNo: 1, Name: name}
	return models.Job{
		RecordType: models.RecordTeacher,
		Record:     rec,
		OutputKey:  rec.GroupKey(p) + "/" + rec.FileStem() + ".png",
		Period:     p,
	}
}

func newTestRenderer(root string, retries int) *Renderer {
	return New(Config{
		OutputRoot:   root,
		MaxRetries:   retries,
		Backoff:      NewBackoff(time.Millisecond),
		RootSelector: "#receipt-root",
	}, stubMarkup{})
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir(%s): %v", dir, err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestRenderSuccess(t *testing.T) {
	root := t.TempDir()
	f := &enginetest.Factory{}
	l := lease.New(f.New, lease.Config{})
	r := newTestRenderer(root, 3)

	out, err := r.Render(context.Background(), teacherJob("Cô Lan"), l)
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}

	want := filepath.Join(root, "MONKIDS_T5_2025", "GV_T5_2025", "Cô Lan.png")
	if out != want {
		t.Errorf("path = %q, want %q", out, want)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := png.Decode(bytes.NewReader(data)); err != nil {
		t.Errorf("artifact is not a valid PNG: %v", err)
	}
	if names := listDir(t, filepath.Dir(out)); len(names) != 1 {
		t.Errorf("expected only the artifact in output dir, got %v", names)
	}
	if f.OpenSurfaces() != 0 {
		t.Errorf("surface left open")
	}
	if loaded := f.Loaded(); len(loaded) != 1 || !strings.Contains(loaded[0], "Cô Lan") {
		t.Errorf("unexpected loaded markup %v", loaded)
	}
}

func TestRenderRetriesThenSucceeds(t *testing.T) {
	root := t.TempDir()
	f := &enginetest.Factory{
		Fail: func(n int, s enginetest.Stage) error {
			if s == enginetest.StageCapture && n <= 2 {
				return fmt.Errorf("capture %d failed", n)
			}
			return nil
		},
	}
	l := lease.New(f.New, lease.Config{})
	r := newTestRenderer(root, 3)

	out, err := r.Render(context.Background(), teacherJob("A"), l)
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if names := listDir(t, filepath.Dir(out)); len(names) != 1 || names[0] != "A.png" {
		t.Errorf("failed attempts left files behind: %v", names)
	}
	if f.Launches() != 3 {
		t.Errorf("Launches() = %d, want a fresh engine per attempt", f.Launches())
	}
	if f.OpenSurfaces() != 0 {
		t.Errorf("OpenSurfaces() = %d, want 0", f.OpenSurfaces())
	}
}

func TestRenderExhaustsRetries(t *testing.T) {
	root := t.TempDir()
	var surfaces int
	f := &enginetest.Factory{
		Fail: func(n int, s enginetest.Stage) error {
			if s == enginetest.StageSurface {
				surfaces = n
			}
			if s == enginetest.StageLoad {
				return fmt.Errorf("boom")
			}
			return nil
		},
	}
	l := lease.New(f.New, lease.Config{})
	r := newTestRenderer(root, 3)

	_, err := r.Render(context.Background(), teacherJob("B"), l)
	if !errors.IsCode(err, errors.CodeRender) {
		t.Fatalf("expected RENDER_ERROR, got %v", err)
	}
	if surfaces != 4 {
		t.Errorf("attempts = %d, want 4", surfaces)
	}
	if fields := errors.GetFields(err); fields["attempts"] != 4 {
		t.Errorf("attempts field = %v", fields["attempts"])
	}
	dir := filepath.Join(root, "MONKIDS_T5_2025", "GV_T5_2025")
	if names := listDir(t, dir); len(names) != 0 {
		t.Errorf("expected no files after failure, got %v", names)
	}
}

func TestRenderEngineCreationFailureIsRetried(t *testing.T) {
	f := &enginetest.Factory{FailCreate: 2}
	l := lease.New(f.New, lease.Config{})
	r := newTestRenderer(t.TempDir(), 3)

	if _, err := r.Render(context.Background(), teacherJob("C"), l); err != nil {
		t.Fatalf("Render() error = %v", err)
	}
}

func TestRenderFallsBackToFullCapture(t *testing.T) {
	f := &enginetest.Factory{NoRoot: true}
	l := lease.New(f.New, lease.Config{})
	r := newTestRenderer(t.TempDir(), 0)

	if _, err := r.Render(context.Background(), teacherJob("D"), l); err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if f.FullCaptures() != 1 {
		t.Errorf("FullCaptures() = %d, want 1", f.FullCaptures())
	}
}

func TestRenderWithoutRootSelectorCapturesFull(t *testing.T) {
	f := &enginetest.Factory{}
	l := lease.New(f.New, lease.Config{})
	r := New(Config{OutputRoot: t.TempDir(), MaxRetries: 0}, stubMarkup{})

	if _, err := r.Render(context.Background(), teacherJob("E"), l); err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if f.FullCaptures() != 1 {
		t.Errorf("FullCaptures() = %d, want 1", f.FullCaptures())
	}
}

func TestRenderLoadTimeout(t *testing.T) {
	f := &enginetest.Factory{
		Fail: func(_ int, s enginetest.Stage) error {
			if s == enginetest.StageLoad {
				return context.DeadlineExceeded
			}
			return nil
		},
	}
	l := lease.New(f.New, lease.Config{})
	r := newTestRenderer(t.TempDir(), 0)

	_, err := r.Render(context.Background(), teacherJob("E"), l)
	if !errors.Is(err, errors.New(errors.CodeRenderTimeout, "")) {
		t.Fatalf("expected RENDER_TIMEOUT in chain, got %v", err)
	}
}

func TestRenderStopsOnCancel(t *testing.T) {
	f := &enginetest.Factory{
		Fail: func(int, enginetest.Stage) error { return fmt.Errorf("always") },
	}
	l := lease.New(f.New, lease.Config{})
	r := New(Config{
		OutputRoot: t.TempDir(),
		MaxRetries: 3,
		Backoff:    NewBackoff(time.Hour),
	}, stubMarkup{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := r.Render(ctx, teacherJob("F"), l)
	if !errors.IsCode(err, errors.CodeRender) {
		t.Fatalf("expected RENDER_ERROR, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("backoff sleep ignored context cancellation")
	}
}

func TestBackoffDelay(t *testing.T) {
	b := NewBackoff(time.Second)
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
	}
	for _, tt := range tests {
		if got := b.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestNewDefaultsBackoff(t *testing.T) {
	r := New(Config{}, nil)
	if r.cfg.Backoff == nil {
		t.Fatal("expected a default backoff strategy")
	}
	if got := r.cfg.Backoff.Delay(1); got != 2*DefaultBackoffBase {
		t.Errorf("default Delay(1) = %v, want %v", got, 2*DefaultBackoffBase)
	}
}

func TestWriteAtomicOverwrites(t *testing.T) {
	dir := t.TempDir()
	if _, err := writeAtomic(dir, "x.png", []byte("one")); err != nil {
		t.Fatal(err)
	}
	out, err := writeAtomic(dir, "x.png", []byte("two"))
	if err != nil {
		t.Fatal(err)
	}
	got, _ := os.ReadFile(out)
	if string(got) != "two" {
		t.Errorf("content = %q, want two", got)
	}
	if names := listDir(t, dir); len(names) != 1 {
		t.Errorf("temp files left behind: %v", names)
	}
}

func TestRecompressRejectsGarbage(t *testing.T) {
	if _, err := recompress([]byte("not a png")); err == nil {
		t.Fatal("expected decode error")
	}
	if _, err := recompress(enginetest.PNG(4, 4)); err != nil {
		t.Fatalf("recompress valid png: %v", err)
	}
}
