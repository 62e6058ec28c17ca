package unit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"monkids/internal/export/enginetest"
	"monkids/internal/export/renderer"
	"monkids/internal/models"
	"monkids/internal/pkg/errors"
)

var period = models.Period{Month: 6, Year: 2025}

func teacherChunk(names ...string) models.Chunk {
	c := models.Chunk{ID: "chunk-1"}
	for i, n := range names {
		rec := &models.Teacher{ID: fmt.Sprintf("t%d", i), TeacherNo: int64(i + 1), Name: n}
		c.Jobs = append(c.Jobs, models.Job{
			RecordType: models.RecordTeacher,
			Record:     rec,
			OutputKey:  rec.GroupKey(period) + "/" + rec.FileStem() + ".png",
			Period:     period,
		})
	}
	return c
}

func newUnit(t *testing.T, f *enginetest.Factory, qrPath string) (*Unit, string) {
	t.Helper()
	root := t.TempDir()
	return New(Config{
		Renderer: renderer.Config{
			OutputRoot: root,
			MaxRetries: 0,
			Backoff:    renderer.NewBackoff(time.Millisecond),
		},
		Factory: f.New,
		QRPath:  qrPath,
	}), root
}

func TestRunRendersAllJobs(t *testing.T) {
	f := &enginetest.Factory{}
	u, root := newUnit(t, f, "")

	out, err := u.Run(context.Background(), teacherChunk("An", "Bình", "Chi"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(out.Paths) != 3 || len(out.Failures) != 0 {
		t.Fatalf("got %d paths, %d failures", len(out.Paths), len(out.Failures))
	}
	for i, name := range []string{"An", "Bình", "Chi"} {
		want := filepath.Join(root, "MONKIDS_T6_2025", "GV_T6_2025", name+".png")
		if out.Paths[i] != want {
			t.Errorf("Paths[%d] = %q, want %q", i, out.Paths[i], want)
		}
	}
	if f.Launches() != 1 {
		t.Errorf("Launches() = %d, want one engine reused for the chunk", f.Launches())
	}
	if f.OpenEngines() != 0 {
		t.Errorf("engine not released after run")
	}
	if f.FullCaptures() != 0 {
		t.Errorf("FullCaptures() = %d, want captures clipped to the receipt root", f.FullCaptures())
	}
}

func TestRunRecordsJobFailuresAndContinues(t *testing.T) {
	f := &enginetest.Factory{
		Fail: func(n int, s enginetest.Stage) error {
			if n == 2 && s == enginetest.StageCapture {
				return fmt.Errorf("capture broke")
			}
			return nil
		},
	}
	u, _ := newUnit(t, f, "")

	out, err := u.Run(context.Background(), teacherChunk("An", "Bình", "Chi"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(out.Paths) != 2 {
		t.Errorf("len(Paths) = %d, want 2", len(out.Paths))
	}
	if len(out.Failures) != 1 {
		t.Fatalf("len(Failures) = %d, want 1", len(out.Failures))
	}
	fail := out.Failures[0]
	if fail.Job.Record.FileStem() != "Bình" {
		t.Errorf("failed job = %q, want Bình", fail.Job.Record.FileStem())
	}
	if !errors.IsCode(fail.Err, errors.CodeRender) {
		t.Errorf("failure code = %v, want RENDER_ERROR", errors.GetCode(fail.Err))
	}
	if f.Launches() != 2 {
		t.Errorf("Launches() = %d, want a fresh engine after the failed job", f.Launches())
	}
	if f.OpenEngines() != 0 {
		t.Errorf("engine not released after run")
	}
}

func TestRunCanceledContextIsCrash(t *testing.T) {
	u, _ := newUnit(t, &enginetest.Factory{}, "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := u.Run(ctx, teacherChunk("An"))
	if !errors.IsCode(err, errors.CodeWorkerCrash) {
		t.Fatalf("expected WORKER_CRASH, got %v", err)
	}
}

func TestRunEmbedsPaymentQR(t *testing.T) {
	qr := filepath.Join(t.TempDir(), "qr.png")
	if err := os.WriteFile(qr, enginetest.PNG(2, 2), 0o644); err != nil {
		t.Fatal(err)
	}
	f := &enginetest.Factory{}
	u, _ := newUnit(t, f, qr)

	rec := &models.Student{SequentialNumber: "s1", StudentID: 7, Name: "Bé Na", Classroom: "Lá 1"}
	chunk := models.Chunk{ID: "c", Jobs: []models.Job{{
		RecordType: models.RecordStudent,
		Record:     rec,
		OutputKey:  rec.GroupKey(period) + "/" + rec.FileStem() + ".png",
		Period:     period,
	}}}

	if _, err := u.Run(context.Background(), chunk); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	loaded := f.Loaded()
	if len(loaded) != 1 || !strings.Contains(loaded[0], "data:image/png;base64,") {
		t.Error("student receipt was rendered without the payment QR")
	}
}

func TestRunMissingQRStillRenders(t *testing.T) {
	f := &enginetest.Factory{}
	u, _ := newUnit(t, f, filepath.Join(t.TempDir(), "absent.png"))

	rec := &models.Student{SequentialNumber: "s1", StudentID: 7}
	chunk := models.Chunk{ID: "c", Jobs: []models.Job{{
		RecordType: models.RecordStudent,
		Record:     rec,
		OutputKey:  rec.GroupKey(period) + "/" + rec.FileStem() + ".png",
		Period:     period,
	}}}

	out, err := u.Run(context.Background(), chunk)
	if err != nil || len(out.Paths) != 1 {
		t.Fatalf("Run() = %+v, %v", out, err)
	}
	if strings.Contains(f.Loaded()[0], "qr-img") {
		t.Error("QR image rendered without a QR file")
	}
}
