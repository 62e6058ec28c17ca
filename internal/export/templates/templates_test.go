package templates

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"monkids/internal/models"
)

func TestVND(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0, "0đ"},
		{999, "999đ"},
		{1500000, "1.500.000đ"},
		{1234.6, "1.235đ"},
	}
	for _, tt := range tests {
		if got := vnd(tt.in); got != tt.want {
			t.Errorf("vnd(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPercentAndDate(t *testing.T) {
	if got := percent(0.15); got != "15" {
		t.Errorf("percent(0.15) = %q", got)
	}
	if got := percent(0.125); got != "12.5" {
		t.Errorf("percent(0.125) = %q", got)
	}
	d := time.Date(2020, time.March, 4, 0, 0, 0, 0, time.UTC)
	if got := date(&d); got != "4/3/2020" {
		t.Errorf("date() = %q", got)
	}
	if got := date(nil); got != "" {
		t.Errorf("date(nil) = %q", got)
	}
}

func TestRenderStudent(t *testing.T) {
	job := models.Job{
		RecordType: models.RecordStudent,
		Record: &models.Student{
			StudentID: 42,
			Name:      "Trần <Bé>",
			Classroom: "Chồi 2",
			TotalFee:  2500000,
		},
		Period: models.Period{Month: 3, Year: 2025},
	}

	out, err := New().Render(job)
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}

	for _, want := range []string{`id="receipt-root"`, "BIÊN LAI THU TIỀN", "Tháng 3 Năm 2025", "2.500.000đ", "Trần &lt;Bé&gt;"} {
		if !strings.Contains(out, want) {
			t.Errorf("markup missing %q", want)
		}
	}
	if strings.Contains(out, `id="qr-img"`) {
		t.Error("QR image must be omitted without a QR data URI")
	}
}

func TestRenderStudentWithQR(t *testing.T) {
	job := models.Job{Record: &models.Student{StudentID: 1}, Period: models.Period{Month: 1, Year: 2025}}

	out, err := New().WithQR("data:image/png;base64,AAAA").Render(job)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, `src="data:image/png;base64,AAAA"`) {
		t.Errorf("expected QR data URI in markup")
	}
}

func TestRenderTeacher(t *testing.T) {
	job := models.Job{
		RecordType: models.RecordTeacher,
		Record:     &models.Teacher{TeacherNo: 7, Name: "Cô Lan", TeachingDays: 24.5, TotalSalary: 7000000},
		Period:     models.Period{Month: 4, Year: 2025},
	}

	out, err := New().Render(job)
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	for _, want := range []string{"PHIẾU LƯƠNG GIÁO VIÊN", "SỐ: 7", "24.5", "7.000.000đ", "tháng 04/2025"} {
		if !strings.Contains(out, want) {
			t.Errorf("markup missing %q", want)
		}
	}
}

type unknownRecord struct{}

func (unknownRecord) RecordID() string              { return "x" }
func (unknownRecord) FileStem() string              { return "x" }
func (unknownRecord) GroupKey(models.Period) string { return "x" }

func TestRenderUnknownRecord(t *testing.T) {
	if _, err := New().Render(models.Job{Record: unknownRecord{}}); err == nil {
		t.Fatal("expected error for unsupported record")
	}
}

func TestLoadQRDataURI(t *testing.T) {
	uri, err := LoadQRDataURI(filepath.Join(t.TempDir(), "missing.png"))
	if err != nil || uri != "" {
		t.Fatalf("missing file: uri=%q err=%v", uri, err)
	}

	path := filepath.Join(t.TempDir(), "qr.png")
	if err := os.WriteFile(path, []byte{0x89, 'P', 'N', 'G'}, 0o644); err != nil {
		t.Fatal(err)
	}
	uri, err = LoadQRDataURI(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(uri, "data:image/png;base64,") {
		t.Errorf("unexpected uri %q", uri)
	}
}
