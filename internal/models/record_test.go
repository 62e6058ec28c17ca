package models

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestPeriodLabels(t *testing.T) {
	p := PeriodOf(time.Date(2025, time.March, 14, 0, 0, 0, 0, time.UTC))

	if got := p.RunLabel(); got != "MONKIDS_T3_2025" {
		t.Errorf("RunLabel() = %q", got)
	}
	if got := p.TeacherGroup(); got != "GV_T3_2025" {
		t.Errorf("TeacherGroup() = %q", got)
	}
}

func TestStudentNaming(t *testing.T) {
	p := Period{Month: 9, Year: 2024}

	tests := []struct {
		name      string
		student   Student
		wantStem  string
		wantGroup string
	}{
		{"named with class", Student{StudentID: 12, Name: "  Nguyễn Văn An ", Classroom: " Lá 1 "}, "Nguyễn Văn An", "Lá 1"},
		{"no name falls back to id", Student{StudentID: 12, Classroom: "Mầm"}, "12", "Mầm"},
		{"no class", Student{StudentID: 5, Name: "Bé"}, "Bé", "Unknown"},
		{"blank class", Student{StudentID: 5, Name: "Bé", Classroom: "   "}, "Bé", "Unknown"},
		{"unsafe chars", Student{StudentID: 5, Name: "a/b:c"}, "a_b_c", "Unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.student.FileStem(); got != tt.wantStem {
				t.Errorf("FileStem() = %q, want %q", got, tt.wantStem)
			}
			if got := tt.student.GroupKey(p); got != tt.wantGroup {
				t.Errorf("GroupKey() = %q, want %q", got, tt.wantGroup)
			}
		})
	}
}

func TestTeacherNaming(t *testing.T) {
	p := Period{Month: 1, Year: 2026}

	named := &Teacher{TeacherNo: 3, Name: "Cô Hoa"}
	if named.FileStem() != "Cô Hoa" {
		t.Errorf("FileStem() = %q", named.FileStem())
	}
	unnamed := &Teacher{TeacherNo: 3}
	if unnamed.FileStem() != "3" {
		t.Errorf("FileStem() = %q, want teacher number", unnamed.FileStem())
	}
	if named.GroupKey(p) != "GV_T1_2026" {
		t.Errorf("GroupKey() = %q", named.GroupKey(p))
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"plain", "plain"},
		{"../../etc", "_.._etc"},
		{"..", ""},
		{"a\x00b", "a_b"},
		{"tab\there", "tabhere"},
		{`q"uote`, "q_uote"},
	}
	for _, tt := range tests {
		if got := SanitizeFilename(tt.in); got != tt.want {
			t.Errorf("SanitizeFilename(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestResultSetConcurrentAppend(t *testing.T) {
	var rs ResultSet
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				rs.AddPaths(fmt.Sprintf("p%d", i))
			} else {
				rs.AddFailures(Failure{Err: fmt.Errorf("f%d", i)})
			}
		}(i)
	}
	wg.Wait()

	paths, failures := rs.Snapshot()
	if len(paths) != 25 || len(failures) != 25 {
		t.Fatalf("got %d paths, %d failures", len(paths), len(failures))
	}
	if rs.Len() != 50 {
		t.Errorf("Len() = %d, want 50", rs.Len())
	}

	paths[0] = "mutated"
	again, _ := rs.Snapshot()
	if again[0] == "mutated" {
		t.Error("Snapshot must return a copy")
	}
}

func TestJobGroup(t *testing.T) {
	j := Job{OutputKey: "GV_T1_2026/Cô Hoa.png"}
	if j.Group() != "GV_T1_2026" {
		t.Errorf("Group() = %q", j.Group())
	}
}
