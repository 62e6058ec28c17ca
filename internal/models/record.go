package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type RecordType string

const (
	RecordStudent RecordType = "student"
	RecordTeacher RecordType = "teacher"
)

func (t RecordType) Valid() bool {
	return t == RecordStudent || t == RecordTeacher
}

// Period is the month an export run is labelled with.
type Period struct {
	Month int `json:"month"`
	Year  int `json:"year"`
}

// PeriodOf returns the period containing t.
func PeriodOf(t time.Time) Period {
	return Period{Month: int(t.Month()), Year: t.Year()}
}

// RunLabel is the run directory name, e.g. MONKIDS_T3_2025.
func (p Period) RunLabel() string {
	return fmt.Sprintf("MONKIDS_T%d_%d", p.Month, p.Year)
}

// TeacherGroup is the directory teachers are written to inside a run.
func (p Period) TeacherGroup() string {
	return fmt.Sprintf("GV_T%d_%d", p.Month, p.Year)
}

// Record is a read-only snapshot of an entity to be rendered.
type Record interface {
	RecordID() string
	// FileStem is the output file name without extension.
	FileStem() string
	// GroupKey is the subdirectory of the run directory the record lands in.
	GroupKey(p Period) string
}

// Student is a snapshot of an app_student row.
type Student struct {
	SequentialNumber string     `json:"sequential_number"`
	StudentID        int64      `json:"student_id"`
	Name             string     `json:"name"`
	Birthdate        *time.Time `json:"birthdate,omitempty"`
	Classroom        string     `json:"classroom"`

	BaseFee            float64 `json:"base_fee"`
	DiscountPercentage float64 `json:"discount_percentage"`
	FinalFee           float64 `json:"final_fee"`
	UtilitiesFee       float64 `json:"utilities_fee"`
	PT                 float64 `json:"pt"`
	PM                 float64 `json:"pm"`
	MealFee            float64 `json:"meal_fee"`
	EngFee             float64 `json:"eng_fee"`
	SkillFee           float64 `json:"skill_fee"`
	TotalFee           float64 `json:"total_fee"`
	PaidAmount         float64 `json:"paid_amount"`
	RemainingAmount    float64 `json:"remaining_amount"`
	StudentFund        float64 `json:"student_fund"`
	FacilityFee        float64 `json:"facility_fee"`
}

func (s *Student) RecordID() string { return s.SequentialNumber }

func (s *Student) FileStem() string {
	return stemOr(s.Name, strconv.FormatInt(s.StudentID, 10))
}

func (s *Student) GroupKey(Period) string {
	return stemOr(s.Classroom, "Unknown")
}

// Teacher is a snapshot of an app_teacher row.
type Teacher struct {
	ID        string `json:"id"`
	TeacherNo int64  `json:"teacher_no"`
	Name      string `json:"name"`
	Role      string `json:"role"`
	Phone     string `json:"phone"`

	BaseSalary            float64 `json:"base_salary"`
	TeachingDays          float64 `json:"teaching_days"`
	AbsenceDays           float64 `json:"absence_days"`
	ReceivedSalary        float64 `json:"received_salary"`
	ExtraTeachingDays     float64 `json:"extra_teaching_days"`
	ExtraSalary           float64 `json:"extra_salary"`
	InsuranceSupport      float64 `json:"insurance_support"`
	ResponsibilitySupport float64 `json:"responsibility_support"`
	BreakfastSupport      float64 `json:"breakfast_support"`
	SkillSessions         float64 `json:"skill_sessions"`
	SkillSalary           float64 `json:"skill_salary"`
	EnglishSessions       float64 `json:"english_sessions"`
	EnglishSalary         float64 `json:"english_salary"`
	NewStudentsBonus      float64 `json:"new_students_list"`
	PaidAmount            float64 `json:"paid_amount"`
	TotalSalary           float64 `json:"total_salary"`
	Note                  string  `json:"note,omitempty"`
}

func (t *Teacher) RecordID() string { return t.ID }

func (t *Teacher) FileStem() string {
	return stemOr(t.Name, strconv.FormatInt(t.TeacherNo, 10))
}

func (t *Teacher) GroupKey(p Period) string {
	return p.TeacherGroup()
}

const maxStemRunes = 120

func stemOr(v, fallback string) string {
	if s := SanitizeFilename(v); s != "" {
		return s
	}
	return SanitizeFilename(fallback)
}

// SanitizeFilename trims v and replaces characters that are not safe in a
// path segment. Letters outside ASCII (Vietnamese names) are kept.
func SanitizeFilename(v string) string {
	v = strings.TrimSpace(v)
	v = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', 0:
			return '_'
		}
		if r < 0x20 {
			return -1
		}
		return r
	}, v)
	v = strings.Trim(v, ". ")
	if r := []rune(v); len(r) > maxStemRunes {
		v = strings.TrimSpace(string(r[:maxStemRunes]))
	}
	return v
}
