// Package repositories holds the PostgreSQL access code.
package repositories

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/lo"

	"monkids/internal/models"
	"monkids/internal/pkg/errors"
)

// RecordRepository reads student and teacher snapshots. It satisfies
// export.RecordLoader.
type RecordRepository struct {
	db *pgxpool.Pool
}

func NewRecordRepository(db *pgxpool.Pool) *RecordRepository {
	return &RecordRepository{db: db}
}

// LoadRecords returns the records for ids in request order. Unknown ids are
// skipped, duplicates collapse to one record.
func (r *RecordRepository) LoadRecords(ctx context.Context, rt models.RecordType, ids []string) ([]models.Record, error) {
	var (
		recs []models.Record
		err  error
	)
	switch rt {
	case models.RecordStudent:
		recs, err = r.loadStudents(ctx, ids)
	case models.RecordTeacher:
		recs, err = r.loadTeachers(ctx, ids)
	default:
		return nil, errors.ValidationField("type", "unknown record type "+string(rt))
	}
	if err != nil {
		return nil, errors.Wrapf(err, "repositories.LoadRecords", "load %s records", rt)
	}
	return orderByIDs(recs, ids), nil
}

const studentColumns = `
	sequential_number::text, student_id, COALESCE(name,''), birthdate, COALESCE(classroom,''),
	base_fee::float8, discount_percentage::float8, final_fee::float8, utilities_fee::float8,
	pt::float8, pm::float8, meal_fee::float8, eng_fee::float8, skill_fee::float8,
	total_fee::float8, paid_amount::float8, remaining_amount::float8,
	student_fund::float8, facility_fee::float8`

func (r *RecordRepository) loadStudents(ctx context.Context, ids []string) ([]models.Record, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+studentColumns+`
		 FROM app_student
		 WHERE sequential_number::text = ANY($1)`,
		ids,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Record, error) {
		var s models.Student
		err := row.Scan(
			&s.SequentialNumber, &s.StudentID, &s.Name, &s.Birthdate, &s.Classroom,
			&s.BaseFee, &s.DiscountPercentage, &s.FinalFee, &s.UtilitiesFee,
			&s.PT, &s.PM, &s.MealFee, &s.EngFee, &s.SkillFee,
			&s.TotalFee, &s.PaidAmount, &s.RemainingAmount,
			&s.StudentFund, &s.FacilityFee,
		)
		return &s, err
	})
}

const teacherColumns = `
	id::text, teacher_no, COALESCE(name,''), COALESCE(role,''), COALESCE(phone,''),
	base_salary::float8, teaching_days::float8, absence_days::float8, received_salary::float8,
	extra_teaching_days::float8, extra_salary::float8, insurance_support::float8,
	responsibility_support::float8, breakfast_support::float8,
	skill_sessions::float8, skill_salary::float8, english_sessions::float8, english_salary::float8,
	new_students_list::float8, paid_amount::float8, total_salary::float8, COALESCE(note,'')`

func (r *RecordRepository) loadTeachers(ctx context.Context, ids []string) ([]models.Record, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+teacherColumns+`
		 FROM app_teacher
		 WHERE id::text = ANY($1)`,
		ids,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Record, error) {
		var t models.Teacher
		err := row.Scan(
			&t.ID, &t.TeacherNo, &t.Name, &t.Role, &t.Phone,
			&t.BaseSalary, &t.TeachingDays, &t.AbsenceDays, &t.ReceivedSalary,
			&t.ExtraTeachingDays, &t.ExtraSalary, &t.InsuranceSupport,
			&t.ResponsibilitySupport, &t.BreakfastSupport,
			&t.SkillSessions, &t.SkillSalary, &t.EnglishSessions, &t.EnglishSalary,
			&t.NewStudentsBonus, &t.PaidAmount, &t.TotalSalary, &t.Note,
		)
		return &t, err
	})
}

// orderByIDs returns recs in request order, each id at most once.
func orderByIDs(recs []models.Record, ids []string) []models.Record {
	byID := lo.KeyBy(recs, func(r models.Record) string { return r.RecordID() })
	return lo.FilterMap(lo.Uniq(ids), func(id string, _ int) (models.Record, bool) {
		r, ok := byID[id]
		return r, ok
	})
}
