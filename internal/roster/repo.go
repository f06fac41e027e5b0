// Package roster reads courses, students and enrollments. Importing them is
// handled elsewhere; the reconciliation core only consults them.
package roster

import (
	"context"
	"database/sql"
	"errors"

	"wifiattend/internal/identity"
	"wifiattend/internal/model"
)

// Repository reads roster rows from Postgres.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Course returns a course by id.
func (r *Repository) Course(ctx context.Context, id string) (model.Course, error) {
	var c model.Course
	err := r.db.QueryRowContext(ctx, `
		SELECT id, code, title, lecturer_id FROM courses WHERE id = $1
	`, id).Scan(&c.ID, &c.Code, &c.Title, &c.LecturerID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Course{}, model.ErrCourseNotFound
	}
	return c, err
}

// Student returns a student by id.
func (r *Repository) Student(ctx context.Context, id string) (model.Student, error) {
	return r.student(ctx, `SELECT id, name, mac_address FROM students WHERE id = $1`, id)
}

// StudentByMAC resolves a registered client MAC to its student.
func (r *Repository) StudentByMAC(ctx context.Context, mac string) (model.Student, error) {
	return r.student(ctx, `SELECT id, name, mac_address FROM students WHERE upper(replace(mac_address, '-', ':')) = $1`, mac)
}

func (r *Repository) student(ctx context.Context, query, arg string) (model.Student, error) {
	var st model.Student
	err := r.db.QueryRowContext(ctx, query, arg).Scan(&st.ID, &st.Name, &st.MAC)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Student{}, model.ErrStudentNotFound
	}
	return st, err
}

// Enrolled reports whether the student holds an enrollment for the course in period p.
func (r *Repository) Enrolled(ctx context.Context, studentID, courseID string, p identity.Period) (bool, error) {
	var ok bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM enrollments
			WHERE student_id = $1 AND course_id = $2 AND academic_session = $3 AND semester = $4
		)
	`, studentID, courseID, p.Session, p.Semester).Scan(&ok)
	return ok, err
}
