package course

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/irsalhamdi/e-commerce-entitlement/database"
	"github.com/irsalhamdi/e-commerce-entitlement/validate"
	"github.com/jmoiron/sqlx"
)

var ErrNotFound = errors.New("course not found")

func Create(ctx context.Context, db sqlx.ExtContext, cn CourseNew, now time.Time) (Course, error) {
	if err := validate.Check(cn); err != nil {
		return Course{}, err
	}

	c := Course{
		ID:          validate.GenerateID(),
		Name:        cn.Name,
		Description: cn.Description,
		Price:       cn.Price,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	const q = `
	INSERT INTO courses (course_id, name, description, price, created_at, updated_at)
	VALUES (:course_id, :name, :description, :price, :created_at, :updated_at)`

	if err := database.NamedExecContext(ctx, db, q, c); err != nil {
		return Course{}, fmt.Errorf("inserting course: %w", err)
	}
	return c, nil
}

func Fetch(ctx context.Context, db sqlx.QueryerContext, id string) (Course, error) {
	const q = `
	SELECT course_id, name, description, price, created_at, updated_at
	FROM courses
	WHERE course_id = $1`

	var c Course
	if err := database.GetContext(ctx, db, &c, q, id); err != nil {
		if errors.Is(err, database.ErrDBNotFound) {
			return Course{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return Course{}, fmt.Errorf("selecting course[%s]: %w", id, err)
	}
	return c, nil
}
