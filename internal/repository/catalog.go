package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/onesub/backend/internal/model"
)

func (r *Repository) GetUser(ctx context.Context, id uuid.UUID) (*model.User, error) {
	var user model.User
	err := r.db.GetContext(ctx, &user, "SELECT * FROM users WHERE id = $1", id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (r *Repository) GetUserByEmailHash(ctx context.Context, emailSHA256 string) (*model.User, error) {
	var user model.User
	err := r.db.GetContext(ctx, &user, "SELECT * FROM users WHERE email_sha256 = $1", emailSHA256)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (r *Repository) GetTool(ctx context.Context, id uuid.UUID) (*model.Tool, error) {
	var tool model.Tool
	err := r.db.GetContext(ctx, &tool, "SELECT * FROM tools WHERE id = $1", id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrToolNotFound
		}
		return nil, err
	}
	return &tool, nil
}

func (r *Repository) GetPlan(ctx context.Context, id uuid.UUID) (*model.Plan, error) {
	var plan model.Plan
	err := r.db.GetContext(ctx, &plan, "SELECT * FROM plans WHERE id = $1", id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrPlanNotFound
		}
		return nil, err
	}
	return &plan, nil
}
