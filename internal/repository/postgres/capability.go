package postgres

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jwalitptl/message-scheduler/internal/model"
	"github.com/jwalitptl/message-scheduler/internal/repository"
)

type capabilityRepository struct {
	BaseRepository
}

func NewCapabilityRepository(base BaseRepository) repository.CapabilityRepository {
	return &capabilityRepository{base}
}

type capabilityRow struct {
	Channel   string `db:"channel"`
	CanView   bool   `db:"can_view"`
	CanManage bool   `db:"can_manage"`
}

func (r *capabilityRepository) GetProfile(ctx context.Context, principalID string) (*model.AuthorizationProfile, error) {
	var role string
	if err := r.db.GetContext(ctx, &role, `SELECT role FROM principals WHERE id = $1`, principalID); err != nil {
		return nil, r.observe("get principal", "principal", err)
	}

	query := `
		SELECT channel, can_view, can_manage
		FROM principal_capabilities
		WHERE principal_id = $1
	`
	var rows []capabilityRow
	if err := r.db.SelectContext(ctx, &rows, query, principalID); err != nil {
		return nil, r.observe("get principal capabilities", "principal", err)
	}
	r.observe("get principal capabilities", "principal", nil)

	profile := &model.AuthorizationProfile{
		PrincipalID:  principalID,
		Role:         role,
		Capabilities: make(map[model.Channel]model.CapabilitySet, len(rows)),
	}
	for _, row := range rows {
		profile.Capabilities[model.Channel(row.Channel)] = model.CapabilitySet{
			CanView:   row.CanView,
			CanManage: row.CanManage,
		}
	}
	return profile, nil
}

// SaveProfile replaces the principal's role and full capability map.
func (r *capabilityRepository) SaveProfile(ctx context.Context, profile *model.AuthorizationProfile) error {
	err := r.WithTx(ctx, func(tx *sqlx.Tx) error {
		upsert := `
			INSERT INTO principals (id, role, updated_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (id) DO UPDATE SET role = EXCLUDED.role, updated_at = EXCLUDED.updated_at
		`
		if _, err := tx.ExecContext(ctx, upsert, profile.PrincipalID, profile.Role, time.Now()); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM principal_capabilities WHERE principal_id = $1`, profile.PrincipalID); err != nil {
			return err
		}

		insert := `
			INSERT INTO principal_capabilities (principal_id, channel, can_view, can_manage)
			VALUES ($1, $2, $3, $4)
		`
		for channel, caps := range profile.Capabilities {
			if _, err := tx.ExecContext(ctx, insert, profile.PrincipalID, string(channel), caps.CanView, caps.CanManage); err != nil {
				return err
			}
		}
		return nil
	})
	return r.observe("save principal capabilities", "principal", err)
}
