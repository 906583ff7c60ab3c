package orgs

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresDirectory implements Directory using PostgreSQL
type PostgresDirectory struct {
	db *sql.DB
}

// NewPostgresDirectory creates a new PostgresDirectory
func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

// ListActiveIntegrations returns active integrations, oldest first
func (d *PostgresDirectory) ListActiveIntegrations(ctx context.Context, orgID int64) ([]Integration, error) {
	query := `
		SELECT id, organization_id, name, provider_identifier, disabled, created_at
		FROM integrations
		WHERE organization_id = $1 AND disabled = false AND deleted_at IS NULL
		ORDER BY created_at ASC
	`
	rows, err := d.db.QueryContext(ctx, query, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list integrations: %w", err)
	}
	defer rows.Close()

	var integrations []Integration
	for rows.Next() {
		var i Integration
		if err := rows.Scan(&i.ID, &i.OrganizationID, &i.Name, &i.ProviderIdentifier, &i.Disabled, &i.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan integration: %w", err)
		}
		integrations = append(integrations, i)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate integrations: %w", err)
	}

	return integrations, nil
}

// DisableIntegrations disables the count most recently connected active
// integrations. The selection and the update run as one statement.
func (d *PostgresDirectory) DisableIntegrations(ctx context.Context, orgID int64, count int) (int, error) {
	if count <= 0 {
		return 0, nil
	}

	query := `
		UPDATE integrations SET disabled = true, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM integrations
			WHERE organization_id = $1 AND disabled = false AND deleted_at IS NULL
			ORDER BY created_at DESC
			LIMIT $2
		)
	`
	result, err := d.db.ExecContext(ctx, query, orgID, count)
	if err != nil {
		return 0, fmt.Errorf("failed to disable integrations: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return int(affected), nil
}

// DeactivateSchedules turns off automatic posting for the organization
func (d *PostgresDirectory) DeactivateSchedules(ctx context.Context, orgID int64) error {
	query := `
		UPDATE integrations SET schedule_active = false, updated_at = NOW()
		WHERE organization_id = $1 AND schedule_active = true AND deleted_at IS NULL
	`
	if _, err := d.db.ExecContext(ctx, query, orgID); err != nil {
		return fmt.Errorf("failed to deactivate schedules: %w", err)
	}
	return nil
}

// SetNonSuperAdminsDisabled enables or disables every member that is not a super admin
func (d *PostgresDirectory) SetNonSuperAdminsDisabled(ctx context.Context, orgID int64, disabled bool) (int64, error) {
	query := `
		UPDATE org_members SET disabled = $2, updated_at = NOW()
		WHERE organization_id = $1 AND role <> $3 AND disabled <> $2
	`
	result, err := d.db.ExecContext(ctx, query, orgID, disabled, RoleSuperAdmin)
	if err != nil {
		return 0, fmt.Errorf("failed to update members: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return affected, nil
}

// ListMembers retrieves all members of an organization
func (d *PostgresDirectory) ListMembers(ctx context.Context, orgID int64) ([]Member, error) {
	query := `
		SELECT id, organization_id, user_id, role, disabled, created_at
		FROM org_members
		WHERE organization_id = $1
		ORDER BY created_at ASC
	`
	rows, err := d.db.QueryContext(ctx, query, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	defer rows.Close()

	var members []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.ID, &m.OrganizationID, &m.UserID, &m.Role, &m.Disabled, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate members: %w", err)
	}

	return members, nil
}
