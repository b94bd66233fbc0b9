package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/society-ledger/billing"
	"github.com/warp/society-ledger/generic"
)

// =============================================================================
// MEMBER DIRECTORY (generic.MemberDirectory interface)
// =============================================================================

// SaveMember inserts or replaces a member.
func (c conn) SaveMember(ctx context.Context, m generic.Member) error {
	now := formatTime(time.Now())
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO members (tenant_id, member_id, unit_id, name, area, opening_balance, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, member_id) DO UPDATE SET
			unit_id = excluded.unit_id,
			name = excluded.name,
			area = excluded.area,
			opening_balance = excluded.opening_balance,
			active = excluded.active,
			updated_at = excluded.updated_at
	`, m.TenantID, m.ID, m.UnitID, nullString(m.Name), m.Area.String(), m.OpeningBalance.String(), m.Active, now, now)
	if err != nil {
		return fmt.Errorf("failed to save member: %w", err)
	}
	return nil
}

func (c conn) GetMember(ctx context.Context, tenantID generic.TenantID, memberID generic.MemberID) (generic.Member, error) {
	members, err := c.queryMembers(ctx, `
		SELECT tenant_id, member_id, unit_id, name, area, opening_balance, active
		FROM members WHERE tenant_id = ? AND member_id = ?
	`, tenantID, memberID)
	if err != nil {
		return generic.Member{}, err
	}
	if len(members) == 0 {
		return generic.Member{}, fmt.Errorf("%s/%s: %w", tenantID, memberID, generic.ErrMemberNotFound)
	}
	return members[0], nil
}

func (c conn) ListMembers(ctx context.Context, tenantID generic.TenantID) ([]generic.Member, error) {
	return c.queryMembers(ctx, `
		SELECT tenant_id, member_id, unit_id, name, area, opening_balance, active
		FROM members WHERE tenant_id = ?
		ORDER BY unit_id ASC
	`, tenantID)
}

func (c conn) queryMembers(ctx context.Context, query string, args ...any) ([]generic.Member, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query members: %w", err)
	}
	defer rows.Close()

	var members []generic.Member
	for rows.Next() {
		var (
			m       generic.Member
			name    sql.NullString
			area    string
			opening string
		)
		if err := rows.Scan(&m.TenantID, &m.ID, &m.UnitID, &name, &area, &opening, &m.Active); err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		m.Name = name.String
		if m.Area, err = decimal.NewFromString(area); err != nil {
			return nil, fmt.Errorf("member %s area: %w", m.ID, err)
		}
		if m.OpeningBalance, err = generic.ParseMoney(opening); err != nil {
			return nil, fmt.Errorf("member %s opening balance: %w", m.ID, err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// =============================================================================
// TENANT CONFIG (billing.ConfigLister interface)
// =============================================================================

// SaveConfig validates and stores a tenant policy, bumping its version.
func (c conn) SaveConfig(ctx context.Context, cfg billing.TenantConfig) error {
	cfg, err := cfg.Validate()
	if err != nil {
		return err
	}
	configJSON, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	now := formatTime(time.Now())
	_, err = c.q.ExecContext(ctx, `
		INSERT INTO tenant_configs (tenant_id, config_json, version, created_at, updated_at)
		VALUES (?, ?, 1, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET
			config_json = excluded.config_json,
			version = tenant_configs.version + 1,
			updated_at = excluded.updated_at
	`, cfg.TenantID, string(configJSON), now, now)
	if err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	return nil
}

func (c conn) GetConfig(ctx context.Context, tenantID generic.TenantID) (billing.TenantConfig, error) {
	var configJSON string
	err := c.q.QueryRowContext(ctx,
		"SELECT config_json FROM tenant_configs WHERE tenant_id = ?", tenantID,
	).Scan(&configJSON)
	if err == sql.ErrNoRows {
		return billing.TenantConfig{}, fmt.Errorf("%s: %w", tenantID, generic.ErrTenantNotFound)
	}
	if err != nil {
		return billing.TenantConfig{}, fmt.Errorf("failed to load config: %w", err)
	}

	var cfg billing.TenantConfig
	if err := json.Unmarshal([]byte(configJSON), &cfg); err != nil {
		return billing.TenantConfig{}, fmt.Errorf("failed to decode config of %s: %w", tenantID, err)
	}
	return cfg, nil
}

func (c conn) ListConfigs(ctx context.Context) ([]billing.TenantConfig, error) {
	rows, err := c.q.QueryContext(ctx, "SELECT config_json FROM tenant_configs ORDER BY tenant_id")
	if err != nil {
		return nil, fmt.Errorf("failed to list configs: %w", err)
	}
	defer rows.Close()

	var configs []billing.TenantConfig
	for rows.Next() {
		var (
			configJSON string
			cfg        billing.TenantConfig
		)
		if err := rows.Scan(&configJSON); err != nil {
			return nil, fmt.Errorf("failed to scan config: %w", err)
		}
		if err := json.Unmarshal([]byte(configJSON), &cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config: %w", err)
		}
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}
