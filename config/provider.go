package config

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/warp/society-ledger/billing"
	"github.com/warp/society-ledger/generic"
)

// TenantsFile is the YAML document read by FileProvider:
//
//	tenants:
//	  - tenant_id: green-acres
//	    bill_due_day: 10
//	    charge_heads:
//	      - {name: Maintenance, type: PerAreaUnit, rate: "3"}
type TenantsFile struct {
	Tenants []billing.TenantConfig `yaml:"tenants"`
}

// FileProvider serves tenant policies loaded from a YAML file. Every
// policy is validated on load, so a bad file fails at startup rather
// than at the first billing cycle.
type FileProvider struct {
	path string

	mu      sync.RWMutex
	configs map[generic.TenantID]billing.TenantConfig
}

// LoadTenants reads and validates the tenants file at path.
func LoadTenants(path string) (*FileProvider, error) {
	p := &FileProvider{path: path}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// ParseTenants decodes a tenants document and validates every policy.
func ParseTenants(data []byte) (map[generic.TenantID]billing.TenantConfig, error) {
	var file TenantsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse tenants yaml: %w", err)
	}

	configs := make(map[generic.TenantID]billing.TenantConfig, len(file.Tenants))
	for i, cfg := range file.Tenants {
		validated, err := cfg.Validate()
		if err != nil {
			return nil, fmt.Errorf("tenant #%d (%s): %w", i, cfg.TenantID, err)
		}
		if _, dup := configs[validated.TenantID]; dup {
			return nil, fmt.Errorf("tenant %s declared twice", validated.TenantID)
		}
		configs[validated.TenantID] = validated
	}
	return configs, nil
}

// Reload re-reads the file. On error the previous policies stay active.
func (p *FileProvider) Reload() error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("read tenants file: %w", err)
	}
	configs, err := ParseTenants(data)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.configs = configs
	p.mu.Unlock()
	return nil
}

func (p *FileProvider) GetConfig(_ context.Context, tenantID generic.TenantID) (billing.TenantConfig, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	cfg, ok := p.configs[tenantID]
	if !ok {
		return billing.TenantConfig{}, fmt.Errorf("%s: %w", tenantID, generic.ErrTenantNotFound)
	}
	return cfg, nil
}

func (p *FileProvider) ListConfigs(_ context.Context) ([]billing.TenantConfig, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]billing.TenantConfig, 0, len(p.configs))
	for _, cfg := range p.configs {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out, nil
}

var _ billing.ConfigLister = (*FileProvider)(nil)
