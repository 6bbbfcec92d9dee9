// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package conf

import "testing"

func TestValidate(t *testing.T) {
	negative := -1
	tests := []struct {
		name    string
		config  SharedConfig
		wantErr bool
	}{
		{
			name:    "empty config is valid",
			config:  SharedConfig{},
			wantErr: false,
		},
		{
			name: "v3 keystone url",
			config: SharedConfig{
				KeystoneConfig: KeystoneConfig{URL: "https://keystone.example.com/v3"},
			},
			wantErr: false,
		},
		{
			name: "non-v3 keystone url",
			config: SharedConfig{
				KeystoneConfig: KeystoneConfig{URL: "https://keystone.example.com/v2.0"},
			},
			wantErr: true,
		},
		{
			name: "keystone url with trailing slash",
			config: SharedConfig{
				KeystoneConfig: KeystoneConfig{URL: "https://keystone.example.com/v3/"},
			},
			wantErr: true,
		},
		{
			name: "internal availability",
			config: SharedConfig{
				KeystoneConfig: KeystoneConfig{Availability: "internal"},
			},
			wantErr: false,
		},
		{
			name: "invalid availability",
			config: SharedConfig{
				KeystoneConfig: KeystoneConfig{Availability: "bogus"},
			},
			wantErr: true,
		},
		{
			name: "negative notify hours",
			config: SharedConfig{
				ManagerConfig: ManagerConfig{NotifyHoursBeforeLeaseEnd: &negative},
			},
			wantErr: true,
		},
		{
			name: "negative poll interval",
			config: SharedConfig{
				ManagerConfig: ManagerConfig{EventPollIntervalSeconds: -5},
			},
			wantErr: true,
		},
		{
			name: "ledger enabled without url",
			config: SharedConfig{
				LedgerConfig: LedgerConfig{Enabled: true},
			},
			wantErr: true,
		},
		{
			name: "ledger enabled with url",
			config: SharedConfig{
				LedgerConfig: LedgerConfig{Enabled: true, URL: "redis://localhost:6379/0"},
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr && err == nil {
				t.Errorf("expected an error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("expected no error, got %v", err)
			}
		})
	}
}

func TestValidateDefaultsAvailability(t *testing.T) {
	config := SharedConfig{}
	if err := config.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if config.KeystoneConfig.Availability != "public" {
		t.Errorf("expected public, got %s", config.KeystoneConfig.Availability)
	}
}
