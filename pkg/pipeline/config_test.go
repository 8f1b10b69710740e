package pipeline

import "testing"

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults pass", func(c *Config) {}, false},
		{"zero ceiling", func(c *Config) { c.BudgetCeiling = 0 }, true},
		{"emergent above target", func(c *Config) { c.EmergentConfidence = 0.6 }, true},
		{"cross below same-source", func(c *Config) { c.CrossSourceSimilarity = 0.8 }, true},
		{"non-increasing backoff", func(c *Config) { c.SolidarityBackoffDays = []int{7, 7, 21, 30} }, true},
		{"empty backoff", func(c *Config) { c.SolidarityBackoffDays = nil }, true},
		{"zero workers", func(c *Config) { c.ScrapeWorkers = 0 }, true},
		{"confidence out of range", func(c *Config) { c.ScrapeConfidence = 1.5 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := FromEnv()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
