package logging

import "testing"

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"defaults", DefaultConfig(), false},
		{"debug console", Config{Level: "debug", Debug: true}, false},
		{"json", Config{Level: "warn", JSONFormat: true}, false},
		{"empty level", Config{}, false},
		{"bad level", Config{Level: "loud"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}
			logger.Info("probe")
			_ = logger.Sync()
		})
	}
}
