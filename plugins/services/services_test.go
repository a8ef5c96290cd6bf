package services

import "testing"

func TestApplyConfigUnitParsing(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{"plain names get suffix", "nginx, sshd", []string{"nginx.service", "sshd.service"}},
		{"explicit suffix kept", "nginx.service", []string{"nginx.service"}},
		{"other unit types kept", "docker.socket,home.mount", []string{"docker.socket", "home.mount"}},
		{"empty entries dropped", "nginx,, ,sshd", []string{"nginx.service", "sshd.service"}},
		{"empty list", "", nil},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			c := New()
			if err := c.ApplyConfig(map[string]any{"units": tt.raw}); err != nil {
				t.Fatalf("apply: %v", err)
			}
			c.mu.RLock()
			got := c.units
			c.mu.RUnlock()
			if len(got) != len(tt.want) {
				t.Fatalf("units = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("units = %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestDefinitionRequiresUnits(t *testing.T) {
	t.Parallel()
	d := Definition()
	if d.ID != "services" || d.Collector == nil {
		t.Fatalf("definition = %+v", d)
	}
	spec, ok := d.Schema["units"]
	if !ok || !spec.Required || spec.Type != "string" {
		t.Fatalf("schema = %+v", d.Schema)
	}
}
