package commands

import (
	"testing"
)

func TestParseSettingArgs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		pairs   []string
		want    map[string]string
		wantErr bool
	}{
		{
			name:  "single pair",
			pairs: []string{"model=GPT-4.1"},
			want:  map[string]string{"model": "GPT-4.1"},
		},
		{
			name:  "multiple pairs",
			pairs: []string{"model=GPT-4.1", "temperature=0.2"},
			want:  map[string]string{"model": "GPT-4.1", "temperature": "0.2"},
		},
		{
			name:  "value containing equals",
			pairs: []string{"prompt_hint=Answer with evidence = citations"},
			want:  map[string]string{"prompt_hint": "Answer with evidence = citations"},
		},
		{
			name:  "empty value allowed",
			pairs: []string{"pricing_model="},
			want:  map[string]string{"pricing_model": ""},
		},
		{
			name:    "missing equals",
			pairs:   []string{"model"},
			wantErr: true,
		},
		{
			name:    "empty key",
			pairs:   []string{"=GPT-4.1"},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := parseSettingArgs(tt.pairs)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseSettingArgs(%v) succeeded, want error", tt.pairs)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d values, want %d", len(got), len(tt.want))
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("value for %q = %q, want %q", k, got[k], v)
				}
			}
		})
	}
}

func TestRootCmd_HasSettingsCommand(t *testing.T) {
	t.Parallel()

	root := NewRootCmd()
	for _, c := range root.Commands() {
		if c.Name() == "settings" {
			if c.Flags().Lookup("set") == nil {
				t.Error("settings command is missing the --set flag")
			}
			return
		}
	}
	t.Error("root command has no settings subcommand")
}
