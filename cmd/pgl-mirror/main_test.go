package main

import (
	"context"
	"testing"
)

func TestRun(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr bool
	}{
		{"No Arguments Prints Usage", nil, false},
		{"Help", []string{"help"}, false},
		{"Subcommand Help", []string{"status", "-help"}, false},
		{"Version", []string{"version"}, false},
		{"Unknown Command", []string{"backup"}, true},
		{"Unknown Flag", []string{"watch", "-target", "/tmp"}, true},
		{"Status Without Backup", []string{"status"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := run(context.Background(), tt.args)
			if (err != nil) != tt.wantErr {
				t.Errorf("run(%v) error = %v, wantErr %v", tt.args, err, tt.wantErr)
			}
		})
	}
}
