package cli

import (
	"reflect"
	"testing"
)

func TestRemoveFirstDashDash(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		want []string
	}{
		{
			name: "empty slice",
			in:   []string{},
			want: []string{},
		},
		{
			name: "starts with --",
			in:   []string{"--", "foo", "bar"},
			want: []string{"foo", "bar"},
		},
		{
			name: "no --",
			in:   []string{"foo", "bar"},
			want: []string{"foo", "bar"},
		},
		{
			name: "only --",
			in:   []string{"--"},
			want: []string{},
		},
		{
			name: "-- in middle",
			in:   []string{"foo", "--", "bar"},
			want: []string{"foo", "--", "bar"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := removeFirstDashDash(tt.in)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("removeFirstDashDash() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseViewArgs(t *testing.T) {
	tests := []struct {
		name      string
		in        []string
		wantID    string
		wantTests []string
	}{
		{
			name:      "empty args - default to 0",
			in:        []string{},
			wantID:    "0",
			wantTests: nil,
		},
		{
			name:      "only ID - index 0",
			in:        []string{"0"},
			wantID:    "0",
			wantTests: []string{},
		},
		{
			name:      "only ID - negative index",
			in:        []string{"-1"},
			wantID:    "-1",
			wantTests: []string{},
		},
		{
			name:      "only ID - hex string",
			in:        []string{"abc123"},
			wantID:    "abc123",
			wantTests: []string{},
		},
		{
			name:      "ID with tests",
			in:        []string{"0", "foo", "bar"},
			wantID:    "0",
			wantTests: []string{"foo", "bar"},
		},
		{
			name:      "ID with -- separator and tests",
			in:        []string{"0", "--", "foo"},
			wantID:    "0",
			wantTests: []string{"foo"},
		},
		{
			name:      "negative index with -- and tests",
			in:        []string{"-1", "--", "a/b"},
			wantID:    "-1",
			wantTests: []string{"a/b"},
		},
		{
			name:      "only -- uses default 0",
			in:        []string{"--", "foo"},
			wantID:    "0",
			wantTests: []string{"foo"},
		},
		{
			name:      "dash prefixed test name is not an index",
			in:        []string{"-weird-test"},
			wantID:    "0",
			wantTests: []string{"-weird-test"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotID, gotTests := parseViewArgs(tt.in)
			if gotID != tt.wantID {
				t.Errorf("parseViewArgs() gotID = %v, want %v", gotID, tt.wantID)
			}
			if !reflect.DeepEqual(gotTests, tt.wantTests) {
				t.Errorf("parseViewArgs() gotTests = %v, want %v", gotTests, tt.wantTests)
			}
		})
	}
}
