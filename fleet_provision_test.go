package screenagent

import (
	"reflect"
	"testing"
)

func TestParseFleetDevices(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want []string
	}{
		{name: "empty", raw: "   ", want: nil},
		{name: "commas", raw: "screen-1,screen-2,screen-3", want: []string{"screen-1", "screen-2", "screen-3"}},
		{name: "mixed separators", raw: "screen-1; screen-2|screen-3\nscreen-4", want: []string{"screen-1", "screen-2", "screen-3", "screen-4"}},
		{name: "duplicates keep first", raw: "screen-1,screen-2,screen-1", want: []string{"screen-1", "screen-2"}},
		{name: "padding trimmed", raw: "  screen-1 ,\tscreen-2  ", want: []string{"screen-1", "screen-2"}},
	}
	for _, tc := range cases {
		got := parseFleetDevices(tc.raw)
		if !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("%s: parseFleetDevices(%q) = %v, want %v", tc.name, tc.raw, got, tc.want)
		}
	}
}

func TestFleetFromEnv(t *testing.T) {
	t.Setenv(EnvFleetDevices, "hospital-screen-1, hospital-screen-2")
	got := FleetFromEnv()
	want := []string{"hospital-screen-1", "hospital-screen-2"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("FleetFromEnv() = %v, want %v", got, want)
	}
}
