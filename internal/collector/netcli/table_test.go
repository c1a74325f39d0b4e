package netcli

import (
	"testing"
)

func TestParseTable(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		output string
		want   []map[string]string
	}{
		{
			name:   "empty",
			output: "\n\n",
			want:   nil,
		},
		{
			name:   "single column is not a table",
			output: "Cisco IOS Software\nVersion 15.2",
			want:   nil,
		},
		{
			name: "ip interface brief",
			output: "\nInterface              IP-Address      Status\n" +
				"GigabitEthernet0/0     10.0.0.1        up\n" +
				"Loopback0              unassigned      administratively down\n",
			want: []map[string]string{
				{"interface": "GigabitEthernet0/0", "ip-address": "10.0.0.1", "status": "up"},
				{"interface": "Loopback0", "ip-address": "unassigned", "status": "administratively down"},
			},
		},
		{
			name: "separator and overhanging value",
			output: "Neighbor ID     Pri   State\n" +
				"---------------------------\n" +
				"192.168.100.1    1   FULL/DR\n",
			want: []map[string]string{
				{"neighbor_id": "192.168.100.1", "pri": "1", "state": "FULL/DR"},
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got := ParseTable(tt.output)
			if len(got) != len(tt.want) {
				t.Fatalf("ParseTable rows = %v, want %v", got, tt.want)
			}
			for i := range got {
				for k, v := range tt.want[i] {
					if got[i][k] != v {
						t.Fatalf("row %d %s = %q, want %q (row %v)", i, k, got[i][k], v, got[i])
					}
				}
			}
		})
	}
}

func TestLookupProfile(t *testing.T) {
	t.Parallel()
	p, err := LookupProfile("")
	if err != nil || p.Name != DefaultDeviceType {
		t.Fatalf("LookupProfile(\"\") = %v, %v", p.Name, err)
	}
	if _, err := LookupProfile("Juniper_JunOS"); err != nil {
		t.Fatalf("case-insensitive lookup failed: %v", err)
	}
	if _, err := LookupProfile("toaster"); err == nil {
		t.Fatal("unknown device type accepted")
	}
}

func TestBasePrompt(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"r1#":            "r1",
		"r1(config-if)#": "r1",
		"admin@mx1>":     "admin@mx1",
		"<HUAWEI>":       "HUAWEI",
		"":               "",
	}
	for in, want := range tests {
		if got := basePrompt(in); got != want {
			t.Fatalf("basePrompt(%q) = %q, want %q", in, got, want)
		}
	}
}
