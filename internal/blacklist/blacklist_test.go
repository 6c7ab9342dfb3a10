package blacklist

import "testing"

func TestBlocked(t *testing.T) {
	testCases := []struct {
		host string
		want bool
	}{
		{"0.0.0.0", true},
		{"localhost", true},
		{"127.0.0.1", true},
		{"127.1", true},
		{"10.0.0.5", true},
		{"192.168.1.1", true},
		{"::1", true},
		{"::0:1", true},
		{"0:0:0:0:0:0:0:1", true},
		{"2001:db8::1", true},
		{"::ffff:93.184.216.34", true},
		{"fe80::1%eth0", true},
		{"93.184.216.34", false},
		{"example.com", false},
		{"172.16.0.1", false},
		{"1.2.3.4", false},
		{"Localhost", false},
		{"", true},
		{" ", true},
	}

	for _, tc := range testCases {
		t.Run(tc.host, func(t *testing.T) {
			if got := Blocked(tc.host); got != tc.want {
				t.Errorf("Blocked(%q) = %v, want %v", tc.host, got, tc.want)
			}
		})
	}
}
