package config

import "testing"

func TestSignalURL(t *testing.T) {
	testCases := []struct {
		name    string
		server  string
		want    string
		wantErr bool
	}{
		{
			name:   "http becomes ws",
			server: "http://localhost:8090",
			want:   "ws://localhost:8090/ws?name=Alice&user=alice",
		},
		{
			name:   "https becomes wss",
			server: "https://calls.example.com",
			want:   "wss://calls.example.com/ws?name=Alice&user=alice",
		},
		{
			name:   "existing path is replaced",
			server: "http://localhost:8090/somewhere",
			want:   "ws://localhost:8090/ws?name=Alice&user=alice",
		},
		{
			name:   "surrounding whitespace is tolerated",
			server: "  http://localhost:8090  ",
			want:   "ws://localhost:8090/ws?name=Alice&user=alice",
		},
		{
			name:    "missing host rejected",
			server:  "not a url",
			wantErr: true,
		},
		{
			name:    "empty rejected",
			server:  "",
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := Client{ServerURL: tc.server, UserID: "alice", DisplayName: "Alice"}
			got, err := c.SignalURL()
			if tc.wantErr {
				if err == nil {
					t.Fatalf("SignalURL(%q) = %q, want error", tc.server, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("SignalURL(%q): %v", tc.server, err)
			}
			if got != tc.want {
				t.Fatalf("SignalURL(%q) = %q, want %q", tc.server, got, tc.want)
			}
		})
	}
}

func TestHTTPURL(t *testing.T) {
	c := Client{ServerURL: "ws://localhost:8090/ws?user=x", UserID: "alice"}
	got, err := c.HTTPURL()
	if err != nil {
		t.Fatalf("HTTPURL: %v", err)
	}
	if got != "http://localhost:8090" {
		t.Fatalf("HTTPURL = %q, want http://localhost:8090", got)
	}

	c.ServerURL = "https://calls.example.com"
	got, err = c.HTTPURL()
	if err != nil {
		t.Fatalf("HTTPURL: %v", err)
	}
	if got != "https://calls.example.com" {
		t.Fatalf("HTTPURL = %q, want https base", got)
	}
}
