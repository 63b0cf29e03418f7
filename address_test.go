package rudp

import (
	"context"
	"errors"
	"net/netip"
	"testing"
)

func TestParseAddress(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{"127.0.0.1:9999", "127.0.0.1:9999", false},
		{"0.0.0.0:7777", "0.0.0.0:7777", false},
		{"[::1]:80", "[::1]:80", false},
		{"[::ffff:10.1.2.3]:5000", "10.1.2.3:5000", false},
		{"bad-address", "", true},
		{"127.0.0.1", "", true},
		{"localhost:80", "", true},
		{"127.0.0.1:99999", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseAddress(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrAddressFormat) {
					t.Errorf("ParseAddress(%q) error = %v, want ErrAddressFormat", tt.input, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseAddress(%q): %v", tt.input, err)
			}
			if got.String() != tt.want {
				t.Errorf("ParseAddress(%q) = %s, want %s", tt.input, got, tt.want)
			}
		})
	}
}

func TestResolveAddressLiteral(t *testing.T) {
	got, err := ResolveAddress(context.Background(), "192.0.2.7", 4000)
	if err != nil {
		t.Fatalf("ResolveAddress: %v", err)
	}
	if want := netip.MustParseAddrPort("192.0.2.7:4000"); got != want {
		t.Errorf("got %s, want %s", got, want)
	}

	for _, bad := range []struct {
		host string
		port int
	}{{"", 80}, {"192.0.2.7", -1}, {"192.0.2.7", 70000}} {
		if _, err := ResolveAddress(context.Background(), bad.host, bad.port); !errors.Is(err, ErrAddressFormat) {
			t.Errorf("ResolveAddress(%q, %d) = %v, want ErrAddressFormat", bad.host, bad.port, err)
		}
	}
}

func TestResolveAddressName(t *testing.T) {
	got, err := ResolveAddress(context.Background(), "localhost", 8080)
	if err != nil {
		t.Skipf("no resolver for localhost: %v", err)
	}
	if !got.Addr().IsLoopback() || got.Port() != 8080 {
		t.Errorf("localhost resolved to %s", got)
	}
}

func TestSplitHostPort(t *testing.T) {
	ctx := context.Background()
	if got, err := splitHostPort(ctx, "10.0.0.1:53"); err != nil || got != netip.MustParseAddrPort("10.0.0.1:53") {
		t.Errorf("literal = %s, %v", got, err)
	}
	for _, bad := range []string{"no-port", "host:port", ":"} {
		if _, err := splitHostPort(ctx, bad); !errors.Is(err, ErrAddressFormat) {
			t.Errorf("splitHostPort(%q) = %v, want ErrAddressFormat", bad, err)
		}
	}
}
