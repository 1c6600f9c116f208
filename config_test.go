package proxsmtp

import (
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.FilterType != FilterPipe {
		t.Errorf("FilterType = %v, want %v", cfg.FilterType, FilterPipe)
	}
	if cfg.Reject != defaultReject {
		t.Errorf("Reject = %q, want %q", cfg.Reject, defaultReject)
	}
	if cfg.Timeout != defaultTimeout {
		t.Errorf("Timeout = %v, want %v", cfg.Timeout, defaultTimeout)
	}
	if cfg.ListenAddr != ":10025" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":10025")
	}
}

func TestParseFilterType(t *testing.T) {
	tests := []struct {
		in      string
		want    FilterType
		wantErr bool
	}{
		{"pipe", FilterPipe, false},
		{"FILE", FilterFile, false},
		{"  smtp  ", FilterSMTP, false},
		{"reject", FilterRejectAll, false},
		{"bogus", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		got, err := parseFilterType(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseFilterType(%q): expected error, got nil", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseFilterType(%q): unexpected error %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("parseFilterType(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseConfig(t *testing.T) {
	input := `
# a comment
FilterCommand /usr/bin/scan.sh
TempDirectory /var/tmp/proxsmtpd
FilterTimeout 60
FilterType file
FilterReject 550 go away
Header X-Scanned-By: proxsmtpd
DebugFiles yes
ListenAddress 0.0.0.0:25
OutAddress 10.0.0.1:25

UnknownKey should-be-ignored
`
	cfg, err := parseConfig(strings.NewReader(input))
	if err != nil {
		t.Fatalf("parseConfig: %v", err)
	}

	if cfg.Command != "/usr/bin/scan.sh" {
		t.Errorf("Command = %q", cfg.Command)
	}
	if cfg.Directory != "/var/tmp/proxsmtpd" {
		t.Errorf("Directory = %q", cfg.Directory)
	}
	if cfg.Timeout != 60*time.Second {
		t.Errorf("Timeout = %v", cfg.Timeout)
	}
	if cfg.FilterType != FilterFile {
		t.Errorf("FilterType = %v", cfg.FilterType)
	}
	if cfg.Reject != "550 go away" {
		t.Errorf("Reject = %q", cfg.Reject)
	}
	if cfg.Header != "X-Scanned-By: proxsmtpd" {
		t.Errorf("Header = %q", cfg.Header)
	}
	if !cfg.DebugFiles {
		t.Error("DebugFiles = false, want true")
	}
	if cfg.ListenAddr != "0.0.0.0:25" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.UpstreamAddr != "10.0.0.1:25" {
		t.Errorf("UpstreamAddr = %q", cfg.UpstreamAddr)
	}
}

func TestParseConfigInvalidTimeout(t *testing.T) {
	_, err := parseConfig(strings.NewReader("FilterTimeout notanumber\n"))
	if err == nil {
		t.Fatal("expected error for invalid FilterTimeout")
	}
}

func TestParseConfigInvalidFilterType(t *testing.T) {
	_, err := parseConfig(strings.NewReader("FilterType bogus\n"))
	if err == nil {
		t.Fatal("expected error for invalid FilterType")
	}
}

func TestParseConfigHeaderCanBeCleared(t *testing.T) {
	cfg, err := parseConfig(strings.NewReader("Header \n"))
	if err != nil {
		t.Fatalf("parseConfig: %v", err)
	}
	if cfg.Header != "" {
		t.Errorf("Header = %q, want empty", cfg.Header)
	}
}

func TestFilterTypeString(t *testing.T) {
	tests := map[FilterType]string{
		FilterPipe:      "pipe",
		FilterFile:      "file",
		FilterSMTP:      "smtp",
		FilterRejectAll: "reject",
		FilterType(99):  "unknown",
	}
	for ft, want := range tests {
		if got := ft.String(); got != want {
			t.Errorf("FilterType(%d).String() = %q, want %q", ft, got, want)
		}
	}
}
