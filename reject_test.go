package proxsmtp

import "testing"

func TestRejectBufferFinalize(t *testing.T) {
	tests := []struct {
		name   string
		chunks []string
		want   string
	}{
		{
			name:   "empty buffer falls back to default",
			chunks: nil,
			want:   defaultRejectedReason,
		},
		{
			name:   "single line, no trailing newline",
			chunks: []string{"virus found: EICAR"},
			want:   "virus found: EICAR",
		},
		{
			name:   "trailing whitespace trimmed",
			chunks: []string{"virus found: EICAR\n\n  "},
			want:   "virus found: EICAR",
		},
		{
			name:   "only the last line of a multi-line chunk survives",
			chunks: []string{"scanning...\nvirus found: EICAR"},
			want:   "virus found: EICAR",
		},
		{
			name:   "chunk split across Append calls, no embedded newline",
			chunks: []string{"virus fo", "und: EICAR"},
			want:   "virus found: EICAR",
		},
		{
			name:   "a later line replaces an earlier one once a newline lands",
			chunks: []string{"first diagnostic\n", "second diagnostic"},
			want:   "second diagnostic",
		},
		{
			name:   "leading whitespace on a fresh line is trimmed",
			chunks: []string{"scanning\n   virus found"},
			want:   "virus found",
		},
		{
			name:   "whitespace-only chunk contributes nothing",
			chunks: []string{"   \n  "},
			want:   defaultRejectedReason,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var r RejectBuffer
			for _, c := range tt.chunks {
				r.Append(c)
			}
			if got := r.Finalize(); got != tt.want {
				t.Errorf("Finalize() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRejectBufferBounded(t *testing.T) {
	var r RejectBuffer
	long := make([]byte, rejectBufferMax*2)
	for i := range long {
		long[i] = 'x'
	}
	r.Append(string(long))

	if got := len(r.Finalize()); got != rejectBufferMax {
		t.Errorf("expected Finalize() to be capped at %d bytes, got %d", rejectBufferMax, got)
	}
}

func TestRejectBufferEmptyAppendDoesNotPanic(t *testing.T) {
	var r RejectBuffer
	r.Append("")
	if got := r.Finalize(); got != defaultRejectedReason {
		t.Errorf("expected default reason, got %q", got)
	}
}
