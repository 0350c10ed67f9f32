package tokencost

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/kestrel-audit/auditrag-go/internal/logging"
)

// fakeEncoder tokenizes on whitespace so tests get predictable counts.
type fakeEncoder struct{}

func (fakeEncoder) Encode(text string, _, _ []string) []int {
	fields := strings.Fields(text)
	return make([]int, len(fields))
}

func TestEstimateTokens(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		text string
		want int
	}{
		{"empty", "", 0},
		{"exactly four ascii", "abcd", 1},
		{"five ascii rounds up", "abcde", 2},
		{"mixed cjk and ascii", "你好hello", 4},
		{"pure cjk", "一二三", 3},
		{"single char", "a", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := EstimateTokens(tt.text); got != tt.want {
				t.Errorf("EstimateTokens(%q) = %d, want %d", tt.text, got, tt.want)
			}
		})
	}
}

func TestCountText_FallsBackToHeuristic(t *testing.T) {
	t.Parallel()

	var sleeps []time.Duration
	a := NewAccountant(&Config{
		Logger: logging.Nop(),
		Sleep:  func(d time.Duration) { sleeps = append(sleeps, d) },
		LoadEncoder: func(string) (Encoder, error) {
			return nil, errors.New("bpe data unreachable")
		},
	})

	text := "你好hello"
	if got := a.CountText("gpt-4.1", text); got != EstimateTokens(text) {
		t.Errorf("CountText = %d, want heuristic %d", got, EstimateTokens(text))
	}

	// One initial attempt plus two retries, each backed off exponentially.
	want := []time.Duration{300 * time.Millisecond, 600 * time.Millisecond, 1200 * time.Millisecond}
	if len(sleeps) != len(want) {
		t.Fatalf("got %d backoff sleeps, want %d", len(sleeps), len(want))
	}
	for i := range want {
		if sleeps[i] != want[i] {
			t.Errorf("sleep[%d] = %v, want %v", i, sleeps[i], want[i])
		}
	}
}

func TestCountText_CachesEncoder(t *testing.T) {
	t.Parallel()

	loads := 0
	a := NewAccountant(&Config{
		Logger: logging.Nop(),
		Sleep:  func(time.Duration) {},
		LoadEncoder: func(string) (Encoder, error) {
			loads++
			return fakeEncoder{}, nil
		},
	})

	if got := a.CountText("gpt-4.1", "three word query"); got != 3 {
		t.Errorf("CountText = %d, want 3", got)
	}
	if got := a.CountText("gpt-4.1", "two words"); got != 2 {
		t.Errorf("CountText = %d, want 2", got)
	}
	if loads != 1 {
		t.Errorf("encoder loaded %d times, want 1", loads)
	}
}

func TestCountText_Empty(t *testing.T) {
	t.Parallel()

	a := NewAccountant(&Config{
		Logger: logging.Nop(),
		Sleep:  func(time.Duration) {},
		LoadEncoder: func(string) (Encoder, error) {
			t.Error("encoder should not be loaded for empty text")
			return nil, errors.New("unreachable")
		},
	})
	if got := a.CountText("gpt-4.1", ""); got != 0 {
		t.Errorf("CountText(\"\") = %d, want 0", got)
	}
}

func TestCountMessages(t *testing.T) {
	t.Parallel()

	a := NewAccountant(&Config{
		Logger:      logging.Nop(),
		Sleep:       func(time.Duration) {},
		LoadEncoder: func(string) (Encoder, error) { return fakeEncoder{}, nil },
	})

	msgs := []*schema.Message{
		schema.SystemMessage("you are an audit assistant"),
		nil,
		schema.UserMessage("find the evidence"),
	}
	if got := a.CountMessages("gpt-4.1", msgs); got != 8 {
		t.Errorf("CountMessages = %d, want 8", got)
	}
}

func TestUsageAdd(t *testing.T) {
	t.Parallel()

	u := Usage{InputTokens: 10, OutputTokens: 5}
	u.Add(Usage{InputTokens: 3, OutputTokens: 7})
	if u.InputTokens != 13 || u.OutputTokens != 12 {
		t.Errorf("Usage after Add = %+v, want {13 12}", u)
	}
}
