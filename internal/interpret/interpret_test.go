package interpret

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var today = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func cards(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = `{"name":"O Louco","reversed":false}`
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func TestDecodeAccepts(t *testing.T) {
	tests := []struct {
		name string
		body string
		typ  string
	}{
		{"day", `{"type":"tarot-dia","cards":` + cards(1) + `}`, TypeTarotDay},
		{"love", `{"type":"tarot-amor","cards":` + cards(3) + `,"question":"Ele volta?"}`, TypeTarotLove},
		{"full", `{"type":"tarot-completo","cards":` + cards(10) + `}`, TypeTarotFull},
		{"numerology", `{"type":"numerologia","name":"Ana Luíza","birth_date":"1990-05-15"}`, TypeNumerology},
		{"horoscope", `{"type":"horoscopo","sign":"gemeos"}`, TypeHoroscope},
		{"chart", `{"type":"mapa-astral","name":"Ana","birth_date":"1990-05-15","birth_time":"08:30","birth_place":"Recife"}`, TypeBirthChart},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req, err := Decode(strings.NewReader(tc.body), today)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if req.Type() != tc.typ {
				t.Fatalf("type = %s", req.Type())
			}
		})
	}
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `tarot`},
		{"no type", `{"cards":[]}`},
		{"unknown type", `{"type":"buzios"}`},
		{"day with three cards", `{"type":"tarot-dia","cards":` + cards(3) + `}`},
		{"love with one card", `{"type":"tarot-amor","cards":` + cards(1) + `}`},
		{"full with nine cards", `{"type":"tarot-completo","cards":` + cards(9) + `}`},
		{"empty card name", `{"type":"tarot-dia","cards":[{"name":"  "}]}`},
		{"unknown field", `{"type":"tarot-dia","cards":` + cards(1) + `,"extra":true}`},
		{"unknown card field", `{"type":"tarot-dia","cards":[{"name":"A Lua","color":"azul"}]}`},
		{"field of another type", `{"type":"horoscopo","sign":"leao","birth_date":"1990-01-01"}`},
		{"future birth", `{"type":"numerologia","name":"Ana","birth_date":"2030-01-01"}`},
		{"bad date", `{"type":"numerologia","name":"Ana","birth_date":"15/05/1990"}`},
		{"no name", `{"type":"numerologia","birth_date":"1990-05-15"}`},
		{"bad sign", `{"type":"horoscopo","sign":"ofiuco"}`},
		{"bad period", `{"type":"horoscopo","sign":"leão","period":"ano"}`},
		{"bad time", `{"type":"mapa-astral","name":"Ana","birth_date":"1990-05-15","birth_time":"8h","birth_place":"Recife"}`},
		{"no place", `{"type":"mapa-astral","name":"Ana","birth_date":"1990-05-15","birth_time":"08:30"}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Decode(strings.NewReader(tc.body), today); !errors.Is(err, ErrInvalid) {
				t.Fatalf("err = %v", err)
			}
		})
	}
}

func TestHoroscopeNormalizesSign(t *testing.T) {
	req, err := Decode(strings.NewReader(`{"type":"horoscopo","sign":"ESCORPIAO"}`), today)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	h := req.(*HoroscopeRequest)
	if h.Sign != "Escorpião" || h.Period != "dia" {
		t.Fatalf("got %+v", h)
	}
	if p := h.prompt(); !strings.Contains(p, "Escorpião") || !strings.Contains(p, "de hoje") {
		t.Fatalf("prompt = %q", p)
	}
}

func TestNumerology(t *testing.T) {
	tests := []struct {
		date string
		want int
	}{
		{"1990-05-15", 3}, // 30
		{"1992-09-09", 3}, // 39 -> 12
		{"1979-11-30", 4}, // 31
		{"1984-09-29", 6}, // 42
		{"1989-01-01", 11},
	}
	for _, tc := range tests {
		d, _ := time.Parse(dateLayout, tc.date)
		if got := LifePath(d); got != tc.want {
			t.Errorf("LifePath(%s) = %d, want %d", tc.date, got, tc.want)
		}
	}

	if got := Expression("Ana"); got != 7 {
		t.Errorf("Expression(Ana) = %d", got)
	}
	if Expression("Luíza") != Expression("LUIZA") {
		t.Error("accents or case change the expression number")
	}
}

func TestReduceKeepsMasterNumbers(t *testing.T) {
	for in, want := range map[int]int{7: 7, 10: 1, 11: 11, 22: 22, 29: 11, 33: 33, 38: 11, 48: 3, 99: 9} {
		if got := reduce(in); got != want {
			t.Errorf("reduce(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestPromptsCarryInput(t *testing.T) {
	req, _ := Decode(strings.NewReader(`{"type":"tarot-amor","cards":[{"name":"A Lua","reversed":true},{"name":"O Sol"},{"name":"A Estrela"}]}`), today)
	p := req.prompt()
	for _, want := range []string{"Passado: A Lua (invertida)", "Presente: O Sol (em pé)", "Futuro: A Estrela"} {
		if !strings.Contains(p, want) {
			t.Errorf("prompt missing %q:\n%s", want, p)
		}
	}

	req, _ = Decode(strings.NewReader(`{"type":"numerologia","name":"Ana","birth_date":"1990-05-15"}`), today)
	if p := req.prompt(); !strings.Contains(p, "caminho de vida: 3") || !strings.Contains(p, "expressão: 7") || !strings.Contains(p, "15/05/1990") {
		t.Errorf("prompt = %q", p)
	}
}

func TestChatClientRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" || r.Header.Get("Authorization") != "Bearer key" {
			t.Errorf("request %s auth=%q", r.URL.Path, r.Header.Get("Authorization"))
		}
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var req chatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" {
			t.Errorf("messages = %+v", req.Messages)
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"  A carta indica renovação.  "}}]}`))
	}))
	defer srv.Close()

	c := NewChatClient("key", srv.URL, "")
	c.initialDelay = time.Millisecond
	text, err := c.Complete(context.Background(), "sys", "user")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if text != "A carta indica renovação." || calls.Load() != 2 {
		t.Fatalf("text=%q calls=%d", text, calls.Load())
	}
}

func TestChatClientDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad model"}}`))
	}))
	defer srv.Close()

	c := NewChatClient("key", srv.URL, "x")
	c.initialDelay = time.Millisecond
	if _, err := c.Complete(context.Background(), "s", "u"); err == nil || !strings.Contains(err.Error(), "bad model") {
		t.Fatalf("err = %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d", calls.Load())
	}

	if _, err := NewChatClient("", srv.URL, "").Complete(context.Background(), "s", "u"); !errors.Is(err, ErrLLMNotConfigured) {
		t.Fatalf("err = %v", err)
	}
}

type MockCompleter struct {
	CompleteFunc func(ctx context.Context, system, user string) (string, error)
}

func (m *MockCompleter) Complete(ctx context.Context, system, user string) (string, error) {
	return m.CompleteFunc(ctx, system, user)
}

func TestServiceInterpret(t *testing.T) {
	var gotSystem, gotUser string
	svc := NewService(&MockCompleter{CompleteFunc: func(_ context.Context, system, user string) (string, error) {
		gotSystem, gotUser = system, user
		return "leitura", nil
	}}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	req, err := svc.Decode(strings.NewReader(`{"type":"tarot-dia","cards":[{"name":"A Torre"}]}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	text, err := svc.Interpret(context.Background(), req)
	if err != nil || text != "leitura" {
		t.Fatalf("Interpret = %q, %v", text, err)
	}
	if !strings.Contains(gotSystem, "português") || !strings.Contains(gotUser, "A Torre") {
		t.Fatalf("prompts: %q / %q", gotSystem, gotUser)
	}
}
