package interpret

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

const (
	TypeTarotDay      = "tarot-dia"
	TypeTarotLove     = "tarot-amor"
	TypeTarotFull     = "tarot-completo"
	TypeNumerology    = "numerologia"
	TypeHoroscope     = "horoscopo"
	TypeBirthChart    = "mapa-astral"
	maxBody           = 16 << 10
	maxQuestion       = 500
	dateLayout        = "2006-01-02"
	timeLayout        = "15:04"
	defaultPeriod     = "dia"
	maxNameLength     = 120
	maxPlaceLength    = 120
	maxCardNameLength = 60
)

var ErrInvalid = errors.New("invalid interpretation request")

// Request is one validated reading request.
type Request interface {
	Type() string
	validate(now time.Time) error
	prompt() string
}

type Card struct {
	Name     string `json:"name"`
	Reversed bool   `json:"reversed"`
	Position string `json:"position,omitempty"`
}

type TarotRequest struct {
	Kind     string `json:"type"`
	Cards    []Card `json:"cards"`
	Question string `json:"question,omitempty"`
}

type NumerologyRequest struct {
	Kind      string `json:"type"`
	Name      string `json:"name"`
	BirthDate string `json:"birth_date"`
}

type HoroscopeRequest struct {
	Kind   string `json:"type"`
	Sign   string `json:"sign"`
	Period string `json:"period,omitempty"`
}

type BirthChartRequest struct {
	Kind       string `json:"type"`
	Name       string `json:"name"`
	BirthDate  string `json:"birth_date"`
	BirthTime  string `json:"birth_time"`
	BirthPlace string `json:"birth_place"`
}

func (r *TarotRequest) Type() string      { return r.Kind }
func (r *NumerologyRequest) Type() string { return r.Kind }
func (r *HoroscopeRequest) Type() string  { return r.Kind }
func (r *BirthChartRequest) Type() string { return r.Kind }

var cardCounts = map[string]int{
	TypeTarotDay:  1,
	TypeTarotLove: 3,
	TypeTarotFull: 10,
}

// Decode reads one request from r. The body must name a known type and may
// not carry fields that type does not define.
func Decode(r io.Reader, now time.Time) (Request, error) {
	body, err := io.ReadAll(io.LimitReader(r, maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if len(body) > maxBody {
		return nil, fmt.Errorf("%w: body too large", ErrInvalid)
	}

	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		return nil, fmt.Errorf("%w: malformed json", ErrInvalid)
	}

	var req Request
	switch head.Type {
	case TypeTarotDay, TypeTarotLove, TypeTarotFull:
		req = &TarotRequest{}
	case TypeNumerology:
		req = &NumerologyRequest{}
	case TypeHoroscope:
		req = &HoroscopeRequest{}
	case TypeBirthChart:
		req = &BirthChartRequest{}
	case "":
		return nil, fmt.Errorf("%w: type is required", ErrInvalid)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalid, head.Type)
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data", ErrInvalid)
	}
	if err := req.validate(now); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return req, nil
}

func (r *TarotRequest) validate(time.Time) error {
	want := cardCounts[r.Kind]
	if len(r.Cards) != want {
		return fmt.Errorf("%s needs exactly %d card(s), got %d", r.Kind, want, len(r.Cards))
	}
	for i, c := range r.Cards {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			return fmt.Errorf("card %d has no name", i+1)
		}
		if len(name) > maxCardNameLength {
			return fmt.Errorf("card %d name is too long", i+1)
		}
		r.Cards[i].Name = name
		r.Cards[i].Position = strings.TrimSpace(c.Position)
	}
	r.Question = strings.TrimSpace(r.Question)
	if len([]rune(r.Question)) > maxQuestion {
		return fmt.Errorf("question is longer than %d characters", maxQuestion)
	}
	return nil
}

func (r *NumerologyRequest) validate(now time.Time) error {
	r.Name = strings.TrimSpace(r.Name)
	if err := checkName(r.Name); err != nil {
		return err
	}
	_, err := parseBirthDate(r.BirthDate, now)
	return err
}

func (r *HoroscopeRequest) validate(time.Time) error {
	sign, ok := lookupSign(r.Sign)
	if !ok {
		return fmt.Errorf("unknown sign %q", r.Sign)
	}
	r.Sign = sign
	switch r.Period {
	case "":
		r.Period = defaultPeriod
	case "dia", "semana", "mes":
	default:
		return fmt.Errorf("period must be dia, semana or mes")
	}
	return nil
}

func (r *BirthChartRequest) validate(now time.Time) error {
	r.Name = strings.TrimSpace(r.Name)
	if err := checkName(r.Name); err != nil {
		return err
	}
	if _, err := parseBirthDate(r.BirthDate, now); err != nil {
		return err
	}
	if _, err := time.Parse(timeLayout, r.BirthTime); err != nil {
		return fmt.Errorf("birth_time must be HH:MM")
	}
	r.BirthPlace = strings.TrimSpace(r.BirthPlace)
	if r.BirthPlace == "" || len(r.BirthPlace) > maxPlaceLength {
		return fmt.Errorf("birth_place is required")
	}
	return nil
}

func checkName(name string) error {
	if name == "" {
		return fmt.Errorf("name is required")
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("name is too long")
	}
	return nil
}

func parseBirthDate(s string, now time.Time) (time.Time, error) {
	d, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("birth_date must be YYYY-MM-DD")
	}
	if d.After(now) {
		return time.Time{}, fmt.Errorf("birth_date is in the future")
	}
	return d, nil
}
