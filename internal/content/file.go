package content

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Triviape/triviape-sub002/internal/domain"
)

type fileQuestion struct {
	ID         string        `mapstructure:"id"`
	Prompt     string        `mapstructure:"prompt"`
	Options    []string      `mapstructure:"options"`
	Answer     string        `mapstructure:"answer"`
	TimeLimit  time.Duration `mapstructure:"time_limit"`
	Points     int           `mapstructure:"points"`
	Category   string        `mapstructure:"category"`
	Difficulty string        `mapstructure:"difficulty"`
}

// LoadFile reads a question bank from a YAML, JSON or TOML file:
//
//	questions:
//	  - id: q1
//	    prompt: "2 + 2?"
//	    options: ["3", "4"]
//	    answer: "4"
//	    time_limit: 15s
func LoadFile(file string) (*Bank, error) {
	v := viper.New()
	v.SetConfigFile(file)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read question bank %s: %w", file, err)
	}

	var doc struct {
		Questions []fileQuestion `mapstructure:"questions"`
	}
	if err := v.Unmarshal(&doc); err != nil {
		return nil, fmt.Errorf("unmarshal question bank: %w", err)
	}

	qs := make([]domain.Question, 0, len(doc.Questions))
	for i, fq := range doc.Questions {
		q, err := fq.toDomain()
		if err != nil {
			return nil, fmt.Errorf("question #%d: %w", i+1, err)
		}
		qs = append(qs, q)
	}

	return NewBank(qs), nil
}

func (fq fileQuestion) toDomain() (domain.Question, error) {
	switch {
	case fq.ID == "":
		return domain.Question{}, fmt.Errorf("missing id")
	case fq.Answer == "":
		return domain.Question{}, fmt.Errorf("%s: missing answer", fq.ID)
	}

	d := domain.Difficulty(strings.ToLower(fq.Difficulty))
	switch d {
	case domain.DifficultyAny, domain.DifficultyEasy, domain.DifficultyMedium, domain.DifficultyHard:
	default:
		return domain.Question{}, fmt.Errorf("%s: unknown difficulty %q", fq.ID, fq.Difficulty)
	}

	return domain.Question{
		QuestionID:    fq.ID,
		Prompt:        fq.Prompt,
		Options:       fq.Options,
		CorrectAnswer: fq.Answer,
		TimeLimit:     fq.TimeLimit,
		Points:        fq.Points,
		Category:      fq.Category,
		Difficulty:    d,
	}, nil
}
