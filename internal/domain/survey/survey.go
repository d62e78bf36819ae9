// Package survey implements questionnaire responses and their aggregation.
package survey

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/trimwell/clinic-admin/internal/domain/record"
)

// Response is a questionnaire_responses row.
type Response struct {
	ID            string         `json:"id"`
	UserID        *string        `json:"user_id,omitempty"`
	Email         *string        `json:"email,omitempty"`
	Questionnaire string         `json:"questionnaire"`
	Answers       map[string]any `json:"responses"`
	CreatedAt     time.Time      `json:"created_at"`
}

// RecordID returns the primary key.
func (r *Response) RecordID() string { return r.ID }

// OwnerID returns user_id or "".
func (r *Response) OwnerID() string { return record.Deref(r.UserID) }

// ContactEmail returns the respondent email.
func (r *Response) ContactEmail() string { return record.Deref(r.Email) }

// AnswerCount is how many respondents gave one answer.
type AnswerCount struct {
	Answer string `json:"answer"`
	Count  int    `json:"count"`
}

// QuestionResult aggregates one question.
type QuestionResult struct {
	Question string        `json:"question"`
	Answered int           `json:"answered"`
	Answers  []AnswerCount `json:"answers"`
}

// Results aggregates one questionnaire.
type Results struct {
	Questionnaire  string           `json:"questionnaire"`
	TotalResponses int              `json:"total_responses"`
	Questions      []QuestionResult `json:"questions"`
}

// Aggregate counts answers per question. Multi-select answers count once per
// selected option; blank answers are skipped.
func Aggregate(questionnaire string, responses []*Response) *Results {
	counts := make(map[string]map[string]int)
	answered := make(map[string]int)
	total := 0

	for _, r := range responses {
		if questionnaire != "" && r.Questionnaire != questionnaire {
			continue
		}
		total++
		for question, raw := range r.Answers {
			values := answerValues(raw)
			if len(values) == 0 {
				continue
			}
			if counts[question] == nil {
				counts[question] = make(map[string]int)
			}
			answered[question]++
			for _, v := range values {
				counts[question][v]++
			}
		}
	}

	res := &Results{Questionnaire: questionnaire, TotalResponses: total, Questions: []QuestionResult{}}
	for question, byAnswer := range counts {
		qr := QuestionResult{Question: question, Answered: answered[question]}
		for answer, n := range byAnswer {
			qr.Answers = append(qr.Answers, AnswerCount{Answer: answer, Count: n})
		}
		sort.Slice(qr.Answers, func(i, j int) bool {
			if qr.Answers[i].Count != qr.Answers[j].Count {
				return qr.Answers[i].Count > qr.Answers[j].Count
			}
			return qr.Answers[i].Answer < qr.Answers[j].Answer
		})
		res.Questions = append(res.Questions, qr)
	}
	sort.Slice(res.Questions, func(i, j int) bool {
		return res.Questions[i].Question < res.Questions[j].Question
	})
	return res
}

func answerValues(raw any) []string {
	switch v := raw.(type) {
	case nil:
		return nil
	case string:
		if s := strings.TrimSpace(v); s != "" {
			return []string{s}
		}
		return nil
	case bool:
		if v {
			return []string{"Yes"}
		}
		return []string{"No"}
	case float64:
		return []string{strconv.FormatFloat(v, 'f', -1, 64)}
	case []any:
		var out []string
		for _, item := range v {
			out = append(out, answerValues(item)...)
		}
		return out
	case map[string]any:
		return nil
	default:
		return []string{fmt.Sprint(v)}
	}
}
