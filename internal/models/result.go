package models

import "strings"

// ValidationResult is the outcome of one named check.
type ValidationResult struct {
	Name     string   `json:"name"`
	OK       bool     `json:"ok"`
	Messages []string `json:"messages,omitempty"`
}

// ValidationResultSet aggregates check outcomes. OK is false when any result failed.
type ValidationResultSet struct {
	OK      bool               `json:"ok"`
	Results []ValidationResult `json:"results,omitempty"`
}

// Accepted returns a passing result set.
func Accepted() ValidationResultSet {
	return ValidationResultSet{OK: true}
}

// Rejected builds a failing result set from a single message.
func Rejected(name, msg string) ValidationResultSet {
	return ValidationResultSet{Results: []ValidationResult{{Name: name, Messages: []string{msg}}}}
}

// Add appends r and folds its status into the set.
func (s *ValidationResultSet) Add(r ValidationResult) {
	s.Results = append(s.Results, r)
	s.OK = s.ok()
}

func (s *ValidationResultSet) ok() bool {
	for _, r := range s.Results {
		if !r.OK {
			return false
		}
	}
	return true
}

// Messages joins the messages of every failed result.
func (s ValidationResultSet) Messages() string {
	var parts []string
	for _, r := range s.Results {
		if r.OK {
			continue
		}
		parts = append(parts, r.Messages...)
	}
	return strings.Join(parts, "; ")
}
