package models

import (
	"sort"
	"strings"
)

// ValidationErrors collects field-level validation failures.
type ValidationErrors struct {
	fields map[string][]string
}

// Add records an error for a field.
func (v *ValidationErrors) Add(field string, err error) {
	if err == nil {
		return
	}
	v.AddMessage(field, err.Error())
}

// AddMessage records a message for a field.
func (v *ValidationErrors) AddMessage(field, message string) {
	if v.fields == nil {
		v.fields = make(map[string][]string)
	}
	v.fields[field] = append(v.fields[field], message)
}

// Fields returns the messages recorded for a field.
func (v *ValidationErrors) Fields(field string) []string {
	if v == nil {
		return nil
	}
	return v.fields[field]
}

// Err returns nil when nothing was recorded.
func (v *ValidationErrors) Err() error {
	if v == nil || len(v.fields) == 0 {
		return nil
	}
	return v
}

func (v *ValidationErrors) Error() string {
	if v == nil || len(v.fields) == 0 {
		return ""
	}
	names := make([]string, 0, len(v.fields))
	for name := range v.fields {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+": "+strings.Join(v.fields[name], ", "))
	}
	return strings.Join(parts, "; ")
}
