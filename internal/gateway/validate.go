package gateway

import (
	"fmt"
	"strings"
	"unicode"
)

const maxFieldLen = 512

// Substrings that have no business in a free-form identifier or detail field.
// The engine stores these values and hands them to dashboards, so traversal
// and injection shapes are rejected at the boundary.
var rejectedShapes = []string{
	"../", "..\\",
	"<script", "</script",
	"'; ", "\"; ",
	" or 1=1", ";--",
	"${", "$(",
}

// checkFields applies structural and bound checks to free-form inputs.
func checkFields(fields map[string]string) error {
	for name, v := range fields {
		if len(v) > maxFieldLen {
			return fmt.Errorf("%w: field %q exceeds %d bytes", ErrInvalidInput, name, maxFieldLen)
		}
		if strings.ContainsRune(v, 0) {
			return fmt.Errorf("%w: field %q contains a null byte", ErrInvalidInput, name)
		}
		for _, r := range v {
			if unicode.IsControl(r) && r != '\n' && r != '\t' {
				return fmt.Errorf("%w: field %q contains control characters", ErrInvalidInput, name)
			}
		}
		lower := strings.ToLower(v)
		for _, shape := range rejectedShapes {
			if strings.Contains(lower, shape) {
				return fmt.Errorf("%w: field %q rejected", ErrInvalidInput, name)
			}
		}
	}
	return nil
}
