package domain

import (
	"fmt"
	"strings"
)

// ExecutionStatus represents the lifecycle state of an audit record.
type ExecutionStatus string

const (
	StatusBuildingPage   ExecutionStatus = "BUILDING_PAGE"
	StatusDataExtracting ExecutionStatus = "DATA_EXTRACTING"
	StatusInProgress     ExecutionStatus = "IN_PROGRESS"
	StatusComplete       ExecutionStatus = "COMPLETE"
	StatusError          ExecutionStatus = "ERROR"
)

// IsTerminal reports whether the status is a terminal state.
func (s ExecutionStatus) IsTerminal() bool {
	return s == StatusComplete || s == StatusError
}

// AuditCategory is one audit dimension.
type AuditCategory string

const (
	CategoryContent          AuditCategory = "CONTENT"
	CategoryInfoArchitecture AuditCategory = "INFORMATION_ARCHITECTURE"
	CategoryAesthetics       AuditCategory = "AESTHETICS"
	CategoryAccessibility    AuditCategory = "ACCESSIBILITY"
)

// AllCategories lists every audit category in a stable order.
func AllCategories() []AuditCategory {
	return []AuditCategory{
		CategoryContent,
		CategoryInfoArchitecture,
		CategoryAesthetics,
		CategoryAccessibility,
	}
}

// ParseAuditCategory converts a string to an AuditCategory.
func ParseAuditCategory(s string) (AuditCategory, error) {
	switch strings.ToUpper(s) {
	case "CONTENT":
		return CategoryContent, nil
	case "INFORMATION_ARCHITECTURE":
		return CategoryInfoArchitecture, nil
	case "AESTHETICS":
		return CategoryAesthetics, nil
	case "ACCESSIBILITY":
		return CategoryAccessibility, nil
	default:
		return "", fmt.Errorf("unknown audit category %q", s)
	}
}
