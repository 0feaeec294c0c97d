package domain

import (
	"regexp"

	dErrors "priorauth/pkg/domain-errors"
)

// CPTCode is a standardized medical procedure code attached to an
// authorization request. Five digits, optionally a trailing modifier letter
// (category II/III codes such as "0510F" or "0042T").
type CPTCode string

var cptPattern = regexp.MustCompile(`^\d{4}[0-9A-Z]$`)

// ParseCPTCode validates a CPT procedure code.
func ParseCPTCode(s string) (CPTCode, error) {
	if s == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "cpt code cannot be empty")
	}
	if !cptPattern.MatchString(s) {
		return "", dErrors.Newf(dErrors.CodeInvalidInput, "invalid cpt code: %s", s)
	}
	return CPTCode(s), nil
}

func (c CPTCode) String() string { return string(c) }

// ICD10Code is a standardized diagnosis code (e.g. "E11.9").
type ICD10Code string

var icd10Pattern = regexp.MustCompile(`^[A-TV-Z]\d[0-9A-Z](\.[0-9A-Z]{1,4})?$`)

// ParseICD10Code validates an ICD-10 diagnosis code.
func ParseICD10Code(s string) (ICD10Code, error) {
	if s == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "icd-10 code cannot be empty")
	}
	if !icd10Pattern.MatchString(s) {
		return "", dErrors.Newf(dErrors.CodeInvalidInput, "invalid icd-10 code: %s", s)
	}
	return ICD10Code(s), nil
}

func (c ICD10Code) String() string { return string(c) }
