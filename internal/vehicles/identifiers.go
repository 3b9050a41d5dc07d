package vehicles

import (
	"fmt"
	"strings"

	"gopkg.in/guregu/null.v4"
)

const (
	maxPlateLength  = 16
	maxLotIDLength  = 64
	maxSpotIDLength = 64
)

var plateSeparators = strings.NewReplacer("-", "", " ", "", ".", "")

// Plate represents a normalized licence plate: uppercase ASCII alphanumerics only.
type Plate string

// NewPlate validates raw input and returns a normalized Plate.
func NewPlate(rawInput string) (Plate, error) {
	normalized := strings.ToUpper(plateSeparators.Replace(strings.TrimSpace(rawInput)))
	if normalized == "" {
		return "", fmt.Errorf("%w: empty plate", ErrValidation)
	}
	if len(normalized) > maxPlateLength {
		return "", fmt.Errorf("%w: plate exceeds %d characters", ErrValidation, maxPlateLength)
	}
	for _, r := range normalized {
		if !isUpperAlnum(r) {
			return "", fmt.Errorf("%w: plate %q contains %q", ErrValidation, rawInput, r)
		}
	}
	return Plate(normalized), nil
}

// String returns the underlying plate value.
func (p Plate) String() string {
	return string(p)
}

// LotID represents a validated parking-lot identifier.
type LotID string

// NewLotID validates raw input and returns a LotID.
func NewLotID(rawInput string) (LotID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty lot id", ErrValidation)
	}
	if len(trimmed) > maxLotIDLength {
		return "", fmt.Errorf("%w: lot id exceeds %d characters", ErrValidation, maxLotIDLength)
	}
	for _, r := range trimmed {
		if !isUpperAlnum(r) && !(r >= 'a' && r <= 'z') && r != '-' && r != '_' {
			return "", fmt.Errorf("%w: lot id %q contains %q", ErrValidation, rawInput, r)
		}
	}
	return LotID(trimmed), nil
}

// String returns the underlying lot identifier.
func (id LotID) String() string {
	return string(id)
}

// SpotID represents an optional spot identifier; the zero value means "no spot".
type SpotID string

// NewSpotID validates raw input. Blank input yields the empty SpotID.
func NewSpotID(rawInput string) (SpotID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if len(trimmed) > maxSpotIDLength {
		return "", fmt.Errorf("%w: spot id exceeds %d characters", ErrValidation, maxSpotIDLength)
	}
	return SpotID(trimmed), nil
}

// Null converts the spot to its nullable column form.
func (id SpotID) Null() null.String {
	if id == "" {
		return null.String{}
	}
	return null.StringFrom(string(id))
}

// String returns the underlying spot identifier.
func (id SpotID) String() string {
	return string(id)
}

func isUpperAlnum(r rune) bool {
	return (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}
