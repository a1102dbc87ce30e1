package engine

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinels for errors.Is matching. The concrete types below carry the details.
var (
	ErrInsufficientData      = errors.New("insufficient data")
	ErrSymbolNotFound        = errors.New("symbol not found")
	ErrInfeasibleConstraints = errors.New("infeasible constraints")
	ErrConvergenceFailure    = errors.New("convergence failure")
	ErrInvalidConfiguration  = errors.New("invalid configuration")
)

// InsufficientDataError reports that the requested window yields fewer aligned
// periods than required. SuggestedStart is zero when no alternative exists.
type InsufficientDataError struct {
	Symbols        []string
	Have           int
	Need           int
	SuggestedStart time.Time
}

func (e *InsufficientDataError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "insufficient data: %d aligned periods, need %d", e.Have, e.Need)
	if len(e.Symbols) > 0 {
		fmt.Fprintf(&b, " (limited by %s)", strings.Join(e.Symbols, ", "))
	}
	if !e.SuggestedStart.IsZero() {
		fmt.Fprintf(&b, "; try start date %s", e.SuggestedStart.Format("2006-01-02"))
	}
	return b.String()
}

func (e *InsufficientDataError) Is(target error) bool { return target == ErrInsufficientData }

// SymbolNotFoundError is raised by price providers for unknown symbols.
type SymbolNotFoundError struct {
	Symbol string
}

func (e *SymbolNotFoundError) Error() string {
	return fmt.Sprintf("symbol not found: %s", e.Symbol)
}

func (e *SymbolNotFoundError) Is(target error) bool { return target == ErrSymbolNotFound }

// InfeasibleConstraintsError names the bound conflict found before solving.
type InfeasibleConstraintsError struct {
	Conflict string
}

func (e *InfeasibleConstraintsError) Error() string {
	return "infeasible constraints: " + e.Conflict
}

func (e *InfeasibleConstraintsError) Is(target error) bool { return target == ErrInfeasibleConstraints }

// ConvergenceFailureError is returned when no restart reached a feasible point.
// Residual is the smallest constraint violation seen.
type ConvergenceFailureError struct {
	Objective ObjectiveID
	Residual  float64
	Reason    string
}

func (e *ConvergenceFailureError) Error() string {
	msg := fmt.Sprintf("%s did not converge (best residual %.3g)", e.Objective, e.Residual)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *ConvergenceFailureError) Is(target error) bool { return target == ErrConvergenceFailure }

// InvalidConfigurationError flags a malformed request or setting.
type InvalidConfigurationError struct {
	Field  string
	Reason string
}

func (e *InvalidConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

func (e *InvalidConfigurationError) Is(target error) bool { return target == ErrInvalidConfiguration }

func invalidf(field, format string, args ...any) error {
	return &InvalidConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func infeasiblef(format string, args ...any) error {
	return &InfeasibleConstraintsError{Conflict: fmt.Sprintf(format, args...)}
}
