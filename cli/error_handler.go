package cli

import (
	"fmt"
	"os"

	"github.com/jeffjacobsen/crystal/errors"
)

// ErrorHandler provides user-friendly error messages
type ErrorHandler struct {
	Verbose bool
}

// NewErrorHandler creates a new error handler
func NewErrorHandler(verbose bool) *ErrorHandler {
	return &ErrorHandler{
		Verbose: verbose,
	}
}

// Handle provides user-friendly error messages based on error type
func (h *ErrorHandler) Handle(err error) error {
	switch errors.GetCode(err) {
	case errors.ErrCodeConfigNotFound:
		fmt.Fprintf(os.Stderr, "❌ Configuration not found. Create ~/.crystal/config.yml or pass --config.\n")
		return err

	case errors.ErrCodeNoActiveProject:
		fmt.Fprintf(os.Stderr, "❌ No active project. Run 'crystal project set <path>' first.\n")
		return err

	case errors.ErrCodeSessionNotFound:
		if ce, ok := err.(*errors.CrystalError); ok {
			fmt.Fprintf(os.Stderr, "❌ Session '%v' not found\n", ce.Details["sessionId"])
			fmt.Fprintf(os.Stderr, "Run 'crystal session list' to see live sessions.\n")
		}
		return err

	case errors.ErrCodeNotARepository:
		fmt.Fprintf(os.Stderr, "❌ Not a git repository. Sessions need a repository to branch from.\n")
		return err

	case errors.ErrCodeSessionConflict:
		fmt.Fprintf(os.Stderr, "❌ The session already has a running agent. Stop it first.\n")
		return err

	case errors.ErrCodeProcessSpawnFailed:
		fmt.Fprintf(os.Stderr, "❌ Failed to launch the agent. Check the agent command in your config.\n")
		return err

	default:
		fmt.Fprintf(os.Stderr, "❌ Error: %v\n", err)

		if h.Verbose {
			if ce, ok := err.(*errors.CrystalError); ok {
				fmt.Fprintf(os.Stderr, "\nError details:\n%s\n", ce.ToJSON())
			}
		}
		return err
	}
}
