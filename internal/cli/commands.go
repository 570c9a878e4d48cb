package cli

import (
	"context"
	"fmt"
	"os"
)

// Execute runs the command tree with the given arguments
func Execute(ctx context.Context, args []string) error {
	root := NewRootCmd()
	root.SetArgs(args)

	if err := root.ExecuteContext(ctx); err != nil {
		return fmt.Errorf("command execution failed: %w", err)
	}

	return nil
}

// ExecuteWithErrorCode runs the command tree and returns the process exit code
func ExecuteWithErrorCode(ctx context.Context, args []string) int {
	if err := Execute(ctx, args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
