package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hyperengineering/todomirror/internal/types"
	"github.com/spf13/cobra"
)

var toggleAllUndo bool

var addCmd = &cobra.Command{
	Use:   "add <title>...",
	Short: "Add a todo",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMutation(cmd, func(c *client) (string, error) {
			todo, ok, err := c.session.Add(strings.Join(args, " "))
			if err != nil {
				return "", err
			}
			if !ok {
				return "", errors.New("title is blank")
			}
			return fmt.Sprintf("added %s", todo.ID), nil
		})
	},
}

var toggleCmd = &cobra.Command{
	Use:   "toggle <id>",
	Short: "Flip a todo between active and completed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMutation(cmd, func(c *client) (string, error) {
			todo, err := c.find(args[0])
			if err != nil {
				return "", err
			}
			if err := applied(c.session.Toggle(todo.Ref())); err != nil {
				return "", err
			}
			state := "completed"
			if todo.Completed {
				state = "active"
			}
			return fmt.Sprintf("%s is now %s", todo.ID, state), nil
		})
	},
}

var renameCmd = &cobra.Command{
	Use:   "rename <id> <title>...",
	Short: "Retitle a todo; a blank title removes it",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMutation(cmd, func(c *client) (string, error) {
			todo, err := c.find(args[0])
			if err != nil {
				return "", err
			}
			title := strings.Join(args[1:], " ")
			if err := applied(c.session.Rename(todo.Ref(), title)); err != nil {
				return "", err
			}
			if strings.TrimSpace(title) == "" {
				return fmt.Sprintf("removed %s", todo.ID), nil
			}
			return fmt.Sprintf("renamed %s", todo.ID), nil
		})
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Remove a todo",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMutation(cmd, func(c *client) (string, error) {
			todo, err := c.find(args[0])
			if err != nil {
				return "", err
			}
			if err := applied(c.session.Remove(todo.Ref())); err != nil {
				return "", err
			}
			return fmt.Sprintf("removed %s", todo.ID), nil
		})
	},
}

var toggleAllCmd = &cobra.Command{
	Use:   "toggle-all",
	Short: "Mark all of your todos completed (or active with --undo)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMutation(cmd, func(c *client) (string, error) {
			n, err := c.session.ToggleAll(!toggleAllUndo)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("updated %d todos", n), nil
		})
	},
}

var clearCompletedCmd = &cobra.Command{
	Use:   "clear-completed",
	Short: "Remove all of your completed todos",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMutation(cmd, func(c *client) (string, error) {
			n, err := c.session.ClearCompleted()
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("removed %d todos", n), nil
		})
	},
}

func init() {
	toggleAllCmd.Flags().BoolVar(&toggleAllUndo, "undo", false, "Mark todos active instead")
}

// applied turns a stale reference into an error.
func applied(ok bool, err error) error {
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("todo changed while the command ran, try again: %w", types.ErrUnknownRecordReference)
	}
	return nil
}

// runMutation opens a session, applies fn and waits until the backend has
// answered every write fn issued.
func runMutation(cmd *cobra.Command, fn func(c *client) (string, error)) error {
	c, err := openClient(cmd)
	if err != nil {
		return err
	}

	msg, err := fn(c)
	if cerr := c.close(); err == nil && cerr != nil {
		err = fmt.Errorf("backend rejected the change: %w", cerr)
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), msg)
	return nil
}
