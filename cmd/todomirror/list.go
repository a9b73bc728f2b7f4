package main

import (
	"fmt"
	"io"

	"github.com/hyperengineering/todomirror/internal/types"
	"github.com/spf13/cobra"
)

var (
	listScope      string
	listJSONOutput bool
)

var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List todos",
	Long:  "Load a snapshot of the collection and print it in display order.",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

func init() {
	lsCmd.Flags().StringVar(&listScope, "scope", "all", "Records to list: mine, others or all")
	lsCmd.Flags().BoolVar(&listJSONOutput, "json", false, "Output in JSON format")
}

// listView is the printable state of the collection.
type listView struct {
	User      string       `json:"user,omitempty"`
	Todos     []types.Todo `json:"todos"`
	Active    int          `json:"active"`
	Completed int          `json:"completed"`
}

// selectTodos picks the records scope names from c's session.
func selectTodos(c *client, scope string) ([]types.Todo, error) {
	if scope == "others" {
		return c.session.Others(), nil
	}
	s, err := types.ParseScope(scope)
	if err != nil {
		return nil, err
	}
	if s == types.ScopeAll {
		return c.session.Todos(), nil
	}
	return c.session.Mine(), nil
}

func runList(cmd *cobra.Command, args []string) error {
	c, err := openClient(cmd)
	if err != nil {
		return err
	}
	defer c.close()

	todos, err := selectTodos(c, listScope)
	if err != nil {
		return err
	}
	return renderList(cmd.OutOrStdout(), c, todos, listJSONOutput)
}

func renderList(out io.Writer, c *client, todos []types.Todo, asJSON bool) error {
	counts := c.session.Counts()
	if asJSON {
		if todos == nil {
			todos = []types.Todo{}
		}
		return printJSON(out, listView{
			User:      c.session.User(),
			Todos:     todos,
			Active:    counts.Active,
			Completed: counts.Completed,
		})
	}
	printTodos(out, todos)
	fmt.Fprintf(out, "\n%d active, %d completed\n", counts.Active, counts.Completed)
	return nil
}
