package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"packwise/internal/knowledge"
)

var (
	kbFormat string
)

var kbCmd = &cobra.Command{
	Use:   "kb",
	Short: "Inspect the knowledge base",
	Long: `The knowledge base lists packages whose submodules are loaded in ways a
scan cannot see, with the hidden imports, bundling strategy and excludes
each one needs. A project table at knowledgeBase.path is merged over the
built-in one.

Examples:
  packwise kb list
  packwise kb show matplotlib`,
}

var kbListCmd = &cobra.Command{
	Use:   "list",
	Short: "List knowledge base entries",
	Args:  cobra.NoArgs,
	RunE:  runKBList,
}

var kbShowCmd = &cobra.Command{
	Use:   "show <root>",
	Short: "Show one knowledge base entry",
	Args:  cobra.ExactArgs(1),
	RunE:  runKBShow,
}

func init() {
	kbListCmd.Flags().StringVar(&kbFormat, "format", "human", "Output format (human, json, yaml)")
	kbShowCmd.Flags().StringVar(&kbFormat, "format", "human", "Output format (human, json, yaml)")
	kbCmd.AddCommand(kbListCmd)
	kbCmd.AddCommand(kbShowCmd)
	rootCmd.AddCommand(kbCmd)
}

func loadKB() (*knowledge.Base, func(), error) {
	a, err := openApp(".", false)
	if err != nil {
		return nil, nil, err
	}
	kb, err := knowledge.Load(a.cfg.KnowledgeBase.Path)
	if err != nil {
		a.close()
		return nil, nil, err
	}
	return kb, a.close, nil
}

func runKBList(cmd *cobra.Command, args []string) error {
	kb, done, err := loadKB()
	if err != nil {
		return err
	}
	defer done()

	resp := &KBListResponseCLI{Version: kb.Version(), Entries: []knowledge.Entry{}}
	for _, root := range kb.Roots() {
		if e, ok := kb.Lookup(root); ok {
			resp.Entries = append(resp.Entries, e)
		}
	}
	return printResponse(resp, kbFormat)
}

func runKBShow(cmd *cobra.Command, args []string) error {
	kb, done, err := loadKB()
	if err != nil {
		return err
	}
	defer done()

	e, ok := kb.Lookup(args[0])
	if !ok {
		return fmt.Errorf("%s is not in the knowledge base; it is bundled with the generic fallback", args[0])
	}
	return printResponse(&e, kbFormat)
}

// KBListResponseCLI is the output of kb list.
type KBListResponseCLI struct {
	Version int               `json:"version" yaml:"version"`
	Entries []knowledge.Entry `json:"entries" yaml:"entries"`
}
