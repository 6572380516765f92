// fenceparse 读取一段模型回复，打印其中的代码块与说明文字，便于调试解析规则。
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/codechat/backend/internal/analysis/codefence"
	"github.com/zhouzirui/codechat/backend/internal/model/chat"
	"github.com/zhouzirui/codechat/backend/internal/service/response"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		asJSON    bool
		countOnly bool
	)

	cmd := &cobra.Command{
		Use:   "fenceparse [file]",
		Short: "Split a model reply into code blocks and explanation",
		Long:  "Reads a reply from the given file (or stdin) and prints the fenced code blocks and the remaining prose.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readInput(cmd, args)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if countOnly {
				_, err := fmt.Fprintln(out, codefence.CountFences(raw))
				return err
			}

			processed := response.NewProcessor().Process(raw)
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(processed)
			}
			return printHuman(out, processed.CodeBlocks, processed.Explanation)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the processed message as JSON")
	cmd.Flags().BoolVar(&countOnly, "count", false, "only print the number of complete code blocks")
	return cmd
}

func readInput(cmd *cobra.Command, args []string) (string, error) {
	var (
		data []byte
		err  error
	)
	if len(args) == 1 && args[0] != "-" {
		data, err = os.ReadFile(args[0])
	} else {
		data, err = io.ReadAll(cmd.InOrStdin())
	}
	if err != nil {
		return "", fmt.Errorf("read input: %w", err)
	}
	return string(data), nil
}

func printHuman(out io.Writer, blocks []chat.CodeBlock, explanation string) error {
	header := color.New(color.FgCyan, color.Bold).SprintFunc()
	dim := color.New(color.Faint).SprintFunc()

	var b strings.Builder
	fmt.Fprintf(&b, "%s %d\n", header("code blocks:"), len(blocks))
	for i, block := range blocks {
		fmt.Fprintf(&b, "\n%s %s\n%s\n", header(fmt.Sprintf("[%d]", i+1)), block.Language, block.Code)
	}
	fmt.Fprintf(&b, "\n%s\n", header("explanation:"))
	if explanation == "" {
		b.WriteString(dim("(empty)") + "\n")
	} else {
		b.WriteString(explanation + "\n")
	}

	_, err := io.WriteString(out, b.String())
	return err
}
