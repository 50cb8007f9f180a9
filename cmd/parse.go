package main

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/spf13/cobra"

	"github.com/casecrawl/casecrawl/internal/citation"
	"github.com/casecrawl/casecrawl/internal/model"
	"github.com/casecrawl/casecrawl/internal/party"
)

var parseParty bool

type parseResult struct {
	Input      string                 `json:"input"`
	Citation   *model.ParsedCitation  `json:"citation,omitempty"`
	Normalized string                 `json:"normalized,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Party      *model.NormalizedParty `json:"party,omitempty"`
}

var parseCmd = &cobra.Command{
	Use:   "parse <text>...",
	Short: "Parse citations, or normalize party names with --party",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := make([]parseResult, 0, len(args))
		for _, arg := range args {
			out = append(out, parseOne(arg, parseParty))
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

func parseOne(text string, asParty bool) parseResult {
	res := parseResult{Input: text}
	if asParty {
		p := party.Normalize(text)
		res.Party = &p
		return res
	}

	p, err := citation.Parse(text)
	res.Citation = p
	switch {
	case p == nil:
		res.Error = "no citation"
	case err != nil && errors.Is(err, citation.ErrUnparsable):
		res.Error = "unrecognised citation"
		res.Normalized = citation.Normalize(text)
	case err != nil:
		res.Error = err.Error()
	default:
		res.Normalized = citation.Format(*p)
	}
	res.Input = strings.TrimSpace(text)
	return res
}

func init() {
	parseCmd.Flags().BoolVar(&parseParty, "party", false, "treat arguments as party names")
	rootCmd.AddCommand(parseCmd)
}
