package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"grist-agent/internal/domain"
	"grist-agent/internal/usecase"
)

var probeJSON bool

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Check whether the configured model supports function calling",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := bootstrap(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
		defer cancel()

		model := rt.cfg.LLM.Provider.Model
		res := usecase.Probe(ctx, rt.llm, model, rt.log)
		if err := printProbe(os.Stdout, model, res, probeJSON); err != nil {
			return err
		}
		if !res.Supported {
			return fmt.Errorf("model %s does not support function calling", model)
		}
		return nil
	},
}

func init() {
	probeCmd.Flags().BoolVar(&probeJSON, "json", false, "print the raw probe result as JSON")
}

func printProbe(w io.Writer, model string, res domain.ProbeResult, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	verdict := "supported"
	if !res.Supported {
		verdict = "NOT supported"
	}
	fmt.Fprintf(w, "model:          %s\n", model)
	fmt.Fprintf(w, "function calls: %s\n", verdict)
	fmt.Fprintf(w, "response type:  %s\n", res.ResponseType)
	fmt.Fprintf(w, "tool calls:     %d\n", res.NumToolCalls)
	if res.Warning != "" {
		fmt.Fprintf(w, "warning:        %s\n", res.Warning)
	}
	if res.Error != "" {
		fmt.Fprintf(w, "error:          %s\n", res.Error)
	}
	return nil
}
