package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/kestrelquant/adaptengine/internal/engine"
	"github.com/kestrelquant/adaptengine/internal/httpapi"
	"github.com/kestrelquant/adaptengine/internal/regime"
)

// runStatus queries a running engine over its local API.
func runStatus(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	rawJSON, _ := cmd.Flags().GetBool("json")

	client := &http.Client{Timeout: 5 * time.Second}

	health, err := fetch(client, addr, "/health")
	if err != nil {
		return fmt.Errorf("engine unreachable at %s: %w", addr, err)
	}
	diagBody, err := fetch(client, addr, "/diagnostics")
	if err != nil {
		return fmt.Errorf("diagnostics fetch failed: %w", err)
	}

	if rawJSON {
		var pretty json.RawMessage = diagBody
		out, err := json.MarshalIndent(pretty, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	var h httpapi.HealthResponse
	if err := json.Unmarshal(health, &h); err != nil {
		return fmt.Errorf("malformed health response: %w", err)
	}
	var diag engine.Diagnostics
	if err := json.Unmarshal(diagBody, &diag); err != nil {
		return fmt.Errorf("malformed diagnostics response: %w", err)
	}

	fmt.Printf("engine %s at %s\n", h.Status, addr)
	fmt.Printf("  version:  %s, uptime %s\n", h.Version, h.Uptime)
	fmt.Printf("  store:    %s\n", h.Store)
	fmt.Printf("  regime:   %s (confidence %.2f, window %d)\n",
		diag.Regime.Label, diag.Regime.Confidence, diag.RegimeWindow)
	fmt.Printf("  breaker:  open=%v (sharpe %.2f, drawdown %.2f over %d outcomes)\n",
		diag.Breaker.Open, diag.Breaker.Sharpe, diag.Breaker.Drawdown, diag.Breaker.Outcomes)
	fmt.Printf("  learning: %d outcomes, %d bandit updates, policy enabled=%v (episodes %d)\n",
		diag.Outcomes, diag.BanditUpdates, diag.PolicyEnabled, diag.Policy.Episodes)

	fmt.Println("\nweights by regime:")
	printWeightsHeader()
	for _, label := range regime.AllLabels() {
		printLabelRow(string(label), diag.Weights[label])
	}
	return nil
}

func fetch(client *http.Client, addr, path string) ([]byte, error) {
	resp, err := client.Get("http://" + addr + path)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var buf []byte
	buf, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return nil, fmt.Errorf("%s returned %s", path, resp.Status)
	}
	return buf, nil
}
