// Package main provides dppclient, a demo client for the DPP verifier.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ashureev/agentcaptcha/internal/challenge"
	"github.com/ashureev/agentcaptcha/internal/client"
	"github.com/ashureev/agentcaptcha/internal/domain"
	"github.com/ashureev/agentcaptcha/internal/protocol"
)

var (
	acceptStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	rejectStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
)

func main() {
	_ = godotenv.Load()
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		serverURL string
		timeout   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "dppclient",
		Short: "Demo client for the Decision-Proof Protocol verifier",
		Long: `Connect to a DPP verifier and run a verification.

Examples:
  dppclient agent                       # Behave like an autonomous agent
  dppclient human --think 3s            # Behave like a person, expect a rejection
  dppclient inspect <token>             # Check a credential with GET /verify
`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&serverURL, "url", envOr("WS_URL", "ws://localhost:8080/ws/verify"), "verifier WebSocket URL")
	cmd.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Minute, "overall timeout")

	cmd.AddCommand(agentCmd(&serverURL, &timeout))
	cmd.AddCommand(humanCmd(&serverURL, &timeout))
	cmd.AddCommand(inspectCmd(&timeout))

	return cmd
}

func agentCmd(serverURL *string, timeout *time.Duration) *cobra.Command {
	var (
		agentID string
		model   string
	)

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run a verification as an autonomous agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(*timeout)
			defer cancel()

			var answerer client.Answerer = client.HintAnswerer{}
			if key := os.Getenv("GENAI_API_KEY"); key != "" {
				g, err := client.NewGenAIAnswerer(ctx, key, model)
				if err != nil {
					return err
				}
				answerer = g
				fmt.Fprintf(cmd.OutOrStdout(), "[agent] answering with %s\n", model)
			}

			res, err := runClient(ctx, cmd.OutOrStdout(), *serverURL, agentID, client.NewAgent(answerer, nil))
			if err != nil {
				return err
			}
			if res.Verdict != domain.VerdictAccept {
				return fmt.Errorf("verification rejected: %s", res.Reason)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&agentID, "id", envOr("AGENT_ID", "autonomous-agent-001"), "agent_id to verify as")
	cmd.Flags().StringVar(&model, "model", envOr("GENAI_MODEL", challenge.DefaultGenAIModel), "Gemini model used when GENAI_API_KEY is set")

	return cmd
}

func humanCmd(serverURL *string, timeout *time.Duration) *cobra.Command {
	var (
		agentID string
		think   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "human",
		Short: "Run a verification as a simulated human",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(*timeout)
			defer cancel()

			res, err := runClient(ctx, cmd.OutOrStdout(), *serverURL, agentID, client.NewHuman(think))
			if err != nil {
				return err
			}
			if res.Verdict == domain.VerdictAccept {
				fmt.Fprintln(cmd.OutOrStdout(), "[human] verified, which was not expected")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&agentID, "id", envOr("HUMAN_ID", "simulated-human-001"), "agent_id to verify as")
	cmd.Flags().DurationVar(&think, "think", 3*time.Second, "average pause before each reply")

	return cmd
}

func inspectCmd(timeout *time.Duration) *cobra.Command {
	var apiURL string

	cmd := &cobra.Command{
		Use:   "inspect <token>",
		Short: "Inspect a credential with GET /verify",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(*timeout)
			defer cancel()

			u, err := url.Parse(apiURL)
			if err != nil {
				return fmt.Errorf("parse api url: %w", err)
			}
			u.Path = "/verify"
			u.RawQuery = url.Values{"token": {args[0]}}.Encode()

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("call %s: %w", u.Redacted(), err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("read response: %w", err)
			}
			var pretty interface{}
			if err := json.Unmarshal(body, &pretty); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
			out, _ := json.MarshalIndent(pretty, "", "  ")

			if resp.StatusCode != http.StatusOK {
				fmt.Fprintln(cmd.OutOrStdout(), rejectStyle.Render(resp.Status))
				fmt.Fprintln(cmd.OutOrStdout(), string(out))
				return fmt.Errorf("token rejected")
			}
			fmt.Fprintln(cmd.OutOrStdout(), acceptStyle.Render("valid"))
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}

	cmd.Flags().StringVar(&apiURL, "api", envOr("API_URL", "http://localhost:8080"), "verifier REST base URL")

	return cmd
}

func runClient(ctx context.Context, out io.Writer, serverURL, agentID string, b client.Behavior) (protocol.Result, error) {
	c, err := client.New(serverURL, agentID, b, out)
	if err != nil {
		return protocol.Result{}, err
	}
	res, err := c.Run(ctx)
	if err != nil {
		return protocol.Result{}, err
	}
	if res.Verdict == domain.VerdictAccept {
		fmt.Fprintln(out, acceptStyle.Render("ACCEPT"))
	} else {
		fmt.Fprintln(out, rejectStyle.Render("REJECT "+res.Reason))
	}
	return res, nil
}

func signalContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	return ctx, func() {
		stop()
		cancel()
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
