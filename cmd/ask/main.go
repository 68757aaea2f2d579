package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nidhogg/consensus/internal/api"
	"github.com/nidhogg/consensus/internal/config"
	"github.com/nidhogg/consensus/internal/consensus"
	"github.com/nidhogg/consensus/internal/events"
	"github.com/nidhogg/consensus/internal/workflow"
)

type client struct {
	server  string
	user    string
	verbose bool
	http    *http.Client
}

func main() {
	c := &client{http: &http.Client{}}

	rootCmd := &cobra.Command{
		Use:   "ask",
		Short: "Ask several models and watch them converge",
		Long:  "ask sends a prompt to a consensus server and renders the rounds, evaluations and synthesis as they stream.",
	}
	rootCmd.PersistentFlags().StringVar(&c.server, "server", envOr("CONSENSUS_SERVER", "http://localhost:8080"), "consensus server URL")
	rootCmd.PersistentFlags().StringVar(&c.user, "user", envOr("CONSENSUS_USER", "cli-user"), "user id sent to the server")
	rootCmd.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "show timing and evaluation details")

	rootCmd.AddCommand(newRunCommand(c))
	rootCmd.AddCommand(newResumeCommand(c))
	rootCmd.AddCommand(newShowCommand(c))
	rootCmd.AddCommand(newEventsCommand(c))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func newRunCommand(c *client) *cobra.Command {
	var (
		models    []string
		rounds    int
		threshold int
		evaluator string
		search    bool
		verbatim  bool
	)
	cmd := &cobra.Command{
		Use:   "run <prompt>",
		Short: "Start a new consensus run",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := buildRequest(strings.Join(args, " "), models, rounds, evaluator, search)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("threshold") {
				req.ConsensusThreshold = &threshold
			}
			if verbatim {
				targeted := false
				req.TargetedRefinement = &targeted
			}
			body, err := json.Marshal(req)
			if err != nil {
				return err
			}
			return c.stream(http.MethodPost, "/api/consensus", bytes.NewReader(body))
		},
	}
	cmd.Flags().StringSliceVarP(&models, "model", "m", []string{"openai:gpt-4o", "anthropic:claude-sonnet-4-5"}, "models as provider:model, 2 or 3")
	cmd.Flags().IntVarP(&rounds, "rounds", "r", 0, "maximum rounds (server default when 0)")
	cmd.Flags().IntVarP(&threshold, "threshold", "t", 80, "consensus threshold 0-100")
	cmd.Flags().StringVar(&evaluator, "evaluator", "", "evaluator model as provider:model")
	cmd.Flags().BoolVar(&search, "search", false, "allow web search")
	cmd.Flags().BoolVar(&verbatim, "verbatim", false, "share all answers verbatim instead of targeted critique")
	return cmd
}

// buildRequest turns CLI flags into a consensus request. Each model's slot id
// is its provider:model reference.
func buildRequest(prompt string, models []string, rounds int, evaluator string, search bool) (*workflow.Request, error) {
	req := &workflow.Request{
		Prompt:         prompt,
		MaxRounds:      rounds,
		EvaluatorModel: evaluator,
		EnableSearch:   search,
	}
	for _, m := range models {
		ref, err := config.ParseModelRef(m)
		if err != nil {
			return nil, err
		}
		req.Models = append(req.Models, consensus.ModelSelection{
			ID:       ref.String(),
			Provider: ref.Provider,
			ModelID:  ref.ModelID,
			Label:    ref.ModelID,
		})
	}
	return req, nil
}

func newResumeCommand(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <conversation-id>",
		Short: "Resume an interrupted run from its last checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.stream(http.MethodPost, "/api/conversations/"+url.PathEscape(args[0])+"/resume", nil)
		},
	}
}

func newShowCommand(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "show <conversation-id>",
		Short: "Show a stored conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := c.do(http.MethodGet, "/api/conversations/"+url.PathEscape(args[0]), nil)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			var conv conversationView
			if err := json.NewDecoder(resp.Body).Decode(&conv); err != nil {
				return fmt.Errorf("decode conversation: %w", err)
			}
			printConversation(cmd.OutOrStdout(), conv)
			return nil
		},
	}
}

func newEventsCommand(c *client) *cobra.Command {
	var after string
	cmd := &cobra.Command{
		Use:   "events <conversation-id>",
		Short: "Replay and follow a conversation's event stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/conversations/" + url.PathEscape(args[0]) + "/events"
			if after != "" {
				path += "?after=" + url.QueryEscape(after)
			}
			resp, err := c.do(http.MethodGet, path, nil)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			r := newRenderer(cmd.OutOrStdout(), c.verbose)
			return readReplay(resp.Body, r)
		},
	}
	cmd.Flags().StringVar(&after, "after", "", "stream id to resume after")
	return cmd
}

func (c *client) do(method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequest(method, strings.TrimRight(c.server, "/")+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set(api.UserHeader, c.user)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("server error (%d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return resp, nil
}

func (c *client) stream(method, path string, body io.Reader) error {
	resp, err := c.do(method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return readStream(resp.Body, newRenderer(os.Stdout, c.verbose))
}

// readStream renders NDJSON until a terminal event. A fatal error event is
// returned so the process exits non-zero.
func readStream(body io.Reader, r *renderer) error {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var e wireEvent
		if err := json.Unmarshal(line, &e); err != nil {
			return fmt.Errorf("bad event line: %w", err)
		}
		r.render(e)
		if e.terminal() {
			r.endStream()
			return terminalErr(e)
		}
	}
	r.endStream()
	if err := sc.Err(); err != nil {
		return err
	}
	return fmt.Errorf("stream ended without completing")
}

// readReplay is readStream for the replay endpoint, whose lines carry the
// stream id next to the event fields.
func readReplay(body io.Reader, r *renderer) error {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var line struct {
			ID string `json:"id"`
			wireEvent
		}
		if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
			continue
		}
		r.render(line.wireEvent)
		if line.terminal() {
			r.endStream()
			return terminalErr(line.wireEvent)
		}
	}
	r.endStream()
	return sc.Err()
}

func terminalErr(e wireEvent) error {
	if e.Type != events.TypeError {
		return nil
	}
	var d struct {
		Message string `json:"message"`
	}
	json.Unmarshal(e.Data, &d)
	return fmt.Errorf("run failed: %s", d.Message)
}
