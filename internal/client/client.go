// Package client is a DPP client used by the dppclient demo binary and by
// integration tests. A Behavior decides how it reacts to each challenge.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/ashureev/agentcaptcha/internal/domain"
	"github.com/ashureev/agentcaptcha/internal/protocol"
	"github.com/ashureev/agentcaptcha/internal/stage"
)

// ErrNoResult is returned when the server closed the connection without
// sending a result.
var ErrNoResult = errors.New("connection closed before a result was received")

// Behavior produces the client's reply to each challenge. A reply of nil
// sends nothing and waits for the next server message.
type Behavior interface {
	Name() string
	ProofOfWork(ctx context.Context, m protocol.PowChallenge) (*protocol.Response, error)
	Decision(ctx context.Context, m protocol.DecisionChallenge) (*protocol.Response, error)
	Environment(ctx context.Context, m protocol.EnvRequest) (*protocol.Response, error)
}

// Client runs one verification against a server.
type Client struct {
	url      string
	agentID  string
	behavior Behavior
	out      io.Writer
}

// New creates a client for the /ws/verify endpoint at rawURL.
func New(rawURL, agentID string, b Behavior, out io.Writer) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if agentID != "" {
		q := u.Query()
		q.Set("agent_id", agentID)
		u.RawQuery = q.Encode()
	}
	if out == nil {
		out = io.Discard
	}
	return &Client{url: u.String(), agentID: agentID, behavior: b, out: out}, nil
}

// Run connects, answers challenges until the result arrives and returns it.
func (c *Client) Run(ctx context.Context) (protocol.Result, error) {
	tag := "[" + c.behavior.Name() + "]"
	fmt.Fprintf(c.out, "%s connecting to %s\n", tag, c.url)

	ws, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return protocol.Result{}, fmt.Errorf("dial: %w", err)
	}
	defer func() { _ = ws.CloseNow() }()

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				return protocol.Result{}, fmt.Errorf("%w: %v", ErrNoResult, err)
			}
			return protocol.Result{}, fmt.Errorf("read: %w", err)
		}
		msg, err := protocol.DecodeServerMessage(data)
		if err != nil {
			return protocol.Result{}, err
		}

		var reply *protocol.Response
		switch m := msg.(type) {
		case protocol.PowChallenge:
			fmt.Fprintf(c.out, "%s stage 1: proof of work, difficulty=%d timeout=%dms\n", tag, m.Difficulty, m.TimeoutMS)
			start := time.Now()
			reply, err = c.behavior.ProofOfWork(ctx, m)
			if reply != nil && reply.Solution != nil {
				fmt.Fprintf(c.out, "%s   solution=%s after %s\n", tag, *reply.Solution, time.Since(start).Round(time.Microsecond))
			}

		case protocol.DecisionChallenge:
			fmt.Fprintf(c.out, "%s stage 2: round %d/%d\n", tag, m.Round, m.TotalRounds)
			reply, err = c.behavior.Decision(ctx, m)
			if reply != nil && reply.Answer != nil {
				fmt.Fprintf(c.out, "%s   answer: %s\n", tag, truncate(*reply.Answer, 80))
			}

		case protocol.EnvRequest:
			fmt.Fprintf(c.out, "%s stage 3: environment report\n", tag)
			reply, err = c.behavior.Environment(ctx, m)
			if reply != nil && reply.Env != nil && reply.Env.HasTTY != nil {
				fmt.Fprintf(c.out, "%s   has_tty=%t parent=%s\n", tag, *reply.Env.HasTTY, reply.Env.ParentProcess)
			}

		case protocol.Result:
			c.report(tag, m)
			_ = ws.Close(websocket.StatusNormalClosure, "")
			return m, nil
		}
		if err != nil {
			return protocol.Result{}, err
		}
		if reply == nil {
			continue
		}
		// A late reply can race the server's result; keep reading for it.
		if err := wsjson.Write(ctx, ws, reply); err != nil {
			fmt.Fprintf(c.out, "%s   reply not delivered: %v\n", tag, err)
		}
	}
}

func (c *Client) report(tag string, r protocol.Result) {
	if r.Verdict == domain.VerdictAccept {
		fmt.Fprintf(c.out, "\n%s VERIFIED stages=%v session=%s\n%s token: %s\n", tag, r.StagesPassed, r.SessionID, tag, r.Token)
		return
	}
	fmt.Fprintf(c.out, "\n%s REJECTED reason=%s session=%s\n", tag, r.Reason, r.SessionID)
}

// solve answers a PoW challenge by brute force.
func solve(ctx context.Context, m protocol.PowChallenge) (*protocol.Response, error) {
	sol, err := stage.Solve(ctx, m.Nonce, m.Difficulty)
	if err != nil {
		return nil, fmt.Errorf("solve proof of work: %w", err)
	}
	return &protocol.Response{Solution: &sol}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
