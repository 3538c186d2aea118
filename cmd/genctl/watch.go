package main

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/schollz/progressbar/v3"

	"github.com/workspace/genrunner/internal/client"
	"github.com/workspace/genrunner/internal/protocol"
)

func startRequest(prompt, appID, mode string, maxIterations int, resume string) client.StartRequest {
	return client.StartRequest{
		AppID:           appID,
		Prompt:          prompt,
		Mode:            mode,
		MaxIterations:   maxIterations,
		ResumeSessionID: resume,
	}
}

// follower prints new log entries per generation and tracks which prompts
// have already been answered.
type follower struct {
	a        *app
	conn     responder
	mux      *client.Mux
	only     map[string]bool
	printed  map[string]uint64
	answered map[string]string
	bar      *progressbar.ProgressBar
	barJob   string
}

// responder is the part of client.Conn the follower needs.
type responder interface {
	RespondDecision(jobID, id, response string) error
	RespondCredentials(jobID, id string, values map[string]string, cancelled bool) error
}

func (a *app) watch(ctx context.Context, jobs []string) error {
	token, err := a.token()
	if err != nil {
		return err
	}

	// Finished generations may have left the relay backlog already.
	if len(jobs) > 0 {
		if jobs, err = a.skipFinished(ctx, jobs); err != nil {
			return err
		}
		if len(jobs) == 0 {
			return nil
		}
	}

	mux := client.NewMux(0)
	updates := mux.Watch(256)
	defer updates.Close()

	conn, err := client.Dial(ctx, a.server(), token, mux)
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- conn.Run(ctx) }()

	f := newFollower(a, conn, mux, jobs)
	if len(jobs) > 0 {
		fmt.Fprintf(a.out, "Watching %s\n", strings.Join(jobs, ", "))
	} else {
		fmt.Fprintln(a.out, "Watching all generations (Ctrl-C to stop)")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-runErr:
			f.flush()
			if gerr := mux.GlobalError(); gerr != nil {
				return gerr
			}
			return err
		case u, ok := <-updates.C:
			if !ok {
				return nil
			}
			if u.JobID == "" {
				if gerr := mux.GlobalError(); gerr != nil {
					f.flush()
					return gerr
				}
				continue
			}
			if err := f.handle(u.JobID); err != nil {
				return err
			}
			if f.done() {
				f.flush()
				return nil
			}
		}
	}
}

func (a *app) skipFinished(ctx context.Context, jobs []string) ([]string, error) {
	api, err := a.api()
	if err != nil {
		return nil, err
	}
	live := jobs[:0:0]
	for _, job := range jobs {
		id, err := protocol.GenerationID(job)
		if err != nil {
			return nil, err
		}
		g, err := api.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if g.State.Terminal() {
			fmt.Fprintf(a.out, "[%s] already %s %s\n", job, g.State, statusDetail(g))
			continue
		}
		live = append(live, job)
	}
	return live, nil
}

func newFollower(a *app, conn responder, mux *client.Mux, jobs []string) *follower {
	f := &follower{
		a:        a,
		conn:     conn,
		mux:      mux,
		printed:  make(map[string]uint64),
		answered: make(map[string]string),
	}
	if len(jobs) > 0 {
		f.only = make(map[string]bool, len(jobs))
		for _, j := range jobs {
			f.only[j] = true
		}
	}
	if len(jobs) == 1 && a.isTTY {
		f.barJob = jobs[0]
	}
	return f
}

// handle prints what is new for jobID and answers its pending prompt.
func (f *follower) handle(jobID string) error {
	if f.only != nil && !f.only[jobID] {
		return nil
	}
	v, ok := f.mux.View(jobID)
	if !ok {
		return nil
	}

	for _, e := range v.Log {
		if e.Seq <= f.printed[jobID] {
			continue
		}
		f.printed[jobID] = e.Seq
		if e.Type == protocol.TypeProgress && jobID == f.barJob {
			continue
		}
		if line := formatEntry(jobID, e); line != "" {
			f.clearBar()
			fmt.Fprintln(f.a.out, line)
		}
	}

	if jobID == f.barJob && v.Progress != nil && !v.Terminal() {
		f.setBar(v.Progress)
	}

	if v.Pending != nil && f.answered[jobID] != v.Pending.ID() {
		f.clearBar()
		f.answered[jobID] = v.Pending.ID()
		if err := f.answer(jobID, v.Pending); err != nil {
			return err
		}
	}
	return nil
}

// done reports whether every named generation has ended. Watching all
// generations never finishes on its own.
func (f *follower) done() bool {
	if f.only == nil {
		return false
	}
	for job := range f.only {
		v, ok := f.mux.View(job)
		if !ok || !v.Terminal() {
			return false
		}
	}
	return true
}

func (f *follower) flush() {
	f.clearBar()
	for _, job := range f.mux.Generations() {
		_ = f.handle(job)
	}
	f.clearBar()
}

func (f *follower) setBar(p *protocol.Progress) {
	if f.bar == nil {
		f.bar = progressbar.NewOptions(100,
			progressbar.OptionSetWriter(f.a.out),
			progressbar.OptionSetWidth(30),
			progressbar.OptionClearOnFinish(),
		)
	}
	f.bar.Describe(fmt.Sprintf("%s %s", p.Stage, p.Step))
	_ = f.bar.Set(int(p.Percentage))
}

func (f *follower) clearBar() {
	if f.bar != nil {
		_ = f.bar.Clear()
	}
}

func (f *follower) answer(jobID string, p *client.Pending) error {
	switch p.Kind {
	case client.PendingDecision:
		resp, err := f.askDecision(jobID, p.Decision)
		if err != nil {
			return err
		}
		return f.conn.RespondDecision(jobID, p.ID(), resp)
	case client.PendingCredentials:
		values, cancelled, err := f.askCredentials(jobID, p.Credentials)
		if err != nil {
			return err
		}
		return f.conn.RespondCredentials(jobID, p.ID(), values, cancelled)
	}
	return nil
}

func (f *follower) askDecision(jobID string, d *protocol.DecisionPrompt) (string, error) {
	out := f.a.out
	fmt.Fprintf(out, "[%s] Decision needed: %s\n", jobID, d.Prompt)
	for i, opt := range d.Options {
		fmt.Fprintf(out, "  %d) %s\n", i+1, opt)
	}
	for {
		if len(d.Options) > 0 {
			fmt.Fprint(out, "Choose an option or type an answer: ")
		} else {
			fmt.Fprint(out, "Answer: ")
		}
		line, err := f.a.readLine()
		if err != nil {
			return "", fmt.Errorf("read answer: %w", err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		return resolveOption(line, d.Options), nil
	}
}

// resolveOption maps a 1-based option number to its text.
func resolveOption(answer string, options []string) string {
	if n, err := strconv.Atoi(answer); err == nil && n >= 1 && n <= len(options) {
		return options[n-1]
	}
	return answer
}

var errDeclined = errors.New("declined")

func (f *follower) askCredentials(jobID string, req *protocol.CredentialRequest) (map[string]string, bool, error) {
	out := f.a.out
	fmt.Fprintf(out, "[%s] Credentials requested", jobID)
	if req.Context != "" {
		fmt.Fprintf(out, ": %s", req.Context)
	}
	fmt.Fprintln(out, " (enter - to decline)")

	values := make(map[string]string, len(req.Credentials))
	for _, spec := range req.Credentials {
		val, err := f.askCredential(spec)
		if errors.Is(err, errDeclined) {
			return nil, true, nil
		}
		if err != nil {
			return nil, false, err
		}
		if val != "" {
			values[spec.Key] = val
		}
	}
	return values, false, nil
}

func (f *follower) askCredential(spec protocol.CredentialSpec) (string, error) {
	out := f.a.out
	if spec.Description != "" {
		fmt.Fprintf(out, "  %s\n", spec.Description)
	}
	if spec.HelpURL != "" {
		fmt.Fprintf(out, "  See %s\n", spec.HelpURL)
	}
	var pattern *regexp.Regexp
	if spec.ValidationPattern != "" {
		pattern, _ = regexp.Compile(spec.ValidationPattern)
	}

	for {
		label := spec.Label
		if label == "" {
			label = spec.Key
		}
		if !spec.Required {
			label += " (optional)"
		}
		fmt.Fprintf(out, "  %s: ", label)

		read := f.a.readLine
		if spec.Sensitive {
			read = f.a.readSecret
		}
		val, err := read()
		if err != nil {
			return "", fmt.Errorf("read %s: %w", spec.Key, err)
		}
		val = strings.TrimSpace(val)

		switch {
		case val == "-":
			return "", errDeclined
		case val == "" && spec.Required:
			fmt.Fprintln(out, "  A value is required.")
		case val != "" && pattern != nil && !pattern.MatchString(val):
			fmt.Fprintf(out, "  Value does not match %s\n", spec.ValidationPattern)
		default:
			return val, nil
		}
	}
}

// formatEntry renders one relayed frame as a terminal line. Frames with
// nothing to show render as "".
func formatEntry(jobID string, e client.Entry) string {
	msg, err := protocol.Decode(e.Raw)
	if err != nil {
		return ""
	}
	prefix := "[" + jobID + "] "

	switch p := msg.Payload.(type) {
	case *protocol.Ready:
		return prefix + "container ready"
	case *protocol.Log:
		if p.Level != "" && p.Level != "info" {
			return prefix + strings.ToUpper(p.Level) + " " + p.Line
		}
		return prefix + p.Line
	case *protocol.IterationComplete:
		s := fmt.Sprintf("%siteration %d", prefix, p.Iteration)
		if p.TotalIterations > 0 {
			s += fmt.Sprintf("/%d", p.TotalIterations)
		}
		s += fmt.Sprintf(" complete ($%.2f)", p.CostUSD)
		if p.Summary != "" {
			s += ": " + p.Summary
		}
		return s
	case *protocol.Screenshot:
		return fmt.Sprintf("%sscreenshot %s (%s)", prefix, p.Filename, p.Stage)
	case *protocol.Error:
		sev := "error"
		if p.Fatal {
			sev = "fatal error"
		}
		s := fmt.Sprintf("%s%s: %s", prefix, sev, p.Message)
		if p.RecoveryHint != "" {
			s += " (" + p.RecoveryHint + ")"
		}
		return s
	case *protocol.AllWorkComplete:
		s := fmt.Sprintf("%sall work complete after %d iterations: %s", prefix, p.TotalIterations, p.CompletionReason)
		if p.GithubURL != "" {
			s += "\n" + prefix + "repository: " + p.GithubURL
		}
		if p.DownloadURL != "" {
			s += "\n" + prefix + "download: " + p.DownloadURL
		}
		return s
	case *protocol.CredentialTimeoutWarning:
		return fmt.Sprintf("%scredential request %s expires in %ds", prefix, p.ID, p.RemainingSeconds)
	case *protocol.ShutdownInitiated:
		return prefix + "stopping: " + p.Message
	case *protocol.ShutdownReady:
		if p.CommitHash != "" {
			return fmt.Sprintf("%swork saved at %s (pushed: %t)", prefix, p.CommitHash, p.Pushed)
		}
		return prefix + "work saved"
	case *protocol.ShutdownFailed:
		return prefix + "could not save work: " + p.Reason
	case *protocol.ShutdownTimeout:
		return prefix + "agent force-stopped: " + p.Message
	case *protocol.GenerationStopped:
		return prefix + "stopped"
	case *protocol.ConnectionStatus:
		if p.ContainerConnected {
			return prefix + "container connected"
		}
		return prefix + "container disconnected"
	case *protocol.GenerationState:
		s := fmt.Sprintf("%sstate %s", prefix, p.State)
		if p.FailureReason != "" {
			s += ": " + p.FailureReason
		}
		return s
	case *protocol.Progress:
		return fmt.Sprintf("%s%s: %s (%.0f%%)", prefix, p.Stage, p.Step, p.Percentage)
	}
	// Prompts are asked interactively.
	return ""
}
