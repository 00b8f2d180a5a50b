// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/mobiletoly/go-funneltrack/eventstore"
	"github.com/mobiletoly/go-funneltrack/tracker"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Simulate a visitor going through a form funnel",
	Long: `Simulate drives the tracking client through a three step signup form against a
running ingest server: session start, field edits, validation, step changes and
either a submit (complete) or a tab close halfway through (abandon).`,
	RunE: runSimulate,
}

func init() {
	rootCmd.AddCommand(simulateCmd)
	simulateCmd.Flags().String("server", "", "Ingest server base URL (default from FUNNEL_SERVER_URL)")
	simulateCmd.Flags().String("local-store", "", "Tracker SQLite file (default :memory:)")
	simulateCmd.Flags().String("scenario", scenarioComplete, "Scenario: complete or abandon")
	simulateCmd.Flags().String("form", "signup", "Form type recorded with every event")
	simulateCmd.Flags().Duration("think", 200*time.Millisecond, "Pause between visitor actions")
}

const (
	scenarioComplete = "complete"
	scenarioAbandon  = "abandon"
)

// funnelStep is one page of the simulated form
type funnelStep struct {
	fields map[string]string
}

var signupSteps = []funnelStep{
	{fields: map[string]string{"email": "ada@example.com", "password": "correct horse"}},
	{fields: map[string]string{"teamName": "analytical engines", "teamSize": "4"}},
	{fields: map[string]string{"plan": "team"}},
}

// snapshotFields are the form fields worth restoring; credentials stay out
var snapshotFields = []string{"teamName", "teamSize", "plan"}

// simulationOptions configures one simulated visit
type simulationOptions struct {
	ServerURL  string
	LocalStore string
	JWTSecret  string
	Scenario   string
	FormType   string
	Think      time.Duration
	Logger     *slog.Logger
}

// simulationResult summarizes a simulated visit
type simulationResult struct {
	SessionID string
	Recorded  int
	Status    tracker.ProgressStatus
}

func runSimulate(cmd *cobra.Command, _ []string) error {
	opts := simulationOptions{
		ServerURL:  cfg.ServerURL,
		LocalStore: cfg.LocalStore,
		JWTSecret:  cfg.JWTSecret,
		Logger:     logger,
	}
	if v, _ := cmd.Flags().GetString("server"); v != "" {
		opts.ServerURL = v
	}
	if v, _ := cmd.Flags().GetString("local-store"); v != "" {
		opts.LocalStore = v
	}
	opts.Scenario, _ = cmd.Flags().GetString("scenario")
	opts.FormType, _ = cmd.Flags().GetString("form")
	opts.Think, _ = cmd.Flags().GetDuration("think")

	res, err := runSimulation(cmd.Context(), opts)
	if err != nil {
		return err
	}
	printSimulationResult(cmd.OutOrStdout(), opts, res)
	return nil
}

// runSimulation wires a tracker to the ingest server and walks one visitor
// through the funnel
func runSimulation(ctx context.Context, opts simulationOptions) (*simulationResult, error) {
	if opts.Scenario != scenarioComplete && opts.Scenario != scenarioAbandon {
		return nil, fmt.Errorf("unknown scenario: %s", opts.Scenario)
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	serverURL := strings.TrimRight(opts.ServerURL, "/")

	// The visitor keeps working when the local store cannot be opened
	var store tracker.Store
	local, err := tracker.OpenSQLiteStore(opts.LocalStore, 0)
	if err != nil {
		log.Warn("Local store unavailable, tracking without persistence", "error", err)
	} else {
		defer local.Close()
		store = local
	}

	sink := eventstore.NewHTTPSink(eventstore.HTTPSinkConfig{
		BaseURL: serverURL,
		Token:   cachedToken(eventstore.NewJWTAuth(opts.JWTSecret), "funneltrack-simulator", opts.FormType),
		MaxRPS:  50,
		Timeout: 10 * time.Second,
	})
	beacon := tracker.NewHTTPBeacon(tracker.HTTPBeaconConfig{Logger: log})

	trCfg := tracker.DefaultConfig()
	trCfg.ForwardURL = serverURL + "/api/track"
	trCfg.AllowFields = snapshotFields
	tr, err := tracker.New(store, sink, beacon, trCfg, tracker.WithLogger(log))
	if err != nil {
		return nil, fmt.Errorf("failed to create tracker: %w", err)
	}

	sessionID := tr.SessionID(ctx)
	log.Info("Simulating visitor", "session_id", sessionID, "scenario", opts.Scenario, "form", opts.FormType)

	simErr := simulateFunnel(ctx, tr, sessionID, opts)

	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := tr.Close(drainCtx); err != nil {
		log.Warn("Tracker did not drain", "error", err)
	}
	if err := beacon.Close(drainCtx); err != nil {
		log.Warn("Beacon did not drain", "error", err)
	}
	if simErr != nil {
		return nil, simErr
	}

	res := &simulationResult{
		SessionID: sessionID,
		Recorded:  len(tr.Events(ctx, sessionID)),
	}
	if snap, ok := tr.LoadProgress(ctx, sessionID); ok {
		res.Status = snap.Status
	}
	return res, nil
}

// simulateFunnel records what a visitor does on each page of the form
func simulateFunnel(ctx context.Context, tr *tracker.Tracker, sessionID string, opts simulationOptions) error {
	form := opts.FormType
	started := time.Now()
	tr.Track(ctx, sessionID, eventstore.EventSessionStart, tracker.SessionStart{Landing: "/" + form}, form)

	formData := make(map[string]any)
	for i, step := range signupSteps {
		stepNo := i + 1
		completion := make(map[string]bool, len(step.fields))
		for field, value := range step.fields {
			if err := pause(ctx, opts.Think); err != nil {
				return err
			}
			tr.Track(ctx, sessionID, eventstore.EventFieldChange,
				tracker.FieldChange{Field: field, Step: stepNo, HasValue: true, Length: len(value)}, form)
			tr.Track(ctx, sessionID, eventstore.EventValidationResult,
				tracker.ValidationResult{Field: field, Valid: true}, form)
			formData[field] = value
			completion[field] = true
		}
		if err := tr.SaveProgress(ctx, sessionID, tracker.ProgressUpdate{
			Step:            stepNo,
			Status:          tracker.StatusInProgress,
			FormData:        formData,
			FieldCompletion: completion,
		}); err != nil {
			return err
		}

		if opts.Scenario == scenarioAbandon && stepNo == 2 {
			tr.TrackPageLeave(ctx, sessionID, tracker.PageLeave{
				Reason:     tracker.LeaveClose,
				Step:       stepNo,
				TimeOnPage: time.Since(started).Milliseconds(),
			}, form)
			return nil
		}

		if stepNo < len(signupSteps) {
			tr.Track(ctx, sessionID, eventstore.EventButtonClick, tracker.ButtonClick{Button: "next", Step: stepNo}, form)
			tr.Track(ctx, sessionID, eventstore.EventStepChange,
				tracker.StepChange{From: stepNo, To: stepNo + 1, Direction: "forward"}, form)
		}
	}

	last := len(signupSteps)
	tr.Track(ctx, sessionID, eventstore.EventButtonClick, tracker.ButtonClick{Button: "submit", Step: last}, form)
	tr.Track(ctx, sessionID, eventstore.EventFormSubmit, tracker.FormSubmit{Success: true, Step: last}, form)
	if err := tr.SaveProgress(ctx, sessionID, tracker.ProgressUpdate{
		Step:     last,
		Status:   tracker.StatusCompleted,
		FormData: formData,
	}); err != nil {
		return err
	}
	tr.TrackPageLeave(ctx, sessionID, tracker.PageLeave{
		Reason:     tracker.LeaveNavigate,
		Step:       last,
		TimeOnPage: time.Since(started).Milliseconds(),
		Completed:  true,
	}, form)
	return nil
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// cachedToken mints one ingest token and reuses it until shortly before it expires
func cachedToken(auth *eventstore.JWTAuth, clientID, formType string) func(context.Context) (string, error) {
	const lifetime = time.Hour
	var (
		mu      sync.Mutex
		token   string
		expires time.Time
	)
	return func(context.Context) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if token != "" && time.Until(expires) > time.Minute {
			return token, nil
		}
		t, err := auth.GenerateToken(clientID, []string{formType}, lifetime)
		if err != nil {
			return "", err
		}
		token, expires = t, time.Now().Add(lifetime)
		return token, nil
	}
}

func printSimulationResult(w io.Writer, opts simulationOptions, res *simulationResult) {
	fmt.Fprintf(w, "Session:   %s\n", res.SessionID)
	fmt.Fprintf(w, "Scenario:  %s\n", opts.Scenario)
	fmt.Fprintf(w, "Recorded:  %d events\n", res.Recorded)
	status := string(res.Status)
	if status == "" {
		status = "none"
	}
	fmt.Fprintf(w, "Progress:  %s\n", status)
}
