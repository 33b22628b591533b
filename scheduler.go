package oasis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// gapCheckEvery is how many scheduler ticks pass between capability-gap
// scans. At the 60s tick interval this is roughly every 30 minutes; gap
// detection reads the event log and is cheap, but there's no reason to
// re-run it every tick.
const gapCheckEvery = 30

// scheduler executes due scheduled actions in the background.
// It polls the Store every 60 seconds for actions whose NextRun has passed,
// executes their tool calls via the ToolRegistry, optionally synthesizes
// results using a Provider, and delivers them through the Frontend. When
// log and forgeAgent are both set, it also periodically scans the event log
// for recurring tool failures and spawns a forge run for any new gap.
type scheduler struct {
	store      Store
	tools      *ToolRegistry
	frontend   Frontend
	provider   Provider // used for result synthesis
	tzOffset   int
	log        EventLog
	forgeAgent *ForgeAgent
	logger     *slog.Logger

	ticks int
}

// run starts the scheduler loop, checking for due actions every 60 seconds.
// It blocks until ctx is cancelled.
func (s *scheduler) run(ctx context.Context) {
	logger := s.logger
	if logger == nil {
		logger = nopLogger
	}
	logger.Info("scheduler started")
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			if err := s.checkAndRun(ctx); err != nil {
				logger.Error("scheduler tick failed", "error", err)
			}
			s.ticks++
			if s.log != nil && s.forgeAgent != nil && s.ticks%gapCheckEvery == 0 {
				s.checkGaps(ctx)
			}
		}
	}
}

// checkGaps scans the last 24h of event log failures for capability gaps not
// already covered by an enabled skill, and spawns a background forge run for
// the single highest-scoring one. One run per tick keeps forge activity from
// compounding when several gaps surface at once.
func (s *scheduler) checkGaps(ctx context.Context) {
	logger := s.logger
	if logger == nil {
		logger = nopLogger
	}

	failures, err := FailuresFromLog(ctx, s.log, time.Now().Add(-24*time.Hour), 500)
	if err != nil {
		logger.Error("gap detection: read event log", "error", err)
		return
	}

	var enabled []string
	if skills, err := s.store.ListSkills(ctx); err == nil {
		for _, sk := range skills {
			enabled = append(enabled, sk.Name)
		}
	}

	gaps := DetectGaps(failures, nil, enabled)
	if len(gaps) == 0 {
		return
	}

	top := gaps[0]
	logger.Info("capability gap detected", "skill", top.SuggestedName, "category", top.Category, "frequency", top.Frequency)
	SpawnForge(ctx, s.forgeAgent, top, SpawnLogger(logger))
}

func (s *scheduler) checkAndRun(ctx context.Context) error {
	logger := s.logger
	if logger == nil {
		logger = nopLogger
	}

	now := NowUnix()
	due, err := s.store.GetDueScheduledActions(ctx, now)
	if err != nil {
		return err
	}
	if len(due) == 0 {
		return nil
	}

	// The owner_user_id config determines who receives scheduled results.
	ownerID, err := s.store.GetConfig(ctx, "owner_user_id")
	if err != nil || ownerID == "" {
		return nil
	}

	for _, action := range due {
		logger.Info("scheduler executing", "action", action.Description)
		s.execute(ctx, action, ownerID, now)
	}
	return nil
}

func (s *scheduler) execute(ctx context.Context, action ScheduledAction, ownerID string, now int64) {
	logger := s.logger
	if logger == nil {
		logger = nopLogger
	}

	var combined string
	if action.Workflow != "" {
		out, err := s.runWorkflow(ctx, action, logger)
		if err != nil {
			logger.Error("scheduler: workflow run failed", "action", action.Description, "error", err)
			return
		}
		combined = out
	} else {
		// Parse the tool calls stored as JSON in the scheduled action.
		toolCalls, ok := parseScheduledToolCalls(action.ToolCalls)
		if !ok {
			logger.Error("scheduler: invalid tool_calls", "action", action.Description)
			return
		}

		// Execute each tool and collect results.
		var results []string
		for _, tc := range toolCalls {
			logger.Info("scheduler tool", "tool", tc.Tool)
			result, execErr := s.tools.Execute(ctx, tc.Tool, tc.Params)
			output := result.Content
			if execErr != nil {
				output = "error: " + execErr.Error()
			} else if result.Error != "" {
				output = "error: " + result.Error
			}
			results = append(results, fmt.Sprintf("## %s\n%s", tc.Tool, output))
		}
		combined = strings.Join(results, "\n\n")
	}

	// Format the message: use LLM synthesis if a prompt is provided,
	// otherwise wrap tool output with the action description as a header.
	var message string
	if action.SynthesisPrompt != "" {
		message = s.synthesize(ctx, combined, action.SynthesisPrompt, action.Description)
	} else {
		message = fmt.Sprintf("**%s**\n\n%s", action.Description, combined)
	}

	if _, err := s.frontend.Send(ctx, ownerID, message); err != nil {
		logger.Error("scheduler send failed", "error", err)
	}

	// Advance schedule: disable one-shot actions, compute next run for recurring ones.
	if strings.HasSuffix(action.Schedule, " once") {
		_ = s.store.UpdateScheduledActionEnabled(ctx, action.ID, false)
		logger.Info("scheduler done (once)", "action", action.Description)
	} else {
		nextRun, ok := ComputeNextRun(action.Schedule, now, s.tzOffset)
		if !ok {
			nextRun = now + 86400 // fallback: retry in 24h
		}
		action.NextRun = nextRun
		_ = s.store.UpdateScheduledAction(ctx, action)
		logger.Info("scheduler done", "action", action.Description, "next", FormatLocalTime(nextRun, s.tzOffset))
	}
}

// runWorkflow decodes action.Workflow into a WorkflowDefinition, builds it
// against the scheduler's tool registry and provider, and runs it to
// completion. LLM nodes in the definition all route to the same "llm" agent
// name, backed by the scheduler's synthesis provider.
func (s *scheduler) runWorkflow(ctx context.Context, action ScheduledAction, logger *slog.Logger) (string, error) {
	var def WorkflowDefinition
	if err := json.Unmarshal([]byte(action.Workflow), &def); err != nil {
		return "", fmt.Errorf("decode workflow: %w", err)
	}

	reg := DefinitionRegistry{Tools: s.tools.byName()}
	if s.provider != nil {
		reg.Agents = map[string]Agent{"llm": NewLLMAgent("scheduled-llm", "ad-hoc synthesis for scheduled workflows", s.provider)}
	}

	wf, err := FromDefinition(def, reg)
	if err != nil {
		return "", fmt.Errorf("build workflow %q: %w", def.Name, err)
	}

	logger.Info("scheduler running workflow", "workflow", def.Name, "nodes", len(def.Nodes))
	result, err := wf.Execute(ctx, AgentTask{Input: action.Description})
	if err != nil {
		return "", fmt.Errorf("execute workflow %q: %w", def.Name, err)
	}
	return result.Output, nil
}

func (s *scheduler) synthesize(ctx context.Context, toolResults, synthesisPrompt, description string) string {
	logger := s.logger
	if logger == nil {
		logger = nopLogger
	}

	tz := s.tzOffset
	now := time.Now().UTC().Add(time.Duration(tz) * time.Hour)
	timeStr := now.Format("2006-01-02 15:04")
	tzStr := fmt.Sprintf("UTC+%d", tz)

	system := fmt.Sprintf(
		"You are a personal AI assistant. Current time: %s (%s).\n\n"+
			"You are generating a scheduled report: %q.\n"+
			"User's formatting instruction: %s\n\n"+
			"Based on the tool results below, create a concise, well-formatted message.\n\n"+
			"Tool results:\n%s",
		timeStr, tzStr, description, synthesisPrompt, toolResults)

	req := ChatRequest{
		Messages: []ChatMessage{
			SystemMessage(system),
			UserMessage("Generate the report."),
		},
	}

	resp, err := s.provider.Chat(ctx, req)
	if err != nil {
		logger.Error("scheduler synthesis failed", "error", err)
		return fmt.Sprintf("**%s**\n\n%s", description, toolResults)
	}
	return resp.Content
}

// parseScheduledToolCalls parses tool calls from a scheduled action's JSON.
// Handles both []ScheduledToolCall and []string (legacy string-encoded) formats.
func parseScheduledToolCalls(raw string) ([]ScheduledToolCall, bool) {
	var calls []ScheduledToolCall
	if err := json.Unmarshal([]byte(raw), &calls); err == nil && len(calls) > 0 {
		return calls, true
	}
	calls = nil // reset — json.Unmarshal may partially populate on error

	// Legacy fallback: array of JSON-encoded strings.
	var strs []string
	if err := json.Unmarshal([]byte(raw), &strs); err == nil {
		for _, s := range strs {
			var tc ScheduledToolCall
			if err := json.Unmarshal([]byte(s), &tc); err == nil {
				calls = append(calls, tc)
			}
		}
	}
	return calls, len(calls) > 0
}

// --- App integration ---

// WithScheduler enables the background scheduler that executes due scheduled
// actions automatically. The scheduler starts when App.Run is called and
// stops when the context is cancelled — no orphaned goroutines.
//
// tzOffset is the user's timezone offset from UTC in whole hours.
// Common values: 7 (WIB/Jakarta), 8 (WITA/Makassar), 9 (WIT/Jayapura),
// -5 (EST), 0 (UTC), 1 (CET).
//
// By default the scheduler uses the app's main Provider for synthesis.
// Use WithSchedulerProvider to override with a cheaper/faster model.
func WithScheduler(tzOffset int) Option {
	return func(a *App) {
		a.schedEnabled = true
		a.schedTZOffset = tzOffset
	}
}

// WithSchedulerProvider sets a separate LLM provider for synthesizing
// scheduled action results. If not set, the app's main Provider is used.
//
// Synthesis is non-interactive (no streaming, no tool calling), so a
// cheaper/faster model is usually sufficient (e.g., Gemini Flash-Lite).
func WithSchedulerProvider(p Provider) Option {
	return func(a *App) { a.schedProvider = p }
}

// WithSchedulerLog gives the scheduler access to the tool-execution event
// log so it can periodically scan for recurring failures. Has no effect
// unless WithForgeAgent is also set — gap detection needs both a source of
// failures and a way to act on what it finds.
func WithSchedulerLog(log EventLog) Option {
	return func(a *App) { a.schedLog = log }
}

// WithForgeAgent gives the scheduler a ForgeAgent to spawn when it detects a
// capability gap worth building a skill for. Has no effect unless
// WithSchedulerLog is also set.
func WithForgeAgent(agent *ForgeAgent) Option {
	return func(a *App) { a.forgeAgent = agent }
}
