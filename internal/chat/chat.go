// Package chat runs an interactive tool-calling loop over the engine's
// primitives: look up cases, read their history, and kick off orchestration.
package chat

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/confirmbot/confirmd/internal/debug"
	"github.com/confirmbot/confirmd/internal/orchestrator"
	"github.com/confirmbot/confirmd/internal/storage"
)

// maxIterations caps the tool loop; the model gets this many rounds to
// finish before the loop cuts it off.
const maxIterations = 10

const chatModel = "claude-haiku-4-5"

const systemPrompt = `You are a procurement assistant managing purchase-order confirmation cases.
You can look up cases, read their event history, and run the orchestrator in dry-run mode.
Answer concisely. Use tools when you need live data; stop calling tools when you can answer.`

// Engine is what the chat loop can drive.
type Engine struct {
	Store storage.Storage
	Orch  *orchestrator.Orchestrator
}

// Chat answers one user message with up to maxIterations tool rounds.
type Chat struct {
	client anthropic.Client
	engine *Engine
}

// New creates a chat driver.
func New(apiKey string, engine *Engine) (*Chat, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("chat requires an API key")
	}
	return &Chat{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		engine: engine,
	}, nil
}

func toolDefinitions() []anthropic.ToolUnionParam {
	caseIDSchema := anthropic.ToolInputSchemaParam{
		Properties: map[string]any{
			"case_id": map[string]any{"type": "string", "description": "Case id"},
		},
		Required: []string{"case_id"},
	}
	return []anthropic.ToolUnionParam{
		{OfTool: &anthropic.ToolParam{
			Name:        "get_case",
			Description: anthropic.String("Fetch a confirmation case by id."),
			InputSchema: caseIDSchema,
		}},
		{OfTool: &anthropic.ToolParam{
			Name:        "find_case",
			Description: anthropic.String("Find a case by PO number and line id."),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: map[string]any{
					"po_number": map[string]any{"type": "string"},
					"line_id":   map[string]any{"type": "string"},
				},
				Required: []string{"po_number", "line_id"},
			},
		}},
		{OfTool: &anthropic.ToolParam{
			Name:        "list_events",
			Description: anthropic.String("List recent audit events for a case."),
			InputSchema: caseIDSchema,
		}},
		{OfTool: &anthropic.ToolParam{
			Name:        "orchestrate_dry_run",
			Description: anthropic.String("Run the orchestrator in dry-run mode and report its decision."),
			InputSchema: caseIDSchema,
		}},
	}
}

// Run drives the loop for one user message and returns the final text.
func (c *Chat) Run(ctx context.Context, userMessage string) (string, error) {
	messages := []anthropic.MessageParam{
		anthropic.NewUserMessage(anthropic.NewTextBlock(userMessage)),
	}
	tools := toolDefinitions()

	for i := 0; i < maxIterations; i++ {
		resp, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     anthropic.Model(chatModel),
			MaxTokens: 1024,
			System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
			Messages:  messages,
			Tools:     tools,
		})
		if err != nil {
			return "", fmt.Errorf("chat turn failed: %w", err)
		}

		var toolUses []anthropic.ToolUseBlock
		finalText := ""
		for _, block := range resp.Content {
			switch block.Type {
			case "text":
				finalText += block.Text
			case "tool_use":
				toolUses = append(toolUses, block.AsToolUse())
			}
		}

		// No tool calls: the model is done.
		if len(toolUses) == 0 {
			return finalText, nil
		}

		messages = append(messages, resp.ToParam())
		var results []anthropic.ContentBlockParamUnion
		for _, tu := range toolUses {
			output := c.dispatch(ctx, tu)
			results = append(results, anthropic.NewToolResultBlock(tu.ID, output, false))
		}
		messages = append(messages, anthropic.NewUserMessage(results...))
	}

	return "", fmt.Errorf("tool loop exceeded %d iterations", maxIterations)
}

// dispatch executes one tool call; failures come back as tool output so the
// model can recover.
func (c *Chat) dispatch(ctx context.Context, tu anthropic.ToolUseBlock) string {
	var args struct {
		CaseID   string `json:"case_id"`
		PONumber string `json:"po_number"`
		LineID   string `json:"line_id"`
	}
	if err := json.Unmarshal(tu.Input, &args); err != nil {
		return fmt.Sprintf("error: bad tool input: %v", err)
	}
	debug.Logf("chat: tool %s case=%s\n", tu.Name, args.CaseID)

	switch tu.Name {
	case "get_case":
		cse, err := c.engine.Store.GetCase(ctx, args.CaseID)
		if err != nil {
			return fmt.Sprintf("error: %v", err)
		}
		return mustJSON(cse)
	case "find_case":
		cse, err := c.engine.Store.FindCaseByPOLine(ctx, args.PONumber, args.LineID)
		if err != nil {
			return fmt.Sprintf("error: %v", err)
		}
		return mustJSON(cse)
	case "list_events":
		events, err := c.engine.Store.ListEvents(ctx, args.CaseID, 20)
		if err != nil {
			return fmt.Sprintf("error: %v", err)
		}
		return mustJSON(events)
	case "orchestrate_dry_run":
		outcome, err := c.engine.Orch.Run(ctx, args.CaseID, orchestrator.ModeDryRun, 0, nil)
		if err != nil {
			return fmt.Sprintf("error: %v", err)
		}
		return mustJSON(outcome)
	default:
		return fmt.Sprintf("error: unknown tool %s", tu.Name)
	}
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	return string(b)
}
