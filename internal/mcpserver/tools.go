// Package mcpserver registers the MCP tools of the control surface. It
// adapts the engine to the MCP SDK's tool handler interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alexjbarnes/otr-sync/internal/auth"
	"github.com/alexjbarnes/otr-sync/internal/engine"
	"github.com/alexjbarnes/otr-sync/internal/model"
	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/text/unicode/norm"
)

// Controller is the part of the engine the tools drive.
type Controller interface {
	SendText(ctx context.Context, conversation uuid.UUID, text string, expiresIn time.Duration) (uuid.UUID, error)
	Snapshot(ctx context.Context) (engine.Snapshot, error)
	DownloadPreview(ctx context.Context, nonce uuid.UUID) error
	DownloadAsset(ctx context.Context, nonce uuid.UUID) error
	CancelDownload(ctx context.Context, nonce uuid.UUID) (bool, error)
	SetAvailability(ctx context.Context, a model.Availability) error
	ResetSession(ctx context.Context, conversation uuid.UUID) (uuid.UUID, error)
}

var _ Controller = (*engine.Engine)(nil)

// RegisterTools adds all tools to the given MCP server.
func RegisterTools(server *mcp.Server, c Controller, logger *slog.Logger) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "otr_send_text",
		Description: "Queue an end-to-end encrypted text message for a conversation. Returns the message id. The message is sent once every recipient device has a session.",
	}, sendTextHandler(c, logger))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "otr_status",
		Description: "Report the sync state, pending outbound messages, missing client sessions and in-flight requests.",
	}, statusHandler(c))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "otr_download_preview",
		Description: "Download the link preview image of a received message.",
	}, downloadPreviewHandler(c))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "otr_download_asset",
		Description: "Download and decrypt the asset attached to a received message.",
	}, downloadAssetHandler(c))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "otr_cancel_download",
		Description: "Cancel a running asset download.",
	}, cancelDownloadHandler(c))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "otr_set_availability",
		Description: "Set the availability of this account (none, available, away or busy) and broadcast it to connections and team members.",
	}, setAvailabilityHandler(c, logger))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "otr_reset_session",
		Description: "Ask every device in a conversation to drop its encryption session with this client. Use when a peer can no longer decrypt messages.",
	}, resetSessionHandler(c, logger))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// SendTextInput holds parameters for otr_send_text.
type SendTextInput struct {
	Conversation     string `json:"conversation" jsonschema:"required,conversation id (UUID)"`
	Text             string `json:"text" jsonschema:"required,message text"`
	ExpiresInSeconds int    `json:"expires_in_seconds,omitempty" jsonschema:"seconds before an unsent message expires, defaults to the configured timeout"`
}

// StatusInput has no parameters.
type StatusInput struct{}

// MessageInput names a message for the download tools.
type MessageInput struct {
	MessageID string `json:"message_id" jsonschema:"required,message id (UUID)"`
}

// AvailabilityInput holds parameters for otr_set_availability.
type AvailabilityInput struct {
	Availability string `json:"availability" jsonschema:"required,one of none, available, away, busy"`
}

// ConversationInput names a conversation.
type ConversationInput struct {
	Conversation string `json:"conversation" jsonschema:"required,conversation id (UUID)"`
}

// --- Results ---

type SendTextResult struct {
	MessageID string `json:"message_id"`
}

type DownloadResult struct {
	MessageID string `json:"message_id"`
	Requested bool   `json:"requested"`
}

type CancelResult struct {
	MessageID string `json:"message_id"`
	Cancelled bool   `json:"cancelled"`
}

type AvailabilityResult struct {
	Availability string `json:"availability"`
}

type ResetSessionResult struct {
	Conversation string `json:"conversation"`
	MessageID    string `json:"message_id"`
}

// --- Handlers ---

func sendTextHandler(c Controller, logger *slog.Logger) mcp.ToolHandlerFor[SendTextInput, *SendTextResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input SendTextInput) (*mcp.CallToolResult, *SendTextResult, error) {
		conv, err := parseID("conversation", input.Conversation)
		if err != nil {
			return nil, nil, err
		}

		text := norm.NFC.String(strings.TrimSpace(input.Text))
		if text == "" {
			return nil, nil, fmt.Errorf("text is empty")
		}

		if input.ExpiresInSeconds < 0 {
			return nil, nil, fmt.Errorf("expires_in_seconds must not be negative")
		}

		nonce, err := c.SendText(ctx, conv, text, time.Duration(input.ExpiresInSeconds)*time.Second)
		if err != nil {
			return nil, nil, err
		}

		logger.Info("message queued via mcp",
			slog.String("user_id", auth.RequestUserID(ctx)),
			slog.String("conversation", conv.String()),
			slog.String("message", nonce.String()),
		)

		result := &SendTextResult{MessageID: nonce.String()}

		return textResult(result), result, nil
	}
}

func statusHandler(c Controller) mcp.ToolHandlerFor[StatusInput, *engine.Snapshot] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ StatusInput) (*mcp.CallToolResult, *engine.Snapshot, error) {
		snap, err := c.Snapshot(ctx)
		if err != nil {
			return nil, nil, err
		}

		return textResult(snap), &snap, nil
	}
}

func downloadPreviewHandler(c Controller) mcp.ToolHandlerFor[MessageInput, *DownloadResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input MessageInput) (*mcp.CallToolResult, *DownloadResult, error) {
		nonce, err := parseID("message_id", input.MessageID)
		if err != nil {
			return nil, nil, err
		}

		if err := c.DownloadPreview(ctx, nonce); err != nil {
			return nil, nil, err
		}

		result := &DownloadResult{MessageID: nonce.String(), Requested: true}

		return textResult(result), result, nil
	}
}

func downloadAssetHandler(c Controller) mcp.ToolHandlerFor[MessageInput, *DownloadResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input MessageInput) (*mcp.CallToolResult, *DownloadResult, error) {
		nonce, err := parseID("message_id", input.MessageID)
		if err != nil {
			return nil, nil, err
		}

		if err := c.DownloadAsset(ctx, nonce); err != nil {
			return nil, nil, err
		}

		result := &DownloadResult{MessageID: nonce.String(), Requested: true}

		return textResult(result), result, nil
	}
}

func cancelDownloadHandler(c Controller) mcp.ToolHandlerFor[MessageInput, *CancelResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input MessageInput) (*mcp.CallToolResult, *CancelResult, error) {
		nonce, err := parseID("message_id", input.MessageID)
		if err != nil {
			return nil, nil, err
		}

		cancelled, err := c.CancelDownload(ctx, nonce)
		if err != nil {
			return nil, nil, err
		}

		result := &CancelResult{MessageID: nonce.String(), Cancelled: cancelled}

		return textResult(result), result, nil
	}
}

func setAvailabilityHandler(c Controller, logger *slog.Logger) mcp.ToolHandlerFor[AvailabilityInput, *AvailabilityResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input AvailabilityInput) (*mcp.CallToolResult, *AvailabilityResult, error) {
		name := strings.ToLower(strings.TrimSpace(input.Availability))

		a, ok := availabilities[name]
		if !ok {
			return nil, nil, fmt.Errorf("unknown availability %q", input.Availability)
		}

		if err := c.SetAvailability(ctx, a); err != nil {
			return nil, nil, err
		}

		logger.Info("availability set via mcp",
			slog.String("user_id", auth.RequestUserID(ctx)),
			slog.String("availability", name),
		)

		result := &AvailabilityResult{Availability: name}

		return textResult(result), result, nil
	}
}

func resetSessionHandler(c Controller, logger *slog.Logger) mcp.ToolHandlerFor[ConversationInput, *ResetSessionResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ConversationInput) (*mcp.CallToolResult, *ResetSessionResult, error) {
		conv, err := parseID("conversation", input.Conversation)
		if err != nil {
			return nil, nil, err
		}

		id, err := c.ResetSession(ctx, conv)
		if err != nil {
			return nil, nil, err
		}

		logger.Info("session reset queued via mcp",
			slog.String("user_id", auth.RequestUserID(ctx)),
			slog.String("conversation", conv.String()),
		)

		result := &ResetSessionResult{Conversation: conv.String(), MessageID: id.String()}

		return textResult(result), result, nil
	}
}

var availabilities = map[string]model.Availability{
	"none":      model.AvailabilityNone,
	"available": model.AvailabilityAvailable,
	"away":      model.AvailabilityAway,
	"busy":      model.AvailabilityBusy,
}

func parseID(field, s string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s: %w", field, err)
	}

	return id, nil
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
