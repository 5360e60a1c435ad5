package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/mtzanidakis/orkestra/internal/config"
	"github.com/mtzanidakis/orkestra/internal/models"
	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	tu "github.com/mymmrac/telego/telegoutil"
)

const telegramMaxLen = 4096

// Commands is what chat users can ask of the engine.
type Commands interface {
	SubmitTask(ctx context.Context, description string, priority models.Priority) (string, error)
	StatusText(ctx context.Context, workflowID string) (string, error)
	CancelWorkflow(ctx context.Context, workflowID string) (models.WorkflowState, error)
	StandupText(ctx context.Context) (string, error)
}

// Telegram sends notifications to the configured chats and accepts task
// submissions and commands from them.
type Telegram struct {
	bot     *telego.Bot
	chatIDs []int64
	cmds    Commands
}

func NewTelegram(cfg config.TelegramConfig) (*Telegram, error) {
	if cfg.Token == "" {
		return nil, errors.New("telegram token is empty")
	}
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Telegram{bot: bot, chatIDs: cfg.ChatIDs}, nil
}

// SetCommands enables inbound chat commands. Without it the bot only sends.
func (t *Telegram) SetCommands(c Commands) {
	t.cmds = c
}

// Start polls for chat updates until ctx is done.
func (t *Telegram) Start(ctx context.Context) error {
	updates, err := t.bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		return fmt.Errorf("start long polling: %w", err)
	}

	handler, err := th.NewBotHandler(t.bot, updates)
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}

	handler.HandleMessage(func(hctx *th.Context, message telego.Message) error {
		t.handleMessage(ctx, message)
		return nil
	})

	go handler.Start()

	<-ctx.Done()
	_ = handler.Stop()
	return nil
}

// Notify sends text to every configured chat.
func (t *Telegram) Notify(ctx context.Context, text string) error {
	var errs []error
	for _, id := range t.chatIDs {
		if err := t.send(ctx, id, text); err != nil {
			errs = append(errs, fmt.Errorf("chat %d: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (t *Telegram) handleMessage(ctx context.Context, msg telego.Message) {
	chatID := msg.Chat.ID
	if !slices.Contains(t.chatIDs, chatID) {
		slog.Warn("message from unknown telegram chat", "chat_id", chatID)
		return
	}
	if t.cmds == nil || msg.Text == "" {
		return
	}

	reply, err := t.dispatch(ctx, msg.Text)
	if err != nil {
		slog.Warn("telegram command failed", "chat_id", chatID, "error", err)
		reply = "Error: " + err.Error()
	}
	if reply == "" {
		return
	}
	if err := t.send(ctx, chatID, reply); err != nil {
		slog.Error("failed to send telegram message", "chat_id", chatID, "error", err)
	}
}

func (t *Telegram) dispatch(ctx context.Context, text string) (string, error) {
	cmd, arg := parseCommand(text)
	switch cmd {
	case "", "task":
		return t.submit(ctx, arg, models.PriorityMedium)
	case "urgent":
		return t.submit(ctx, arg, models.PriorityUrgent)
	case "status":
		if arg == "" {
			return "", fmt.Errorf("usage: /status <workflow-id>")
		}
		return t.cmds.StatusText(ctx, arg)
	case "cancel":
		if arg == "" {
			return "", fmt.Errorf("usage: /cancel <workflow-id>")
		}
		state, err := t.cmds.CancelWorkflow(ctx, arg)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Workflow %s is %s", arg, state), nil
	case "standup":
		return t.cmds.StandupText(ctx)
	case "start", "help":
		return helpText, nil
	}
	return "", fmt.Errorf("unknown command /%s", cmd)
}

func (t *Telegram) submit(ctx context.Context, description string, priority models.Priority) (string, error) {
	if strings.TrimSpace(description) == "" {
		return helpText, nil
	}
	id, err := t.cmds.SubmitTask(ctx, description, priority)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Workflow %s submitted", id), nil
}

func (t *Telegram) send(ctx context.Context, chatID int64, text string) error {
	for _, chunk := range chunkMessage(text, telegramMaxLen) {
		if _, err := t.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), chunk)); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	return nil
}

const helpText = `Send a task description to start a workflow.
/urgent <description> submits it with urgent priority
/status <workflow-id>
/cancel <workflow-id>
/standup`
