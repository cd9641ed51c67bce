package signal

import (
	"context"

	"skytrader/internal/core"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// BotAPI is the part of the Telegram client the command source uses
type BotAPI interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramSource reads operator commands from one authorised chat
type TelegramSource struct {
	bot     BotAPI
	chatID  int64
	handler *CommandHandler
	logger  core.ILogger
}

func NewTelegramSource(bot BotAPI, chatID int64, handler *CommandHandler, logger core.ILogger) *TelegramSource {
	return &TelegramSource{
		bot:     bot,
		chatID:  chatID,
		handler: handler,
		logger:  logger.WithField("component", "telegram_commands"),
	}
}

func (s *TelegramSource) Name() string { return ManualSource }

// Run long-polls updates until ctx ends. Commands run one at a time.
func (s *TelegramSource) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := s.bot.GetUpdatesChan(u)
	defer s.bot.StopReceivingUpdates()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			s.handle(ctx, update)
		}
	}
}

func (s *TelegramSource) handle(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.Chat == nil {
		return
	}
	if msg.Chat.ID != s.chatID {
		s.logger.Warn("Command from unauthorised chat ignored", "chat_id", msg.Chat.ID)
		return
	}
	cmd, ok := ParseCommand(msg.Text)
	if !ok {
		return
	}

	s.logger.Info("Command received", "command", cmd.Name, "args", cmd.Args)
	reply := s.handler.Handle(ctx, cmd)
	if _, err := s.bot.Send(tgbotapi.NewMessage(s.chatID, reply)); err != nil {
		s.logger.Error("Failed to send command reply", "command", cmd.Name, "error", err)
	}
}
