package signal

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"skytrader/internal/core"
	"skytrader/internal/trading/lifecycle"

	"github.com/shopspring/decimal"
)

// ManualSource is the source name of operator commands
const ManualSource = "manual"

// Console is the engine surface used by operator commands
type Console interface {
	Status(ctx context.Context) (string, error)
	SetDefaultLeverage(leverage int) error
	SetDefaultMargin(margin decimal.Decimal) error
	Defaults() (decimal.Decimal, int)
}

// MilestoneSwitch toggles gain milestone notifications
type MilestoneSwitch interface {
	SetMilestones(enabled bool)
	Milestones() bool
}

// Command is a parsed operator command
type Command struct {
	Name string
	Args []string
}

// ParseCommand parses "/name arg..." text. A bot suffix ("/status@mybot")
// is dropped. Text not starting with a slash is not a command.
func ParseCommand(text string) (Command, bool) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return Command{}, false
	}
	name := strings.TrimPrefix(fields[0], "/")
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	if name == "" {
		return Command{}, false
	}
	return Command{Name: strings.ToLower(name), Args: fields[1:]}, true
}

const helpText = `/status - position, orders and settings
/long [margin] [leverage] - open long
/short [margin] [leverage] - open short
/close - close the position
/leverage N - default leverage
/quantity N - default margin in USDT
/mode all|off|<timeframe> - enabled signal sources
/gain_alert on|off - gain milestone notifications
/help - this list`

// CommandHandler executes operator commands and renders the reply
type CommandHandler struct {
	dispatcher *Dispatcher
	console    Console
	milestones MilestoneSwitch
}

func NewCommandHandler(dispatcher *Dispatcher, console Console, milestones MilestoneSwitch) *CommandHandler {
	return &CommandHandler{dispatcher: dispatcher, console: console, milestones: milestones}
}

// Handle runs cmd and returns the text to send back
func (h *CommandHandler) Handle(ctx context.Context, cmd Command) string {
	switch cmd.Name {
	case "status":
		report, err := h.console.Status(ctx)
		if err != nil {
			return "Status unavailable: " + err.Error()
		}
		return report

	case "long", "short":
		req, err := parseOpenArgs(cmd)
		if err != nil {
			return err.Error()
		}
		res, err := h.dispatcher.RequestOpen(ctx, ManualSource, req)
		if err != nil {
			return "Open failed: " + err.Error()
		}
		return describeOpen(res)

	case "close":
		res, err := h.dispatcher.RequestClose(ctx, ManualSource)
		if err != nil {
			return "Close failed: " + err.Error()
		}
		return describeClose(res)

	case "leverage":
		if len(cmd.Args) != 1 {
			_, lev := h.console.Defaults()
			return fmt.Sprintf("Leverage is x%d. Usage: /leverage N", lev)
		}
		lev, err := strconv.Atoi(cmd.Args[0])
		if err != nil {
			return "Leverage must be a whole number"
		}
		if err := h.console.SetDefaultLeverage(lev); err != nil {
			return err.Error()
		}
		return fmt.Sprintf("Leverage set to x%d", lev)

	case "quantity":
		if len(cmd.Args) != 1 {
			margin, _ := h.console.Defaults()
			return fmt.Sprintf("Margin is %s USDT. Usage: /quantity N", margin)
		}
		margin, err := decimal.NewFromString(cmd.Args[0])
		if err != nil {
			return "Margin must be a number"
		}
		if err := h.console.SetDefaultMargin(margin); err != nil {
			return err.Error()
		}
		return fmt.Sprintf("Margin set to %s USDT", margin)

	case "mode":
		if len(cmd.Args) != 1 {
			return fmt.Sprintf("Mode is %s. Options: %s", h.dispatcher.Mode(), strings.Join(h.dispatcher.Modes(), ", "))
		}
		if err := h.dispatcher.SetMode(strings.ToLower(cmd.Args[0])); err != nil {
			return err.Error()
		}
		return "Mode set to " + h.dispatcher.Mode()

	case "gain_alert":
		if len(cmd.Args) != 1 {
			return fmt.Sprintf("Gain alerts are %s. Usage: /gain_alert on|off", onOff(h.milestones.Milestones()))
		}
		switch strings.ToLower(cmd.Args[0]) {
		case "on":
			h.milestones.SetMilestones(true)
		case "off":
			h.milestones.SetMilestones(false)
		default:
			return "Usage: /gain_alert on|off"
		}
		return "Gain alerts " + onOff(h.milestones.Milestones())

	case "help", "start":
		return helpText
	}
	return "Unknown command /" + cmd.Name + ", see /help"
}

func parseOpenArgs(cmd Command) (lifecycle.OpenRequest, error) {
	req := lifecycle.OpenRequest{Direction: core.Long}
	if cmd.Name == "short" {
		req.Direction = core.Short
	}
	if len(cmd.Args) > 2 {
		return req, fmt.Errorf("usage: /%s [margin] [leverage]", cmd.Name)
	}
	if len(cmd.Args) > 0 {
		margin, err := decimal.NewFromString(cmd.Args[0])
		if err != nil || margin.Sign() <= 0 {
			return req, fmt.Errorf("margin must be a positive number")
		}
		req.MarginUSDT = margin
	}
	if len(cmd.Args) > 1 {
		lev, err := strconv.Atoi(cmd.Args[1])
		if err != nil || lev < 1 || lev > 125 {
			return req, fmt.Errorf("leverage must be between 1 and 125")
		}
		req.Leverage = lev
	}
	return req, nil
}

func describeOpen(res *lifecycle.Result) string {
	if res.Outcome == lifecycle.OutcomeAlreadyOpen {
		return fmt.Sprintf("%s already open (%s @ %s)", res.Direction, res.Quantity, res.Price)
	}
	return fmt.Sprintf("%s opened: %s @ %s, x%d", res.Direction, res.Quantity, res.Price, res.Leverage)
}

func describeClose(res *lifecycle.Result) string {
	if res.Outcome == lifecycle.OutcomeNothingToClose {
		return "Nothing to close"
	}
	text := fmt.Sprintf("%s closed: %s @ %s", res.Direction, res.Quantity, res.Price)
	if res.Warning != "" {
		text += "\nWARNING: " + res.Warning
	}
	return text
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}
