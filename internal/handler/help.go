package handler

import (
	tele "gopkg.in/telebot.v3"
)

// HelpHandler handles the /help command.
type HelpHandler struct{}

// NewHelpHandler creates a new HelpHandler.
func NewHelpHandler() *HelpHandler {
	return &HelpHandler{}
}

// HandleHelp shows the command overview.
func (h *HelpHandler) HandleHelp(c tele.Context) error {
	return c.Reply(
		"📖 Escrow Bot Help\n\n" +
			"Wallet:\n" +
			"/wallet - Check balance and deal counters\n" +
			"/redeem CODE - Redeem a voucher code\n\n" +
			"Deals:\n" +
			"/escrow - Create a new escrow deal (seller)\n" +
			"/find_deal DEAL_ID - Look up a deal\n" +
			"/approve_deal DEAL_ID - Approve and fund a deal (buyer)\n" +
			"/decline_deal DEAL_ID - Decline a pending deal (buyer)\n" +
			"/confirm_deal DEAL_ID - Confirm product receipt (buyer)\n" +
			"/report_deal DEAL_ID - Report a problem with a deal\n" +
			"/cancel - Abort deal creation or a pending delivery\n\n" +
			"Funds are held by the bot after approval and released to the " +
			"seller once the buyer confirms receipt. The platform fee is " +
			"charged to the buyer on approval and is not refundable.",
	)
}
